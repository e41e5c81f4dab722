package txn

import (
	"sort"
	"time"
)

// Metadata is the identity and lifecycle state of a transaction.
type Metadata struct {
	UUID        string
	Status      Status
	PrepareTime time.Time
	ExpireTime  time.Time
	FinishTime  time.Time
	MemoryOnly  bool

	// Replication set. When ReplicateReadCount > 0 and at least that many nodes are listed,
	// the transaction is served by an R-of-N quorum of coordinators.
	ReplicateReadCount  int32
	ReplicateTotalCount int32
	ReplicateNodes      []string
}

// Replicated reports whether calls for this transaction use quorum mode.
func (m *Metadata) Replicated() bool {
	return m.ReplicateReadCount > 0 && len(m.ReplicaNodes()) >= int(m.ReplicateReadCount)
}

// ReplicaNodes returns the first ReplicateTotalCount candidate nodes.
func (m *Metadata) ReplicaNodes() []string {
	n := int(m.ReplicateTotalCount)
	if n <= 0 || n > len(m.ReplicateNodes) {
		n = len(m.ReplicateNodes)
	}
	return m.ReplicateNodes[:n]
}

// Clone returns a deep copy of the metadata.
func (m *Metadata) Clone() Metadata {
	out := *m
	out.ReplicateNodes = append([]string(nil), m.ReplicateNodes...)
	return out
}

// Configure is the policy attached to a transaction.
type Configure struct {
	ResolveMaxTimes      int32
	LockRetryMaxTimes    int32
	ResolveRetryInterval time.Duration
	LockWaitIntervalMin  time.Duration
	LockWaitIntervalMax  time.Duration
	// ForceCommit skips the coordinator; participants execute on prepare and undo on reject.
	ForceCommit bool
}

// Participant is one participant entry of a transaction as seen by the coordinator.
type Participant struct {
	Key    string
	Status Status
	Data   []byte
}

// Storage is the full transaction record.
type Storage struct {
	Metadata     Metadata
	Configure    Configure
	Data         []byte
	Participants map[string]*Participant
}

// Clone returns a deep copy of the storage.
func (s *Storage) Clone() *Storage {
	if s == nil {
		return nil
	}
	out := &Storage{
		Metadata:     s.Metadata.Clone(),
		Configure:    s.Configure,
		Data:         cloneBytes(s.Data),
		Participants: make(map[string]*Participant, len(s.Participants)),
	}
	for k, p := range s.Participants {
		out.Participants[k] = &Participant{Key: p.Key, Status: p.Status, Data: cloneBytes(p.Data)}
	}
	return out
}

// ParticipantKeys returns participant keys in a stable order.
func (s *Storage) ParticipantKeys() []string {
	keys := make([]string, 0, len(s.Participants))
	for k := range s.Participants {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParticipantView builds the participant-local view of this transaction for key.
func (s *Storage) ParticipantView(key string) *ParticipantStorage {
	ps := &ParticipantStorage{
		Metadata:       s.Metadata.Clone(),
		Configure:      s.Configure,
		Data:           cloneBytes(s.Data),
		ParticipantKey: key,
	}
	if p, ok := s.Participants[key]; ok {
		ps.ParticipantData = cloneBytes(p.Data)
	}
	return ps
}

// ParticipantStorage is the participant-local view of a transaction.
type ParticipantStorage struct {
	Metadata        Metadata
	Configure       Configure
	Data            []byte
	ParticipantKey  string
	ParticipantData []byte

	LockResources []string
	ResolveTime   time.Time
	ResolveTimes  int32
	Outcome       Outcome
}

// Clone returns a deep copy.
func (ps *ParticipantStorage) Clone() *ParticipantStorage {
	if ps == nil {
		return nil
	}
	out := *ps
	out.Metadata = ps.Metadata.Clone()
	out.Data = cloneBytes(ps.Data)
	out.ParticipantData = cloneBytes(ps.ParticipantData)
	out.LockResources = append([]string(nil), ps.LockResources...)
	return &out
}

// Snapshot is the dumped state of a participant ledger.
type Snapshot struct {
	Running  []*ParticipantStorage
	Finished []*ParticipantStorage
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
