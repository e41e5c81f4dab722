package txn

import (
	"fmt"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers are part of the persisted format. Never renumber.
const (
	mdUUID protowire.Number = iota + 1
	mdStatus
	mdPrepareTime
	mdExpireTime
	mdFinishTime
	mdMemoryOnly
	mdReplicateReadCount
	mdReplicateTotalCount
	mdReplicateNodes
)

const (
	cfgResolveMaxTimes protowire.Number = iota + 1
	cfgLockRetryMaxTimes
	cfgResolveRetryInterval
	cfgLockWaitMin
	cfgLockWaitMax
	cfgForceCommit
)

const (
	partKey protowire.Number = iota + 1
	partStatus
	partData
)

const (
	stMetadata protowire.Number = iota + 1
	stConfigure
	stData
	stParticipants
)

const (
	psMetadata protowire.Number = iota + 1
	psConfigure
	psData
	psParticipantKey
	psParticipantData
	psLockResources
	psResolveTime
	psResolveTimes
	psOutcome
)

const (
	snapRunning protowire.Number = iota + 1
	snapFinished
)

// MarshalStorage encodes a transaction record.
func MarshalStorage(s *Storage) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil storage", ErrPack)
	}
	return appendStorage(nil, s), nil
}

// UnmarshalStorage decodes a transaction record.
func UnmarshalStorage(b []byte) (*Storage, error) {
	s := &Storage{Participants: make(map[string]*Participant)}
	if err := decodeStorage(b, s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnpack, err)
	}
	return s, nil
}

// MarshalParticipantStorage encodes a participant-local record.
func MarshalParticipantStorage(ps *ParticipantStorage) ([]byte, error) {
	if ps == nil {
		return nil, fmt.Errorf("%w: nil participant storage", ErrPack)
	}
	return appendParticipantStorage(nil, ps), nil
}

// UnmarshalParticipantStorage decodes a participant-local record.
func UnmarshalParticipantStorage(b []byte) (*ParticipantStorage, error) {
	ps := &ParticipantStorage{}
	if err := decodeParticipantStorage(b, ps); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnpack, err)
	}
	return ps, nil
}

// MarshalSnapshot encodes a ledger snapshot.
func MarshalSnapshot(snap *Snapshot) ([]byte, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrPack)
	}
	var b []byte
	for _, ps := range snap.Running {
		b = appendMessage(b, snapRunning, appendParticipantStorage(nil, ps))
	}
	for _, ps := range snap.Finished {
		b = appendMessage(b, snapFinished, appendParticipantStorage(nil, ps))
	}
	return b, nil
}

// UnmarshalSnapshot decodes a ledger snapshot.
func UnmarshalSnapshot(b []byte) (*Snapshot, error) {
	snap := &Snapshot{}
	err := readFields(b, func(f field) error {
		if f.num != snapRunning && f.num != snapFinished {
			return nil
		}
		ps := &ParticipantStorage{}
		if err := decodeParticipantStorage(f.bytes, ps); err != nil {
			return err
		}
		if f.num == snapRunning {
			snap.Running = append(snap.Running, ps)
		} else {
			snap.Finished = append(snap.Finished, ps)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnpack, err)
	}
	return snap, nil
}

func appendMetadata(b []byte, m *Metadata) []byte {
	b = appendString(b, mdUUID, m.UUID)
	b = appendVarint(b, mdStatus, uint64(m.Status))
	b = appendTime(b, mdPrepareTime, m.PrepareTime)
	b = appendTime(b, mdExpireTime, m.ExpireTime)
	b = appendTime(b, mdFinishTime, m.FinishTime)
	b = appendBool(b, mdMemoryOnly, m.MemoryOnly)
	b = appendVarint(b, mdReplicateReadCount, uint64(m.ReplicateReadCount))
	b = appendVarint(b, mdReplicateTotalCount, uint64(m.ReplicateTotalCount))
	for _, n := range m.ReplicateNodes {
		b = protowire.AppendTag(b, mdReplicateNodes, protowire.BytesType)
		b = protowire.AppendString(b, n)
	}
	return b
}

func decodeMetadata(b []byte, m *Metadata) error {
	return readFields(b, func(f field) error {
		switch f.num {
		case mdUUID:
			m.UUID = string(f.bytes)
		case mdStatus:
			m.Status = Status(f.v)
		case mdPrepareTime:
			m.PrepareTime = fromUnixNano(f.v)
		case mdExpireTime:
			m.ExpireTime = fromUnixNano(f.v)
		case mdFinishTime:
			m.FinishTime = fromUnixNano(f.v)
		case mdMemoryOnly:
			m.MemoryOnly = f.v != 0
		case mdReplicateReadCount:
			m.ReplicateReadCount = int32(f.v)
		case mdReplicateTotalCount:
			m.ReplicateTotalCount = int32(f.v)
		case mdReplicateNodes:
			m.ReplicateNodes = append(m.ReplicateNodes, string(f.bytes))
		}
		return nil
	})
}

func appendConfigure(b []byte, c *Configure) []byte {
	b = appendVarint(b, cfgResolveMaxTimes, uint64(c.ResolveMaxTimes))
	b = appendVarint(b, cfgLockRetryMaxTimes, uint64(c.LockRetryMaxTimes))
	b = appendVarint(b, cfgResolveRetryInterval, uint64(c.ResolveRetryInterval))
	b = appendVarint(b, cfgLockWaitMin, uint64(c.LockWaitIntervalMin))
	b = appendVarint(b, cfgLockWaitMax, uint64(c.LockWaitIntervalMax))
	b = appendBool(b, cfgForceCommit, c.ForceCommit)
	return b
}

func decodeConfigure(b []byte, c *Configure) error {
	return readFields(b, func(f field) error {
		switch f.num {
		case cfgResolveMaxTimes:
			c.ResolveMaxTimes = int32(f.v)
		case cfgLockRetryMaxTimes:
			c.LockRetryMaxTimes = int32(f.v)
		case cfgResolveRetryInterval:
			c.ResolveRetryInterval = time.Duration(f.v)
		case cfgLockWaitMin:
			c.LockWaitIntervalMin = time.Duration(f.v)
		case cfgLockWaitMax:
			c.LockWaitIntervalMax = time.Duration(f.v)
		case cfgForceCommit:
			c.ForceCommit = f.v != 0
		}
		return nil
	})
}

func appendStorage(b []byte, s *Storage) []byte {
	b = appendMessage(b, stMetadata, appendMetadata(nil, &s.Metadata))
	b = appendMessage(b, stConfigure, appendConfigure(nil, &s.Configure))
	b = appendBytes(b, stData, s.Data)

	keys := make([]string, 0, len(s.Participants))
	for k := range s.Participants {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := s.Participants[k]
		var pb []byte
		pb = appendString(pb, partKey, p.Key)
		pb = appendVarint(pb, partStatus, uint64(p.Status))
		pb = appendBytes(pb, partData, p.Data)
		b = appendMessage(b, stParticipants, pb)
	}
	return b
}

func decodeStorage(b []byte, s *Storage) error {
	return readFields(b, func(f field) error {
		switch f.num {
		case stMetadata:
			return decodeMetadata(f.bytes, &s.Metadata)
		case stConfigure:
			return decodeConfigure(f.bytes, &s.Configure)
		case stData:
			s.Data = cloneBytes(f.bytes)
		case stParticipants:
			p := &Participant{}
			err := readFields(f.bytes, func(pf field) error {
				switch pf.num {
				case partKey:
					p.Key = string(pf.bytes)
				case partStatus:
					p.Status = Status(pf.v)
				case partData:
					p.Data = cloneBytes(pf.bytes)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if s.Participants == nil {
				s.Participants = make(map[string]*Participant)
			}
			s.Participants[p.Key] = p
		}
		return nil
	})
}

func appendParticipantStorage(b []byte, ps *ParticipantStorage) []byte {
	b = appendMessage(b, psMetadata, appendMetadata(nil, &ps.Metadata))
	b = appendMessage(b, psConfigure, appendConfigure(nil, &ps.Configure))
	b = appendBytes(b, psData, ps.Data)
	b = appendString(b, psParticipantKey, ps.ParticipantKey)
	b = appendBytes(b, psParticipantData, ps.ParticipantData)
	for _, r := range ps.LockResources {
		b = protowire.AppendTag(b, psLockResources, protowire.BytesType)
		b = protowire.AppendString(b, r)
	}
	b = appendTime(b, psResolveTime, ps.ResolveTime)
	b = appendVarint(b, psResolveTimes, uint64(ps.ResolveTimes))
	b = appendVarint(b, psOutcome, uint64(ps.Outcome))
	return b
}

func decodeParticipantStorage(b []byte, ps *ParticipantStorage) error {
	return readFields(b, func(f field) error {
		switch f.num {
		case psMetadata:
			return decodeMetadata(f.bytes, &ps.Metadata)
		case psConfigure:
			return decodeConfigure(f.bytes, &ps.Configure)
		case psData:
			ps.Data = cloneBytes(f.bytes)
		case psParticipantKey:
			ps.ParticipantKey = string(f.bytes)
		case psParticipantData:
			ps.ParticipantData = cloneBytes(f.bytes)
		case psLockResources:
			ps.LockResources = append(ps.LockResources, string(f.bytes))
		case psResolveTime:
			ps.ResolveTime = fromUnixNano(f.v)
		case psResolveTimes:
			ps.ResolveTimes = int32(f.v)
		case psOutcome:
			ps.Outcome = Outcome(f.v)
		}
		return nil
	})
}

// field is one decoded wire field. Varint values land in v, length-delimited ones in bytes.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	v     uint64
	bytes []byte
}

func readFields(b []byte, visit func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	return appendVarint(b, num, uint64(t.UnixNano()))
}

func fromUnixNano(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v))
}
