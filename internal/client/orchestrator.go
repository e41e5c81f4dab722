package client

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"disttx/internal/metrics"
	"disttx/internal/ring"
	"disttx/internal/txn"
)

const (
	DefaultTimeout              = 5 * time.Second
	DefaultResolveMaxTimes      = 3
	DefaultLockRetryMaxTimes    = 3
	DefaultResolveRetryInterval = 10 * time.Second
	DefaultLockWaitIntervalMin  = 32 * time.Millisecond
	DefaultLockWaitIntervalMax  = 256 * time.Millisecond

	// fallbackTimeout replaces a non-positive timeout.
	fallbackTimeout = 10 * time.Second
	// notifyTimeout bounds each fire-and-forget notification.
	notifyTimeout = 5 * time.Second
)

// Coordinator is the coordinator surface used by the orchestrator.
type Coordinator interface {
	Create(ctx context.Context, s *txn.Storage) (*txn.Storage, error)
	Commit(ctx context.Context, md *txn.Metadata) error
	// Remove deletes the record. With noWait it returns once the request is sent.
	Remove(ctx context.Context, md *txn.Metadata, noWait bool) error
}

// Participants reaches participants by key.
type Participants interface {
	Prepare(ctx context.Context, key string, ps *txn.ParticipantStorage) (*txn.ParticipantStorage, error)
	Commit(ctx context.Context, key string, md *txn.Metadata) error
	// Reject notifies a rejection. view is set only for force-commit transactions.
	Reject(ctx context.Context, key string, md *txn.Metadata, view *txn.ParticipantStorage) error
}

// Nodes lists the coordinator nodes a replicated transaction may use.
type Nodes interface {
	ReplicaSet() []ring.Node
}

// Options configures a new transaction. Zero values take the package defaults.
type Options struct {
	Timeout             time.Duration
	ReplicateReadCount  int32
	ReplicateTotalCount int32
	MemoryOnly          bool
	ForceCommit         bool

	ResolveMaxTimes      int32
	LockRetryMaxTimes    int32
	ResolveRetryInterval time.Duration
	LockWaitIntervalMin  time.Duration
	LockWaitIntervalMax  time.Duration
}

// SubmitResult lists the participants prepared by Submit and the one that failed, if any.
type SubmitResult struct {
	Prepared []string
	Failed   string
}

// Orchestrator drives transactions from the initiating side.
type Orchestrator struct {
	coord Coordinator
	parts Participants
	nodes Nodes
	log   *zap.Logger
	m     *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	notify sync.WaitGroup
}

// New creates an orchestrator. nodes may be nil when no transaction is replicated. m may be nil.
func New(coord Coordinator, parts Participants, nodes Nodes, log *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		coord: coord,
		parts: parts,
		nodes: nodes,
		log:   log,
		m:     m,
		now:   time.Now,
		sleep: sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Create allocates a transaction with defaults filled in. It is registered at the coordinator by Submit.
func (o *Orchestrator) Create(opts Options) (*txn.Storage, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate transaction id: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if timeout < 0 {
		timeout = fallbackTimeout
	}
	now := o.now()

	s := &txn.Storage{
		Metadata: txn.Metadata{
			UUID:        id.String(),
			Status:      txn.StatusCreated,
			PrepareTime: now,
			ExpireTime:  now.Add(timeout),
			MemoryOnly:  opts.MemoryOnly,
		},
		Configure:    configure(opts),
		Participants: make(map[string]*txn.Participant),
	}
	if opts.ReplicateReadCount > 0 {
		o.assignReplicas(&s.Metadata, opts)
	}
	o.m.TransactionCreated()
	return s, nil
}

func configure(opts Options) txn.Configure {
	c := txn.Configure{
		ResolveMaxTimes:      opts.ResolveMaxTimes,
		LockRetryMaxTimes:    opts.LockRetryMaxTimes,
		ResolveRetryInterval: opts.ResolveRetryInterval,
		LockWaitIntervalMin:  opts.LockWaitIntervalMin,
		LockWaitIntervalMax:  opts.LockWaitIntervalMax,
		ForceCommit:          opts.ForceCommit,
	}
	if c.ResolveMaxTimes <= 0 {
		c.ResolveMaxTimes = DefaultResolveMaxTimes
	}
	if c.LockRetryMaxTimes <= 0 {
		c.LockRetryMaxTimes = DefaultLockRetryMaxTimes
	}
	if c.ResolveRetryInterval <= 0 {
		c.ResolveRetryInterval = DefaultResolveRetryInterval
	}
	if c.LockWaitIntervalMin <= 0 {
		c.LockWaitIntervalMin = DefaultLockWaitIntervalMin
	}
	if c.LockWaitIntervalMax <= 0 {
		c.LockWaitIntervalMax = DefaultLockWaitIntervalMax
	}
	if c.LockWaitIntervalMax < c.LockWaitIntervalMin {
		c.LockWaitIntervalMax = c.LockWaitIntervalMin
	}
	return c
}

// assignReplicas lists every coordinator node starting at the one the uuid hashes to.
func (o *Orchestrator) assignReplicas(md *txn.Metadata, opts Options) {
	if o.nodes == nil {
		return
	}
	nodes := o.nodes.ReplicaSet()
	n := len(nodes)
	if n == 0 {
		return
	}

	total := int(opts.ReplicateTotalCount)
	if total <= 0 || total > n {
		total = n
	}
	read := int(opts.ReplicateReadCount)
	if read > total {
		read = total
	}

	start := int(ring.Hash(md.UUID) % uint32(n))
	md.ReplicateNodes = make([]string, 0, n)
	for i := 0; i < n; i++ {
		md.ReplicateNodes = append(md.ReplicateNodes, nodes[(start+i)%n].ID)
	}
	md.ReplicateReadCount = int32(read)
	md.ReplicateTotalCount = int32(total)
}

// SetTransactionData replaces the opaque transaction payload.
func (o *Orchestrator) SetTransactionData(s *txn.Storage, data []byte) error {
	if s.Metadata.Status >= txn.StatusPrepared {
		return txn.ErrAlreadyRunning
	}
	s.Data = append([]byte(nil), data...)
	return nil
}

// AddParticipant adds or replaces the participant key with its payload.
func (o *Orchestrator) AddParticipant(s *txn.Storage, key string, data []byte) error {
	if key == "" {
		return fmt.Errorf("%w: empty participant key", txn.ErrInvalidArgument)
	}
	if s.Metadata.Status >= txn.StatusPrepared {
		return txn.ErrAlreadyRunning
	}
	if s.Participants == nil {
		s.Participants = make(map[string]*txn.Participant)
	}
	s.Participants[key] = &txn.Participant{
		Key:    key,
		Status: txn.StatusPrepared,
		Data:   append([]byte(nil), data...),
	}
	return nil
}

// Submit registers the transaction, prepares every participant and commits or rolls back.
//
// A prepare refused with a retryable preemption restarts the whole round after a random wait
// within the lock wait interval, until the transaction expires or the retry limit is reached.
// Notifications to participants are sent in the background.
//
// When every participant is prepared but the coordinator commit fails, Submit returns the error
// without rejecting participants or removing the record: the commit may have been applied on some
// coordinators, so participants settle the outcome by querying the coordinator themselves.
// Force-commit transactions send no commit notifications; participants already ran them on prepare.
func (o *Orchestrator) Submit(ctx context.Context, s *txn.Storage) (SubmitResult, error) {
	var res SubmitResult
	if s.Metadata.UUID == "" {
		return res, fmt.Errorf("%w: empty transaction id", txn.ErrInvalidArgument)
	}
	if s.Metadata.Status > txn.StatusPrepared {
		return res, txn.ErrAlreadyRunning
	}

	prev := s.Metadata.Status
	s.Metadata.Status = txn.StatusPrepared
	force := s.Configure.ForceCommit
	log := o.log.With(zap.String("uuid", s.Metadata.UUID))

	if !force {
		created, err := o.coord.Create(ctx, s)
		if err != nil {
			s.Metadata.Status = prev
			return res, fmt.Errorf("create at coordinator: %w", err)
		}
		if created != nil {
			s.Metadata.PrepareTime = created.Metadata.PrepareTime
			s.Metadata.ExpireTime = created.Metadata.ExpireTime
		}
	}

	keys := s.ParticipantKeys()
	// everPrepared includes participants prepared by earlier rounds, which hold state until rejected.
	everPrepared := make(map[string]bool, len(keys))
	var err error
	for retry := int32(0); ; retry++ {
		res = SubmitResult{}
		err = nil
		for _, key := range keys {
			if _, err = o.parts.Prepare(ctx, key, s.ParticipantView(key)); err != nil {
				res.Failed = key
				break
			}
			everPrepared[key] = true
			res.Prepared = append(res.Prepared, key)
		}
		if err == nil || !txn.Retryable(err) {
			break
		}
		if retry >= s.Configure.LockRetryMaxTimes || !o.now().Before(s.Metadata.ExpireTime) {
			break
		}

		wait := lockWait(&s.Configure)
		o.m.PrepareRetry()
		log.Debug("prepare preempted, retrying", zap.String("participant", res.Failed),
			zap.Int32("retry", retry+1), zap.Duration("wait", wait))
		if serr := o.sleep(ctx, wait); serr != nil {
			err = serr
			break
		}
	}

	if err == nil && !force {
		if cerr := o.coord.Commit(ctx, &s.Metadata); cerr != nil {
			// Participants stay prepared and learn the outcome by querying the coordinator.
			log.Warn("commit at coordinator failed", zap.Error(cerr))
			return res, fmt.Errorf("commit at coordinator: %w", cerr)
		}
	}

	if err == nil {
		s.Metadata.Status = txn.StatusCommitting
		if !force {
			for _, key := range keys {
				o.notifyCommit(ctx, key, s.Metadata.Clone())
			}
		}
		o.m.Outcome("client", "commit")
		return res, nil
	}

	log.Info("transaction rolled back", zap.String("participant", res.Failed), zap.Error(err))
	s.Metadata.Status = txn.StatusRejecting
	for _, key := range keys {
		if !everPrepared[key] {
			continue
		}
		var view *txn.ParticipantStorage
		if force {
			view = s.ParticipantView(key)
		}
		o.notifyReject(ctx, key, s.Metadata.Clone(), view)
	}
	if !force {
		if rerr := o.coord.Remove(context.WithoutCancel(ctx), &s.Metadata, true); rerr != nil {
			log.Warn("remove at coordinator failed", zap.Error(rerr))
		}
	}
	o.m.Outcome("client", "reject")
	return res, err
}

// lockWait picks a random wait within the configured interval.
func lockWait(c *txn.Configure) time.Duration {
	lo, hi := c.LockWaitIntervalMin, c.LockWaitIntervalMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}

func (o *Orchestrator) notifyCommit(ctx context.Context, key string, md txn.Metadata) {
	o.background(ctx, "commit", key, func(ctx context.Context) error {
		return o.parts.Commit(ctx, key, &md)
	})
}

func (o *Orchestrator) notifyReject(ctx context.Context, key string, md txn.Metadata, view *txn.ParticipantStorage) {
	o.background(ctx, "reject", key, func(ctx context.Context) error {
		return o.parts.Reject(ctx, key, &md, view)
	})
}

func (o *Orchestrator) background(ctx context.Context, op, key string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	o.notify.Add(1)
	go func() {
		defer o.notify.Done()
		defer cancel()
		if err := fn(ctx); err != nil {
			o.log.Warn("participant notification failed", zap.String("op", op),
				zap.String("participant", key), zap.Error(err))
		}
	}()
}

// Wait blocks until every background notification has returned.
func (o *Orchestrator) Wait() {
	o.notify.Wait()
}
