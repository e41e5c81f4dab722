package participant

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"disttx/internal/metrics"
	"disttx/internal/txn"
)

const (
	DefaultResolveInterval = 10 * time.Second
	DefaultResolveMaxTimes = 3

	// finishedTickMask and finishedTickValue trigger an early reconciliation once every 16 finished entries.
	finishedTickMask  = 15
	finishedTickValue = 5
)

// Coordinator is the coordinator surface the ledger reconciles with.
type Coordinator interface {
	Query(ctx context.Context, md *txn.Metadata) (*txn.Storage, error)
	CommitParticipant(ctx context.Context, md *txn.Metadata, key string) error
	RejectParticipant(ctx context.Context, md *txn.Metadata, key string) error
}

// Config holds ledger settings.
type Config struct {
	// Key is this participant's key, used when a request does not carry one.
	Key string
	// ResolveRate limits reconciliation RPCs per second. Zero means unlimited.
	ResolveRate  float64
	ResolveBurst int
}

type resolveItem struct {
	at   time.Time
	uuid string
}

func lessResolveItem(a, b resolveItem) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.uuid < b.uuid
}

// Ledger tracks the transactions of one participant.
type Ledger struct {
	cfg   Config
	coord Coordinator
	hooks Hooks
	log   *zap.Logger
	m     *metrics.Metrics
	now   func() time.Time

	mu       sync.Mutex
	running  map[string]*txn.ParticipantStorage
	finished map[string]*txn.ParticipantStorage
	// closing marks running entries whose commit or reject is in progress.
	closing map[string]struct{}
	locks   map[string]string
	queue   *btree.BTreeG[resolveItem]

	resolving bool
	task      sync.WaitGroup
	limiter   *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a ledger. coord may be nil for a participant that never reconciles. m may be nil.
func New(cfg Config, coord Coordinator, hooks Hooks, log *zap.Logger, m *metrics.Metrics) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.ResolveRate > 0 {
		limit = rate.Limit(cfg.ResolveRate)
	}
	if cfg.ResolveBurst <= 0 {
		cfg.ResolveBurst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Ledger{
		cfg:      cfg,
		coord:    coord,
		hooks:    hooks,
		log:      log.With(zap.String("participant", cfg.Key)),
		m:        m,
		now:      time.Now,
		running:  make(map[string]*txn.ParticipantStorage),
		finished: make(map[string]*txn.ParticipantStorage),
		closing:  make(map[string]struct{}),
		locks:    make(map[string]string),
		queue:    btree.NewG(32, lessResolveItem),
		limiter:  rate.NewLimiter(limit, cfg.ResolveBurst),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Key returns the participant key.
func (l *Ledger) Key() string { return l.cfg.Key }

// CheckLock reports whether md may take resources under wound-wait ordering.
// A resource held by an older running transaction yields a retryable preemption error.
func (l *Ledger) CheckLock(md *txn.Metadata, resources []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLockLocked(md, resources)
}

func (l *Ledger) checkLockLocked(md *txn.Metadata, resources []string) error {
	if md.UUID == "" {
		return fmt.Errorf("%w: empty transaction id", txn.ErrInvalidArgument)
	}
	if md.Status.Resolved() {
		return txn.ErrTransactionFinished
	}
	for _, r := range resources {
		holderID, ok := l.locks[r]
		if !ok || holderID == md.UUID {
			continue
		}
		holder, ok := l.running[holderID]
		if !ok || holder.Metadata.Status.Resolved() {
			continue
		}
		if olderThan(&holder.Metadata, md) {
			return &txn.PrepareError{
				Err:    txn.ErrResourcePreempted,
				Reason: txn.FailureReason{AllowRetry: true, LockedResource: r},
			}
		}
	}
	return nil
}

// olderThan orders transactions by prepare time, then by uuid.
func olderThan(a, b *txn.Metadata) bool {
	if !a.PrepareTime.Equal(b.PrepareTime) {
		return a.PrepareTime.Before(b.PrepareTime)
	}
	return a.UUID < b.UUID
}

// Lock assigns resources to a running transaction, taking them from any current holder.
func (l *Ledger) Lock(uuid string, resources ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ps, ok := l.running[uuid]
	if !ok {
		return txn.ErrNotFound
	}
	if ps.Metadata.Status.Resolved() {
		return txn.ErrTransactionFinished
	}
	l.lockLocked(ps, resources)
	return nil
}

func (l *Ledger) lockLocked(ps *txn.ParticipantStorage, resources []string) {
	uuid := ps.Metadata.UUID
	for _, r := range resources {
		if !slices.Contains(ps.LockResources, r) {
			ps.LockResources = append(ps.LockResources, r)
		}
		if prev, ok := l.locks[r]; ok && prev != uuid {
			if holder, ok := l.running[prev]; ok {
				holder.LockResources = slices.DeleteFunc(holder.LockResources, func(s string) bool { return s == r })
			}
			l.log.Debug("resource taken over", zap.String("resource", r),
				zap.String("from", prev), zap.String("to", uuid))
		}
		l.locks[r] = uuid
	}
}

// Unlock releases every resource held by uuid.
func (l *Ledger) Unlock(uuid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ps, ok := l.running[uuid]; ok {
		l.unlockLocked(ps)
	}
}

func (l *Ledger) unlockLocked(ps *txn.ParticipantStorage) {
	for _, r := range ps.LockResources {
		if l.locks[r] == ps.Metadata.UUID {
			delete(l.locks, r)
		}
	}
	ps.LockResources = nil
}

// LockHolder returns the transaction holding resource.
func (l *Ledger) LockHolder(resource string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	uuid, ok := l.locks[resource]
	return uuid, ok
}

// Prepare records the participant view of a transaction. Lock checking and locking happen
// atomically. Force-commit transactions run their events immediately and are never tracked.
func (l *Ledger) Prepare(ctx context.Context, ps *txn.ParticipantStorage) (*txn.ParticipantStorage, error) {
	if ps == nil || ps.Metadata.UUID == "" {
		return nil, fmt.Errorf("%w: empty transaction id", txn.ErrInvalidArgument)
	}
	ps = ps.Clone()
	if ps.ParticipantKey == "" {
		ps.ParticipantKey = l.cfg.Key
	}

	if l.hooks.CheckPrepare != nil {
		reason, err := l.hooks.CheckPrepare(ctx, ps)
		if err != nil {
			var pe *txn.PrepareError
			if errors.As(err, &pe) {
				return nil, err
			}
			return nil, &txn.PrepareError{Err: err, Reason: reason}
		}
	}

	if ps.Configure.ForceCommit {
		l.forceCommit(ctx, ps)
		return ps, nil
	}

	l.mu.Lock()
	if _, ok := l.finished[ps.Metadata.UUID]; ok {
		l.mu.Unlock()
		return nil, txn.ErrTransactionFinished
	}
	if _, ok := l.closing[ps.Metadata.UUID]; ok {
		l.mu.Unlock()
		return nil, txn.ErrTransactionFinished
	}
	if err := l.checkLockLocked(&ps.Metadata, ps.LockResources); err != nil {
		l.mu.Unlock()
		l.log.Debug("prepare refused", zap.String("uuid", ps.Metadata.UUID), zap.Error(err))
		return nil, err
	}
	stored, isNew := l.addRunningLocked(ps)
	out := stored.Clone()
	l.reportLocked()
	l.mu.Unlock()

	if isNew {
		l.fire(ctx, "on_start_running", l.hooks.OnStartRunning, out)
	}
	return out, nil
}

func (l *Ledger) forceCommit(ctx context.Context, ps *txn.ParticipantStorage) {
	ps.Outcome = txn.OutcomeCommitted
	l.fire(ctx, "on_start_running", l.hooks.OnStartRunning, ps)
	l.fire(ctx, "do_event", l.hooks.DoEvent, ps)
	l.fire(ctx, "on_finish_running", l.hooks.OnFinishRunning, ps)
	l.fire(ctx, "on_finished", l.hooks.OnFinished, ps)
	l.fire(ctx, "on_committed", l.hooks.OnCommitted, ps)
	l.m.Outcome("participant", "commit")
}

func (l *Ledger) addRunningLocked(ps *txn.ParticipantStorage) (*txn.ParticipantStorage, bool) {
	uuid := ps.Metadata.UUID
	old, replaced := l.running[uuid]
	if replaced {
		l.queue.Delete(resolveItem{old.ResolveTime, uuid})
		l.unlockLocked(old)
	}
	ps.ResolveTime = ps.Metadata.ExpireTime
	if ps.ResolveTime.IsZero() {
		ps.ResolveTime = l.now().Add(resolveInterval(ps))
	}
	ps.Outcome = txn.OutcomeNone
	resources := ps.LockResources
	ps.LockResources = nil
	l.running[uuid] = ps
	l.queue.ReplaceOrInsert(resolveItem{ps.ResolveTime, uuid})
	l.lockLocked(ps, resources)
	return ps, !replaced
}

// Commit applies a commit decision. It does nothing if uuid is not running.
func (l *Ledger) Commit(ctx context.Context, uuid string) error {
	ps, ok := l.claim(uuid)
	if !ok {
		return nil
	}
	l.fire(ctx, "do_event", l.hooks.DoEvent, ps)
	ps = l.finishRunning(ctx, uuid, txn.OutcomeCommitted, true)
	l.fire(ctx, "on_committed", l.hooks.OnCommitted, ps)
	l.m.Outcome("participant", "commit")
	return nil
}

// Reject applies a reject decision. It does nothing if uuid is not running.
func (l *Ledger) Reject(ctx context.Context, uuid string) error {
	ps, ok := l.claim(uuid)
	if !ok {
		return nil
	}
	ps = l.finishRunning(ctx, uuid, txn.OutcomeRejected, true)
	l.fire(ctx, "on_rejected", l.hooks.OnRejected, ps)
	l.m.Outcome("participant", "reject")
	return nil
}

// RejectForceCommit undoes the events of a force-commit transaction.
func (l *Ledger) RejectForceCommit(ctx context.Context, ps *txn.ParticipantStorage) error {
	if ps == nil || ps.Metadata.UUID == "" {
		return fmt.Errorf("%w: empty transaction id", txn.ErrInvalidArgument)
	}
	l.fire(ctx, "undo_event", l.hooks.UndoEvent, ps.Clone())
	l.m.Outcome("participant", "undo")
	return nil
}

// drop rejects a running transaction the coordinator no longer knows about.
// Nothing is left to acknowledge, so the entry skips the finished set.
func (l *Ledger) drop(ctx context.Context, uuid string) {
	ps, ok := l.claim(uuid)
	if !ok {
		return
	}
	ps = l.finishRunning(ctx, uuid, txn.OutcomeRejected, false)
	l.fire(ctx, "on_rejected", l.hooks.OnRejected, ps)
	l.m.Outcome("participant", "reject")
}

// claim reserves a running entry for one commit or reject.
func (l *Ledger) claim(uuid string) (*txn.ParticipantStorage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ps, ok := l.running[uuid]
	if !ok {
		return nil, false
	}
	if _, busy := l.closing[uuid]; busy {
		return nil, false
	}
	l.closing[uuid] = struct{}{}
	return ps.Clone(), true
}

func (l *Ledger) finishRunning(ctx context.Context, uuid string, outcome txn.Outcome, keep bool) *txn.ParticipantStorage {
	l.mu.Lock()
	ps := l.running[uuid]
	delete(l.running, uuid)
	delete(l.closing, uuid)
	l.queue.Delete(resolveItem{ps.ResolveTime, uuid})
	l.unlockLocked(ps)

	ps.Outcome = outcome
	if outcome == txn.OutcomeCommitted {
		ps.Metadata.Status = txn.MaxStatus(ps.Metadata.Status, txn.StatusCommitting)
	} else {
		ps.Metadata.Status = txn.MaxStatus(ps.Metadata.Status, txn.StatusRejecting)
	}
	tick := false
	if keep {
		l.finished[uuid] = ps
		tick = len(l.finished)&finishedTickMask == finishedTickValue
	}
	out := ps.Clone()
	l.reportLocked()
	l.mu.Unlock()

	l.fire(ctx, "on_finish_running", l.hooks.OnFinishRunning, out)
	if tick {
		l.Tick(l.now())
	}
	return out
}

func (l *Ledger) removeFinished(ctx context.Context, uuid string) {
	l.mu.Lock()
	ps, ok := l.finished[uuid]
	delete(l.finished, uuid)
	l.reportLocked()
	l.mu.Unlock()
	if ok {
		l.fire(ctx, "on_finished", l.hooks.OnFinished, ps)
	}
}

// Resolve asks the coordinator for the decision on a running transaction and applies it.
// The entry is rescheduled first, and rejected locally after too many attempts.
func (l *Ledger) Resolve(ctx context.Context, uuid string) error {
	l.mu.Lock()
	ps, ok := l.running[uuid]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	l.queue.Delete(resolveItem{ps.ResolveTime, uuid})
	ps.ResolveTime = l.now().Add(resolveInterval(ps))
	ps.ResolveTimes++
	l.queue.ReplaceOrInsert(resolveItem{ps.ResolveTime, uuid})
	maxTimes := ps.Configure.ResolveMaxTimes
	if maxTimes <= 0 {
		maxTimes = DefaultResolveMaxTimes
	}
	exceeded := ps.ResolveTimes > maxTimes
	md := ps.Metadata.Clone()
	l.mu.Unlock()

	if exceeded {
		l.log.Warn("resolve attempts exhausted, rejecting", zap.String("uuid", uuid))
		l.m.Resolve("exhausted")
		return l.Reject(ctx, uuid)
	}
	if l.coord == nil {
		return nil
	}

	st, err := l.coord.Query(ctx, &md)
	if txn.IsNotFound(err) {
		l.log.Info("transaction unknown to coordinator, rejecting", zap.String("uuid", uuid))
		l.m.Resolve("not_found")
		l.drop(ctx, uuid)
		return nil
	}
	if err != nil {
		l.m.Resolve("error")
		return err
	}

	l.mu.Lock()
	ps, ok = l.running[uuid]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	txn.MergeParticipantView(ps, st)
	decided := ps.Metadata.Status
	l.mu.Unlock()

	switch {
	case decided.IsCommit():
		l.m.Resolve("commit")
		return l.Commit(ctx, uuid)
	case decided.IsReject():
		l.m.Resolve("reject")
		return l.Reject(ctx, uuid)
	}
	l.m.Resolve("pending")
	return nil
}

func resolveInterval(ps *txn.ParticipantStorage) time.Duration {
	if ps.Configure.ResolveRetryInterval > 0 {
		return ps.Configure.ResolveRetryInterval
	}
	return DefaultResolveInterval
}

// Tick starts a reconciliation task for finished entries and expired running entries.
// It returns how many entries the task took, or 0 when a task is already in flight.
func (l *Ledger) Tick(now time.Time) int {
	l.mu.Lock()
	if l.resolving {
		l.mu.Unlock()
		return 0
	}

	var pending []string
	var stale []resolveItem
	l.queue.Ascend(func(item resolveItem) bool {
		if !item.at.Before(now) {
			return false
		}
		if ps, ok := l.running[item.uuid]; !ok || !ps.ResolveTime.Equal(item.at) {
			stale = append(stale, item)
			return true
		}
		pending = append(pending, item.uuid)
		return true
	})
	for _, item := range stale {
		l.queue.Delete(item)
	}

	finished := make([]*txn.ParticipantStorage, 0, len(l.finished))
	for _, ps := range l.finished {
		finished = append(finished, ps.Clone())
	}
	n := len(pending) + len(finished)
	if n == 0 {
		l.mu.Unlock()
		return 0
	}
	l.resolving = true
	l.task.Add(1)
	l.mu.Unlock()

	go l.runTask(pending, finished)
	return n
}

func (l *Ledger) runTask(pending []string, finished []*txn.ParticipantStorage) {
	ctx := l.ctx
	defer func() {
		l.mu.Lock()
		l.resolving = false
		l.mu.Unlock()
		if l.hooks.OnResolveTaskFinished != nil {
			l.hooks.OnResolveTaskFinished(ctx)
		}
		l.task.Done()
	}()

	if !l.writable(ctx) {
		return
	}
	for _, ps := range finished {
		if err := l.limiter.Wait(ctx); err != nil {
			return
		}
		if err := l.acknowledge(ctx, ps); err != nil {
			l.log.Warn("acknowledge failed", zap.String("uuid", ps.Metadata.UUID), zap.Error(err))
			continue
		}
		l.removeFinished(ctx, ps.Metadata.UUID)
	}
	for _, uuid := range pending {
		if !l.writable(ctx) {
			return
		}
		if err := l.limiter.Wait(ctx); err != nil {
			return
		}
		if err := l.Resolve(ctx, uuid); err != nil {
			l.log.Warn("resolve failed", zap.String("uuid", uuid), zap.Error(err))
		}
	}
}

func (l *Ledger) acknowledge(ctx context.Context, ps *txn.ParticipantStorage) error {
	if l.coord == nil {
		return nil
	}
	var err error
	switch ps.Outcome {
	case txn.OutcomeCommitted:
		err = l.coord.CommitParticipant(ctx, &ps.Metadata, ps.ParticipantKey)
	case txn.OutcomeRejected:
		err = l.coord.RejectParticipant(ctx, &ps.Metadata, ps.ParticipantKey)
	}
	if txn.IsNotFound(err) {
		return nil
	}
	return err
}

func (l *Ledger) writable(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return l.hooks.CheckWritable == nil || l.hooks.CheckWritable(ctx)
}

// Run ticks every interval until ctx is done.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(l.now())
		}
	}
}

// Wait blocks until the in-flight reconciliation task, if any, has ended.
func (l *Ledger) Wait() {
	l.task.Wait()
}

// Close cancels reconciliation and waits for it to stop.
func (l *Ledger) Close() {
	l.cancel()
	l.task.Wait()
}

// Load replaces the ledger state with snap, restoring locks and the resolve queue.
func (l *Ledger) Load(snap *txn.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = make(map[string]*txn.ParticipantStorage)
	l.finished = make(map[string]*txn.ParticipantStorage)
	l.closing = make(map[string]struct{})
	l.locks = make(map[string]string)
	l.queue.Clear(false)
	if snap == nil {
		return
	}
	for _, src := range snap.Running {
		ps := src.Clone()
		if ps.ResolveTime.IsZero() {
			ps.ResolveTime = ps.Metadata.ExpireTime
		}
		resources := ps.LockResources
		ps.LockResources = nil
		l.running[ps.Metadata.UUID] = ps
		l.queue.ReplaceOrInsert(resolveItem{ps.ResolveTime, ps.Metadata.UUID})
		l.lockLocked(ps, resources)
	}
	for _, src := range snap.Finished {
		l.finished[src.Metadata.UUID] = src.Clone()
	}
	l.reportLocked()
}

// Dump returns a copy of the ledger state, ordered by uuid.
func (l *Ledger) Dump() *txn.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &txn.Snapshot{
		Running:  sortedClones(l.running),
		Finished: sortedClones(l.finished),
	}
}

func sortedClones(m map[string]*txn.ParticipantStorage) []*txn.ParticipantStorage {
	out := make([]*txn.ParticipantStorage, 0, len(m))
	for _, ps := range m {
		out = append(out, ps.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.UUID < out[j].Metadata.UUID })
	return out
}

// Running returns a copy of a running entry.
func (l *Ledger) Running(uuid string) (*txn.ParticipantStorage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ps, ok := l.running[uuid]
	return ps.Clone(), ok
}

// Finished returns a copy of a finished entry.
func (l *Ledger) Finished(uuid string) (*txn.ParticipantStorage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ps, ok := l.finished[uuid]
	return ps.Clone(), ok
}

// Len returns the number of running and finished entries.
func (l *Ledger) Len() (running, finished int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.running), len(l.finished)
}

func (l *Ledger) reportLocked() {
	l.m.LedgerEntries(len(l.running), len(l.finished))
}

func (l *Ledger) fire(ctx context.Context, name string, ev Event, ps *txn.ParticipantStorage) {
	if ev == nil {
		return
	}
	if err := ev(ctx, ps); err != nil {
		l.log.Warn("participant hook failed", zap.String("hook", name),
			zap.String("uuid", ps.Metadata.UUID), zap.Error(err))
	}
}
