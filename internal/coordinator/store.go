package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"disttx/internal/metrics"
	"disttx/internal/storage"
	"disttx/internal/txn"
)

const (
	DefaultCacheMaxSize = 65536
	DefaultCacheIdle    = 5 * time.Minute
	DefaultTimeout      = 5 * time.Second

	// fallbackTimeout applies when the configured timeout still yields an expired transaction.
	fallbackTimeout = 10 * time.Second
	// expireGrace is how long past its expiry an unresolved transaction is still reported as is.
	expireGrace = 5 * time.Second
)

// Config holds coordinator store settings.
type Config struct {
	// Zone is the local zone used to persist replicated transactions. Others use zone 0.
	Zone           uint32
	CacheMaxSize   int
	CacheIdle      time.Duration
	DefaultTimeout time.Duration
}

// Store is the coordinator's transaction record store.
type Store struct {
	cfg      Config
	persist  storage.Store
	cache    *cache
	latches  *latches
	draining atomic.Bool
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a store over persist. m may be nil.
func New(cfg Config, persist storage.Store, log *zap.Logger, m *metrics.Metrics) *Store {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		cfg:     cfg,
		persist: persist,
		cache:   newCache(cfg.CacheMaxSize, cfg.CacheIdle),
		latches: newLatches(),
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

func (s *Store) zone(md *txn.Metadata) uint32 {
	if md.Replicated() {
		return s.cfg.Zone
	}
	return 0
}

func (s *Store) checkRunning() error {
	if s.draining.Load() {
		return txn.ErrServerShuttingDown
	}
	return nil
}

// Create registers a new transaction and returns the stored copy.
func (s *Store) Create(ctx context.Context, in *txn.Storage) (*txn.Storage, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}
	if in == nil || in.Metadata.UUID == "" {
		return nil, fmt.Errorf("create: empty uuid: %w", txn.ErrInvalidArgument)
	}

	release := s.latches.acquire(in.Metadata.UUID)
	defer release()

	now := s.now()
	rec := in.Clone()
	md := &rec.Metadata
	md.PrepareTime = now
	if !md.ExpireTime.After(now) {
		md.ExpireTime = now.Add(s.cfg.DefaultTimeout)
		if !md.ExpireTime.After(now) {
			md.ExpireTime = now.Add(fallbackTimeout)
		}
	}
	if rec.Participants == nil {
		rec.Participants = make(map[string]*txn.Participant)
	}

	entry := &cacheEntry{storage: rec, lastVisit: now}
	if !md.MemoryOnly {
		blob, err := txn.MarshalStorage(rec)
		if err != nil {
			return nil, err
		}
		version, err := s.persist.Set(ctx, s.zone(md), md.UUID, blob, 0)
		if err != nil {
			s.log.Error("persist new transaction failed", zap.String("uuid", md.UUID), zap.Error(err))
			return nil, fmt.Errorf("create %s: %w", md.UUID, err)
		}
		entry.version = version
	}
	s.cache.put(md.UUID, entry)

	s.log.Debug("transaction created",
		zap.String("uuid", md.UUID),
		zap.Int("participants", len(rec.Participants)),
		zap.Time("expire", md.ExpireTime))
	return rec.Clone(), nil
}

// load returns the cached entry for md, loading it from persistence on a miss.
func (s *Store) load(ctx context.Context, md *txn.Metadata) (*cacheEntry, error) {
	if md.UUID == "" {
		return nil, fmt.Errorf("empty uuid: %w", txn.ErrInvalidArgument)
	}

	now := s.now()
	if e, ok := s.cache.get(md.UUID, now); ok {
		return e, nil
	}
	if md.MemoryOnly {
		return nil, fmt.Errorf("memory-only transaction %s: %w", md.UUID, txn.ErrNotFound)
	}

	rec, err := s.persist.Get(ctx, s.zone(md), md.UUID)
	if err != nil {
		return nil, err
	}
	st, err := txn.UnmarshalStorage(rec.Blob)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", md.UUID, err)
	}

	e := &cacheEntry{storage: st, version: rec.Version, lastVisit: now}
	s.cache.put(md.UUID, e)
	return e, nil
}

// save persists a cached entry under CAS. Any failure evicts the entry so the next caller reloads it.
func (s *Store) save(ctx context.Context, e *cacheEntry) error {
	md := &e.storage.Metadata
	if md.MemoryOnly {
		return nil
	}

	blob, err := txn.MarshalStorage(e.storage)
	if err == nil {
		var version uint64
		version, err = s.persist.Set(ctx, s.zone(md), md.UUID, blob, e.version)
		if err == nil {
			e.version = version
			return nil
		}
	}

	s.cache.remove(md.UUID)
	s.log.Warn("save transaction failed, cache entry dropped", zap.String("uuid", md.UUID), zap.Error(err))
	return fmt.Errorf("save %s: %w", md.UUID, err)
}

// Fetch returns a copy of the transaction record.
// A record still unresolved well past its expiry is reported as rejected; the stored copy is untouched.
func (s *Store) Fetch(ctx context.Context, md *txn.Metadata) (*txn.Storage, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}

	release := s.latches.acquire(md.UUID)
	defer release()

	e, err := s.load(ctx, md)
	if err != nil {
		return nil, err
	}

	out := e.storage.Clone()
	if out.Metadata.Status <= txn.StatusPrepared && s.now().After(out.Metadata.ExpireTime.Add(expireGrace)) {
		out.Metadata.Status = txn.StatusRejected
	}
	return out, nil
}

// Commit records the commit decision for the whole transaction.
func (s *Store) Commit(ctx context.Context, md *txn.Metadata) error {
	return s.decide(ctx, md, txn.StatusCommitted)
}

// Reject records the reject decision for the whole transaction.
func (s *Store) Reject(ctx context.Context, md *txn.Metadata) error {
	return s.decide(ctx, md, txn.StatusRejected)
}

func (s *Store) decide(ctx context.Context, md *txn.Metadata, target txn.Status) error {
	if err := s.checkRunning(); err != nil {
		return err
	}

	release := s.latches.acquire(md.UUID)
	defer release()

	e, err := s.load(ctx, md)
	if err != nil {
		return err
	}

	cur := &e.storage.Metadata
	if cur.Status > txn.StatusPrepared {
		s.log.Debug("transaction already decided",
			zap.String("uuid", md.UUID), zap.Stringer("status", cur.Status), zap.Stringer("target", target))
		return nil
	}

	cur.Status = target
	cur.FinishTime = s.now()
	if err := s.save(ctx, e); err != nil {
		return err
	}

	s.metrics.Outcome("coordinator", target.String())
	s.log.Info("transaction decided", zap.String("uuid", md.UUID), zap.Stringer("status", target))
	return nil
}

// CommitParticipant records that participant key has committed.
func (s *Store) CommitParticipant(ctx context.Context, md *txn.Metadata, key string) error {
	return s.acknowledge(ctx, md, key, txn.StatusCommitted)
}

// RejectParticipant records that participant key has rejected.
func (s *Store) RejectParticipant(ctx context.Context, md *txn.Metadata, key string) error {
	return s.acknowledge(ctx, md, key, txn.StatusRejected)
}

// acknowledge stamps one participant's outcome. When every other participant has already resolved,
// the record is deleted instead of saved.
func (s *Store) acknowledge(ctx context.Context, md *txn.Metadata, key string, target txn.Status) error {
	if err := s.checkRunning(); err != nil {
		return err
	}

	release := s.latches.acquire(md.UUID)
	defer release()

	e, err := s.load(ctx, md)
	if err != nil {
		return err
	}

	var selected *txn.Participant
	allResolved := true
	for k, p := range e.storage.Participants {
		if k == key {
			selected = p
		} else if !p.Status.Resolved() {
			allResolved = false
		}
	}
	if selected == nil {
		return fmt.Errorf("transaction %s participant %s: %w", md.UUID, key, txn.ErrParticipantNotFound)
	}

	changed := false
	if selected.Status <= txn.StatusPrepared {
		selected.Status = target
		changed = true
	}

	if allResolved {
		if !e.storage.Metadata.MemoryOnly {
			err := s.persist.Remove(ctx, s.zone(&e.storage.Metadata), md.UUID)
			if err != nil && !errors.Is(err, txn.ErrNotFound) {
				s.cache.remove(md.UUID)
				s.log.Error("remove resolved transaction failed",
					zap.String("uuid", md.UUID), zap.String("participant", key), zap.Error(err))
				return fmt.Errorf("remove %s: %w", md.UUID, err)
			}
		}
		s.cache.remove(md.UUID)
		s.log.Info("transaction fully resolved", zap.String("uuid", md.UUID))
		return nil
	}

	if changed {
		return s.save(ctx, e)
	}
	return nil
}

// Remove deletes the transaction unconditionally. A missing record is not an error.
func (s *Store) Remove(ctx context.Context, md *txn.Metadata) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	if md.UUID == "" {
		return fmt.Errorf("remove: empty uuid: %w", txn.ErrInvalidArgument)
	}

	release := s.latches.acquire(md.UUID)
	defer release()

	s.cache.remove(md.UUID)
	if md.MemoryOnly {
		return nil
	}
	err := s.persist.Remove(ctx, s.zone(md), md.UUID)
	if err != nil && !errors.Is(err, txn.ErrNotFound) {
		return fmt.Errorf("remove %s: %w", md.UUID, err)
	}
	return nil
}

// Tick trims the cache and returns how many entries were evicted.
func (s *Store) Tick(now time.Time) int {
	evicted := s.cache.tick(now)
	s.metrics.CacheEntries(s.cache.len())
	if evicted > 0 {
		s.log.Debug("cache trimmed", zap.Int("evicted", evicted), zap.Int("remaining", s.cache.len()))
	}
	return evicted
}

// Run ticks the cache every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Shutdown starts draining: every later call fails with txn.ErrServerShuttingDown.
func (s *Store) Shutdown() {
	if !s.draining.Swap(true) {
		s.log.Info("coordinator draining", zap.Int("cached", s.cache.len()))
	}
}

// Len returns the number of cached transactions.
func (s *Store) Len() int {
	return s.cache.len()
}
