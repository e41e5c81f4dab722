package storage

import (
	"context"
	"fmt"
	"sync"

	"disttx/internal/txn"
)

// Record is a stored blob with its CAS version.
type Record struct {
	Blob    []byte
	Version uint64
}

// Store defines the persistence collaborator used by the coordinator.
type Store interface {
	// Get loads a record. Returns txn.ErrNotFound if absent.
	Get(ctx context.Context, zone uint32, key string) (Record, error)
	// Set writes blob when the stored version equals expected and returns the new version.
	// expected == 0 writes unconditionally. A mismatch returns txn.ErrStaleVersion; a missing
	// record with expected != 0 returns txn.ErrNotFound.
	Set(ctx context.Context, zone uint32, key string, blob []byte, expected uint64) (uint64, error)
	// Remove deletes a record. Returns txn.ErrNotFound if absent.
	Remove(ctx context.Context, zone uint32, key string) error
}

type zoneKey struct {
	zone uint32
	key  string
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[zoneKey]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[zoneKey]Record),
	}
}

// Get retrieves a copy of the record.
func (s *MemoryStore) Get(ctx context.Context, zone uint32, key string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[zoneKey{zone, key}]
	if !ok {
		return Record{}, fmt.Errorf("get %d/%s: %w", zone, key, txn.ErrNotFound)
	}
	return Record{Blob: append([]byte(nil), rec.Blob...), Version: rec.Version}, nil
}

// Set stores blob under CAS.
func (s *MemoryStore) Set(ctx context.Context, zone uint32, key string, blob []byte, expected uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	zk := zoneKey{zone, key}
	cur, exists := s.data[zk]
	if expected != 0 {
		if !exists {
			return 0, fmt.Errorf("set %d/%s: %w", zone, key, txn.ErrNotFound)
		}
		if cur.Version != expected {
			return 0, fmt.Errorf("set %d/%s: expected version %d, have %d: %w",
				zone, key, expected, cur.Version, txn.ErrStaleVersion)
		}
	}

	next := cur.Version + 1
	s.data[zk] = Record{Blob: append([]byte(nil), blob...), Version: next}
	return next, nil
}

// Remove deletes the record.
func (s *MemoryStore) Remove(ctx context.Context, zone uint32, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	zk := zoneKey{zone, key}
	if _, ok := s.data[zk]; !ok {
		return fmt.Errorf("remove %d/%s: %w", zone, key, txn.ErrNotFound)
	}
	delete(s.data, zk)
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
