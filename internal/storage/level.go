package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lvstorage "github.com/syndtr/goleveldb/leveldb/storage"

	"disttx/internal/txn"
)

// LevelStore persists records in LevelDB. Each value is an 8-byte big-endian version followed by the blob.
// Writes are serialized so the version check and the put are atomic.
type LevelStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// OpenLevelStore opens (or creates) a LevelDB database at path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

// OpenMemLevelStore opens a LevelDB database backed by memory.
func OpenMemLevelStore() (*LevelStore, error) {
	db, err := leveldb.Open(lvstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb in memory: %w", err)
	}
	return &LevelStore{db: db}, nil
}

// Close closes the database.
func (s *LevelStore) Close() error {
	return s.db.Close()
}

func levelKey(zone uint32, key string) []byte {
	b := make([]byte, 4, 4+len(key))
	binary.BigEndian.PutUint32(b, zone)
	return append(b, key...)
}

func (s *LevelStore) load(zone uint32, key string) (Record, error) {
	raw, err := s.db.Get(levelKey(zone, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Record{}, fmt.Errorf("get %d/%s: %w", zone, key, txn.ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %d/%s: %w", zone, key, err)
	}
	if len(raw) < 8 {
		return Record{}, fmt.Errorf("get %d/%s: short value: %w", zone, key, txn.ErrUnpack)
	}
	return Record{Version: binary.BigEndian.Uint64(raw[:8]), Blob: raw[8:]}, nil
}

// Get loads a record.
func (s *LevelStore) Get(ctx context.Context, zone uint32, key string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	return s.load(zone, key)
}

// Set stores blob under CAS.
func (s *LevelStore) Set(ctx context.Context, zone uint32, key string, blob []byte, expected uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.load(zone, key)
	switch {
	case errors.Is(err, txn.ErrNotFound):
		if expected != 0 {
			return 0, err
		}
	case err != nil:
		return 0, err
	case expected != 0 && cur.Version != expected:
		return 0, fmt.Errorf("set %d/%s: expected version %d, have %d: %w",
			zone, key, expected, cur.Version, txn.ErrStaleVersion)
	}

	next := cur.Version + 1
	value := make([]byte, 8, 8+len(blob))
	binary.BigEndian.PutUint64(value, next)
	value = append(value, blob...)
	if err := s.db.Put(levelKey(zone, key), value, nil); err != nil {
		return 0, fmt.Errorf("set %d/%s: %w", zone, key, err)
	}
	return next, nil
}

// Remove deletes a record.
func (s *LevelStore) Remove(ctx context.Context, zone uint32, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := levelKey(zone, key)
	ok, err := s.db.Has(k, nil)
	if err != nil {
		return fmt.Errorf("remove %d/%s: %w", zone, key, err)
	}
	if !ok {
		return fmt.Errorf("remove %d/%s: %w", zone, key, txn.ErrNotFound)
	}
	if err := s.db.Delete(k, nil); err != nil {
		return fmt.Errorf("remove %d/%s: %w", zone, key, err)
	}
	return nil
}
