package coordinator

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"disttx/internal/txn"
)

// hardCapFactor bounds the cache between ticks at a multiple of the configured size.
const hardCapFactor = 4

type cacheEntry struct {
	storage   *txn.Storage
	version   uint64
	lastVisit time.Time
}

// cache orders entries by last visit. Lookups move an entry to the back; tick trims from the front
// while the cache is over its size or the oldest entry has been idle too long.
type cache struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, *cacheEntry]
	maxSize int
	idle    time.Duration
}

func newCache(maxSize int, idle time.Duration) *cache {
	if maxSize <= 0 {
		maxSize = DefaultCacheMaxSize
	}
	if idle <= 0 {
		idle = DefaultCacheIdle
	}
	lru, err := simplelru.NewLRU[string, *cacheEntry](maxSize*hardCapFactor, nil)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &cache{lru: lru, maxSize: maxSize, idle: idle}
}

func (c *cache) get(uuid string, now time.Time) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(uuid)
	if ok {
		e.lastVisit = now
	}
	return e, ok
}

func (c *cache) put(uuid string, e *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(uuid, e)
}

func (c *cache) remove(uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(uuid)
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// tick evicts from the oldest end and returns how many entries were dropped.
func (c *cache) tick(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for c.lru.Len() > 0 {
		_, oldest, _ := c.lru.GetOldest()
		if c.lru.Len() <= c.maxSize && now.Sub(oldest.lastVisit) <= c.idle {
			break
		}
		c.lru.RemoveOldest()
		evicted++
	}
	return evicted
}
