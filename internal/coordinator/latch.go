package coordinator

import "sync"

// latches serializes mutations of one transaction across persistence calls.
type latches struct {
	mu sync.Mutex
	m  map[string]*latch
}

type latch struct {
	mu   sync.Mutex
	refs int
}

func newLatches() *latches {
	return &latches{m: make(map[string]*latch)}
}

// acquire blocks until the latch for key is held and returns its release func.
func (l *latches) acquire(key string) func() {
	l.mu.Lock()
	lt, ok := l.m[key]
	if !ok {
		lt = &latch{}
		l.m[key] = lt
	}
	lt.refs++
	l.mu.Unlock()

	lt.mu.Lock()
	return func() {
		lt.mu.Unlock()

		l.mu.Lock()
		lt.refs--
		if lt.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}
