package participant

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func permutations(ids []string) [][]string {
	if len(ids) <= 1 {
		return [][]string{append([]string(nil), ids...)}
	}
	var out [][]string
	for i := range ids {
		rest := make([]string, 0, len(ids)-1)
		rest = append(rest, ids[:i]...)
		rest = append(rest, ids[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{ids[i]}, p...))
		}
	}
	return out
}

// holders maps every resource to the running transactions listing it.
func holders(l *Ledger) map[string][]string {
	out := make(map[string][]string)
	for _, ps := range l.Dump().Running {
		for _, r := range ps.LockResources {
			out[r] = append(out[r], ps.Metadata.UUID)
		}
	}
	return out
}

// TestLedger_Property_OldestAlwaysWins prepares the same row in every arrival order
func TestLedger_Property_OldestAlwaysWins(t *testing.T) {
	age := map[string]time.Duration{"t0": 0, "t1": time.Millisecond, "t2": 2 * time.Millisecond, "t3": 3 * time.Millisecond}

	for _, order := range permutations([]string{"t0", "t1", "t2", "t3"}) {
		l := newTestLedger(t, nil, Hooks{})
		for _, id := range order {
			_, err := l.Prepare(context.Background(), view(id, epoch.Add(age[id]), "row"))
			if id == "t0" && err != nil {
				t.Fatalf("order %v: oldest refused: %v", order, err)
			}
		}

		holder, ok := l.LockHolder("row")
		if !ok || holder != "t0" {
			t.Errorf("order %v: holder = %q, want t0", order, holder)
		}
		if h := holders(l)["row"]; len(h) != 1 {
			t.Errorf("order %v: row listed by %v", order, h)
		}
	}
}

// TestLedger_Property_SingleHolderUnderConcurrency prepares overlapping resource sets from many goroutines
func TestLedger_Property_SingleHolderUnderConcurrency(t *testing.T) {
	l := newTestLedger(t, nil, Hooks{})
	resources := []string{"r0", "r1", "r2", "r3", "r4"}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("t%02d", i)
			ps := view(id, epoch.Add(time.Duration(i%7)*time.Millisecond),
				resources[i%len(resources)], resources[(i+2)%len(resources)])
			_, _ = l.Prepare(context.Background(), ps)
			if i%3 == 0 {
				_ = l.Commit(context.Background(), id)
			}
		}(i)
	}
	wg.Wait()

	byResource := holders(l)
	for _, r := range resources {
		listed := byResource[r]
		if len(listed) > 1 {
			t.Errorf("resource %s listed by %v", r, listed)
		}
		holder, ok := l.LockHolder(r)
		if ok != (len(listed) == 1) {
			t.Errorf("resource %s: lock table says %q/%v, running entries say %v", r, holder, ok, listed)
			continue
		}
		if ok && holder != listed[0] {
			t.Errorf("resource %s: held by %s but listed by %s", r, holder, listed[0])
		}
	}
}
