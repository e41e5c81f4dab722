package ring

import (
	"errors"
	"fmt"
	"testing"

	"disttx/internal/txn"
)

func testNodes() []Node {
	return []Node{
		{ID: "node1", Addr: "127.0.0.1:50051"},
		{ID: "node2", Addr: "127.0.0.1:50052"},
		{ID: "node3", Addr: "127.0.0.1:50053"},
	}
}

func TestRing_Resolve_Determinism(t *testing.T) {
	ring1 := NewRing(64)
	ring2 := NewRing(64)
	ring1.SetNodes(testNodes())

	// Reverse order must not change ownership.
	nodes := testNodes()
	ring2.SetNodes([]Node{nodes[2], nodes[0], nodes[1]})

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("tx-%d", i)
		n1, err := ring1.Resolve(key)
		if err != nil {
			t.Fatalf("Resolve(%s) failed: %v", key, err)
		}
		n2, _ := ring2.Resolve(key)
		if n1.ID != n2.ID {
			t.Errorf("Determinism failed for key %s: %s != %s", key, n1.ID, n2.ID)
		}
	}
}

func TestRing_Resolve_Empty(t *testing.T) {
	ring := NewRing(0)

	_, err := ring.Resolve("tx-1")
	if !errors.Is(err, txn.ErrRouterUnavailable) {
		t.Errorf("Expected ErrRouterUnavailable, got %v", err)
	}
}

func TestRing_Distribution(t *testing.T) {
	ring := NewRing(128)
	ring.SetNodes(testNodes())

	distribution := make(map[string]int)
	numKeys := 3000
	for i := 0; i < numKeys; i++ {
		node, err := ring.Resolve(fmt.Sprintf("key-%d", i))
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		distribution[node.ID]++
	}

	if len(distribution) != 3 {
		t.Fatalf("Expected keys on all 3 nodes, got %v", distribution)
	}
	for id, count := range distribution {
		if count < numKeys/10 {
			t.Errorf("Node %s owns only %d of %d keys", id, count, numKeys)
		}
	}
}

func TestRing_ReplicaSetSortedAndDeduplicated(t *testing.T) {
	ring := NewRing(8)
	nodes := testNodes()
	ring.SetNodes([]Node{nodes[2], nodes[1], nodes[0], nodes[1]})

	set := ring.ReplicaSet()
	if len(set) != 3 {
		t.Fatalf("Expected 3 nodes, got %d", len(set))
	}
	for i, want := range []string{"node1", "node2", "node3"} {
		if set[i].ID != want {
			t.Errorf("ReplicaSet[%d] = %s, want %s", i, set[i].ID, want)
		}
	}

	// Callers may not mutate the ring through the returned slice.
	set[0].Addr = "mutated"
	if n, _ := ring.Lookup("node1"); n.Addr == "mutated" {
		t.Error("ReplicaSet leaked internal state")
	}
}

func TestRing_SetNodesReplacesMembership(t *testing.T) {
	ring := NewRing(16)
	ring.SetNodes(testNodes())
	ring.SetNodes([]Node{{ID: "node9", Addr: "127.0.0.1:50059"}})

	if ring.Len() != 1 {
		t.Fatalf("Expected 1 node, got %d", ring.Len())
	}
	if _, ok := ring.Lookup("node1"); ok {
		t.Error("Expected node1 to be gone")
	}
	n, err := ring.Resolve("anything")
	if err != nil || n.ID != "node9" {
		t.Errorf("Expected node9, got %v (%v)", n.ID, err)
	}
}
