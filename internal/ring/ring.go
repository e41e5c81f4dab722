package ring

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"disttx/internal/txn"
)

// DefaultVNodes is the number of virtual nodes per physical node when none is configured.
const DefaultVNodes = 128

// Node is a coordinator or participant process reachable over gRPC.
type Node struct {
	ID   string
	Addr string
}

type point struct {
	hash   uint32
	nodeID string
}

// Ring routes keys to nodes. It is safe for concurrent use; SetNodes swaps membership atomically.
type Ring struct {
	mu     sync.RWMutex
	vnodes int
	points []point
	nodes  map[string]Node
	sorted []Node
}

// NewRing creates an empty ring.
func NewRing(vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = DefaultVNodes
	}
	return &Ring{
		vnodes: vnodes,
		nodes:  make(map[string]Node),
	}
}

// SetNodes replaces the membership. Same nodes produce the same ring regardless of order.
func (r *Ring) SetNodes(nodes []Node) {
	points := make([]point, 0, len(nodes)*r.vnodes)
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if _, dup := byID[n.ID]; dup {
			continue
		}
		byID[n.ID] = n
		for i := 0; i < r.vnodes; i++ {
			points = append(points, point{hash: Hash(fmt.Sprintf("%s#%d", n.ID, i)), nodeID: n.ID})
		}
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].hash == points[j].hash {
			return points[i].nodeID < points[j].nodeID
		}
		return points[i].hash < points[j].hash
	})

	sorted := make([]Node, 0, len(byID))
	for _, n := range byID {
		sorted = append(sorted, n)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = points
	r.nodes = byID
	r.sorted = sorted
}

// Resolve returns the node owning key, or txn.ErrRouterUnavailable if the ring is empty.
func (r *Ring) Resolve(key string) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return Node{}, fmt.Errorf("resolve %q: %w", key, txn.ErrRouterUnavailable)
	}

	h := Hash(key)
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})
	if idx == len(r.points) {
		idx = 0
	}
	return r.nodes[r.points[idx].nodeID], nil
}

// Lookup returns the node with the given id.
func (r *Ring) Lookup(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// ReplicaSet returns every node ordered by id.
func (r *Ring) ReplicaSet() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Node(nil), r.sorted...)
}

// Len returns the number of physical nodes.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sorted)
}

// Hash is the 32-bit FNV-1a hash used for ring placement and replica start offsets.
func Hash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
