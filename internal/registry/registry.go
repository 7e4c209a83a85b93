// Package registry tracks the set of worker nodes the coordinator can route
// to, along with each node's live health flag and in-flight request count.
package registry

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateNode is returned by Add when the node id is already registered.
	ErrDuplicateNode = errors.New("duplicate node id")
	// ErrNotFound is returned when the node id is not registered.
	ErrNotFound = errors.New("node not found")
	// ErrInvalidDescriptor is returned when a node descriptor fails validation.
	ErrInvalidDescriptor = errors.New("invalid node descriptor")
)

// Descriptor names a worker slot before the node exists: where its isolate
// listens and how much traffic it should attract.
type Descriptor struct {
	ID      string  `yaml:"id" json:"id"`
	Address string  `yaml:"address" json:"address"`
	Port    int     `yaml:"port" json:"port"`
	Weight  float64 `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// Validate checks required fields and ranges. A zero Weight is allowed and
// defaults to 1.0 when the node is created.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDescriptor)
	}
	if d.Address == "" {
		return fmt.Errorf("%w: address is required for node %q", ErrInvalidDescriptor, d.ID)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range for node %q", ErrInvalidDescriptor, d.Port, d.ID)
	}
	if d.Weight < 0 {
		return fmt.Errorf("%w: weight %v must be positive for node %q", ErrInvalidDescriptor, d.Weight, d.ID)
	}
	return nil
}

// Node is one registered worker slot. Fields other than the identity tuple
// are guarded by the registry; callers read them through NodeInfo snapshots.
type Node struct {
	ID      string
	Address string
	Port    int
	Weight  float64

	healthy     bool
	connections int
}

// NewNode creates a node from a validated descriptor. Nodes start healthy
// with zero in-flight connections.
func NewNode(d Descriptor) *Node {
	w := d.Weight
	if w == 0 {
		w = 1.0
	}
	return &Node{ID: d.ID, Address: d.Address, Port: d.Port, Weight: w, healthy: true}
}

// NodeInfo is a point-in-time copy of one node's attributes.
type NodeInfo struct {
	ID          string  `json:"id"`
	Address     string  `json:"address"`
	Port        int     `json:"port"`
	Healthy     bool    `json:"healthy"`
	Connections int     `json:"connections"`
	Weight      float64 `json:"weight"`
}

// Filter selects which nodes a Snapshot includes.
type Filter int

const (
	All Filter = iota
	HealthyOnly
)

// Registry is the shared node table. All mutation goes through its lock so
// concurrent dispatches and the health monitor never under- or over-count.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	order []*Node
}

func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*Node)}
}

// Add registers a node. Fails with ErrDuplicateNode if the id is taken.
func (r *Registry) Add(n *Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[n.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}
	r.nodes[n.ID] = n
	r.order = append(r.order, n)
	return nil
}

// Remove unregisters a node. In-flight sends against it may still complete;
// they decrement against the removed instance, which is simply dropped.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.nodes, id)
	for i, n := range r.order {
		if n.ID == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[id]
	return ok
}

// Snapshot returns point-in-time copies in insertion order. Selection and
// iteration always run over a snapshot, never the live table, so node
// add/remove cannot race a walk.
func (r *Registry) Snapshot(f Filter) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]NodeInfo, 0, len(r.order))
	for _, n := range r.order {
		if f == HealthyOnly && !n.healthy {
			continue
		}
		res = append(res, NodeInfo{
			ID:          n.ID,
			Address:     n.Address,
			Port:        n.Port,
			Healthy:     n.healthy,
			Connections: n.connections,
			Weight:      n.Weight,
		})
	}
	return res
}

// IncConnections bumps the in-flight count for id, if still registered.
func (r *Registry) IncConnections(id string) {
	r.mu.Lock()
	if n, ok := r.nodes[id]; ok {
		n.connections++
	}
	r.mu.Unlock()
}

// DecConnections releases one in-flight slot. The count never goes negative,
// even if a release races a concurrent remove-and-re-add of the same id.
func (r *Registry) DecConnections(id string) {
	r.mu.Lock()
	if n, ok := r.nodes[id]; ok && n.connections > 0 {
		n.connections--
	}
	r.mu.Unlock()
}

// SetHealthy updates the health flag for id. It reports whether the stored
// value changed, so callers can emit transition notifications exactly once,
// and whether the node was present at all.
func (r *Registry) SetHealthy(id string, healthy bool) (changed, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, present := r.nodes[id]
	if !present {
		return false, false
	}
	if n.healthy == healthy {
		return false, true
	}
	n.healthy = healthy
	return true, true
}

// Clear drops every node. Used by shutdown after all isolates are stopped.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.nodes = make(map[string]*Node)
	r.order = nil
	r.mu.Unlock()
}
