// Package balancer selects one node from a healthy-pool snapshot. Selection
// is pure with respect to the registry: the only state a strategy carries is
// the round-robin cursor.
package balancer

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/isopool/isopool/internal/registry"
)

// ErrNoHealthyNodes is returned when the snapshot handed to Pick is empty.
var ErrNoHealthyNodes = errors.New("no healthy nodes available")

// Strategy names a selection policy.
type Strategy string

const (
	RoundRobin       Strategy = "round-robin"
	LeastConnections Strategy = "least-connections"
	Random           Strategy = "random"
	WeightedRandom   Strategy = "weighted-random"
)

// ParseStrategy validates a strategy tag from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case RoundRobin, LeastConnections, Random, WeightedRandom:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Balancer picks nodes according to its configured strategy.
type Balancer struct {
	strategy Strategy
	cursor   atomic.Uint64
}

func New(s Strategy) *Balancer {
	return &Balancer{strategy: s}
}

// Strategy returns the configured selection policy.
func (b *Balancer) Strategy() Strategy { return b.strategy }

// Pick returns exactly one node from snap, or ErrNoHealthyNodes when snap is
// empty. The round-robin cursor advances on every call regardless of what the
// caller does with the result, so concurrent dispatches stay evenly spread
// even when the snapshot churns between calls.
func (b *Balancer) Pick(snap []registry.NodeInfo) (registry.NodeInfo, error) {
	if len(snap) == 0 {
		return registry.NodeInfo{}, ErrNoHealthyNodes
	}
	switch b.strategy {
	case LeastConnections:
		return pickLeastConnections(snap), nil
	case Random:
		return snap[rand.IntN(len(snap))], nil
	case WeightedRandom:
		return pickWeightedRandom(snap), nil
	default:
		idx := (b.cursor.Add(1) - 1) % uint64(len(snap))
		return snap[idx], nil
	}
}

// pickLeastConnections returns the node with the fewest in-flight requests.
// Ties go to the earliest node in snapshot order.
func pickLeastConnections(snap []registry.NodeInfo) registry.NodeInfo {
	best := snap[0]
	for _, n := range snap[1:] {
		if n.Connections < best.Connections {
			best = n
		}
	}
	return best
}

// pickWeightedRandom draws r in [0, totalWeight) and walks the snapshot
// subtracting weights. If floating-point drift exhausts the walk without a
// hit, the last node wins rather than failing on rounding.
func pickWeightedRandom(snap []registry.NodeInfo) registry.NodeInfo {
	total := 0.0
	for _, n := range snap {
		total += n.Weight
	}
	if total <= 0 {
		return snap[rand.IntN(len(snap))]
	}
	r := rand.Float64() * total
	for _, n := range snap {
		r -= n.Weight
		if r <= 0 {
			return n
		}
	}
	return snap[len(snap)-1]
}
