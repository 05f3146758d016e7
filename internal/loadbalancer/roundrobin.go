package loadbalancer

import (
	"sync"
	"sync/atomic"

	"github.com/songzhibin97/edgegate/internal/types"
)

// RoundRobinBalancer implements round-robin load balancing with one atomic
// cursor per group.
type RoundRobinBalancer struct {
	mu      sync.RWMutex
	cursors map[string]*atomic.Uint64
}

// NewRoundRobinBalancer creates a new round-robin load balancer
func NewRoundRobinBalancer() *RoundRobinBalancer {
	return &RoundRobinBalancer{
		cursors: make(map[string]*atomic.Uint64),
	}
}

// Select returns live[cursor mod len(live)] and advances the cursor.
func (rb *RoundRobinBalancer) Select(upstream *types.Upstream, live []*types.Target, _ string) (*types.Target, error) {
	if len(live) == 0 {
		return nil, ErrNoHealthyTarget
	}

	counter := rb.cursor(upstream.Name).Add(1)
	index := (counter - 1) % uint64(len(live))
	return live[index], nil
}

func (rb *RoundRobinBalancer) cursor(name string) *atomic.Uint64 {
	rb.mu.RLock()
	c, ok := rb.cursors[name]
	rb.mu.RUnlock()
	if ok {
		return c
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if c, ok = rb.cursors[name]; ok {
		return c
	}
	c = &atomic.Uint64{}
	rb.cursors[name] = c
	return c
}

// Prune drops cursors of removed groups.
func (rb *RoundRobinBalancer) Prune(groups []*types.Upstream) {
	names := make(map[string]bool, len(groups))
	for _, group := range groups {
		names[group.Name] = true
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	for name := range rb.cursors {
		if !names[name] {
			delete(rb.cursors, name)
		}
	}
}
