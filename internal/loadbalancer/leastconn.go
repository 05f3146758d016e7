package loadbalancer

import (
	"sync"
	"sync/atomic"

	"github.com/songzhibin97/edgegate/internal/types"
)

// ConnTracker counts in-flight requests per target key.
type ConnTracker struct {
	mu     sync.RWMutex
	counts map[string]*atomic.Int64
}

// NewConnTracker creates an empty tracker
func NewConnTracker() *ConnTracker {
	return &ConnTracker{counts: make(map[string]*atomic.Int64)}
}

func (ct *ConnTracker) counter(key string) *atomic.Int64 {
	ct.mu.RLock()
	c, ok := ct.counts[key]
	ct.mu.RUnlock()
	if ok {
		return c
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()
	if c, ok = ct.counts[key]; ok {
		return c
	}
	c = &atomic.Int64{}
	ct.counts[key] = c
	return c
}

// Acquire increments the counter of key. The returned release decrements
// it exactly once.
func (ct *ConnTracker) Acquire(key string) func() {
	c := ct.counter(key)
	c.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() { c.Add(-1) })
	}
}

// Load returns the in-flight count of key.
func (ct *ConnTracker) Load(key string) int64 {
	ct.mu.RLock()
	c, ok := ct.counts[key]
	ct.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.Load()
}

// Prune drops counters of keys not in keep. Outstanding releases keep
// working on the detached counter.
func (ct *ConnTracker) Prune(keep map[string]bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	for key := range ct.counts {
		if !keep[key] {
			delete(ct.counts, key)
		}
	}
}

// LeastConnBalancer picks the live target with the fewest in-flight
// requests; ties go to the earliest declared target.
type LeastConnBalancer struct {
	conns *ConnTracker
}

// NewLeastConnBalancer creates a balancer reading conns
func NewLeastConnBalancer(conns *ConnTracker) *LeastConnBalancer {
	return &LeastConnBalancer{conns: conns}
}

// Select implements types.LoadBalancer.
func (lc *LeastConnBalancer) Select(_ *types.Upstream, live []*types.Target, _ string) (*types.Target, error) {
	if len(live) == 0 {
		return nil, ErrNoHealthyTarget
	}

	selected := live[0]
	least := lc.conns.Load(selected.Key())
	for _, target := range live[1:] {
		if n := lc.conns.Load(target.Key()); n < least {
			selected, least = target, n
		}
	}
	return selected, nil
}
