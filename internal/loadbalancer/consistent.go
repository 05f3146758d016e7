package loadbalancer

import (
	"strings"
	"sync"

	"github.com/lafikl/consistent"

	"github.com/songzhibin97/edgegate/internal/types"
)

// ConsistentHashBalancer keeps a consistent hash ring per group over the
// current live set, so a live set change only moves the clients of the
// affected target.
type ConsistentHashBalancer struct {
	mu    sync.Mutex
	rings map[string]*hashRing
}

type hashRing struct {
	members string
	ring    *consistent.Consistent
	targets map[string]*types.Target
}

// NewConsistentHashBalancer creates a new consistent hash balancer
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		rings: make(map[string]*hashRing),
	}
}

// Select implements types.LoadBalancer.
func (ch *ConsistentHashBalancer) Select(upstream *types.Upstream, live []*types.Target, clientIP string) (*types.Target, error) {
	if len(live) == 0 {
		return nil, ErrNoHealthyTarget
	}

	ring := ch.ring(upstream.Name, live)
	host, err := ring.ring.Get(clientIP)
	if err != nil {
		if err == consistent.ErrNoHosts {
			return nil, ErrNoHealthyTarget
		}
		return nil, err
	}
	return ring.targets[host], nil
}

// ring returns the group's ring, rebuilding it when the live set changed.
func (ch *ConsistentHashBalancer) ring(name string, live []*types.Target) *hashRing {
	keys := make([]string, len(live))
	for i, target := range live {
		keys[i] = target.Key()
	}
	members := strings.Join(keys, ",")

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if r, ok := ch.rings[name]; ok && r.members == members {
		return r
	}

	r := &hashRing{
		members: members,
		ring:    consistent.New(),
		targets: make(map[string]*types.Target, len(live)),
	}
	for i, target := range live {
		r.ring.Add(keys[i])
		r.targets[keys[i]] = target
	}
	ch.rings[name] = r
	return r
}

// Prune drops rings of removed groups.
func (ch *ConsistentHashBalancer) Prune(groups []*types.Upstream) {
	names := make(map[string]bool, len(groups))
	for _, group := range groups {
		names[group.Name] = true
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	for name := range ch.rings {
		if !names[name] {
			delete(ch.rings, name)
		}
	}
}
