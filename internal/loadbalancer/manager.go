package loadbalancer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/songzhibin97/edgegate/internal/types"
	"github.com/songzhibin97/edgegate/pkg/log"
)

// ErrNoHealthyTarget is returned when every target of a group is DOWN or
// has already been tried by the current request.
var ErrNoHealthyTarget = errors.New("no healthy target")

// Pruner is implemented by balancers holding per-group or per-target state
// that must be dropped when the registry changes.
type Pruner interface {
	Prune(groups []*types.Upstream)
}

// Manager selects targets for upstream groups. It filters every group down
// to its live set and delegates the choice to the group's policy.
type Manager struct {
	health types.HealthView
	conns  *ConnTracker
	logger log.Logger

	mu        sync.RWMutex
	balancers map[types.Policy]types.LoadBalancer
}

// NewManager creates a manager with every built-in policy registered.
func NewManager(health types.HealthView) *Manager {
	conns := NewConnTracker()
	m := &Manager{
		health:    health,
		conns:     conns,
		logger:    log.Component("loadbalancer"),
		balancers: make(map[types.Policy]types.LoadBalancer),
	}

	m.RegisterBalancer(types.PolicyRoundRobin, NewRoundRobinBalancer())
	m.RegisterBalancer(types.PolicyWeightedRoundRobin, NewWeightedRoundRobinBalancer())
	m.RegisterBalancer(types.PolicyLeastConn, NewLeastConnBalancer(conns))
	m.RegisterBalancer(types.PolicyIPHash, NewIPHashBalancer())
	m.RegisterBalancer(types.PolicyConsistentHash, NewConsistentHashBalancer())

	return m
}

// RegisterBalancer registers a load balancer for a policy
func (m *Manager) RegisterBalancer(policy types.Policy, balancer types.LoadBalancer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balancers[policy] = balancer
}

// Select picks a live target of group for clientIP. Targets whose key is in
// exclude are skipped.
func (m *Manager) Select(group *types.Upstream, clientIP string, exclude map[string]bool) (*types.Target, error) {
	live := m.LiveTargets(group, exclude)
	if len(live) == 0 {
		return nil, fmt.Errorf("%w: upstream %s", ErrNoHealthyTarget, group.Name)
	}

	policy := group.Policy
	if policy == "" {
		policy = types.PolicyRoundRobin
	}

	m.mu.RLock()
	balancer, ok := m.balancers[policy]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("load balancer policy %s not registered", policy)
	}

	return balancer.Select(group, live, clientIP)
}

// LiveTargets returns the healthy, non-excluded targets of group in
// declaration order.
func (m *Manager) LiveTargets(group *types.Upstream, exclude map[string]bool) []*types.Target {
	live := make([]*types.Target, 0, len(group.Targets))
	for _, target := range group.Targets {
		if exclude[target.Key()] {
			continue
		}
		if m.health != nil && !m.health.IsHealthy(target) {
			continue
		}
		live = append(live, target)
	}
	return live
}

// Acquire marks one request in flight against target; the returned
// function releases it and is safe to call more than once.
func (m *Manager) Acquire(target *types.Target) (release func()) {
	return m.conns.Acquire(target.Key())
}

// InFlight returns the number of requests in flight against key.
func (m *Manager) InFlight(key string) int64 {
	return m.conns.Load(key)
}

// Prune drops balancer state of groups and targets that no longer exist.
func (m *Manager) Prune(groups []*types.Upstream) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, balancer := range m.balancers {
		if p, ok := balancer.(Pruner); ok {
			p.Prune(groups)
		}
	}

	keys := make(map[string]bool)
	for _, group := range groups {
		for _, target := range group.Targets {
			keys[target.Key()] = true
		}
	}
	m.conns.Prune(keys)

	m.logger.Debug("load balancer state pruned", log.Int("groups", len(groups)))
}
