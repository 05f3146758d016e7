package loadbalancer

import (
	"sync"

	"github.com/songzhibin97/edgegate/internal/types"
)

// WeightedRoundRobinBalancer implements smooth weighted round robin: every
// pick adds each live target's weight to its current weight, chooses the
// largest and subtracts the total from the winner.
type WeightedRoundRobinBalancer struct {
	mu     sync.Mutex
	groups map[string]map[string]int // group -> target key -> current weight
}

// NewWeightedRoundRobinBalancer creates a new weighted round-robin balancer
func NewWeightedRoundRobinBalancer() *WeightedRoundRobinBalancer {
	return &WeightedRoundRobinBalancer{
		groups: make(map[string]map[string]int),
	}
}

// Select performs one smooth weighted round-robin step over live.
func (wrr *WeightedRoundRobinBalancer) Select(upstream *types.Upstream, live []*types.Target, _ string) (*types.Target, error) {
	if len(live) == 0 {
		return nil, ErrNoHealthyTarget
	}

	wrr.mu.Lock()
	defer wrr.mu.Unlock()

	current, ok := wrr.groups[upstream.Name]
	if !ok {
		current = make(map[string]int, len(live))
		wrr.groups[upstream.Name] = current
	}

	var (
		selected    *types.Target
		selectedKey string
		totalWeight int
	)
	for _, target := range live {
		weight := target.Weight
		if weight <= 0 {
			weight = 1
		}
		key := target.Key()
		current[key] += weight
		totalWeight += weight

		if selected == nil || current[key] > current[selectedKey] {
			selected, selectedKey = target, key
		}
	}

	current[selectedKey] -= totalWeight
	return selected, nil
}

// Prune drops the state of removed groups and targets.
func (wrr *WeightedRoundRobinBalancer) Prune(groups []*types.Upstream) {
	wrr.mu.Lock()
	defer wrr.mu.Unlock()

	keep := make(map[string]map[string]bool, len(groups))
	for _, group := range groups {
		keys := make(map[string]bool, len(group.Targets))
		for _, target := range group.Targets {
			keys[target.Key()] = true
		}
		keep[group.Name] = keys
	}

	for name, current := range wrr.groups {
		keys, ok := keep[name]
		if !ok {
			delete(wrr.groups, name)
			continue
		}
		for key := range current {
			if !keys[key] {
				delete(current, key)
			}
		}
	}
}
