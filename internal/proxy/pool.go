package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/edgegate/internal/types"
)

// Pool bounds the number of concurrent exchanges per target. Idle
// connection reuse is left to the transport; the pool only hands out slots.
type Pool struct {
	timeout      time.Duration
	defaultLimit int

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewPool creates a pool. defaultLimit applies to groups that do not set
// max_conns_per_target; zero means unbounded.
func NewPool(defaultLimit int, timeout time.Duration) *Pool {
	return &Pool{
		timeout:      timeout,
		defaultLimit: defaultLimit,
		slots:        make(map[string]chan struct{}),
	}
}

func (p *Pool) limitFor(group *types.Upstream) int {
	if group != nil && group.MaxConnsPerTarget > 0 {
		return group.MaxConnsPerTarget
	}
	return p.defaultLimit
}

func (p *Pool) semaphore(key string, limit int) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	sem, ok := p.slots[key]
	if !ok {
		sem = make(chan struct{}, limit)
		p.slots[key] = sem
	}
	return sem
}

// Acquire checks out a slot for target, waiting up to the pool timeout.
// The returned release func must be called exactly once.
func (p *Pool) Acquire(ctx context.Context, group *types.Upstream, target *types.Target) (func(), error) {
	limit := p.limitFor(group)
	if limit <= 0 {
		return func() {}, nil
	}

	sem := p.semaphore(target.Key(), limit)
	release := func() { <-sem }

	select {
	case sem <- struct{}{}:
		return release, nil
	default:
	}

	if p.timeout <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrPoolExhausted, target.Key())
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		return release, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrPoolExhausted, target.Key())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InUse returns the number of slots currently checked out for key.
func (p *Pool) InUse(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sem, ok := p.slots[key]; ok {
		return len(sem)
	}
	return 0
}

// Prune resizes the pool after a registry reload. Slots of removed targets
// are dropped; targets whose limit changed get a fresh semaphore while
// requests holding the old one drain into it.
func (p *Pool) Prune(groups []*types.Upstream) {
	limits := make(map[string]int)
	for _, group := range groups {
		limit := p.limitFor(group)
		for _, target := range group.Targets {
			key := target.Key()
			if current, ok := limits[key]; !ok || limit < current {
				limits[key] = limit
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for key, sem := range p.slots {
		limit, ok := limits[key]
		if !ok || limit != cap(sem) {
			delete(p.slots, key)
		}
	}
	for key, limit := range limits {
		if _, ok := p.slots[key]; !ok && limit > 0 {
			p.slots[key] = make(chan struct{}, limit)
		}
	}
}
