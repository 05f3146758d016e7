package upstream

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/songzhibin97/edgegate/internal/types"
	"github.com/songzhibin97/edgegate/pkg/log"
)

// ErrUnknownUpstream is returned when a rule references a group that is not
// part of the current snapshot.
var ErrUnknownUpstream = errors.New("unknown upstream")

// Snapshot is an immutable view of every configured group.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time

	groups map[string]*types.Upstream
	order  []*types.Upstream
}

// Get looks a group up by name.
func (s *Snapshot) Get(name string) (*types.Upstream, error) {
	group, ok := s.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpstream, name)
	}
	return group, nil
}

// Groups returns the groups in declaration order.
func (s *Snapshot) Groups() []*types.Upstream {
	return s.order
}

// Targets returns every target of every group, deduplicated by key.
func (s *Snapshot) Targets() []*types.Target {
	seen := make(map[string]bool)
	var targets []*types.Target
	for _, group := range s.order {
		for _, target := range group.Targets {
			if seen[target.Key()] {
				continue
			}
			seen[target.Key()] = true
			targets = append(targets, target)
		}
	}
	return targets
}

// Listener is notified after every successful reload.
type Listener func(snapshot *Snapshot)

// Registry is the authoritative, read-mostly store of upstream groups.
// Readers load the current snapshot without locking; Reload builds a new
// snapshot and swaps it in as a whole.
type Registry struct {
	current   atomic.Pointer[Snapshot]
	mu        sync.Mutex // serializes reloads
	listeners []Listener
	logger    log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		logger: log.Component("upstream.registry"),
	}
	r.current.Store(&Snapshot{groups: map[string]*types.Upstream{}})
	return r
}

// Get returns the named group from the current snapshot.
func (r *Registry) Get(name string) (*types.Upstream, error) {
	return r.current.Load().Get(name)
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// OnReload registers a listener invoked synchronously after each reload.
func (r *Registry) OnReload(listener Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

// Reload validates the new group set and atomically replaces the current
// snapshot. On error the previous snapshot stays in place.
func (r *Registry) Reload(groups []*types.Upstream) error {
	next, err := r.Prepare(groups)
	if err != nil {
		return err
	}
	r.Publish(next)
	return nil
}

// Prepare validates groups and builds the next snapshot without installing
// it. Callers that must install other state together with the groups
// prepare first and Publish once that state is in place.
func (r *Registry) Prepare(groups []*types.Upstream) (*Snapshot, error) {
	next := &Snapshot{
		LoadedAt: time.Now(),
		groups:   make(map[string]*types.Upstream, len(groups)),
		order:    make([]*types.Upstream, 0, len(groups)),
	}

	for _, group := range groups {
		if group == nil {
			return nil, fmt.Errorf("nil upstream in reload")
		}
		if err := group.Validate(); err != nil {
			return nil, fmt.Errorf("invalid upstream: %w", err)
		}
		if _, exists := next.groups[group.Name]; exists {
			return nil, fmt.Errorf("duplicate upstream name: %s", group.Name)
		}

		clone, err := cloneGroup(group)
		if err != nil {
			return nil, err
		}
		next.groups[clone.Name] = clone
		next.order = append(next.order, clone)
	}
	return next, nil
}

// Publish installs a prepared snapshot and notifies listeners synchronously.
func (r *Registry) Publish(next *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next.Version = r.current.Load().Version + 1
	r.current.Store(next)
	r.logger.Info("Upstream registry reloaded",
		log.Int64(log.FieldVersion, int64(next.Version)),
		log.Int("groups", len(next.order)),
	)

	for _, listener := range r.listeners {
		listener(next)
	}
}

// cloneGroup copies a group so later mutation by the caller cannot leak into
// a published snapshot.
func cloneGroup(group *types.Upstream) (*types.Upstream, error) {
	policy, err := types.ParsePolicy(string(group.Policy))
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", group.Name, err)
	}

	clone := &types.Upstream{
		Name:              group.Name,
		Policy:            policy,
		MaxConnsPerTarget: group.MaxConnsPerTarget,
		Targets:           make([]*types.Target, len(group.Targets)),
	}
	for i, target := range group.Targets {
		t := *target
		if t.Weight == 0 {
			t.Weight = 1
		}
		clone.Targets[i] = &t
	}
	return clone, nil
}
