package health

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/songzhibin97/edgegate/internal/config"
	"github.com/songzhibin97/edgegate/internal/types"
	"github.com/songzhibin97/edgegate/pkg/log"
)

// Status is the health of a single target
type Status int

const (
	StatusUp Status = iota
	StatusDown
)

// String implements fmt.Stringer.
func (s Status) String() string {
	if s == StatusDown {
		return "DOWN"
	}
	return "UP"
}

// Outcome is the classification of one observed exchange
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeIgnore leaves the counters untouched
	OutcomeIgnore
)

// Observation describes how one forwarding attempt ended.
type Observation struct {
	// StatusCode is the upstream status, 0 when no response arrived
	StatusCode int
	// Err is the transport error of the attempt, if any
	Err error
	// ClientGone is set when the client cancelled the request
	ClientGone bool
	// Local is set when the attempt failed before reaching the target,
	// e.g. pool exhaustion
	Local bool
}

// State is a point-in-time copy of one target's health
type State struct {
	Target               string    `json:"target"`
	Status               string    `json:"status"`
	Healthy              bool      `json:"healthy"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastChange           time.Time `json:"last_change"`
}

// StatusChangeCallback is invoked asynchronously once per transition.
type StatusChangeCallback func(target string, status Status)

type targetState struct {
	mu         sync.Mutex
	healthy    atomic.Bool
	failures   int
	successes  int
	lastChange time.Time
}

// Tracker keeps a health state machine per target. Reads are lock-free on
// the target's status; updates lock only the affected target.
type Tracker struct {
	failThreshold     int
	successThreshold  int
	countServerErrors bool

	mu      sync.RWMutex
	targets map[string]*targetState
	// removed holds the keys dropped by the last Sync; late outcomes for
	// them are discarded
	removed map[string]bool

	cbMu      sync.RWMutex
	callbacks []StatusChangeCallback

	logger log.Logger
}

// NewTracker creates a tracker with the configured thresholds. Values below
// one fall back to 3 failures and 2 successes.
func NewTracker(cfg config.HealthConfig) *Tracker {
	t := &Tracker{
		failThreshold:     cfg.FailThreshold,
		successThreshold:  cfg.SuccessThreshold,
		countServerErrors: cfg.CountServerErrors,
		targets:           make(map[string]*targetState),
		logger:            log.Component("health"),
	}
	if t.failThreshold < 1 {
		t.failThreshold = 3
	}
	if t.successThreshold < 1 {
		t.successThreshold = 2
	}
	return t
}

// OnStatusChange registers a transition callback.
func (t *Tracker) OnStatusChange(cb StatusChangeCallback) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// IsHealthy reports whether target may receive traffic. Unknown targets
// are considered UP.
func (t *Tracker) IsHealthy(target *types.Target) bool {
	return t.IsKeyHealthy(target.Key())
}

// IsKeyHealthy is IsHealthy for a host:port key.
func (t *Tracker) IsKeyHealthy(key string) bool {
	t.mu.RLock()
	state, ok := t.targets[key]
	t.mu.RUnlock()
	if !ok {
		return true
	}
	return state.healthy.Load()
}

// Classify maps an observation to an outcome. Connect failures and
// timeouts are failures; 5xx is a failure when server errors are counted;
// client cancellation and local failures are ignored.
func (t *Tracker) Classify(obs Observation) Outcome {
	if obs.ClientGone || obs.Local {
		return OutcomeIgnore
	}
	if obs.Err != nil {
		return OutcomeFailure
	}
	if obs.StatusCode >= 500 && t.countServerErrors {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// Observe classifies obs and records it against target.
func (t *Tracker) Observe(target *types.Target, obs Observation) Outcome {
	outcome := t.Classify(obs)
	switch outcome {
	case OutcomeSuccess:
		t.RecordOutcome(target, true)
	case OutcomeFailure:
		t.RecordOutcome(target, false)
	}
	return outcome
}

// RecordOutcome feeds one result into the target's state machine. It never
// blocks on I/O.
func (t *Tracker) RecordOutcome(target *types.Target, success bool) {
	t.record(target.Key(), success)
}

func (t *Tracker) record(key string, success bool) {
	state := t.stateFor(key)
	if state == nil {
		return
	}

	state.mu.Lock()
	var (
		changed bool
		status  Status
	)
	if success {
		state.successes++
		state.failures = 0
		if !state.healthy.Load() && state.successes >= t.successThreshold {
			state.healthy.Store(true)
			state.lastChange = time.Now()
			changed, status = true, StatusUp
		}
	} else {
		state.failures++
		state.successes = 0
		if state.healthy.Load() && state.failures >= t.failThreshold {
			state.healthy.Store(false)
			state.lastChange = time.Now()
			changed, status = true, StatusDown
		}
	}
	failures, successes := state.failures, state.successes
	state.mu.Unlock()

	if !changed {
		return
	}

	fields := log.HealthFields(key, status == StatusUp, failures, successes)
	if status == StatusDown {
		t.logger.Warn("target marked down", fields...)
	} else {
		t.logger.Info("target marked up", fields...)
	}

	t.cbMu.RLock()
	for _, cb := range t.callbacks {
		go cb(key, status)
	}
	t.cbMu.RUnlock()
}

func (t *Tracker) stateFor(key string) *targetState {
	t.mu.RLock()
	state, ok := t.targets[key]
	t.mu.RUnlock()
	if ok {
		return state
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok = t.targets[key]; ok {
		return state
	}
	if t.removed[key] {
		return nil
	}
	state = newTargetState()
	t.targets[key] = state
	return state
}

func newTargetState() *targetState {
	state := &targetState{lastChange: time.Now()}
	state.healthy.Store(true)
	return state
}

// Sync makes the tracked set equal to targets: new keys start UP, removed
// keys are dropped, existing keys keep their state. Outcomes reported later
// for a removed key do not bring it back.
func (t *Tracker) Sync(targets []*types.Target) {
	keep := make(map[string]bool, len(targets))
	for _, target := range targets {
		keep[target.Key()] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.removed = make(map[string]bool)
	for key := range t.targets {
		if !keep[key] {
			delete(t.targets, key)
			t.removed[key] = true
		}
	}
	for key := range keep {
		if _, ok := t.targets[key]; !ok {
			t.targets[key] = newTargetState()
		}
	}
}

// State returns the health of one target.
func (t *Tracker) State(key string) (State, bool) {
	t.mu.RLock()
	state, ok := t.targets[key]
	t.mu.RUnlock()
	if !ok {
		return State{}, false
	}
	return state.snapshot(key), true
}

// States returns every tracked state ordered by target key.
func (t *Tracker) States() []State {
	t.mu.RLock()
	states := make([]State, 0, len(t.targets))
	for key, state := range t.targets {
		states = append(states, state.snapshot(key))
	}
	t.mu.RUnlock()

	sort.Slice(states, func(i, j int) bool { return states[i].Target < states[j].Target })
	return states
}

func (s *targetState) snapshot(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := StatusUp
	if !s.healthy.Load() {
		status = StatusDown
	}
	return State{
		Target:               key,
		Status:               status.String(),
		Healthy:              status == StatusUp,
		ConsecutiveFailures:  s.failures,
		ConsecutiveSuccesses: s.successes,
		LastChange:           s.lastChange,
	}
}
