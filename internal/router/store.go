package router

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/songzhibin97/edgegate/internal/config"
	"github.com/songzhibin97/edgegate/internal/types"
	"github.com/songzhibin97/edgegate/internal/upstream"
	pkgConfig "github.com/songzhibin97/edgegate/pkg/config"
	"github.com/songzhibin97/edgegate/pkg/log"
)

// Registry is the upstream registry the store installs groups into.
type Registry interface {
	Prepare(groups []*types.Upstream) (*upstream.Snapshot, error)
	Publish(snapshot *upstream.Snapshot)
}

// Status describes the last applied routing document
type Status struct {
	Source     string    `json:"source"`
	Version    uint64    `json:"version"`
	LastUpdate time.Time `json:"last_update"`
	LastError  string    `json:"last_error,omitempty"`
	Routes     int       `json:"routes"`
	Upstreams  int       `json:"upstreams"`
}

// Store represents a configuration store that uses config.Source interface
// to load and watch the routing document. Every accepted document reloads
// the registry first and the routing engine second; a rejected document
// leaves the running configuration untouched.
type Store struct {
	source   pkgConfig.Source
	registry Registry
	engine   *Engine
	logger   log.Logger

	// applyMu serializes document application
	applyMu sync.Mutex

	mu          sync.RWMutex
	status      Status
	running     bool
	wg          sync.WaitGroup
	watchCancel context.CancelFunc
	lastData    []byte

	retryDelay time.Duration
}

// NewStore creates a new configuration store. A nil source makes the store
// static: documents can only be applied through ApplyDocument.
func NewStore(source pkgConfig.Source, registry Registry, engine *Engine) (*Store, error) {
	if registry == nil {
		return nil, fmt.Errorf("upstream registry cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("routing engine cannot be nil")
	}

	name := "static"
	if named, ok := source.(pkgConfig.Named); ok {
		name = named.Name()
	}

	return &Store{
		source:     source,
		registry:   registry,
		engine:     engine,
		logger:     log.Component("config-store").With(log.String(log.FieldSource, name)),
		status:     Status{Source: name},
		retryDelay: 500 * time.Millisecond,
	}, nil
}

// Start loads the initial document, retrying transient source errors, and
// then follows the source for changes until Stop or ctx is done.
func (s *Store) Start(ctx context.Context) error {
	if s.source == nil {
		return ErrStaticConfig
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("store is already running")
	}
	s.running = true
	s.mu.Unlock()

	var data []byte
	err := retry.Do(
		func() error {
			var err error
			data, err = s.source.Get()
			return err
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(s.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("initial configuration fetch failed, retrying",
				log.Int(log.FieldAttempt, int(n)+1), log.Error(err))
		}),
	)
	if err == nil {
		err = s.Apply(data)
	}
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to load initial configuration: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.watchCancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watchConfiguration(watchCtx)

	s.logger.Info("configuration store started")
	return nil
}

// Stop stops watching and closes the source.
func (s *Store) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.watchCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if err := s.source.Close(); err != nil {
		s.logger.Error("failed to close configuration source", log.Error(err))
	}

	s.logger.Info("configuration store stopped")
	return nil
}

// Reload fetches the document from the source and applies it.
func (s *Store) Reload() error {
	if s.source == nil {
		return ErrStaticConfig
	}

	data, err := s.source.Get()
	if err != nil {
		s.recordError(err)
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	return s.Apply(data)
}

// Apply parses, validates and installs a routing document.
func (s *Store) Apply(data []byte) error {
	doc, err := config.ParseRouting(data)
	if err != nil {
		s.recordError(err)
		s.logger.Error("routing configuration rejected, keeping previous", log.Error(err))
		return err
	}
	if err := s.ApplyDocument(doc); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastData = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

// unchanged reports whether data equals the last applied document.
func (s *Store) unchanged(data []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastData != nil && bytes.Equal(s.lastData, data)
}

// ApplyDocument validates doc and installs it. The rule table is swapped
// before registry listeners run, so pruning never races a request that
// still matched the previous table.
func (s *Store) ApplyDocument(doc *config.RoutingConfig) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	err := s.apply(doc)
	if err != nil {
		s.recordError(err)
		s.logger.Error("routing configuration rejected, keeping previous", log.Error(err))
		return err
	}

	s.mu.Lock()
	s.status.Version++
	s.status.LastUpdate = time.Now()
	s.status.LastError = ""
	s.status.Routes = len(doc.Routes)
	s.status.Upstreams = len(doc.Upstreams)
	version := s.status.Version
	s.mu.Unlock()

	s.logger.Info("routing configuration applied",
		log.Int64(log.FieldVersion, int64(version)),
		log.Int("routes", len(doc.Routes)),
		log.Int("upstreams", len(doc.Upstreams)))
	return nil
}

func (s *Store) apply(doc *config.RoutingConfig) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("invalid routing configuration: %w", err)
	}

	groups, err := doc.ToUpstreams()
	if err != nil {
		return err
	}

	snapshot, err := s.registry.Prepare(groups)
	if err != nil {
		return fmt.Errorf("failed to reload upstreams: %w", err)
	}

	t, err := compile(RulesFromConfig(doc.Routes), snapshot)
	if err != nil {
		return err
	}

	s.engine.swap(t)
	s.registry.Publish(snapshot)
	return nil
}

func (s *Store) recordError(err error) {
	s.mu.Lock()
	s.status.LastError = err.Error()
	s.mu.Unlock()
}

// Status returns information about the last applied document.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsRunning returns whether the store is currently following its source.
func (s *Store) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// watchConfiguration applies every document the source delivers and
// re-establishes the watch when the source drops it.
func (s *Store) watchConfiguration(ctx context.Context) {
	defer s.wg.Done()

	for {
		ch, err := s.source.Watch(ctx)
		if err != nil {
			s.logger.Error("failed to watch configuration", log.Error(err))
		} else {
			for data := range ch {
				if s.unchanged(data) {
					continue
				}
				// errors are logged and recorded by Apply
				_ = s.Apply(data)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
			s.logger.Warn("configuration watch ended, restarting")
		}
	}
}
