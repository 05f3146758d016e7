package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/songzhibin97/edgegate/internal/config"
	"github.com/songzhibin97/edgegate/internal/types"
	"github.com/songzhibin97/edgegate/pkg/log"
)

// ActiveChecker probes every target on its own ticker and feeds the results
// into the Tracker, so DOWN targets can recover without live traffic.
type ActiveChecker struct {
	config  config.ActiveHealthConfig
	tracker *Tracker
	client  *http.Client
	logger  log.Logger

	mu      sync.Mutex
	probes  map[string]context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewActiveChecker creates a checker; it does nothing until Start.
func NewActiveChecker(cfg config.ActiveHealthConfig, tracker *Tracker) *ActiveChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	return &ActiveChecker{
		config:  cfg,
		tracker: tracker,
		client: &http.Client{
			Timeout: cfg.Timeout,
			// a redirect is itself a healthy answer
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: log.Component("active-health"),
		probes: make(map[string]context.CancelFunc),
	}
}

// Start begins probing targets.
func (ac *ActiveChecker) Start(targets []*types.Target) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if ac.running {
		return fmt.Errorf("active health checker is already running")
	}
	ac.running = true
	ac.syncLocked(targets)

	ac.logger.Info("active health checks started",
		log.Int("targets", len(targets)),
		log.Duration("interval", ac.config.Interval),
		log.String(log.FieldPath, ac.config.Path))
	return nil
}

// Sync restarts probing for the new target set; probes of unchanged targets
// keep running.
func (ac *ActiveChecker) Sync(targets []*types.Target) {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if !ac.running {
		return
	}
	ac.syncLocked(targets)
}

func (ac *ActiveChecker) syncLocked(targets []*types.Target) {
	keep := make(map[string]bool, len(targets))
	for _, target := range targets {
		key := target.Key()
		keep[key] = true
		if _, ok := ac.probes[key]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		ac.probes[key] = cancel
		ac.wg.Add(1)
		go func() {
			defer ac.wg.Done()
			ac.run(ctx, key)
		}()
	}

	for key, cancel := range ac.probes {
		if !keep[key] {
			cancel()
			delete(ac.probes, key)
		}
	}
}

// Stop cancels every probe and waits for them to exit.
func (ac *ActiveChecker) Stop() error {
	ac.mu.Lock()
	if !ac.running {
		ac.mu.Unlock()
		return nil
	}
	ac.running = false
	for key, cancel := range ac.probes {
		cancel()
		delete(ac.probes, key)
	}
	ac.mu.Unlock()

	ac.wg.Wait()
	return nil
}

func (ac *ActiveChecker) run(ctx context.Context, key string) {
	ticker := time.NewTicker(ac.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy, err := ac.probe(ctx, key)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				ac.logger.Debug("health probe failed", log.String(log.FieldTarget, key), log.Error(err))
			}
			ac.tracker.record(key, healthy)
		}
	}
}

// probe issues one GET; 2xx and 3xx answers are healthy.
func (ac *ActiveChecker) probe(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, ac.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+key+ac.config.Path, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", "edgegate-health-check")

	resp, err := ac.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return true, nil
	}
	return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
}
