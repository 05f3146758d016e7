package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/edgegate/internal/config"
	"github.com/songzhibin97/edgegate/internal/health"
	"github.com/songzhibin97/edgegate/internal/loadbalancer"
	"github.com/songzhibin97/edgegate/internal/router"
	"github.com/songzhibin97/edgegate/internal/types"
	"github.com/songzhibin97/edgegate/internal/upstream"
	"github.com/songzhibin97/edgegate/pkg/log"
)

// testProxy wires a complete engine behind an httptest server
type testProxy struct {
	engine   *Engine
	router   *router.Engine
	registry *upstream.Registry
	tracker  *health.Tracker
	recorder *fakeRecorder
	logger   *captureLogger
	server   *httptest.Server
}

func testProxyConfig() config.ProxyConfig {
	cfg := config.Default().Proxy
	cfg.ConnectTimeout = time.Second
	cfg.ResponseHeaderTimeout = 2 * time.Second
	cfg.RequestTimeout = 5 * time.Second
	cfg.PoolTimeout = 100 * time.Millisecond
	cfg.FlushInterval = -1
	return cfg
}

func newTestProxy(t *testing.T, cfg config.ProxyConfig, groups []*types.Upstream, rules []router.Rule) *testProxy {
	t.Helper()

	registry := upstream.NewRegistry()
	if err := registry.Reload(groups); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	routes := router.NewEngine()
	if err := routes.Load(rules, registry.Snapshot()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	tracker := health.NewTracker(config.HealthConfig{FailThreshold: 3, SuccessThreshold: 2, CountServerErrors: true})

	tp := &testProxy{
		router:   routes,
		registry: registry,
		tracker:  tracker,
		recorder: newFakeRecorder(),
		logger:   &captureLogger{},
	}

	engine, err := NewEngine(Options{
		Config:    cfg,
		Router:    routes,
		Balancer:  loadbalancer.NewManager(tracker),
		Health:    tracker,
		Recorder:  tp.recorder,
		AccessLog: true,
		Logger:    tp.logger,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	tp.engine = engine
	tp.server = httptest.NewServer(engine)
	t.Cleanup(func() {
		tp.server.Close()
		engine.Close()
	})
	return tp
}

// do sends a request for host and path through the proxy
func (tp *testProxy) do(t *testing.T, host, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, tp.server.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Host = host
	resp, err := tp.server.Client().Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func targetOf(t *testing.T, server *httptest.Server) *types.Target {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return targetFromAddr(t, u.Host)
}

func targetFromAddr(t *testing.T, addr string) *types.Target {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort failed: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return &types.Target{Host: host, Port: port, Weight: 1}
}

// deadTarget returns an address nothing listens on
func deadTarget(t *testing.T) *types.Target {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return targetFromAddr(t, addr)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// fakeRecorder counts observations per target
type fakeRecorder struct {
	mu       sync.Mutex
	requests map[string]int
	failures map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{requests: make(map[string]int), failures: make(map[string]int)}
}

func (r *fakeRecorder) ObserveRequest(_, target string, failed bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[target]++
	if failed {
		r.failures[target]++
	}
}

func (r *fakeRecorder) counts(target string) (requests, failures int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[target], r.failures[target]
}

func (r *fakeRecorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.requests {
		n += v
	}
	return n
}

// captureLogger records entries for assertions
type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
	fields  []log.Field
	parent  *captureLogger
}

type logEntry struct {
	msg    string
	fields map[string]interface{}
}

func (l *captureLogger) root() *captureLogger {
	if l.parent != nil {
		return l.parent.root()
	}
	return l
}

func (l *captureLogger) record(msg string, fields []log.Field) {
	entry := logEntry{msg: msg, fields: make(map[string]interface{})}
	for _, f := range append(append([]log.Field{}, l.fields...), fields...) {
		entry.fields[f.Key] = f.Value
	}
	root := l.root()
	root.mu.Lock()
	root.entries = append(root.entries, entry)
	root.mu.Unlock()
}

func (l *captureLogger) Debug(msg string, fields ...log.Field) { l.record(msg, fields) }
func (l *captureLogger) Info(msg string, fields ...log.Field)  { l.record(msg, fields) }
func (l *captureLogger) Warn(msg string, fields ...log.Field)  { l.record(msg, fields) }
func (l *captureLogger) Error(msg string, fields ...log.Field) { l.record(msg, fields) }
func (l *captureLogger) Fatal(msg string, fields ...log.Field) { l.record(msg, fields) }

func (l *captureLogger) With(fields ...log.Field) log.Logger {
	return &captureLogger{fields: append(append([]log.Field{}, l.fields...), fields...), parent: l.root()}
}

func (l *captureLogger) WithContext(context.Context) log.Logger { return l }

// accessEntries returns the access log lines written so far
func (l *captureLogger) accessEntries() []logEntry {
	root := l.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	var out []logEntry
	for _, e := range root.entries {
		if e.fields[log.FieldComponent] == "access" {
			out = append(out, e)
		}
	}
	return out
}

// lastAccess waits for an access log line and returns the latest one
func (l *captureLogger) lastAccess(t *testing.T) logEntry {
	t.Helper()
	waitFor(t, func() bool { return len(l.accessEntries()) > 0 })
	entries := l.accessEntries()
	return entries[len(entries)-1]
}
