package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/edgegate/internal/upstream"
)

const validDocument = `
upstreams:
  - name: product
    targets:
      - host: 10.0.0.1
        port: 8081
  - name: category
    targets:
      - host: 10.0.0.2
        port: 8082
routes:
  - name: products
    host: api.microservices
    path_prefix: /api/products
    upstream: product
    rewrite: /products
  - name: categories
    host: api.microservices
    path_prefix: /api/categories
    upstream: category
`

const updatedDocument = `
upstreams:
  - name: category
    targets:
      - host: 10.0.0.2
        port: 8082
routes:
  - name: everything
    host: "*"
    path_prefix: /
    upstream: category
`

// memorySource is an in-memory config.Source driven by the test
type memorySource struct {
	mu      sync.Mutex
	data    []byte
	getErrs int
	updates chan []byte
	closed  bool
}

func newMemorySource(data string) *memorySource {
	return &memorySource{data: []byte(data), updates: make(chan []byte, 4)}
}

func (m *memorySource) Get() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErrs > 0 {
		m.getErrs--
		return nil, errors.New("source unavailable")
	}
	return m.data, nil
}

func (m *memorySource) Watch(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-m.updates:
				m.mu.Lock()
				m.data = data
				m.mu.Unlock()
				select {
				case ch <- data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (m *memorySource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memorySource) Name() string { return "memory" }

func newTestStore(t *testing.T, source *memorySource) (*Store, *upstream.Registry, *Engine) {
	t.Helper()
	registry := upstream.NewRegistry()
	engine := NewEngine()
	store, err := NewStore(source, registry, engine)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	store.retryDelay = time.Millisecond
	return store, registry, engine
}

func waitUntil(t *testing.T, cond func() bool) {
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

func TestNewStore_Validation(t *testing.T) {
	if _, err := NewStore(nil, nil, NewEngine()); err == nil {
		t.Error("Expected error for nil registry")
	}
	if _, err := NewStore(nil, upstream.NewRegistry(), nil); err == nil {
		t.Error("Expected error for nil engine")
	}
}

func TestStore_StartAppliesRegistryAndRules(t *testing.T) {
	source := newMemorySource(validDocument)
	store, registry, engine := newTestStore(t, source)

	if err := store.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer store.Stop()

	if _, err := registry.Get("product"); err != nil {
		t.Errorf("Expected product upstream: %v", err)
	}

	m, err := engine.Match("api.microservices", "/api/products/42")
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if m.Rule.Upstream != "product" || m.Path != "/products/42" {
		t.Errorf("Unexpected match %+v path %s", m.Rule, m.Path)
	}

	status := store.Status()
	if status.Source != "memory" || status.Version != 1 || status.Routes != 2 || status.Upstreams != 2 {
		t.Errorf("Unexpected status %+v", status)
	}
	if err := store.Start(context.Background()); err == nil {
		t.Error("Expected error when starting twice")
	}
}

func TestStore_StartRetriesTransientErrors(t *testing.T) {
	source := newMemorySource(validDocument)
	source.getErrs = 2
	store, _, engine := newTestStore(t, source)

	if err := store.Start(context.Background()); err != nil {
		t.Fatalf("Start should survive transient errors: %v", err)
	}
	defer store.Stop()

	if engine.Len() != 2 {
		t.Errorf("Expected 2 rules, got %d", engine.Len())
	}
}

func TestStore_StartFailsOnInvalidDocument(t *testing.T) {
	store, _, _ := newTestStore(t, newMemorySource("routes: [{host: '*', upstream: missing}]"))
	if err := store.Start(context.Background()); err == nil {
		store.Stop()
		t.Fatal("Expected error for invalid initial document")
	}
	if store.IsRunning() {
		t.Error("Store should not be running after a failed start")
	}
}

func TestStore_WatchAppliesUpdatesAndKeepsPreviousOnError(t *testing.T) {
	source := newMemorySource(validDocument)
	store, registry, engine := newTestStore(t, source)

	if err := store.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer store.Stop()

	t.Run("invalid update is rejected", func(t *testing.T) {
		source.updates <- []byte("routes: [{host: '*', path_prefix: /, upstream: ghost}]")
		waitUntil(t, func() bool { return store.Status().LastError != "" })

		if _, err := registry.Get("product"); err != nil {
			t.Error("Previous upstreams should remain after a rejected update")
		}
		if _, err := engine.Match("api.microservices", "/api/products"); err != nil {
			t.Error("Previous rules should remain after a rejected update")
		}
	})

	t.Run("malformed update is rejected", func(t *testing.T) {
		version := store.Status().Version
		source.updates <- []byte("routes: [")
		time.Sleep(50 * time.Millisecond)
		if store.Status().Version != version {
			t.Error("Malformed document should not be applied")
		}
	})

	t.Run("valid update replaces both tables", func(t *testing.T) {
		source.updates <- []byte(updatedDocument)
		waitUntil(t, func() bool { return store.Status().Version == 2 })

		if _, err := registry.Get("product"); !errors.Is(err, upstream.ErrUnknownUpstream) {
			t.Errorf("Removed upstream should be gone, got %v", err)
		}
		m, err := engine.Match("other.host", "/api/products")
		if err != nil || m.Rule.Name != "everything" {
			t.Errorf("Expected new catch-all rule, got %v, %v", m, err)
		}
		if store.Status().LastError != "" {
			t.Error("Successful apply should clear the last error")
		}
	})
}

func TestStore_ReloadAndStop(t *testing.T) {
	source := newMemorySource(validDocument)
	store, _, _ := newTestStore(t, source)

	if err := store.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	source.mu.Lock()
	source.data = []byte(updatedDocument)
	source.mu.Unlock()

	if err := store.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if store.Status().Routes != 1 {
		t.Errorf("Expected reloaded document with 1 route, got %d", store.Status().Routes)
	}

	if err := store.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !source.closed {
		t.Error("Stop should close the source")
	}
	if store.IsRunning() {
		t.Error("Store should not be running after Stop")
	}
}

func TestStore_Static(t *testing.T) {
	store, err := NewStore(nil, upstream.NewRegistry(), NewEngine())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if err := store.Start(context.Background()); !errors.Is(err, ErrStaticConfig) {
		t.Errorf("Expected ErrStaticConfig from Start, got %v", err)
	}
	if err := store.Reload(); !errors.Is(err, ErrStaticConfig) {
		t.Errorf("Expected ErrStaticConfig from Reload, got %v", err)
	}
	if err := store.Apply([]byte(validDocument)); err != nil {
		t.Errorf("Apply should work on a static store: %v", err)
	}
	if store.Status().Source != "static" {
		t.Errorf("Expected static source name, got %s", store.Status().Source)
	}
}

func TestStore_RulesAndGroupsSwitchTogether(t *testing.T) {
	store, registry, engine := newTestStore(t, newMemorySource(validDocument))
	if err := store.Apply([]byte(validDocument)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// listeners run while a reload is in progress; every match seen there
	// must come with a group of the same generation
	var checked int
	registry.OnReload(func(*upstream.Snapshot) {
		for _, path := range []string{"/api/products/1", "/api/categories"} {
			m, err := engine.Match("api.microservices", path)
			if err != nil {
				t.Errorf("Match %s during reload: %v", path, err)
				continue
			}
			if m.Upstream == nil || m.Upstream.Name != m.Rule.Upstream {
				t.Errorf("Match %s during reload carried group %v for rule %s", path, m.Upstream, m.Rule.Name)
			}
			checked++
		}
	})

	if err := store.Apply([]byte(updatedDocument)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if checked != 2 {
		t.Fatalf("Expected 2 matches checked during reload, got %d", checked)
	}

	m, err := engine.Match("api.microservices", "/api/products/1")
	if err != nil || m.Rule.Name != "everything" || m.Upstream.Name != "category" {
		t.Errorf("Expected the new rule bound to category, got %v, %v", m, err)
	}
	if _, err := registry.Get("product"); !errors.Is(err, upstream.ErrUnknownUpstream) {
		t.Errorf("Expected product to be gone after reload, got %v", err)
	}
}

func TestStore_RejectedDocumentKeepsBinding(t *testing.T) {
	store, registry, engine := newTestStore(t, newMemorySource(validDocument))
	if err := store.Apply([]byte(validDocument)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	version := registry.Snapshot().Version

	if err := store.Apply([]byte("upstreams: [{name: a, targets: [{host: h, port: 1}]}]\nroutes: [{host: '*', upstream: b}]")); err == nil {
		t.Fatal("Expected a rule naming a missing upstream to be rejected")
	}
	if registry.Snapshot().Version != version {
		t.Error("Registry should not change on a rejected document")
	}
	m, err := engine.Match("api.microservices", "/api/products")
	if err != nil || m.Upstream == nil || m.Upstream.Name != "product" {
		t.Errorf("Previous binding should stay in place, got %v, %v", m, err)
	}
}
