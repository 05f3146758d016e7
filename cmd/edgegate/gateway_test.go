package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/songzhibin97/edgegate/internal/config"
)

func backendConfig(t *testing.T, name string) (*httptest.Server, config.TargetConfig) {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, name+" "+r.URL.Path)
	}))
	t.Cleanup(backend.Close)

	host, portStr, err := net.SplitHostPort(backend.Listener.Addr().String())
	if err != nil {
		t.Fatalf("Invalid backend address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return backend, config.TargetConfig{Host: host, Port: port, Weight: 1}
}

func TestGateway_InlineRouting(t *testing.T) {
	_, products := backendConfig(t, "products")
	_, users := backendConfig(t, "users")

	cfg := config.Default()
	cfg.Upstreams = []config.UpstreamConfig{
		{Name: "products", Targets: []config.TargetConfig{products}},
		{Name: "users", Policy: "least_conn", Targets: []config.TargetConfig{users}},
	}
	rewrite := "/v1"
	cfg.Routes = []config.RouteConfig{
		{Name: "products", Host: "shop.example.com", PathPrefix: "/api/products", Upstream: "products", Rewrite: &rewrite},
		{Name: "users", Host: "*.example.com", PathPrefix: "/", Upstream: "users"},
	}

	g, err := newGateway(cfg)
	if err != nil {
		t.Fatalf("newGateway failed: %v", err)
	}
	defer g.close()
	if err := g.load(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	front := httptest.NewServer(g.engine)
	defer front.Close()

	tests := []struct {
		host string
		path string
		want string
	}{
		{host: "shop.example.com", path: "/api/products/42", want: "products /v1/42"},
		{host: "shop.example.com", path: "/account", want: "users /account"},
		{host: "id.example.com", path: "/api/products", want: "users /api/products"},
	}
	for _, tt := range tests {
		t.Run(tt.host+tt.path, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, front.URL+tt.path, nil)
			req.Host = tt.host
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK || string(body) != tt.want {
				t.Errorf("Got %d %q, want 200 %q", resp.StatusCode, body, tt.want)
			}
		})
	}

	if len(g.tracker.States()) != 2 {
		t.Errorf("Tracker should follow the registry, got %d states", len(g.tracker.States()))
	}
	if stats := g.collector.TargetStats("users", net.JoinHostPort(users.Host, strconv.Itoa(users.Port))); stats.Requests != 2 {
		t.Errorf("Collector should count proxied requests, got %+v", stats)
	}
}

func TestGateway_ReloadResyncsState(t *testing.T) {
	_, first := backendConfig(t, "first")
	_, second := backendConfig(t, "second")

	cfg := config.Default()
	cfg.Upstreams = []config.UpstreamConfig{{Name: "app", Targets: []config.TargetConfig{first, second}}}
	cfg.Routes = []config.RouteConfig{{Host: "*", PathPrefix: "/", Upstream: "app"}}

	g, err := newGateway(cfg)
	if err != nil {
		t.Fatalf("newGateway failed: %v", err)
	}
	defer g.close()
	if err := g.load(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	doc := &config.RoutingConfig{
		Upstreams: []config.UpstreamConfig{{Name: "app", Targets: []config.TargetConfig{second}}},
		Routes:    []config.RouteConfig{{Host: "*", PathPrefix: "/", Upstream: "app"}},
	}
	if err := g.store.ApplyDocument(doc); err != nil {
		t.Fatalf("ApplyDocument failed: %v", err)
	}

	states := g.tracker.States()
	if len(states) != 1 || states[0].Target != net.JoinHostPort(second.Host, strconv.Itoa(second.Port)) {
		t.Errorf("Removed target should be dropped from health state, got %+v", states)
	}

	rec := httptest.NewRecorder()
	g.admin.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Admin healthz status = %d", rec.Code)
	}
}

func TestGateway_RejectsInvalidInlineRouting(t *testing.T) {
	cfg := config.Default()
	cfg.Routes = []config.RouteConfig{{Host: "*", PathPrefix: "/", Upstream: "missing"}}

	g, err := newGateway(cfg)
	if err != nil {
		t.Fatalf("newGateway failed: %v", err)
	}
	defer g.close()
	if err := g.load(context.Background()); err == nil {
		t.Error("Expected load to reject a rule pointing at an unknown upstream")
	}
}
