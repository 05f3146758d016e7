package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/songzhibin97/edgegate/internal/router"
	"github.com/songzhibin97/edgegate/internal/types"
)

func TestIsWebSocketUpgrade(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		expected bool
	}{
		{
			name: "valid websocket upgrade",
			headers: map[string]string{
				"Connection":            "Upgrade",
				"Upgrade":               "websocket",
				"Sec-WebSocket-Version": "13",
				"Sec-WebSocket-Key":     "dGhlIHNhbXBsZSBub25jZQ==",
			},
			expected: true,
		},
		{
			name: "missing connection header",
			headers: map[string]string{
				"Upgrade":           "websocket",
				"Sec-WebSocket-Key": "dGhlIHNhbXBsZSBub25jZQ==",
			},
			expected: false,
		},
		{
			name: "other protocol",
			headers: map[string]string{
				"Connection":        "Upgrade",
				"Upgrade":           "h2c",
				"Sec-WebSocket-Key": "dGhlIHNhbXBsZSBub25jZQ==",
			},
			expected: false,
		},
		{
			name: "missing websocket key",
			headers: map[string]string{
				"Connection": "Upgrade",
				"Upgrade":    "websocket",
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := IsWebSocketUpgrade(r); got != tt.expected {
				t.Errorf("IsWebSocketUpgrade() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestWebSocketRelay_Echo(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{"chat.v1"}}
	var gotPath, gotForwardedHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotForwardedHost = r.Header.Get("X-Forwarded-Host")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, append([]byte("echo: "), message...)); err != nil {
				return
			}
		}
	}))
	defer backend.Close()

	cfg := testProxyConfig()
	cfg.WebSocket.Enabled = true
	target := targetOf(t, backend)
	tp := newTestProxy(t, cfg,
		[]*types.Upstream{{Name: "chat", Targets: []*types.Target{target}}},
		[]router.Rule{{Name: "chat", Host: "chat.example.com", PathPrefix: "/live", Upstream: "chat", Rewrite: strPtr("/ws")}},
	)

	dialer := websocket.Dialer{Subprotocols: []string{"chat.v1"}, HandshakeTimeout: 2 * time.Second}
	header := http.Header{}
	header.Set("Host", "chat.example.com")
	conn, resp, err := dialer.Dial("ws"+strings.TrimPrefix(tp.server.URL, "http")+"/live/room", header)
	if err != nil {
		t.Fatalf("Dial through proxy failed: %v", err)
	}
	defer conn.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("Handshake status = %d, want 101", resp.StatusCode)
	}
	if conn.Subprotocol() != "chat.v1" {
		t.Errorf("Subprotocol = %q, want chat.v1", conn.Subprotocol())
	}
	if gotPath != "/ws/room" || gotForwardedHost != "chat.example.com" {
		t.Errorf("Upstream saw path %q forwarded host %q", gotPath, gotForwardedHost)
	}

	for _, msg := range []string{"first", "second", "third"} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("WriteMessage failed: %v", err)
		}
	}
	for _, want := range []string{"echo: first", "echo: second", "echo: third"} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, got, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if string(got) != want {
			t.Errorf("Message = %q, want %q in order", got, want)
		}
	}

	waitFor(t, func() bool { return tp.engine.websocket.Active() == 1 })
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitFor(t, func() bool { return tp.engine.websocket.Active() == 0 })

	if requests, failures := tp.recorder.counts(target.Key()); requests != 1 || failures != 0 {
		t.Errorf("Recorder requests=%d failures=%d, want 1 and 0", requests, failures)
	}
	entry := tp.logger.lastAccess(t)
	if entry.fields["status_code"] != http.StatusSwitchingProtocols {
		t.Errorf("Access log status = %v, want 101", entry.fields["status_code"])
	}
}

func TestWebSocketRelay_UpstreamDown(t *testing.T) {
	cfg := testProxyConfig()
	cfg.WebSocket.Enabled = true
	dead := deadTarget(t)
	tp := newTestProxy(t, cfg,
		[]*types.Upstream{{Name: "chat", Targets: []*types.Target{dead}}},
		[]router.Rule{{Host: "*", PathPrefix: "/", Upstream: "chat"}},
	)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(tp.server.URL, "http")+"/", nil)
	if err == nil {
		t.Fatal("Expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502 handshake response, got %v", resp)
	}
	if _, failures := tp.recorder.counts(dead.Key()); failures != 1 {
		t.Errorf("Dial failure should count against the target, got %d", failures)
	}
}

func TestWebSocketRelay_HandshakeRejected(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="chat"`)
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, "token required")
	}))
	defer backend.Close()

	cfg := testProxyConfig()
	cfg.WebSocket.Enabled = true
	target := targetOf(t, backend)
	tp := newTestProxy(t, cfg,
		[]*types.Upstream{{Name: "chat", Targets: []*types.Target{target}}},
		[]router.Rule{{Host: "*", PathPrefix: "/", Upstream: "chat"}},
	)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(tp.server.URL, "http")+"/", nil)
	if err == nil {
		t.Fatal("Expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected the target's 401 to reach the client, got %v", resp)
	}
	if got := resp.Header.Get("WWW-Authenticate"); got != `Bearer realm="chat"` {
		t.Errorf("WWW-Authenticate = %q", got)
	}
	if _, failures := tp.recorder.counts(target.Key()); failures != 0 {
		t.Errorf("A 4xx refusal should not count against the target, got %d", failures)
	}
}
