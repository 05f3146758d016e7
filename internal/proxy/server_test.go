package proxy

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/songzhibin97/edgegate/internal/config"
)

func startServer(t *testing.T, cfg config.ServerConfig, handler http.Handler, opts ...ServerOption) string {
	t.Helper()
	server, err := NewServer(cfg, handler, opts...)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- server.Serve(listener) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
		if err := <-errc; err != nil {
			t.Errorf("Serve returned %v after shutdown", err)
		}
	})
	scheme := "http://"
	if cfg.TLS.Enabled {
		scheme = "https://"
	}
	return scheme + listener.Addr().String()
}

func protoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Proto)
	})
}

func TestServer_HTTP1(t *testing.T) {
	url := startServer(t, config.ServerConfig{ReadHeaderTimeout: time.Second}, protoHandler())

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "HTTP/1.1" {
		t.Errorf("Proto = %q, want HTTP/1.1", body)
	}
}

func TestServer_H2C(t *testing.T) {
	url := startServer(t, config.ServerConfig{H2C: true}, protoHandler())

	client := &http.Client{Transport: &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}}

	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("h2c GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.ProtoMajor != 2 || string(body) != "HTTP/2.0" {
		t.Errorf("Proto = %s / %q, want HTTP/2.0", resp.Proto, body)
	}
}

func selfSignedCertificate(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate failed: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestServer_TLSConfigOption(t *testing.T) {
	cert := selfSignedCertificate(t)
	tlsConfig := &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return &cert, nil },
	}
	url := startServer(t, config.ServerConfig{TLS: config.TLSConfig{Enabled: true}}, protoHandler(), WithTLSConfig(tlsConfig))

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
		ForceAttemptHTTP2: true,
	}}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("HTTPS GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(url, "https://") || string(body) != "HTTP/2.0" {
		t.Errorf("Proto = %q over %s, want HTTP/2.0 over TLS", body, url)
	}
}

func TestNewServer_Validation(t *testing.T) {
	if _, err := NewServer(config.ServerConfig{}, nil); err == nil {
		t.Error("Expected error for nil handler")
	}
}
