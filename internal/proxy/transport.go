package proxy

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/songzhibin97/edgegate/internal/config"
)

// newTransport creates the upstream transport. Dials are bounded by the
// connect timeout and every write on an upstream connection by the write
// timeout.
func newTransport(cfg config.ProxyConfig) *http.Transport {
	dial := newDialer(cfg)

	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dial,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func newDialer(cfg config.ProxyConfig) dialFunc {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAliveTimeout,
	}
	if cfg.WriteTimeout <= 0 {
		return dialer.DialContext
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &writeDeadlineConn{Conn: conn, timeout: cfg.WriteTimeout}, nil
	}
}

// writeDeadlineConn arms a fresh write deadline before every write
type writeDeadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *writeDeadlineConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}
