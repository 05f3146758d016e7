package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/songzhibin97/edgegate/internal/config"
	"github.com/songzhibin97/edgegate/internal/health"
	"github.com/songzhibin97/edgegate/internal/router"
	"github.com/songzhibin97/edgegate/internal/types"
	"github.com/songzhibin97/edgegate/pkg/log"
)

// closeGracePeriod bounds the close frame sent to the peer of a finished stream
const closeGracePeriod = time.Second

// WebSocketRelay terminates the client handshake and relays messages to an
// upstream WebSocket connection.
type WebSocketRelay struct {
	upgrader       websocket.Upgrader
	dialer         *websocket.Dialer
	maxMessageSize int64
	logger         log.Logger
	active         atomic.Int64
}

// NewWebSocketRelay creates a relay using the proxy's dial settings
func NewWebSocketRelay(cfg config.ProxyConfig, logger log.Logger) *WebSocketRelay {
	ws := cfg.WebSocket
	return &WebSocketRelay{
		upgrader: websocket.Upgrader{
			ReadBufferSize:   ws.ReadBufferSize,
			WriteBufferSize:  ws.WriteBufferSize,
			HandshakeTimeout: ws.HandshakeTimeout,
			// origin policy belongs to the upstream, which sees the Origin header
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			NetDialContext:   newDialer(cfg),
			HandshakeTimeout: ws.HandshakeTimeout,
			ReadBufferSize:   ws.ReadBufferSize,
			WriteBufferSize:  ws.WriteBufferSize,
		},
		maxMessageSize: ws.MaxMessageSize,
		logger:         logger,
	}
}

// IsWebSocketUpgrade checks if the request is a WebSocket upgrade request
func IsWebSocketUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r) && r.Header.Get("Sec-WebSocket-Key") != ""
}

// Active returns the number of relayed streams.
func (wr *WebSocketRelay) Active() int64 {
	return wr.active.Load()
}

// dial opens the upstream side of the stream.
func (wr *WebSocketRelay) dial(ctx context.Context, r *http.Request, target *types.Target, path, clientIP string) (*websocket.Conn, *http.Response, error) {
	u := url.URL{Scheme: "ws", Host: target.Key(), Path: path, RawQuery: r.URL.RawQuery}

	header := forwardedHeader(r, clientIP)
	header.Del("Sec-WebSocket-Key")
	header.Del("Sec-WebSocket-Version")
	header.Del("Sec-WebSocket-Extensions")
	header.Del("Host")

	return wr.dialer.DialContext(ctx, u.String(), header)
}

// relay pumps messages in both directions until one side ends the stream.
func (wr *WebSocketRelay) relay(client, upstream *websocket.Conn) {
	wr.active.Add(1)
	defer wr.active.Add(-1)

	if wr.maxMessageSize > 0 {
		client.SetReadLimit(wr.maxMessageSize)
		upstream.SetReadLimit(wr.maxMessageSize)
	}

	errc := make(chan error, 2)
	go pump(upstream, client, errc)
	go pump(client, upstream, errc)

	err := <-errc
	client.Close()
	upstream.Close()
	<-errc

	if err != nil && !isNormalClose(err) {
		wr.logger.Debug("websocket stream ended", log.Error(err))
	}
}

// pump copies messages from src to dst in order. A close frame received
// from src is forwarded to dst.
func pump(dst, src *websocket.Conn, errc chan<- error) {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeErr.Code, closeErr.Text),
					time.Now().Add(closeGracePeriod))
			}
			errc <- err
			return
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			errc <- err
			return
		}
	}
}

// relayRejection answers the client with the target's refusal of the
// handshake, as a plain HTTP exchange would.
func relayRejection(rw http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	header := rw.Header()
	for key, values := range resp.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	removeHopByHopHeaders(header)
	header.Del("Content-Length")
	rw.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(rw, resp.Body)
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// serveWebSocket relays an upgrade request. Streams are not retried: the
// handshake is the only attempt.
func (e *Engine) serveWebSocket(rw *ResponseWrapper, r *http.Request, match *router.Match, group *types.Upstream, ex *exchange) error {
	target, err := e.balancer.Select(group, ex.clientIP, nil)
	if err != nil {
		return err
	}
	ex.target = target.Key()
	ex.attempts = 1

	release, err := e.pool.Acquire(r.Context(), group, target)
	if err != nil {
		if r.Context().Err() != nil {
			return errors.Join(errClientGone, err)
		}
		e.health.Observe(target, health.Observation{Err: err, Local: true})
		return err
	}
	defer release()

	done := e.balancer.Acquire(target)
	defer done()

	start := time.Now()
	upstreamConn, resp, err := e.websocket.dial(r.Context(), r, target, match.Path, ex.clientIP)
	if err != nil {
		if resp != nil {
			e.observe(group, target, health.Observation{StatusCode: resp.StatusCode}, time.Since(start))
			relayRejection(rw, resp)
			return nil
		}
		err = classifyTransportError(r.Context(), err)
		e.observe(group, target, health.Observation{Err: err, ClientGone: errors.Is(err, errClientGone)}, time.Since(start))
		return fmt.Errorf("target %s: %w", target.Key(), err)
	}
	e.observe(group, target, health.Observation{StatusCode: resp.StatusCode}, time.Since(start))

	responseHeader := http.Header{}
	if protocol := resp.Header.Get("Sec-WebSocket-Protocol"); protocol != "" {
		responseHeader.Set("Sec-WebSocket-Protocol", protocol)
	}
	for _, cookie := range resp.Header.Values("Set-Cookie") {
		responseHeader.Add("Set-Cookie", cookie)
	}

	clientConn, err := e.websocket.upgrader.Upgrade(rw, r, responseHeader)
	if err != nil {
		// the upgrader has already answered the client
		upstreamConn.Close()
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	e.websocket.relay(clientConn, upstreamConn)
	return nil
}
