package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/songzhibin97/edgegate/internal/loadbalancer"
	"github.com/songzhibin97/edgegate/internal/router"
	"github.com/songzhibin97/edgegate/internal/upstream"
)

var (
	// ErrBadRequest is returned for requests that cannot be routed at all
	ErrBadRequest = errors.New("malformed request")
	// ErrUpstreamConnect is returned when no connection to the target could be established
	ErrUpstreamConnect = errors.New("upstream connect failed")
	// ErrUpstreamTimeout is returned when the target did not answer in time
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamBroken is returned when an established exchange failed
	ErrUpstreamBroken = errors.New("upstream connection broken")
	// ErrPoolExhausted is returned when no pool slot freed up within pool_timeout
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// errClientGone marks requests whose client disconnected
	errClientGone = errors.New("client disconnected")
)

// StatusClientClosedRequest is logged for requests abandoned by the client.
// It is never written to the wire.
const StatusClientClosedRequest = 499

// statusFor maps a request failure to the status returned to the client.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errClientGone):
		return StatusClientClosedRequest
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrNoRoute):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, upstream.ErrUnknownUpstream),
		errors.Is(err, loadbalancer.ErrNoHealthyTarget),
		errors.Is(err, ErrUpstreamConnect),
		errors.Is(err, ErrUpstreamBroken),
		errors.Is(err, ErrPoolExhausted):
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// classifyTransportError turns a round trip error into one of the proxy
// sentinels. clientCtx is the inbound request context.
func classifyTransportError(clientCtx context.Context, err error) error {
	if clientCtx.Err() == context.Canceled {
		return errors.Join(errClientGone, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrUpstreamTimeout, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return errors.Join(ErrUpstreamConnect, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Join(ErrUpstreamTimeout, err)
	}
	return errors.Join(ErrUpstreamBroken, err)
}

// retryable reports whether a failed attempt may be repeated on another
// target. Only failures that happen before the target processed the
// request qualify.
func retryable(err error) bool {
	if errors.Is(err, errClientGone) {
		return false
	}
	return errors.Is(err, ErrUpstreamConnect) ||
		errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrPoolExhausted)
}
