package proxy

import (
	"io"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync/atomic"
)

// hopByHopHeaders are removed before a request is relayed
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// setForwardedHeaders appends the client IP to X-Forwarded-For and
// overwrites X-Real-IP, X-Forwarded-Proto and X-Forwarded-Host.
func setForwardedHeaders(pr *httputil.ProxyRequest, clientIP string) {
	pr.SetXForwarded()
	pr.Out.Header.Set("X-Real-IP", clientIP)
}

// forwardedHeader builds the header set for requests the proxy issues itself
// (WebSocket handshakes), following the same rules as setForwardedHeaders.
func forwardedHeader(r *http.Request, clientIP string) http.Header {
	h := r.Header.Clone()
	removeHopByHopHeaders(h)

	if prior := r.Header.Values("X-Forwarded-For"); len(prior) > 0 {
		h.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+clientIP)
	} else {
		h.Set("X-Forwarded-For", clientIP)
	}
	h.Set("X-Real-IP", clientIP)
	h.Set("X-Forwarded-Host", r.Host)
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
	return h
}

// removeHopByHopHeaders removes hop-by-hop headers, including the ones
// named by the Connection header.
func removeHopByHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// trackedBody records whether the upstream consumed any of the request body.
// Close is a no-op so that an untouched body can be handed to a retry; the
// server closes the real body when the handler returns.
type trackedBody struct {
	body io.ReadCloser
	read atomic.Int64
}

func newTrackedBody(body io.ReadCloser) *trackedBody {
	return &trackedBody{body: body}
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	b.read.Add(int64(n))
	return n, err
}

func (b *trackedBody) Close() error {
	return nil
}

// Consumed reports whether any byte was read.
func (b *trackedBody) Consumed() bool {
	return b != nil && b.read.Load() > 0
}
