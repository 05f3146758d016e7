package proxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ResponseWrapper wraps http.ResponseWriter to capture response details
type ResponseWrapper struct {
	http.ResponseWriter
	statusCode    int
	bytesWritten  int64
	startTime     time.Time
	headerWritten bool
	hijacked      bool
	// informational is set once a 1xx other than 101 went out
	informational bool
}

// NewResponseWrapper creates a new response wrapper
func NewResponseWrapper(w http.ResponseWriter) *ResponseWrapper {
	return &ResponseWrapper{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		startTime:      time.Now(),
	}
}

// WriteHeader captures the status code. Informational responses other than
// 101 are passed through without committing the final status.
func (rw *ResponseWrapper) WriteHeader(code int) {
	if rw.headerWritten {
		return
	}
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		rw.informational = true
		rw.ResponseWriter.WriteHeader(code)
		return
	}
	rw.statusCode = code
	rw.headerWritten = true
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the number of bytes written
func (rw *ResponseWrapper) Write(data []byte) (int, error) {
	if !rw.headerWritten {
		rw.WriteHeader(http.StatusOK)
	}

	n, err := rw.ResponseWriter.Write(data)
	rw.bytesWritten += int64(n)
	return n, err
}

// StatusCode returns the captured status code
func (rw *ResponseWrapper) StatusCode() int {
	return rw.statusCode
}

// BytesWritten returns the number of body bytes written
func (rw *ResponseWrapper) BytesWritten() int64 {
	return rw.bytesWritten
}

// Written reports whether anything reached the client: an informational
// response, a status line, body bytes or a hijacked connection. A request
// is not retried once this is true.
func (rw *ResponseWrapper) Written() bool {
	return rw.informational || rw.headerWritten || rw.hijacked
}

// Committed reports whether the final status is out, after which no error
// response can be written.
func (rw *ResponseWrapper) Committed() bool {
	return rw.headerWritten || rw.hijacked
}

// Duration returns the time elapsed since the wrapper was created
func (rw *ResponseWrapper) Duration() time.Duration {
	return time.Since(rw.startTime)
}

// Hijack implements http.Hijacker interface if the underlying ResponseWriter supports it
func (rw *ResponseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacking not supported")
	}
	conn, buf, err := hijacker.Hijack()
	if err == nil {
		rw.hijacked = true
		if !rw.headerWritten {
			rw.statusCode = http.StatusSwitchingProtocols
		}
	}
	return conn, buf, err
}

// Flush implements http.Flusher interface if the underlying ResponseWriter supports it
func (rw *ResponseWrapper) Flush() {
	if !rw.headerWritten {
		rw.WriteHeader(http.StatusOK)
	}
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap returns the underlying writer for http.ResponseController
func (rw *ResponseWrapper) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
