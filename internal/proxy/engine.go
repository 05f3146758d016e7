package proxy

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/edgegate/internal/config"
	"github.com/songzhibin97/edgegate/internal/health"
	"github.com/songzhibin97/edgegate/internal/loadbalancer"
	"github.com/songzhibin97/edgegate/internal/router"
	"github.com/songzhibin97/edgegate/internal/types"
	"github.com/songzhibin97/edgegate/internal/upstream"
	"github.com/songzhibin97/edgegate/pkg/log"
)

// Recorder receives one observation per upstream attempt that counted for
// or against the target.
type Recorder interface {
	ObserveRequest(upstream, target string, failed bool, duration time.Duration)
}

// Options holds the collaborators of an Engine
type Options struct {
	Config    config.ProxyConfig
	Router    *router.Engine
	Balancer  *loadbalancer.Manager
	Health    *health.Tracker
	Pool      *Pool
	Recorder  Recorder
	AccessLog bool

	// Logger is the parent logger; the default logger when nil
	Logger log.Logger
}

// Engine is the request handler of the proxy. For every request it resolves
// a rule, selects a live target, forwards the exchange and reports the
// outcome to the health tracker.
type Engine struct {
	cfg       config.ProxyConfig
	router    *router.Engine
	balancer  *loadbalancer.Manager
	health    *health.Tracker
	pool      *Pool
	recorder  Recorder
	accessLog bool

	transport *http.Transport
	proxy     *httputil.ReverseProxy
	websocket *WebSocketRelay
	tracer    trace.Tracer
	logger    log.Logger
	access    log.Logger
}

// exchange is the per-request connection context
type exchange struct {
	clientIP string
	start    time.Time
	rule     string
	upstream string
	target   string
	attempts int
	status   int
	err      error
}

// attempt carries the state of one forwarding attempt through the
// ReverseProxy hooks.
type attempt struct {
	target   *types.Target
	path     string
	clientIP string
	status   int
	err      error
}

type attemptKey struct{}

func attemptFrom(ctx context.Context) *attempt {
	at, _ := ctx.Value(attemptKey{}).(*attempt)
	return at
}

// NewEngine creates a new proxy engine
func NewEngine(opts Options) (*Engine, error) {
	if opts.Router == nil || opts.Balancer == nil || opts.Health == nil {
		return nil, fmt.Errorf("router, balancer and health tracker are required")
	}
	if opts.Config.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request timeout must be positive")
	}

	pool := opts.Pool
	if pool == nil {
		pool = NewPool(opts.Config.MaxConnsPerTarget, opts.Config.PoolTimeout)
	}

	e := &Engine{
		cfg:       opts.Config,
		router:    opts.Router,
		balancer:  opts.Balancer,
		health:    opts.Health,
		pool:      pool,
		recorder:  opts.Recorder,
		accessLog: opts.AccessLog,
		transport: newTransport(opts.Config),
		tracer:    otel.Tracer("edgegate"),
		logger:    log.Component("proxy"),
		access:    log.Component("access"),
	}
	if opts.Logger != nil {
		e.logger = opts.Logger.With(log.String(log.FieldComponent, "proxy"))
		e.access = opts.Logger.With(log.String(log.FieldComponent, "access"))
	}

	e.proxy = &httputil.ReverseProxy{
		Rewrite:        e.rewrite,
		Transport:      e.transport,
		FlushInterval:  opts.Config.FlushInterval,
		BufferPool:     newBufferPool(opts.Config.BufferSize),
		ModifyResponse: e.modifyResponse,
		ErrorHandler:   e.errorHandler,
		ErrorLog:       stdlog.New(&logWriter{logger: e.logger}, "", 0),
	}

	if opts.Config.WebSocket.Enabled {
		e.websocket = NewWebSocketRelay(opts.Config, e.logger)
	}

	return e, nil
}

// Pool returns the per-target slot pool.
func (e *Engine) Pool() *Pool {
	return e.pool
}

// Close releases idle upstream connections.
func (e *Engine) Close() error {
	e.transport.CloseIdleConnections()
	return nil
}

// ServeHTTP implements http.Handler interface
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWrapper(w)
	ex := &exchange{clientIP: loadbalancer.ExtractClientIP(r), start: time.Now()}

	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("%s %s", r.Method, r.URL.Path),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.host", r.Host),
			attribute.String("http.target", r.URL.Path),
			attribute.String("http.client_ip", ex.clientIP),
		),
	)
	defer span.End()
	r = r.WithContext(ctx)

	defer func() {
		if p := recover(); p != nil {
			// the response was cut short after it started streaming
			ex.status = rw.StatusCode()
			ex.err = ErrUpstreamBroken
			e.finish(r, rw, ex, span)
			panic(p)
		}
	}()

	if err := e.serve(rw, r, ex); err != nil {
		ex.err = err
		ex.status = statusFor(err)
		if ex.status != StatusClientClosedRequest && !rw.Committed() {
			writeError(rw, ex.status)
		}
	} else {
		ex.status = rw.StatusCode()
	}

	e.finish(r, rw, ex, span)
}

func (e *Engine) serve(rw *ResponseWrapper, r *http.Request, ex *exchange) error {
	if err := validateRequest(r); err != nil {
		return err
	}

	match, err := e.router.Match(r.Host, r.URL.Path)
	if err != nil {
		return err
	}
	ex.rule = match.Rule.Name
	ex.upstream = match.Rule.Upstream

	// the group comes from the same table as the rule
	group := match.Upstream
	if group == nil {
		e.logger.Error("rule is not bound to an upstream",
			log.String(log.FieldRule, match.Rule.Name),
			log.String(log.FieldUpstream, match.Rule.Upstream))
		return fmt.Errorf("%w: %s", upstream.ErrUnknownUpstream, match.Rule.Upstream)
	}

	if e.websocket != nil && IsWebSocketUpgrade(r) {
		return e.serveWebSocket(rw, r, match, group, ex)
	}
	return e.forward(rw, r, match, group, ex)
}

// validateRequest rejects requests that carry nothing to route on.
func validateRequest(r *http.Request) error {
	if r.Host == "" {
		return fmt.Errorf("%w: missing Host header", ErrBadRequest)
	}
	if r.Method == http.MethodConnect {
		return fmt.Errorf("%w: CONNECT is not supported", ErrBadRequest)
	}
	if !strings.HasPrefix(r.URL.Path, "/") {
		return fmt.Errorf("%w: request target is not in origin form", ErrBadRequest)
	}
	return nil
}

// forward runs the exchange against a selected target and retries once on
// a different target when the failure happened before anything was
// committed to the client.
func (e *Engine) forward(rw *ResponseWrapper, r *http.Request, match *router.Match, group *types.Upstream, ex *exchange) error {
	ctx, cancel := context.WithTimeout(r.Context(), e.cfg.RequestTimeout)
	defer cancel()

	var body *trackedBody
	if r.Body != nil && r.Body != http.NoBody {
		body = newTrackedBody(r.Body)
	}

	tried := make(map[string]bool)
	var lastErr error
	exhausted := false

	err := retry.Do(
		func() error {
			target, err := e.balancer.Select(group, ex.clientIP, tried)
			if err != nil {
				if lastErr != nil {
					// nothing left to retry on; report the real failure
					exhausted = true
					return lastErr
				}
				return err
			}
			tried[target.Key()] = true
			ex.target = target.Key()
			ex.attempts++

			if ex.attempts > 1 {
				e.logger.Warn("retrying request on another target",
					append(log.TargetFields(group.Name, target.Key()), log.Error(lastErr))...)
			}

			lastErr = e.attempt(ctx, rw, r, body, match, group, target)
			return lastErr
		},
		retry.Context(ctx),
		retry.Attempts(uint(e.cfg.Retries)+1),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !exhausted && ctx.Err() == nil && retryable(err) && !rw.Written() && !body.Consumed()
		}),
	)
	if err == nil {
		return nil
	}
	if lastErr != nil {
		err = lastErr
	}
	if r.Context().Err() == context.Canceled && !errors.Is(err, errClientGone) {
		err = errors.Join(errClientGone, err)
	}
	return err
}

// attempt forwards the request to one target.
func (e *Engine) attempt(ctx context.Context, rw *ResponseWrapper, r *http.Request, body *trackedBody, match *router.Match, group *types.Upstream, target *types.Target) error {
	release, err := e.pool.Acquire(ctx, group, target)
	if err != nil {
		if r.Context().Err() != nil {
			return errors.Join(errClientGone, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return errors.Join(ErrUpstreamTimeout, err)
		}
		e.health.Observe(target, health.Observation{Err: err, Local: true})
		e.logger.Warn("connection pool exhausted", append(log.TargetFields(group.Name, target.Key()), log.Error(err))...)
		return err
	}
	defer release()

	done := e.balancer.Acquire(target)
	defer done()

	at := &attempt{target: target, path: match.Path, clientIP: loadbalancer.ExtractClientIP(r)}
	out := r.WithContext(context.WithValue(ctx, attemptKey{}, at))
	if body != nil {
		out.Body = body
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				e.observe(group, target, health.Observation{
					Err:        ErrUpstreamBroken,
					ClientGone: r.Context().Err() != nil,
				}, time.Since(start))
			}
			panic(p)
		}
	}()

	e.proxy.ServeHTTP(rw, out)

	if at.err != nil {
		err := classifyTransportError(r.Context(), at.err)
		e.observe(group, target, health.Observation{
			Err:        err,
			ClientGone: errors.Is(err, errClientGone),
		}, time.Since(start))
		return fmt.Errorf("target %s: %w", target.Key(), err)
	}

	e.observe(group, target, health.Observation{StatusCode: at.status}, time.Since(start))
	return nil
}

// observe reports one attempt to the health tracker and the recorder.
func (e *Engine) observe(group *types.Upstream, target *types.Target, obs health.Observation, duration time.Duration) {
	outcome := e.health.Observe(target, obs)
	if e.recorder != nil && outcome != health.OutcomeIgnore {
		e.recorder.ObserveRequest(group.Name, target.Key(), outcome == health.OutcomeFailure, duration)
	}
}

func (e *Engine) rewrite(pr *httputil.ProxyRequest) {
	at := attemptFrom(pr.In.Context())
	if at == nil {
		return
	}

	pr.Out.URL.Scheme = "http"
	pr.Out.URL.Host = at.target.Key()
	pr.Out.URL.Path = at.path
	pr.Out.URL.RawPath = ""
	pr.Out.Host = ""

	setForwardedHeaders(pr, at.clientIP)
	otel.GetTextMapPropagator().Inject(pr.In.Context(), propagation.HeaderCarrier(pr.Out.Header))
}

func (e *Engine) modifyResponse(resp *http.Response) error {
	if at := attemptFrom(resp.Request.Context()); at != nil {
		at.status = resp.StatusCode
	}
	return nil
}

// errorHandler records the failure on the attempt. The engine decides what
// the client gets.
func (e *Engine) errorHandler(_ http.ResponseWriter, r *http.Request, err error) {
	if at := attemptFrom(r.Context()); at != nil {
		at.err = err
	}
}

// finish writes the access log line and closes the span.
func (e *Engine) finish(r *http.Request, rw *ResponseWrapper, ex *exchange, span trace.Span) {
	latency := time.Since(ex.start)
	retried := ex.attempts > 1

	span.SetAttributes(
		attribute.Int("http.status_code", ex.status),
		attribute.String("edgegate.rule", ex.rule),
		attribute.String("edgegate.upstream", ex.upstream),
		attribute.String("edgegate.target", ex.target),
		attribute.Bool("edgegate.retried", retried),
	)
	if ex.err != nil && ex.status >= http.StatusInternalServerError {
		span.RecordError(ex.err)
		span.SetStatus(codes.Error, ex.err.Error())
	}

	if !e.accessLog {
		return
	}

	fields := log.AccessFields(ex.clientIP, r.Host, r.URL.Path, ex.rule, ex.target, ex.status, latency, retried)
	fields = append(fields, log.String(log.FieldMethod, r.Method), log.Int64(log.FieldBytes, rw.BytesWritten()))
	if ex.err != nil {
		fields = append(fields, log.Error(ex.err))
	}
	if traceID := span.SpanContext().TraceID(); traceID.IsValid() {
		fields = append(fields, log.String(log.FieldTraceID, traceID.String()))
	}
	e.access.Info("request", fields...)
}

func writeError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"status":%d}`+"\n", http.StatusText(status), status)
}

// bufferPool implements httputil.BufferPool
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	if size <= 0 {
		size = 32 * 1024
	}
	return &bufferPool{pool: sync.Pool{New: func() any {
		b := make([]byte, size)
		return &b
	}}}
}

func (bp *bufferPool) Get() []byte {
	return *bp.pool.Get().(*[]byte)
}

func (bp *bufferPool) Put(b []byte) {
	bp.pool.Put(&b)
}

// logWriter routes ReverseProxy's internal log output to the proxy logger
type logWriter struct {
	logger log.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Debug(strings.TrimSpace(string(p)))
	return len(p), nil
}
