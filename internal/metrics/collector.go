package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/songzhibin97/edgegate/internal/config"
	"github.com/songzhibin97/edgegate/internal/health"
	"github.com/songzhibin97/edgegate/internal/types"
)

// HealthSource exposes the tracked health states
type HealthSource interface {
	States() []health.State
}

// TargetStats holds the counters of one target
type TargetStats struct {
	Requests float64 `json:"requests_total"`
	Failures float64 `json:"failures_total"`
}

type targetLabels struct {
	upstream string
	target   string
}

// Collector exports per-target request counters, the request duration
// histogram and the current health of every tracked target.
type Collector struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	health   *healthCollector

	mu    sync.Mutex
	known map[targetLabels]struct{}
}

// NewCollector creates a collector with its own registry. Go runtime and
// process metrics are registered alongside.
func NewCollector(cfg config.MetricsConfig, source HealthSource) (*Collector, error) {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "edgegate"
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: cfg.Subsystem,
			Name:      "requests_total",
			Help:      "Total number of requests forwarded to a target",
		}, []string{"upstream", "target"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: cfg.Subsystem,
			Name:      "failures_total",
			Help:      "Total number of requests that counted as a target failure",
		}, []string{"upstream", "target"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: cfg.Subsystem,
			Name:      "request_duration_seconds",
			Help:      "Upstream exchange duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"upstream"}),
		known: make(map[targetLabels]struct{}),
	}

	toRegister := []prometheus.Collector{
		c.requests,
		c.failures,
		c.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	if source != nil {
		c.health = &healthCollector{
			source: source,
			desc: prometheus.NewDesc(
				prometheus.BuildFQName(namespace, cfg.Subsystem, "health_status"),
				"Current health of a target (1 UP, 0 DOWN)",
				[]string{"target"}, nil,
			),
		}
		toRegister = append(toRegister, c.health)
	}

	for _, collector := range toRegister {
		if err := c.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return c, nil
}

// ObserveRequest records one upstream exchange
func (c *Collector) ObserveRequest(upstream, target string, failed bool, duration time.Duration) {
	c.mu.Lock()
	c.known[targetLabels{upstream: upstream, target: target}] = struct{}{}
	c.mu.Unlock()

	c.requests.WithLabelValues(upstream, target).Inc()
	if failed {
		c.failures.WithLabelValues(upstream, target).Inc()
	}
	c.duration.WithLabelValues(upstream).Observe(duration.Seconds())
}

// TargetStats reads the counters of target in upstream
func (c *Collector) TargetStats(upstream, target string) TargetStats {
	return TargetStats{
		Requests: counterValue(c.requests, upstream, target),
		Failures: counterValue(c.failures, upstream, target),
	}
}

func counterValue(vec *prometheus.CounterVec, lvs ...string) float64 {
	counter, err := vec.GetMetricWithLabelValues(lvs...)
	if err != nil {
		return 0
	}
	metric := &dto.Metric{}
	if err := counter.Write(metric); err != nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}

// Prune drops the series of targets and groups that are no longer
// configured.
func (c *Collector) Prune(groups []*types.Upstream) {
	live := make(map[targetLabels]struct{})
	names := make(map[string]struct{}, len(groups))
	for _, group := range groups {
		names[group.Name] = struct{}{}
		for _, target := range group.Targets {
			live[targetLabels{upstream: group.Name, target: target.Key()}] = struct{}{}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for labels := range c.known {
		if _, ok := live[labels]; ok {
			continue
		}
		c.requests.DeleteLabelValues(labels.upstream, labels.target)
		c.failures.DeleteLabelValues(labels.upstream, labels.target)
		delete(c.known, labels)
		if _, ok := names[labels.upstream]; !ok {
			c.duration.DeleteLabelValues(labels.upstream)
		}
	}
}

// Registry returns the registry the collector exports through
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler for the scrape endpoint
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// healthCollector reads health states at scrape time, so removed targets
// disappear without bookkeeping.
type healthCollector struct {
	source HealthSource
	desc   *prometheus.Desc
}

func (h *healthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- h.desc
}

func (h *healthCollector) Collect(ch chan<- prometheus.Metric) {
	for _, state := range h.source.States() {
		value := 0.0
		if state.Healthy {
			value = 1
		}
		ch <- prometheus.MustNewConstMetric(h.desc, prometheus.GaugeValue, value, state.Target)
	}
}
