package log

import (
	"time"
)

// Standard field names for consistent logging across the proxy
const (
	// Core fields
	FieldTimestamp = "timestamp"
	FieldLevel     = "level"
	FieldMessage   = "message"
	FieldCaller    = "caller"
	FieldError     = "error"
	FieldComponent = "component"

	// Request/Response fields
	FieldTraceID    = "trace_id"
	FieldMethod     = "method"
	FieldHost       = "host"
	FieldPath       = "path"
	FieldStatusCode = "status_code"
	FieldClientIP   = "client_ip"
	FieldLatencyMs  = "latency_ms"
	FieldBytes      = "bytes"

	// Routing fields
	FieldRule     = "matched_rule"
	FieldUpstream = "upstream"
	FieldTarget   = "target"
	FieldPolicy   = "policy"
	FieldRetried  = "retried"
	FieldAttempt  = "attempt"

	// Health fields
	FieldHealthy   = "healthy"
	FieldFailures  = "consecutive_failures"
	FieldSuccesses = "consecutive_successes"

	// Config fields
	FieldSource  = "config_source"
	FieldVersion = "version"
)

// AccessFields creates the fields of one access log entry.
func AccessFields(clientIP, host, path, rule, target string, status int, latency time.Duration, retried bool) []Field {
	return []Field{
		String(FieldClientIP, clientIP),
		String(FieldHost, host),
		String(FieldPath, path),
		String(FieldRule, rule),
		String(FieldTarget, target),
		Int(FieldStatusCode, status),
		Float64(FieldLatencyMs, float64(latency.Microseconds())/1000.0),
		Bool(FieldRetried, retried),
	}
}

// TargetFields creates standard load balancer target fields
func TargetFields(upstream, target string) []Field {
	return []Field{
		String(FieldUpstream, upstream),
		String(FieldTarget, target),
	}
}

// HealthFields creates standard health transition fields
func HealthFields(target string, healthy bool, failures, successes int) []Field {
	return []Field{
		String(FieldTarget, target),
		Bool(FieldHealthy, healthy),
		Int(FieldFailures, failures),
		Int(FieldSuccesses, successes),
	}
}
