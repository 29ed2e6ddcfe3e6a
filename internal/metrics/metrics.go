// Package metrics tracks edge pipeline metrics for Prometheus-compatible
// export.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Backend attempt outcomes.
const (
	OutcomeSuccess        = "success"
	OutcomeServerError    = "server_error"
	OutcomeTransportError = "transport_error"
	OutcomeUnconfigured   = "unconfigured"
)

// Collector tracks pipeline metrics. All methods are safe for concurrent
// use and safe on a nil receiver, so instrumented code never needs a nil
// check.
type Collector struct {
	mu sync.RWMutex

	// key: method|status
	requestsTotal map[string]int64
	// key: reason (forbidden, unauthorized, force_ssl, force_not_found,
	// redirect, error)
	syntheticTotal map[string]int64
	// key: backend|outcome
	backendAttempts map[string]int64
	failoverTotal   int64

	requestDurations *HistogramData
}

// HistogramData stores histogram-like data for durations.
type HistogramData struct {
	Count   int64
	Sum     float64
	Buckets map[float64]int64 // upper bound -> count
}

// DefaultBuckets are default histogram buckets in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	hd := &HistogramData{Buckets: make(map[float64]int64)}
	for _, b := range DefaultBuckets {
		hd.Buckets[b] = 0
	}
	return &Collector{
		requestsTotal:    make(map[string]int64),
		syntheticTotal:   make(map[string]int64),
		backendAttempts:  make(map[string]int64),
		requestDurations: hd,
	}
}

// RecordRequest records a completed request.
func (c *Collector) RecordRequest(method string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsTotal[method+"|"+strconv.Itoa(statusCode)]++

	secs := duration.Seconds()
	c.requestDurations.Count++
	c.requestDurations.Sum += secs
	for _, bound := range DefaultBuckets {
		if secs <= bound {
			c.requestDurations.Buckets[bound]++
		}
	}
}

// RecordSynthetic records a synthetic response by reason.
func (c *Collector) RecordSynthetic(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.syntheticTotal[reason]++
	c.mu.Unlock()
}

// RecordAttempt records a backend attempt outcome.
func (c *Collector) RecordAttempt(backend, outcome string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.backendAttempts[backend+"|"+outcome]++
	c.mu.Unlock()
}

// RecordFailover records a failover to the mirror chain.
func (c *Collector) RecordFailover() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.failoverTotal++
	c.mu.Unlock()
}

// Snapshot holds a point-in-time view of all metrics.
type Snapshot struct {
	RequestsTotal   map[string]int64 `json:"requests_total"`
	SyntheticTotal  map[string]int64 `json:"synthetic_total"`
	BackendAttempts map[string]int64 `json:"backend_attempts"`
	FailoverTotal   int64            `json:"failover_total"`
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &Snapshot{
		RequestsTotal:   make(map[string]int64, len(c.requestsTotal)),
		SyntheticTotal:  make(map[string]int64, len(c.syntheticTotal)),
		BackendAttempts: make(map[string]int64, len(c.backendAttempts)),
		FailoverTotal:   c.failoverTotal,
	}
	for k, v := range c.requestsTotal {
		snap.RequestsTotal[k] = v
	}
	for k, v := range c.syntheticTotal {
		snap.SyntheticTotal[k] = v
	}
	for k, v := range c.backendAttempts {
		snap.BackendAttempts[k] = v
	}
	return snap
}

// WritePrometheus writes metrics in Prometheus text exposition format.
func (c *Collector) WritePrometheus(w http.ResponseWriter) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	writeHelp(w, "edge_requests_total", "Total number of requests", "counter")
	for key, count := range c.requestsTotal {
		parts := splitKey(key, 2)
		if len(parts) == 2 {
			writeMetric(w, "edge_requests_total", count,
				"method", parts[0], "status", parts[1])
		}
	}

	writeHelp(w, "edge_synthetic_responses_total", "Responses produced without contacting a backend", "counter")
	for reason, count := range c.syntheticTotal {
		writeMetric(w, "edge_synthetic_responses_total", count, "reason", reason)
	}

	writeHelp(w, "edge_backend_attempts_total", "Backend fetch attempts by outcome", "counter")
	for key, count := range c.backendAttempts {
		parts := splitKey(key, 2)
		if len(parts) == 2 {
			writeMetric(w, "edge_backend_attempts_total", count,
				"backend", parts[0], "outcome", parts[1])
		}
	}

	writeHelp(w, "edge_failover_total", "Requests that entered the mirror fallback chain", "counter")
	writeMetric(w, "edge_failover_total", c.failoverTotal)

	writeHelp(w, "edge_request_duration_seconds", "Request duration in seconds", "histogram")
	hd := c.requestDurations
	for _, bound := range DefaultBuckets {
		writeMetricFloat(w, "edge_request_duration_seconds_bucket", float64(hd.Buckets[bound]),
			"le", strconv.FormatFloat(bound, 'f', -1, 64))
	}
	writeMetricFloat(w, "edge_request_duration_seconds_bucket", float64(hd.Count), "le", "+Inf")
	writeMetricFloat(w, "edge_request_duration_seconds_sum", hd.Sum)
	writeMetric(w, "edge_request_duration_seconds_count", hd.Count)
}

func writeHelp(w http.ResponseWriter, name, help, metricType string) {
	w.Write([]byte("# HELP " + name + " " + help + "\n"))
	w.Write([]byte("# TYPE " + name + " " + metricType + "\n"))
}

func writeMetric(w http.ResponseWriter, name string, value int64, labels ...string) {
	w.Write([]byte(name + formatLabels(labels) + " " + strconv.FormatInt(value, 10) + "\n"))
}

func writeMetricFloat(w http.ResponseWriter, name string, value float64, labels ...string) {
	w.Write([]byte(name + formatLabels(labels) + " " + strconv.FormatFloat(value, 'f', -1, 64) + "\n"))
}

func formatLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	result := "{"
	for i := 0; i < len(labels)-1; i += 2 {
		if i > 0 {
			result += ","
		}
		result += labels[i] + "=\"" + labels[i+1] + "\""
	}
	return result + "}"
}

func splitKey(key string, n int) []string {
	parts := make([]string, 0, n)
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			parts = append(parts, key[start:i])
			start = i + 1
			if len(parts) == n-1 {
				parts = append(parts, key[start:])
				return parts
			}
		}
	}
	if start < len(key) {
		parts = append(parts, key[start:])
	}
	return parts
}
