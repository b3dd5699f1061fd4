// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openclaw/controlplane/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Render engine submissions (component I)
	RenderSubmitTotal    *prometheus.CounterVec
	RenderSubmitDuration *prometheus.HistogramVec

	// State file persistence (approvals/schedules/idempotency atomic writes)
	StateWritesTotal   *prometheus.CounterVec
	StateWriteDuration *prometheus.HistogramVec
	WatchedJobsCurrent prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Render engine submissions
		RenderSubmitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "render_submissions_total",
				Help: "Total number of jobs submitted to the render engine",
			},
			[]string{"service", "template", "status"},
		),
		RenderSubmitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "render_submit_duration_seconds",
				Help:    "Time to get a prompt_id back from the render engine's /prompt endpoint",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
			},
			[]string{"service", "template"},
		),

		// State file persistence
		StateWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "state_writes_total",
				Help: "Total number of atomic state-file replace writes",
			},
			[]string{"service", "store", "status"},
		),
		StateWriteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "state_write_duration_seconds",
				Help:    "Duration of atomic state-file replace writes",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "store"},
		),
		WatchedJobsCurrent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callback_watched_jobs_current",
				Help: "Number of jobs currently under callback-watcher observation",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.RenderSubmitTotal,
			m.RenderSubmitDuration,
			m.StateWritesTotal,
			m.StateWriteDuration,
			m.WatchedJobsCurrent,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordRenderSubmit records a render-engine /prompt submission outcome.
func (m *Metrics) RecordRenderSubmit(service, templateID, status string, duration time.Duration) {
	m.RenderSubmitTotal.WithLabelValues(service, templateID, status).Inc()
	m.RenderSubmitDuration.WithLabelValues(service, templateID).Observe(duration.Seconds())
}

// RecordStateWrite records an atomic state-file replace write.
func (m *Metrics) RecordStateWrite(service, store, status string, duration time.Duration) {
	m.StateWritesTotal.WithLabelValues(service, store, status).Inc()
	m.StateWriteDuration.WithLabelValues(service, store).Observe(duration.Seconds())
}

// SetWatchedJobs sets the current count of jobs under callback-watcher
// observation.
func (m *Metrics) SetWatchedJobs(count int) {
	m.WatchedJobsCurrent.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
