package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects build and plan metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	config MetricsConfig

	// Cache metrics
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// Layer metrics
	layersCommitted *prometheus.CounterVec
	roleDuration    *prometheus.HistogramVec
	rolesFailed     *prometheus.CounterVec

	// Build metrics
	servicesBuilt *prometheus.CounterVec

	// Plan metrics
	planTasks *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of role layers served from the cache",
			},
		),
		cacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of role layers not found in the cache",
			},
		),

		layersCommitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "layers_committed_total",
				Help:      "Total number of role layers committed",
			},
			[]string{"service"},
		),
		roleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "role_duration_seconds",
				Help:      "Duration of role runner invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"service", "role"},
		),
		rolesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "roles_failed_total",
				Help:      "Total number of failed role runner invocations",
			},
			[]string{"service", "role"},
		),

		servicesBuilt: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "services_built_total",
				Help:      "Total number of service builds by outcome",
			},
			[]string{"status"},
		),

		planTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_tasks_total",
				Help:      "Total number of applied plan tasks",
			},
			[]string{"lifecycle", "status"},
		),
	}

	registry.MustRegister(
		m.cacheHits,
		m.cacheMisses,
		m.layersCommitted,
		m.roleDuration,
		m.rolesFailed,
		m.servicesBuilt,
		m.planTasks,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordCacheHit counts a cache hit.
func (m *Metrics) RecordCacheHit() {
	if !m.enabled() {
		return
	}
	m.cacheHits.Inc()
}

// RecordCacheMiss counts a cache miss.
func (m *Metrics) RecordCacheMiss() {
	if !m.enabled() {
		return
	}
	m.cacheMisses.Inc()
}

// RecordLayerCommitted counts a committed layer.
func (m *Metrics) RecordLayerCommitted(service string) {
	if !m.enabled() {
		return
	}
	m.layersCommitted.WithLabelValues(service).Inc()
}

// RecordRole records a role runner invocation.
func (m *Metrics) RecordRole(service, role string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	m.roleDuration.WithLabelValues(service, role).Observe(duration.Seconds())
	if err != nil {
		m.rolesFailed.WithLabelValues(service, role).Inc()
	}
}

// RecordServiceBuilt counts a finished service build.
func (m *Metrics) RecordServiceBuilt(status string) {
	if !m.enabled() {
		return
	}
	m.servicesBuilt.WithLabelValues(status).Inc()
}

// RecordPlanTask counts an applied plan task.
func (m *Metrics) RecordPlanTask(lifecycle, status string) {
	if !m.enabled() {
		return
	}
	m.planTasks.WithLabelValues(lifecycle, status).Inc()
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes the metrics in text exposition format, for pickup by
// a node exporter textfile collector. It is a no-op without a path.
func (m *Metrics) WriteTextfile(path string) error {
	if !m.enabled() || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
