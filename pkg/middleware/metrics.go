package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/strand-go/strand/pkg/dispatch"
	"github.com/strand-go/strand/pkg/drain"
	"github.com/strand-go/strand/pkg/exchange"
)

// MetricsConfig configures the Prometheus metrics handler.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "strand").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for exchange duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics handler.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// defaultMetricsConfig returns the default metrics configuration.
func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "strand",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// metrics holds the Prometheus metrics for the dispatch engine.
type metrics struct {
	exchangesTotal   *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	activeExchanges  prometheus.Gauge
	hardClosesTotal  prometheus.Counter
	teardownErrors   prometheus.Counter
	drainPhase       prometheus.Gauge
}

// globalMetrics is the singleton metrics instance.
var (
	globalMetrics   *metrics
	globalMetricsMu sync.Mutex
)

// initMetrics initializes the Prometheus metrics.
func initMetrics(config MetricsConfig) *metrics {
	factory := promauto.With(config.Registry)

	return &metrics{
		exchangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "exchanges_total",
			Help:        "Total number of exchanges by path and completion status",
			ConstLabels: config.ConstLabels,
		}, []string{"path", "status"}),

		exchangeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "exchange_duration_seconds",
			Help:        "Exchange duration from first dispatch to teardown in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"path"}),

		activeExchanges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_exchanges",
			Help:        "Number of exchanges currently in flight",
			ConstLabels: config.ConstLabels,
		}),

		hardClosesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "hard_closes_total",
			Help:        "Total number of exchanges forcibly terminated during draining",
			ConstLabels: config.ConstLabels,
		}),

		teardownErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "teardown_errors_total",
			Help:        "Total number of aggregated teardown error sets",
			ConstLabels: config.ConstLabels,
		}),

		drainPhase: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "drain_phase",
			Help:        "Listener drain phase (0=open, 1=soft-closing, 2=hard-closing)",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// Prometheus creates a dispatch handler that collects metrics for
// every exchange reaching it. It returns Continue, so register it
// first on a catch-all route.
//
// Metrics collected:
//   - strand_exchanges_total: Counter of exchanges by path and status
//   - strand_exchange_duration_seconds: Histogram of exchange duration
//   - strand_active_exchanges: Gauge of in-flight exchanges
//   - strand_hard_closes_total: Counter fed via RecordHardClose
//   - strand_teardown_errors_total: Counter fed via RecordTeardownError
//   - strand_drain_phase: Gauge fed via RecordDrainPhase
//
// Expose them with promhttp:
//
//	http.Handle("/metrics", promhttp.Handler())
func Prometheus(opts ...MetricsOption) dispatch.Handler {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	globalMetricsMu.Lock()
	if globalMetrics == nil {
		globalMetrics = initMetrics(config)
	}
	m := globalMetrics
	globalMetricsMu.Unlock()

	return func(ex *exchange.Exchange) (any, error) {
		path := ex.Path()
		if path == "" {
			path = "/"
		}
		start := time.Now()
		m.activeExchanges.Inc()

		ex.Defer(func(context.Context) error {
			m.activeExchanges.Dec()
			m.exchangeDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
			m.exchangesTotal.WithLabelValues(path, completionStatus(ex)).Inc()
			return nil
		})
		return dispatch.Continue, nil
	}
}

// completionStatus maps a close reason onto a low-cardinality label.
func completionStatus(ex *exchange.Exchange) string {
	reason := ex.CloseReason()
	switch {
	case errors.Is(reason, exchange.ErrClientGone):
		return "client_gone"
	case errors.Is(reason, exchange.ErrHardClosed):
		return "hard_closed"
	default:
		return "completed"
	}
}

// RecordHardClose records a forced termination.
// Call this from a drain error callback or host glue.
func RecordHardClose() {
	if globalMetrics != nil {
		globalMetrics.hardClosesTotal.Inc()
	}
}

// RecordTeardownError records one aggregated teardown error set.
func RecordTeardownError() {
	if globalMetrics != nil {
		globalMetrics.teardownErrors.Inc()
	}
}

// RecordDrainPhase records the listener's drain phase.
func RecordDrainPhase(phase drain.Phase) {
	if globalMetrics != nil {
		globalMetrics.drainPhase.Set(float64(phase))
	}
}
