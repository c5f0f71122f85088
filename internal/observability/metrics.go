// Package observability provides Prometheus metrics for the gateway core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Terminal operation states used as metric label values.
const (
	StateIdle      = "idle"
	StateError     = "error"
	StateCancelled = "cancelled"
	StateTimedOut  = "timed_out"
)

// Extension kinds used as metric label values.
const (
	ExtensionAuto   = "auto"
	ExtensionManual = "manual"
)

// Metrics collects the core's operational metrics.
type Metrics struct {
	// OperationsTotal counts streaming operations by terminal state.
	// Labels: state (idle|error|cancelled|timed_out)
	OperationsTotal *prometheus.CounterVec

	// OperationDuration measures operation wall time in seconds.
	// Buckets span one second to two hours.
	OperationDuration prometheus.Histogram

	// ExtensionsTotal counts timeout extensions by kind.
	// Labels: kind (auto|manual)
	ExtensionsTotal *prometheus.CounterVec

	// ExtensionSkips counts extension attempts skipped on arbiter contention.
	// Labels: kind (auto|manual)
	ExtensionSkips *prometheus.CounterVec

	// BufferTrims counts response-buffer trims caused by the byte cap.
	BufferTrims prometheus.Counter

	// CachedSessions tracks the total number of cached agent sessions.
	CachedSessions prometheus.Gauge

	// BusyUsers tracks users with an operation in flight.
	BusyUsers prometheus.Gauge

	// MessagesTotal counts chat messages by direction.
	// Labels: direction (inbound|outbound)
	MessagesTotal *prometheus.CounterVec
}

// NewMetrics registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with the given registerer. Tests pass
// a fresh registry to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_operations_total",
				Help: "Streaming operations by terminal state",
			},
			[]string{"state"},
		),
		OperationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "steward_operation_duration_seconds",
				Help:    "Streaming operation wall time in seconds",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
			},
		),
		ExtensionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_extensions_total",
				Help: "Timeout extensions applied by kind",
			},
			[]string{"kind"},
		),
		ExtensionSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_extension_skips_total",
				Help: "Extension attempts skipped due to arbiter contention",
			},
			[]string{"kind"},
		),
		BufferTrims: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "steward_buffer_trims_total",
				Help: "Response buffer trims caused by the byte cap",
			},
		),
		CachedSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "steward_cached_sessions",
				Help: "Total cached agent sessions",
			},
		),
		BusyUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "steward_busy_users",
				Help: "Users with an operation in flight",
			},
		),
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_messages_total",
				Help: "Chat messages by direction",
			},
			[]string{"direction"},
		),
	}
}
