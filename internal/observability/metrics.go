package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event count stages.
const (
	StageIn       = "in"
	StageSelected = "selected"
	StageOut      = "out"
)

// Metrics holds all relay Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	BatchesTotal     *prometheus.CounterVec
	EventsTotal      *prometheus.CounterVec
	PhaseDuration    *prometheus.HistogramVec
	DispatchErrors   *prometheus.CounterVec
	ErrorStreamTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all relay metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_batches_total",
			Help: "Batches processed, by outcome.",
		}, []string{"flow", "status"}),

		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Events seen per pipeline and stage (in, selected, out).",
		}, []string{"flow", "pipeline", "stage"}),

		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_phase_duration_seconds",
			Help:    "Processing time per batch phase.",
			Buckets: prometheus.DefBuckets,
		}, []string{"flow", "phase"}),

		DispatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dispatch_errors_total",
			Help: "Failed sink calls.",
		}, []string{"flow", "sink"}),

		ErrorStreamTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_error_stream_total",
			Help: "Records forwarded to the error stream.",
		}, []string{"flow"}),
	}
}

// Batch counts a finished batch.
func (m *Metrics) Batch(flow, status string) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(flow, status).Inc()
}

// Events adds n events at a pipeline stage.
func (m *Metrics) Events(flow, pipeline, stage string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EventsTotal.WithLabelValues(flow, pipeline, stage).Add(float64(n))
}

// Phase observes the time elapsed since start.
func (m *Metrics) Phase(flow, phase string, start time.Time) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(flow, phase).Observe(time.Since(start).Seconds())
}

// DispatchError counts a failed sink call.
func (m *Metrics) DispatchError(flow, sinkName string) {
	if m == nil {
		return
	}
	m.DispatchErrors.WithLabelValues(flow, sinkName).Inc()
}

// ErrorStream adds n records forwarded to the error stream.
func (m *Metrics) ErrorStream(flow string, n int) {
	if m == nil {
		return
	}
	m.ErrorStreamTotal.WithLabelValues(flow).Add(float64(n))
}
