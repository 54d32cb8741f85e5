package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNewMetrics_RegistersWithoutPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	if m.BatchesTotal == nil {
		t.Error("BatchesTotal is nil")
	}
	if m.EventsTotal == nil {
		t.Error("EventsTotal is nil")
	}
	if m.PhaseDuration == nil {
		t.Error("PhaseDuration is nil")
	}
	if m.DispatchErrors == nil {
		t.Error("DispatchErrors is nil")
	}
	if m.ErrorStreamTotal == nil {
		t.Error("ErrorStreamTotal is nil")
	}
}

func TestMetrics_Helpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Batch("clicks", "success")
	m.Batch("clicks", "success")
	m.Events("clicks", "clean", StageOut, 3)
	m.Events("clicks", "clean", StageOut, 0)
	m.Phase("clicks", "decode", time.Now())
	m.DispatchError("clicks", "stream")
	m.ErrorStream("clicks", 4)

	if got := counterValue(t, m.BatchesTotal.WithLabelValues("clicks", "success")); got != 2 {
		t.Errorf("batches = %v, want 2", got)
	}
	if got := counterValue(t, m.EventsTotal.WithLabelValues("clicks", "clean", StageOut)); got != 3 {
		t.Errorf("events = %v, want 3", got)
	}
	if got := counterValue(t, m.DispatchErrors.WithLabelValues("clicks", "stream")); got != 1 {
		t.Errorf("dispatch errors = %v, want 1", got)
	}
	if got := counterValue(t, m.ErrorStreamTotal.WithLabelValues("clicks")); got != 4 {
		t.Errorf("error stream = %v, want 4", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range []string{
		"relay_batches_total",
		"relay_events_total",
		"relay_phase_duration_seconds",
		"relay_dispatch_errors_total",
		"relay_error_stream_total",
	} {
		if !names[name] {
			t.Errorf("metric %q not found in gathered families", name)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Batch("f", "success")
	m.Events("f", "p", StageIn, 1)
	m.Phase("f", "decode", time.Now())
	m.DispatchError("f", "stream")
	m.ErrorStream("f", 1)
}

func TestMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic registering the same metrics twice")
		}
	}()
	NewMetrics(reg)
}
