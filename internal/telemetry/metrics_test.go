package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetrics_RegistersAgainstFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()

	m := NewMetrics(reg)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Fatal("Gather() returned no metric families, want every Metrics field registered")
	}
	if m.UpstreamConnectAttemptsTotal == nil || m.SandboxExecutionDuration == nil || m.ToolCallsTotal == nil {
		t.Fatal("NewMetrics left a field nil")
	}
}

func TestNewMetrics_SecondRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic registering the same metric names twice against one registry")
		}
	}()
	NewMetrics(reg)
}

func TestMetrics_CounterAndGaugeRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.UpstreamConnectAttemptsTotal.WithLabelValues("srv-1").Inc()
	m.UpstreamConnectFailuresTotal.WithLabelValues("srv-1").Inc()
	m.UpstreamHealth.WithLabelValues("srv-1").Set(3)
	m.SyncRunsTotal.WithLabelValues("srv-1", "ok").Inc()
	m.SyncToolsSynced.WithLabelValues("srv-1").Set(5)
	m.SyncDuration.WithLabelValues("srv-1").Observe(0.2)
	m.SandboxExecutionsTotal.WithLabelValues("timeout").Inc()
	m.SandboxExecutionDuration.Observe(0.05)
	m.SandboxTimeoutsTotal.Inc()
	m.ToolCallsTotal.WithLabelValues("srv-1", "ok").Inc()

	var metric dto.Metric
	if err := m.UpstreamHealth.WithLabelValues("srv-1").Write(&metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != 3 {
		t.Fatalf("UpstreamHealth gauge = %v, want 3", got)
	}
}
