// Package telemetry holds the Prometheus gauges/counters the core
// components report into, registered against a caller-supplied registry
// (see NewMetrics): upstream connection
// health, Sync Service runs, and Sandbox Runtime executions
// (SPEC_FULL.md §2 "ambient components").
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric Toolmesh Gateway exposes. Pass a
// *Metrics to the components that report into it; a nil *Metrics is valid
// everywhere callers record into it (each recording method is a nil-safe
// method on the owning component, not on Metrics itself).
type Metrics struct {
	UpstreamConnectAttemptsTotal *prometheus.CounterVec
	UpstreamConnectFailuresTotal *prometheus.CounterVec
	UpstreamHealth               *prometheus.GaugeVec

	SyncRunsTotal    *prometheus.CounterVec
	SyncToolsSynced  *prometheus.GaugeVec
	SyncDuration     *prometheus.HistogramVec

	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration prometheus.Histogram
	SandboxTimeoutsTotal     prometheus.Counter

	ToolCallsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers every metric with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		UpstreamConnectAttemptsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolmesh",
				Subsystem: "upstream",
				Name:      "connect_attempts_total",
				Help:      "Total upstream connection attempts",
			},
			[]string{"server_id"},
		),
		UpstreamConnectFailuresTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolmesh",
				Subsystem: "upstream",
				Name:      "connect_failures_total",
				Help:      "Total upstream connection failures",
			},
			[]string{"server_id"},
		),
		UpstreamHealth: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "toolmesh",
				Subsystem: "upstream",
				Name:      "health",
				Help:      "Upstream health: 0=disabled, 1=down, 2=degraded, 3=healthy",
			},
			[]string{"server_id"},
		),

		SyncRunsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolmesh",
				Subsystem: "sync",
				Name:      "runs_total",
				Help:      "Total Sync Service runs",
			},
			[]string{"server_id", "result"}, // result=ok/error
		),
		SyncToolsSynced: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "toolmesh",
				Subsystem: "sync",
				Name:      "tools_synced",
				Help:      "Tool count from the most recent successful sync",
			},
			[]string{"server_id"},
		),
		SyncDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "toolmesh",
				Subsystem: "sync",
				Name:      "duration_seconds",
				Help:      "Sync run duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"server_id"},
		),

		SandboxExecutionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolmesh",
				Subsystem: "sandbox",
				Name:      "executions_total",
				Help:      "Total sandbox code executions",
			},
			[]string{"result"}, // result=ok/error/timeout
		),
		SandboxExecutionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "toolmesh",
				Subsystem: "sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Sandbox execution wall-clock duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		SandboxTimeoutsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "toolmesh",
				Subsystem: "sandbox",
				Name:      "timeouts_total",
				Help:      "Total sandbox executions that hit the watchdog timeout",
			},
		),

		ToolCallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolmesh",
				Subsystem: "proxy",
				Name:      "tool_calls_total",
				Help:      "Total Tool Proxy calls",
			},
			[]string{"server_id", "result"}, // result=ok/error
		),
	}
}
