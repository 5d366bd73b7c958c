// Package metrics defines the Prometheus collectors for the sidecar.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the workers touch.
type Metrics struct {
	// Decisions by verdict ("allow"/"block") and block reason.
	DecisionsTotal *prometheus.CounterVec

	// Heartbeat outcomes ("success"/"failure"/"unauthenticated").
	HeartbeatTotal *prometheus.CounterVec

	// Connection state, one gauge per state, 0 or 1.
	ConnectionState *prometheus.GaugeVec

	// Push channel reconnect attempts.
	PushReconnects prometheus.Counter

	// Audit buffer occupancy and loss.
	AuditBufferFill prometheus.Gauge
	AuditDropped    prometheus.Counter

	// Audit flush outcomes ("ok"/"error").
	AuditFlushTotal *prometheus.CounterVec
}

// New registers all collectors against reg. A nil reg gets a private
// registry so tests and library callers never hit duplicate-registration
// panics on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		DecisionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "warden_decisions_total",
			Help: "Tool-call decisions by verdict and reason.",
		}, []string{"verdict", "reason"}),

		HeartbeatTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "warden_heartbeat_total",
			Help: "Heartbeat attempts by outcome.",
		}, []string{"outcome"}),

		ConnectionState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_connection_state",
			Help: "Connection state indicator (1 for the active state).",
		}, []string{"state"}),

		PushReconnects: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "warden_push_reconnects_total",
			Help: "Reconnect attempts on the real-time push channel.",
		}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "warden_audit_buffer_fill",
			Help: "Events currently queued in the audit buffer.",
		}),

		AuditDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "warden_audit_dropped_total",
			Help: "Audit events dropped because the buffer was full.",
		}),

		AuditFlushTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "warden_audit_flush_total",
			Help: "Audit batch flush attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// SetConnectionState flips the per-state gauges so exactly one reads 1.
func (m *Metrics) SetConnectionState(state string) {
	for _, s := range []string{"unauthenticated", "connected", "degraded", "disconnected"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}
