// Package metrics holds the Prometheus collectors for the sync engine.
// A nil *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "chatsync"

// Metrics groups the engine's collectors.
type Metrics struct {
	FramesReceived   prometheus.Counter
	FramesMalformed  prometheus.Counter
	ReconnectAttempt prometheus.Counter
	ConnectionState  prometheus.Gauge
	PersistFailures  *prometheus.CounterVec
	StaleSnapshots   prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_frames_received_total",
			Help:      "Frames read from the push channel.",
		}),
		FramesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_frames_malformed_total",
			Help:      "Frames dropped because they did not decode.",
		}),
		ReconnectAttempt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_reconnect_attempts_total",
			Help:      "Reconnect dials after an unexpected close.",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_connection_state",
			Help:      "0 disconnected, 1 connecting, 2 connected, 3 reconnecting.",
		}),
		PersistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "REST writes that failed, by operation.",
		}, []string{"op"}),
		StaleSnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_snapshots_discarded_total",
			Help:      "Snapshot responses dropped because the active chat changed.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FramesReceived,
			m.FramesMalformed,
			m.ReconnectAttempt,
			m.ConnectionState,
			m.PersistFailures,
			m.StaleSnapshots,
		)
	}

	return m
}

// FrameReceived counts one frame read from the push channel.
func (m *Metrics) FrameReceived() {
	if m != nil {
		m.FramesReceived.Inc()
	}
}

// FrameMalformed counts one push frame dropped because it did not decode.
func (m *Metrics) FrameMalformed() {
	if m != nil {
		m.FramesMalformed.Inc()
	}
}

// Reconnect counts one redial after an unexpected close.
func (m *Metrics) Reconnect() {
	if m != nil {
		m.ReconnectAttempt.Inc()
	}
}

// SetConnectionState records the push channel state as its numeric value.
func (m *Metrics) SetConnectionState(state int) {
	if m != nil {
		m.ConnectionState.Set(float64(state))
	}
}

// PersistFailed counts one failed REST write for op, e.g. "create_message".
func (m *Metrics) PersistFailed(op string) {
	if m != nil {
		m.PersistFailures.WithLabelValues(op).Inc()
	}
}

// StaleSnapshot counts one snapshot response discarded as superseded.
func (m *Metrics) StaleSnapshot() {
	if m != nil {
		m.StaleSnapshots.Inc()
	}
}
