package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the relay. Each server
// owns its own registry so multiple instances (tests) never collide on
// collector registration.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions prometheus.Gauge
	sessionsTotal  prometheus.Counter
	framesReceived *prometheus.CounterVec
	broadcasts     prometheus.Counter
	whispers       *prometheus.CounterVec
	fileRelays     *prometheus.CounterVec
	deliveryErrors prometheus.Counter
}

// NewMetrics creates and registers all instruments.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_active_sessions",
			Help: "Number of currently registered sessions.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_sessions_total",
			Help: "Total sessions admitted since start.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_frames_received_total",
			Help: "Frames received from clients, by frame type.",
		}, []string{"type"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_broadcasts_total",
			Help: "Public messages broadcast to peers.",
		}),
		whispers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_whispers_total",
			Help: "Private messages, by outcome (delivered, target_missing).",
		}, []string{"outcome"}),
		fileRelays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_file_relays_total",
			Help: "File transfers, by outcome (relayed, rejected).",
		}, []string{"outcome"}),
		deliveryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_delivery_errors_total",
			Help: "Per-recipient delivery failures during routing.",
		}),
	}

	registry.MustRegister(
		m.activeSessions,
		m.sessionsTotal,
		m.framesReceived,
		m.broadcasts,
		m.whispers,
		m.fileRelays,
		m.deliveryErrors,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordSessionRegistered() {
	m.sessionsTotal.Inc()
}

func (m *Metrics) RecordFrameReceived(frameType string) {
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RecordBroadcast() {
	m.broadcasts.Inc()
}

func (m *Metrics) RecordWhisper(outcome string) {
	m.whispers.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordFileRelay(outcome string) {
	m.fileRelays.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDeliveryError() {
	m.deliveryErrors.Inc()
}
