// Package metrics exposes gateway state as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"whatsapp-gateway/internal/connection"
)

var phases = []connection.Phase{
	connection.PhaseUninitialized,
	connection.PhaseAwaitingScan,
	connection.PhaseAuthenticating,
	connection.PhaseReady,
	connection.PhaseDisconnected,
}

// Metrics holds all custom Prometheus metrics for the gateway
type Metrics struct {
	// Connection lifecycle
	Transitions      *prometheus.CounterVec
	Phase            *prometheus.GaugeVec
	RetriesScheduled prometheus.Counter
	RetriesExhausted prometheus.Counter

	// Operations
	MessagesSent    *prometheus.CounterVec
	PairingRequests *prometheus.CounterVec

	// HTTP
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "whatsapp_gateway_transitions_total",
			Help: "Connection phase transitions by trigger and target phase",
		}, []string{"event", "to"}),

		// One series per phase, 1 for the current phase
		Phase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "whatsapp_gateway_phase",
			Help: "Current connection phase",
		}, []string{"phase"}),

		RetriesScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "whatsapp_gateway_retries_scheduled_total",
			Help: "Automatic reconnection attempts scheduled",
		}),

		RetriesExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "whatsapp_gateway_retries_exhausted_total",
			Help: "Times the retry budget ran out",
		}),

		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "whatsapp_gateway_messages_total",
			Help: "Outgoing text messages by result",
		}, []string{"result"}), // result: "sent", "not_connected", "invalid", "failed"

		PairingRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "whatsapp_gateway_pairing_requests_total",
			Help: "Pairing code requests by result",
		}, []string{"result"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "whatsapp_gateway_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "whatsapp_gateway_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"route"}),
	}
	m.setPhase(connection.PhaseUninitialized)
	return m
}

func (m *Metrics) setPhase(current connection.Phase) {
	for _, p := range phases {
		value := 0.0
		if p == current {
			value = 1
		}
		m.Phase.WithLabelValues(p.String()).Set(value)
	}
}

// ObserveTransition is a connection.Observer
func (m *Metrics) ObserveTransition(tr connection.Transition) {
	m.Transitions.WithLabelValues(tr.Event, tr.To.String()).Inc()
	m.setPhase(tr.To)
	if tr.RetryScheduled {
		m.RetriesScheduled.Inc()
	}
	if tr.Exhausted {
		m.RetriesExhausted.Inc()
	}
}

// RecordMessage records the outcome of a send request
func (m *Metrics) RecordMessage(result string) {
	m.MessagesSent.WithLabelValues(result).Inc()
}

// RecordPairing records the outcome of a pairing code request
func (m *Metrics) RecordPairing(result string) {
	m.PairingRequests.WithLabelValues(result).Inc()
}

// RecordHTTP records one served request
func (m *Metrics) RecordHTTP(route, code string, seconds float64) {
	m.HTTPRequests.WithLabelValues(route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(seconds)
}
