// Package observability holds the prometheus metrics for the relay and the
// streaming client.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "chatrelay"

// Metrics groups every collector the service exports.
type Metrics struct {
	// RequestsTotal counts relayed requests by terminal outcome.
	RequestsTotal *prometheus.CounterVec
	// ErrorsTotal counts classified failures by kind and verdict.
	ErrorsTotal *prometheus.CounterVec
	// TokensTotal counts prompt and streamed fragments by model.
	TokensTotal *prometheus.CounterVec
	// ActiveStreams is the number of open relay streams.
	ActiveStreams prometheus.Gauge
	// StreamDurationSeconds observes the lifetime of a relay stream.
	StreamDurationSeconds *prometheus.HistogramVec
	// KeepAlivesTotal counts keepalive comments written.
	KeepAlivesTotal prometheus.Counter
	// ClientRetriesTotal counts reconnect attempts made by the chat client.
	ClientRetriesTotal *prometheus.CounterVec
}

// New registers the collectors on reg. Passing nil uses a private registry,
// which keeps tests independent of the global default.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "relay",
				Name:      "requests_total",
				Help:      "Total number of relayed chat requests by outcome",
			},
			[]string{"outcome"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "relay",
				Name:      "errors_total",
				Help:      "Total classified relay failures by kind and verdict",
			},
			[]string{"kind", "verdict"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "relay",
				Name:      "tokens_total",
				Help:      "Prompt tokens counted and response fragments streamed by model",
			},
			[]string{"direction", "model"},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "relay",
				Name:      "active_streams",
				Help:      "Number of currently open relay streams",
			},
		),
		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "relay",
				Name:      "stream_duration_seconds",
				Help:      "Relay stream duration in seconds",
				Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		KeepAlivesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "relay",
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
		),
		ClientRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "client",
				Name:      "retries_total",
				Help:      "Reconnect attempts made by the streaming client by failure kind",
			},
			[]string{"kind"},
		),
	}
}

// RecordOutcome records a finished relay stream.
func (m *Metrics) RecordOutcome(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
	m.StreamDurationSeconds.WithLabelValues(outcome).Observe(seconds)
}

// RecordError records one classification decision.
func (m *Metrics) RecordError(kind, verdict string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind, verdict).Inc()
}

// RecordPromptTokens adds counted prompt tokens for model.
func (m *Metrics) RecordPromptTokens(model string, n int) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("prompt", model).Add(float64(n))
}

// RecordFragment counts one streamed fragment for model.
func (m *Metrics) RecordFragment(model string) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("response", model).Inc()
}

// StreamStarted increments the active stream gauge.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active stream gauge.
func (m *Metrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordKeepAlive counts one keepalive ping.
func (m *Metrics) RecordKeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.Inc()
}

// RecordClientRetry counts one client reconnect.
func (m *Metrics) RecordClientRetry(kind string) {
	if m == nil {
		return
	}
	m.ClientRetriesTotal.WithLabelValues(kind).Inc()
}
