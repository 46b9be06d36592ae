// Package metrics exposes Prometheus metrics for recordings, screen
// recognition and transcription.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zoomrec"

// Metrics holds every collector the recorder updates.
type Metrics struct {
	// Sessions
	SessionsTotal    *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	JoinOutcomes     *prometheus.CounterVec
	RecordingSeconds prometheus.Histogram

	// Screen recognition
	CaptureSeconds *prometheus.HistogramVec
	CaptureErrors  prometheus.Counter
	MatchSeconds   *prometheus.HistogramVec
	MatchHits      *prometheus.CounterVec

	// Transcription
	ChunksTotal          *prometheus.CounterVec
	SpeechRequestSeconds *prometheus.HistogramVec
	SpeechRetries        prometheus.Counter
	BreakerState         *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New registers the recorder's metrics with a fresh registry, along with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWith(reg, reg)
}

// NewWith registers metrics with reg and serves them from g.
func NewWith(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Recording sessions by final status",
			},
			[]string{"status"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Recording sessions in progress",
			},
		),
		JoinOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "join_outcomes_total",
				Help:      "Join attempts by outcome",
			},
			[]string{"outcome"},
		),
		RecordingSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "recording_seconds",
				Help:      "Length of finished recordings",
				Buckets:   []float64{60, 300, 900, 1800, 3600, 5400, 7200, 14400},
			},
		),

		CaptureSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "screen_capture_seconds",
				Help:      "Screen capture and preprocessing latency",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"reused"},
		),
		CaptureErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "screen_capture_errors_total",
				Help:      "Failed screen captures",
			},
		),
		MatchSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "template_match_seconds",
				Help:      "Template search latency per template",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
			[]string{"template"},
		),
		MatchHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "template_matches_total",
				Help:      "Template searches by result",
			},
			[]string{"template", "found"},
		),

		ChunksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transcription_chunks_total",
				Help:      "Transcribed chunks by result",
			},
			[]string{"result"},
		),
		SpeechRequestSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "speech_request_seconds",
				Help:      "Speech-to-text request latency",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
			},
			[]string{"status"},
		),
		SpeechRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "speech_retries_total",
				Help:      "Speech-to-text request retries",
			},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"name"},
		),

		gatherer: g,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveCapture records one screen capture.
func (m *Metrics) ObserveCapture(reused bool, err error, took time.Duration) {
	if err != nil {
		m.CaptureErrors.Inc()
		return
	}
	label := "false"
	if reused {
		label = "true"
	}
	m.CaptureSeconds.WithLabelValues(label).Observe(took.Seconds())
}

// ObserveMatch records one template search.
func (m *Metrics) ObserveMatch(template string, found bool, took time.Duration) {
	m.MatchSeconds.WithLabelValues(template).Observe(took.Seconds())
	label := "false"
	if found {
		label = "true"
	}
	m.MatchHits.WithLabelValues(template, label).Inc()
}

// ObserveChunk records one speech request for a transcript chunk.
func (m *Metrics) ObserveChunk(took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.ChunksTotal.WithLabelValues(result).Inc()
	m.SpeechRequestSeconds.WithLabelValues(result).Observe(took.Seconds())
}

// SetBreakerState publishes a circuit breaker's current state.
func (m *Metrics) SetBreakerState(name string, state uint32) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}
