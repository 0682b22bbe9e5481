// Package metrics defines the Prometheus metrics exported by the streaming
// ASR service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the streaming ASR service
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsRejected prometheus.Counter
	SessionsClosed   prometheus.Counter
	SessionDuration  prometheus.Histogram

	// Message metrics
	MessagesReceived *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	ResultsDelivered prometheus.Counter

	// Audio metrics
	AudioSecondsReceived prometheus.Counter
	BufferDroppedSamples prometheus.Counter

	// Endpointing metrics
	UtterancesFinalized *prometheus.CounterVec

	// Inference metrics
	InferenceRequests  prometheus.Counter
	InferenceSuccesses prometheus.Counter
	InferenceFailures  prometheus.Counter
	InferenceRetries   prometheus.Counter
	InferenceDuration  prometheus.Histogram
	InferenceInFlight  prometheus.Gauge
	GateWaitDuration   prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Session metrics
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "asr_active_sessions",
			Help: "Current number of active sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_sessions_rejected_total",
			Help: "Total number of sessions rejected at capacity",
		}),
		SessionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_sessions_closed_total",
			Help: "Total number of sessions closed",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_session_duration_seconds",
			Help:    "Duration of sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		// Message metrics
		MessagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_messages_received_total",
			Help: "Total number of client messages received",
		}, []string{"type"}),
		DecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_decode_errors_total",
			Help: "Total number of audio payloads that failed decoding",
		}),
		ResultsDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_results_delivered_total",
			Help: "Total number of transcription results delivered to clients",
		}),

		// Audio metrics
		AudioSecondsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_audio_seconds_received_total",
			Help: "Total seconds of audio accepted into session buffers",
		}),
		BufferDroppedSamples: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_buffer_dropped_samples_total",
			Help: "Total samples dropped by session buffer caps",
		}),

		// Endpointing metrics
		UtterancesFinalized: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_utterances_finalized_total",
			Help: "Total number of utterances finalized",
		}, []string{"reason"}),

		// Inference metrics
		InferenceRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_inference_requests_total",
			Help: "Total number of inference requests issued",
		}),
		InferenceSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_inference_successes_total",
			Help: "Total number of successful inference requests",
		}),
		InferenceFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_inference_failures_total",
			Help: "Total number of failed inference requests",
		}),
		InferenceRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_inference_retries_total",
			Help: "Total number of inference request retries",
		}),
		InferenceDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_inference_duration_seconds",
			Help:    "Duration of inference requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		InferenceInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "asr_inference_in_flight",
			Help: "Current number of inference requests in flight",
		}),
		GateWaitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_gate_wait_duration_seconds",
			Help:    "Time sessions spend waiting for an admission gate slot",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asr_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionRejected increments the capacity rejection counter
func (m *Metrics) RecordSessionRejected() {
	m.SessionsRejected.Inc()
}

// RecordSessionClosed increments the sessions closed counter and records duration
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	m.SessionsClosed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordMessageReceived increments the per-type message counter
func (m *Metrics) RecordMessageReceived(msgType string) {
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

// RecordDecodeError increments the decode errors counter
func (m *Metrics) RecordDecodeError() {
	m.DecodeErrors.Inc()
}

// RecordResultDelivered increments the delivered results counter
func (m *Metrics) RecordResultDelivered() {
	m.ResultsDelivered.Inc()
}

// RecordAudioReceived adds accepted audio seconds and any trimmed samples
func (m *Metrics) RecordAudioReceived(seconds float64, droppedSamples int) {
	m.AudioSecondsReceived.Add(seconds)
	if droppedSamples > 0 {
		m.BufferDroppedSamples.Add(float64(droppedSamples))
	}
}

// RecordUtteranceFinalized increments the finalization counter by reason
func (m *Metrics) RecordUtteranceFinalized(reason string) {
	m.UtterancesFinalized.WithLabelValues(reason).Inc()
}

// RecordInferenceStart increments the request counter and in-flight gauge
func (m *Metrics) RecordInferenceStart() {
	m.InferenceRequests.Inc()
	m.InferenceInFlight.Inc()
}

// RecordInferenceSuccess records a successful inference request
func (m *Metrics) RecordInferenceSuccess(durationSeconds float64) {
	m.InferenceSuccesses.Inc()
	m.InferenceDuration.Observe(durationSeconds)
	m.InferenceInFlight.Dec()
}

// RecordInferenceRetry increments the retry counter
func (m *Metrics) RecordInferenceRetry() {
	m.InferenceRetries.Inc()
}

// RecordInferenceFailure records a failed inference request
func (m *Metrics) RecordInferenceFailure(durationSeconds float64) {
	m.InferenceFailures.Inc()
	m.InferenceDuration.Observe(durationSeconds)
	m.InferenceInFlight.Dec()
}

// RecordGateWait records time spent waiting for an admission slot
func (m *Metrics) RecordGateWait(durationSeconds float64) {
	m.GateWaitDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
