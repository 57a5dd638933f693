// Package metrics holds the Prometheus collectors for the speech pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "misty"

// Metrics contains all Prometheus metrics for the assistant.
type Metrics struct {
	// Transport metrics
	MessagesSent        prometheus.Counter
	MessagesReceived    prometheus.Counter
	DeliveriesExhausted prometheus.Counter
	Reconnects          prometheus.Counter
	RateLimitPauses     prometheus.Counter
	QueueDepth          prometheus.Gauge
	ConnectionState     prometheus.Gauge

	// Assembly metrics
	ChunksEmitted    prometheus.Counter
	TimeToFirstAudio prometheus.Histogram

	// Playback metrics
	UnitsPlayed     prometheus.Counter
	UnitFailures    *prometheus.CounterVec
	UnitCompletions *prometheus.CounterVec
	UploadLatency   prometheus.Histogram
}

// New creates the metrics and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_messages_sent_total",
			Help:      "Outbound messages written to the voice service",
		}),
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_messages_received_total",
			Help:      "Inbound messages read from the voice service",
		}),
		DeliveriesExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_deliveries_exhausted_total",
			Help:      "Outbound messages dropped after the last send attempt",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnects_total",
			Help:      "Reconnection attempts to the voice service",
		}),
		RateLimitPauses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_rate_limit_pauses_total",
			Help:      "Times delivery was paused by a rate-limit notification",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_queue_depth",
			Help:      "Outbound messages waiting for delivery",
		}),
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connection_state",
			Help:      "Session state: 0 disconnected, 1 connecting, 2 open, 3 closing",
		}),

		ChunksEmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assembler_chunks_emitted_total",
			Help:      "Playable audio chunks emitted by the response assembler",
		}),
		TimeToFirstAudio: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_audio_seconds",
			Help:      "Time from committing user audio to the first unit playing",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to 32s
		}),

		UnitsPlayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_units_played_total",
			Help:      "Playback units that played to completion",
		}),
		UnitFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_unit_failures_total",
			Help:      "Playback units skipped because a device call failed",
		}, []string{"stage"}),
		UnitCompletions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_unit_completions_total",
			Help:      "How played units were declared finished",
		}, []string{"source"}),
		UploadLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "playback_upload_latency_seconds",
			Help:      "Time to upload one playback unit to the device",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 9), // 50ms to ~13s
		}),
	}
}

// RecordSent increments the sent counter and sets the queue depth.
func (m *Metrics) RecordSent(queued int) {
	m.MessagesSent.Inc()
	m.QueueDepth.Set(float64(queued))
}

// RecordReceived increments the received counter
func (m *Metrics) RecordReceived() {
	m.MessagesReceived.Inc()
}

// RecordExhausted counts a dropped outbound message.
func (m *Metrics) RecordExhausted(queued int) {
	m.DeliveriesExhausted.Inc()
	m.QueueDepth.Set(float64(queued))
}

// RecordReconnect increments the reconnect counter
func (m *Metrics) RecordReconnect() {
	m.Reconnects.Inc()
}

// RecordRateLimitPause increments the rate-limit counter
func (m *Metrics) RecordRateLimitPause() {
	m.RateLimitPauses.Inc()
}

// SetConnectionState records the numeric session state.
func (m *Metrics) SetConnectionState(state int) {
	m.ConnectionState.Set(float64(state))
}

// RecordChunk increments the chunk counter
func (m *Metrics) RecordChunk() {
	m.ChunksEmitted.Inc()
}

// RecordFirstAudio observes the delay before a reply became audible.
func (m *Metrics) RecordFirstAudio(d time.Duration) {
	m.TimeToFirstAudio.Observe(d.Seconds())
}

// RecordUnitPlayed records a played unit, how it was declared finished and
// its upload latency.
func (m *Metrics) RecordUnitPlayed(source string, uploadLatency time.Duration) {
	m.UnitsPlayed.Inc()
	m.UnitCompletions.WithLabelValues(source).Inc()
	m.UploadLatency.Observe(uploadLatency.Seconds())
}

// RecordUnitFailure records a skipped unit. stage is "upload" or "play".
func (m *Metrics) RecordUnitFailure(stage string) {
	m.UnitFailures.WithLabelValues(stage).Inc()
}
