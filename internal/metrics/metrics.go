// Package metrics holds the Prometheus collectors for the real-time
// pipelines. All Record methods are safe on a nil *Metrics so components can
// run without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for outbound audio.
const (
	DropMuted        = "muted"
	DropNotConnected = "not_connected"
	DropQueueFull    = "queue_full"
	DropSendError    = "send_error"
)

// Metrics holds all Prometheus metrics for the coaching engine.
type Metrics struct {
	registry *prometheus.Registry

	SessionsTotal   *prometheus.CounterVec
	SessionState    *prometheus.GaugeVec
	SessionDuration prometheus.Histogram

	AudioChunksSent    prometheus.Counter
	AudioChunksDropped *prometheus.CounterVec
	AudioBytesTotal    *prometheus.CounterVec

	PlaybackScheduled   prometheus.Counter
	PlaybackDecodeFails prometheus.Counter
	PlaybackLagSeconds  prometheus.Histogram

	VisionSent    prometheus.Counter
	VisionSkipped *prometheus.CounterVec
	VisionErrors  *prometheus.CounterVec

	PoseDraws    prometheus.Counter
	PoseFailures *prometheus.CounterVec
	PoseLatency  prometheus.Histogram
}

// New creates a Metrics instance registered on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "kinetix"
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_total",
			Help: "Coaching sessions by terminal state",
		}, []string{"state"}),
		SessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "session_state",
			Help: "1 for the current lifecycle state of the active session",
		}, []string{"state"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "session_duration_seconds",
			Help:    "Wall time from start to teardown",
			Buckets: []float64{5, 30, 60, 300, 600, 1200, 1800, 3600},
		}),
		AudioChunksSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "audio_chunks_sent_total",
			Help: "Outbound microphone chunks handed to the remote connection",
		}),
		AudioChunksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "audio_chunks_dropped_total",
			Help: "Outbound microphone chunks dropped before sending",
		}, []string{"reason"}),
		AudioBytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "audio_bytes_total",
			Help: "Audio payload bytes by direction",
		}, []string{"direction"}),
		PlaybackScheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "playback_chunks_scheduled_total",
			Help: "Inbound audio chunks scheduled on the playback timeline",
		}),
		PlaybackDecodeFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "playback_decode_failures_total",
			Help: "Inbound audio chunks that failed to decode",
		}),
		PlaybackLagSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "playback_lead_seconds",
			Help:    "Distance between a chunk's scheduled start and the output clock",
			Buckets: []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		VisionSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vision_snapshots_sent_total",
			Help: "Vision snapshots sent to the remote connection",
		}),
		VisionSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "vision_ticks_skipped_total",
			Help: "Sampler ticks that did not capture",
		}, []string{"reason"}),
		VisionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "vision_errors_total",
			Help: "Sampler ticks that failed",
		}, []string{"stage"}),
		PoseDraws: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pose_draws_total",
			Help: "Overlay draws from pose estimates",
		}),
		PoseFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pose_failures_total",
			Help: "Pose estimation calls that failed or timed out",
		}, []string{"kind"}),
		PoseLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "pose_estimate_seconds",
			Help:    "Pose estimation latency",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var allStates = []string{"idle", "connecting", "connected", "closed", "failed"}

// RecordState sets the session_state gauge to the given state.
func (m *Metrics) RecordState(state string) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

// RecordSessionEnd records a finished session.
func (m *Metrics) RecordSessionEnd(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(state).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordAudioSent(bytes int) {
	if m == nil {
		return
	}
	m.AudioChunksSent.Inc()
	m.AudioBytesTotal.WithLabelValues("outbound").Add(float64(bytes))
}

func (m *Metrics) RecordAudioDropped(reason string) {
	if m == nil {
		return
	}
	m.AudioChunksDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordPlaybackScheduled(bytes int, lead time.Duration) {
	if m == nil {
		return
	}
	m.PlaybackScheduled.Inc()
	m.AudioBytesTotal.WithLabelValues("inbound").Add(float64(bytes))
	m.PlaybackLagSeconds.Observe(lead.Seconds())
}

func (m *Metrics) RecordDecodeFailure() {
	if m == nil {
		return
	}
	m.PlaybackDecodeFails.Inc()
}

func (m *Metrics) RecordVisionSent() {
	if m == nil {
		return
	}
	m.VisionSent.Inc()
}

func (m *Metrics) RecordVisionSkipped(reason string) {
	if m == nil {
		return
	}
	m.VisionSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordVisionError(stage string) {
	if m == nil {
		return
	}
	m.VisionErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordPoseDraw(latency time.Duration) {
	if m == nil {
		return
	}
	m.PoseDraws.Inc()
	m.PoseLatency.Observe(latency.Seconds())
}

func (m *Metrics) RecordPoseFailure(kind string) {
	if m == nil {
		return
	}
	m.PoseFailures.WithLabelValues(kind).Inc()
}
