// Package metrics holds the Prometheus collectors for a recording session.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Capture metrics
	FramesCaptured prometheus.Counter
	FramesMissed   prometheus.Counter
	FramesDropped  *prometheus.CounterVec
	CaptureReinits prometheus.Counter
	CaptureLatency prometheus.Histogram

	// Encode metrics
	EncodedFrames *prometheus.CounterVec
	EncodedBytes  *prometheus.CounterVec

	// Sink metrics
	SinkFrames   *prometheus.CounterVec
	SinkBytes    *prometheus.CounterVec
	SinkFailures *prometheus.CounterVec

	// WHEP metrics
	ActiveViewers prometheus.Gauge
	TotalViewers  prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesCaptured: f.NewCounter(prometheus.CounterOpts{
			Name: "reelcast_frames_captured_total",
			Help: "Screen frames delivered by the capture loop",
		}),
		FramesMissed: f.NewCounter(prometheus.CounterOpts{
			Name: "reelcast_frames_missed_total",
			Help: "Capture slots skipped because the loop fell behind",
		}),
		FramesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelcast_frames_dropped_total",
				Help: "Raw frames dropped from a full queue",
			},
			[]string{"stage"}, // stage: video, mic, speaker, audio
		),
		CaptureReinits: f.NewCounter(prometheus.CounterOpts{
			Name: "reelcast_capture_reinits_total",
			Help: "Capture backend reinitializations after a recoverable error",
		}),
		CaptureLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "reelcast_capture_latency_seconds",
			Help:    "Time spent in one capture call",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}),

		EncodedFrames: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelcast_encoded_frames_total",
				Help: "Encoded packets produced",
			},
			[]string{"type"}, // type: video or audio
		),
		EncodedBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelcast_encoded_bytes_total",
				Help: "Encoded payload bytes produced",
			},
			[]string{"type"},
		),

		SinkFrames: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelcast_sink_frames_total",
				Help: "Frames accepted by a sink",
			},
			[]string{"sink"},
		),
		SinkBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelcast_sink_bytes_total",
				Help: "Payload bytes accepted by a sink",
			},
			[]string{"sink"},
		),
		SinkFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelcast_sink_failures_total",
				Help: "Sinks detached after a write error",
			},
			[]string{"sink"},
		),

		ActiveViewers: f.NewGauge(prometheus.GaugeOpts{
			Name: "reelcast_whep_active_viewers",
			Help: "Number of connected WHEP sessions",
		}),
		TotalViewers: f.NewCounter(prometheus.CounterOpts{
			Name: "reelcast_whep_viewers_total",
			Help: "WHEP sessions created since start",
		}),

		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelcast_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"route", "code"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reelcast_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

var (
	defaultOnce sync.Once
	defaultSet  *Metrics
)

// Default returns the metrics registered with the default Prometheus
// registerer, creating them on first use.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultSet = New(prometheus.DefaultRegisterer)
	})
	return defaultSet
}

func (m *Metrics) FrameCaptured() {
	if m == nil {
		return
	}
	m.FramesCaptured.Inc()
}

func (m *Metrics) Missed(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.FramesMissed.Add(float64(n))
}

func (m *Metrics) Dropped(stage string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(stage).Inc()
}

func (m *Metrics) Reinit() {
	if m == nil {
		return
	}
	m.CaptureReinits.Inc()
}

func (m *Metrics) ObserveCapture(seconds float64) {
	if m == nil {
		return
	}
	m.CaptureLatency.Observe(seconds)
}

// Encoded counts one packet of kind "video" or "audio".
func (m *Metrics) Encoded(kind string, size int) {
	if m == nil {
		return
	}
	m.EncodedFrames.WithLabelValues(kind).Inc()
	m.EncodedBytes.WithLabelValues(kind).Add(float64(size))
}

func (m *Metrics) SinkWrote(sink string, size int) {
	if m == nil {
		return
	}
	m.SinkFrames.WithLabelValues(sink).Inc()
	m.SinkBytes.WithLabelValues(sink).Add(float64(size))
}

func (m *Metrics) SinkFailed(sink string) {
	if m == nil {
		return
	}
	m.SinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) ViewerJoined() {
	if m == nil {
		return
	}
	m.ActiveViewers.Inc()
	m.TotalViewers.Inc()
}

func (m *Metrics) ViewerLeft() {
	if m == nil {
		return
	}
	m.ActiveViewers.Dec()
}

func (m *Metrics) ObserveHTTP(route, code string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, code).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(seconds)
}
