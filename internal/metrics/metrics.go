package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame processing counters
	FramesRead      atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesWritten   atomic.Uint64

	// Broadcast counters
	EventsPublished atomic.Uint64
	EventsDropped   atomic.Uint64
	FramesLimited   atomic.Uint64

	// Error counters
	ReadErrors   atomic.Uint64
	DetectErrors atomic.Uint64
	DrawErrors   atomic.Uint64
	StoreErrors  atomic.Uint64

	// Alert capture
	CapturesTaken      atomic.Uint64
	CapturesSuppressed atomic.Uint64

	// Latency tracking
	DetectLatencyMs  atomic.Uint64 // Last detection call in ms
	ProcessLatencyMs atomic.Uint64 // Last full frame pass in ms

	// Runs and subscribers
	ActiveStreams atomic.Int64
	ActiveTasks   atomic.Int64
	Subscribers   atomic.Int64
	WebRTCClients atomic.Int64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) gauge(name, help string, v *atomic.Int64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.counter("surveillance_frames_read_total", "Total frames read from sources", &m.FramesRead)
	m.counter("surveillance_frames_processed_total", "Total frames run through the detection pipeline", &m.FramesProcessed)
	m.counter("surveillance_frames_written_total", "Total frames written to processed videos", &m.FramesWritten)

	m.counter("surveillance_events_published_total", "Total events handed to subscribers", &m.EventsPublished)
	m.counter("surveillance_events_dropped_total", "Total events dropped for slow subscribers", &m.EventsDropped)
	m.counter("surveillance_frames_rate_limited_total", "Total frame events skipped by the rate limiter", &m.FramesLimited)

	m.counter("surveillance_read_errors_total", "Total source read errors", &m.ReadErrors)
	m.counter("surveillance_detect_errors_total", "Total detection or classification errors", &m.DetectErrors)
	m.counter("surveillance_draw_errors_total", "Total annotation failures", &m.DrawErrors)
	m.counter("surveillance_store_errors_total", "Total snapshot or alert persistence failures", &m.StoreErrors)

	m.counter("surveillance_captures_total", "Total alert captures persisted", &m.CapturesTaken)
	m.counter("surveillance_captures_suppressed_total", "Qualifying detections suppressed by the capture throttle", &m.CapturesSuppressed)

	m.counter("surveillance_detect_latency_ms", "Latency of the last detection call in milliseconds", &m.DetectLatencyMs)
	m.counter("surveillance_process_latency_ms", "Latency of the last frame pass in milliseconds", &m.ProcessLatencyMs)

	m.gauge("surveillance_active_streams", "Live streams currently running", &m.ActiveStreams)
	m.gauge("surveillance_active_tasks", "Upload tasks currently processing", &m.ActiveTasks)
	m.gauge("surveillance_subscribers", "Connected event subscribers", &m.Subscribers)
	m.gauge("surveillance_webrtc_clients", "Connected WebRTC clients", &m.WebRTCClients)
}

// UpdateDetectLatency records the duration of the last detection call
func (m *Metrics) UpdateDetectLatency(d time.Duration) {
	m.DetectLatencyMs.Store(uint64(d.Milliseconds()))
}

// UpdateProcessLatency records the duration of the last frame pass
func (m *Metrics) UpdateProcessLatency(d time.Duration) {
	m.ProcessLatencyMs.Store(uint64(d.Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
