// Package metrics exports camera activity and host health to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"camera-capture-go/internal/camera"
	"camera-capture-go/internal/perf"
)

const namespace = "camera"

// Metrics owns a registry with the camera and host collectors.
type Metrics struct {
	registry *prometheus.Registry

	photosTotal       prometheus.Counter
	videosTotal       prometheus.Counter
	videoBytesTotal   prometheus.Counter
	sizeLimitTotal    prometheus.Counter
	failuresTotal     *prometheus.CounterVec
	recordingActive   prometheus.Gauge
	recordingElapsed  prometheus.Gauge
	recordingDuration prometheus.Histogram
	sessionState      *prometheus.GaugeVec
	previewStreams    prometheus.Counter
	hostLoad          prometheus.Gauge
	hostTemperature   prometheus.Gauge
	hostMemory        prometheus.Gauge
	previewFPS        prometheus.Gauge

	mu      sync.Mutex
	started map[string]time.Time // recording session -> start
}

// New creates Metrics on a fresh registry, including Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		started:  make(map[string]time.Time),

		photosTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "photos_total",
			Help:      "Total number of still pictures delivered",
		}),
		videosTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "videos_total",
			Help:      "Total number of finished video recordings",
		}),
		videoBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_bytes_total",
			Help:      "Total size of finished video recordings in bytes",
		}),
		sizeLimitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_size_limit_total",
			Help:      "Recordings stopped by the file size limit",
		}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failed camera operations",
		}, []string{"op", "id"}),
		recordingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recording_active",
			Help:      "1 while a recording is in progress",
		}),
		recordingElapsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recording_elapsed_seconds",
			Help:      "Elapsed time of the current recording",
		}),
		recordingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_duration_seconds",
			Help:      "Duration of finished recordings in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current hardware session state",
		}, []string{"state"}),
		previewStreams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preview_streams_total",
			Help:      "Preview streams loaded",
		}),
		hostLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "load_average",
			Help:      "One-minute load average",
		}),
		hostTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "temperature_celsius",
			Help:      "Mean thermal zone temperature",
		}),
		hostMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "memory_used_percent",
			Help:      "Memory in use as a percentage",
		}),
		previewFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "preview_fps",
			Help:      "Preview frame rate currently requested from the device",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.photosTotal,
		m.videosTotal,
		m.videoBytesTotal,
		m.sizeLimitTotal,
		m.failuresTotal,
		m.recordingActive,
		m.recordingElapsed,
		m.recordingDuration,
		m.sessionState,
		m.previewStreams,
		m.hostLoad,
		m.hostTemperature,
		m.hostMemory,
		m.previewFPS,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Attach records every event published on bus until the returned func is
// called.
func (m *Metrics) Attach(bus *camera.Bus) func() {
	return bus.Subscribe(m.Handle)
}

// Handle records one camera event.
func (m *Metrics) Handle(ev camera.Event) {
	switch e := ev.(type) {
	case camera.NewImage:
		m.photosTotal.Inc()
	case camera.NewVideo:
		m.videosTotal.Inc()
		m.videoBytesTotal.Add(float64(len(e.Blob.Data)))
	case camera.FileSizeLimitReached:
		m.sizeLimitTotal.Inc()
	case camera.Failure:
		m.failuresTotal.WithLabelValues(e.Op, failureID(e.ID)).Inc()
	case camera.RecordingStart:
		m.mu.Lock()
		m.started[e.SessionID] = time.Now()
		m.mu.Unlock()
	case camera.RecordingEnd:
		m.mu.Lock()
		start, ok := m.started[e.SessionID]
		delete(m.started, e.SessionID)
		m.mu.Unlock()
		if ok {
			m.recordingDuration.Observe(time.Since(start).Seconds())
		}
	case camera.RecordingChanged:
		if e.Recording {
			m.recordingActive.Set(1)
		} else {
			m.recordingActive.Set(0)
			m.recordingElapsed.Set(0)
		}
	case camera.ElapsedChanged:
		m.recordingElapsed.Set(e.Elapsed.Seconds())
	case camera.SessionStateChanged:
		m.sessionState.WithLabelValues(e.From.String()).Set(0)
		m.sessionState.WithLabelValues(e.To.String()).Set(1)
	case camera.StreamLoaded:
		m.previewStreams.Inc()
	}
}

func failureID(id string) string {
	if id == "" {
		return "none"
	}
	return id
}

// ObserveHost records a host sample. It has the shape of
// perf.AdaptiveOptions.OnSample.
func (m *Metrics) ObserveHost(s perf.Stats) {
	m.hostLoad.Set(s.LoadAverage)
	if s.HasTemp {
		m.hostTemperature.Set(s.Temperature)
	}
	m.hostMemory.Set(s.MemoryUsage)
}

// SetPreviewFPS records the requested preview frame rate.
func (m *Metrics) SetPreviewFPS(fps int) {
	m.previewFPS.Set(float64(fps))
}

// RateSetter wraps next so every frame rate change is also recorded.
func (m *Metrics) RateSetter(next perf.RateSetter) perf.RateSetter {
	return rateRecorder{m: m, next: next}
}

type rateRecorder struct {
	m    *Metrics
	next perf.RateSetter
}

func (r rateRecorder) SetFrameRate(fps int) {
	r.next.SetFrameRate(fps)
	r.m.SetPreviewFPS(fps)
}

// SampleHost samples monitor every interval until ctx is done. Use it when
// no AdaptiveController is already sampling.
func (m *Metrics) SampleHost(ctx context.Context, monitor *perf.Monitor, interval time.Duration) {
	sample := func() {
		if s, err := monitor.Sample(); err == nil {
			m.ObserveHost(s)
		}
	}
	sample()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}
