// Package metrics exposes Prometheus collectors for the capture-mix-encode pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline holds the pipeline collectors and the registry they live in.
// All methods are safe to call on a nil *Pipeline.
type Pipeline struct {
	reg *prometheus.Registry

	recording       prometheus.Gauge
	sessions        prometheus.Counter
	sessionFailures prometheus.Counter
	drainTicks      prometheus.Counter
	bytesMixed      prometheus.Counter
	drainBytes      prometheus.Histogram
	channelLevel    *prometheus.GaugeVec
	uploads         *prometheus.CounterVec
}

// New creates a Pipeline with its own registry, including the process and Go
// runtime collectors.
func New() *Pipeline {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &Pipeline{
		reg: reg,

		recording: f.NewGauge(prometheus.GaugeOpts{
			Name: "mixrecorder_recording",
			Help: "1 while a recording session is active",
		}),
		sessions: f.NewCounter(prometheus.CounterOpts{
			Name: "mixrecorder_sessions_total",
			Help: "Recording sessions started",
		}),
		sessionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "mixrecorder_session_failures_total",
			Help: "Recording sessions stopped by a channel or encoder error",
		}),
		drainTicks: f.NewCounter(prometheus.CounterOpts{
			Name: "mixrecorder_drain_ticks_total",
			Help: "Drain ticks that wrote mixed audio to the encoder",
		}),
		bytesMixed: f.NewCounter(prometheus.CounterOpts{
			Name: "mixrecorder_bytes_mixed_total",
			Help: "Mixed PCM bytes written to the encoder",
		}),
		drainBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mixrecorder_drain_bytes",
			Help:    "Bytes drained from every channel per tick",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 10),
		}),
		channelLevel: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mixrecorder_channel_level",
			Help: "Most recent peak level per device, 0 to 1",
		}, []string{"device"}),
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mixrecorder_uploads_total",
			Help: "Archive uploads by result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Pipeline) Handler() http.Handler {
	if p == nil {
		return http.NotFoundHandler()
	}
	return promhttp.InstrumentMetricHandler(p.reg, promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{}))
}

// Registry returns the underlying registry.
func (p *Pipeline) Registry() *prometheus.Registry {
	if p == nil {
		return nil
	}
	return p.reg
}

// SessionStarted records the start of a session.
func (p *Pipeline) SessionStarted() {
	if p == nil {
		return
	}
	p.sessions.Inc()
	p.recording.Set(1)
}

// SessionStopped records the end of a session.
func (p *Pipeline) SessionStopped(failed bool) {
	if p == nil {
		return
	}
	p.recording.Set(0)
	if failed {
		p.sessionFailures.Inc()
	}
}

// Drained records one drain tick that wrote n mixed bytes.
func (p *Pipeline) Drained(n int) {
	if p == nil {
		return
	}
	p.drainTicks.Inc()
	p.bytesMixed.Add(float64(n))
	p.drainBytes.Observe(float64(n))
}

// Level records a channel level reading.
func (p *Pipeline) Level(device string, peak float64) {
	if p == nil {
		return
	}
	p.channelLevel.WithLabelValues(device).Set(peak)
}

// ForgetDevice removes the level series of a detached device.
func (p *Pipeline) ForgetDevice(device string) {
	if p == nil {
		return
	}
	p.channelLevel.DeleteLabelValues(device)
}

// Upload records the result of an archive upload.
func (p *Pipeline) Upload(ok bool) {
	if p == nil {
		return
	}
	result := "failed"
	if ok {
		result = "completed"
	}
	p.uploads.WithLabelValues(result).Inc()
}
