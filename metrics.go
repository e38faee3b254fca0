package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// statsInternal holds the instrument's own prometheus registry. A nil
// *statsInternal records nothing.
type statsInternal struct {
	Registry      *prometheus.Registry
	Sessions      *prometheus.CounterVec
	Samples       prometheus.Counter
	Chunks        prometheus.Counter
	ReadFailures  prometheus.Counter
	AutoTriggers  prometheus.Counter
	Annotations   *prometheus.CounterVec
	DispatchTimer prometheus.Histogram
	WebRequests   *prometheus.CounterVec
	FeedClients   prometheus.Gauge
}

func newStatsInternal() *statsInternal {
	reg := prometheus.NewRegistry()
	s := &statsInternal{
		Registry: reg,
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logicctl_capture_sessions_total",
			Help: "Capture sessions started, by mode.",
		}, []string{"mode"}),
		Samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logicctl_samples_captured_total",
			Help: "Samples published to decoders.",
		}),
		Chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logicctl_chunks_captured_total",
			Help: "Completed hardware reads published as ranges.",
		}),
		ReadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logicctl_read_failures_total",
			Help: "Hardware reads rejected by the device.",
		}),
		AutoTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logicctl_auto_trigger_timeouts_total",
			Help: "Auto-trigger watchdog expiries.",
		}),
		Annotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logicctl_annotations_total",
			Help: "Top-of-stack annotations decoded, by decoder.",
		}, []string{"decoder"}),
		DispatchTimer: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "logicctl_range_dispatch_seconds",
			Help:    "Time to run one available range through every curve.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		WebRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logicctl_http_requests_total",
			Help: "Control API requests by status code and method.",
		}, []string{"code", "method"}),
		FeedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "logicctl_feed_clients",
			Help: "Connected event feed clients.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.Sessions, s.Samples, s.Chunks, s.ReadFailures, s.AutoTriggers,
		s.Annotations, s.DispatchTimer, s.WebRequests, s.FeedClients,
	)
	return s
}

func (s *statsInternal) Handler() http.Handler {
	return promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{Registry: s.Registry})
}

func (s *statsInternal) recSession(mode captureMode) {
	if s == nil {
		return
	}
	s.Sessions.WithLabelValues(mode.String()).Inc()
}

func (s *statsInternal) recChunk(samples uint64) {
	if s == nil {
		return
	}
	s.Chunks.Inc()
	s.Samples.Add(float64(samples))
}

func (s *statsInternal) recReadFailure() {
	if s == nil {
		return
	}
	s.ReadFailures.Inc()
}

func (s *statsInternal) recAutoTrigger() {
	if s == nil {
		return
	}
	s.AutoTriggers.Inc()
}

func (s *statsInternal) recAnnotations(decoder string, n int) {
	if s == nil || n == 0 {
		return
	}
	s.Annotations.WithLabelValues(decoder).Add(float64(n))
}

func (s *statsInternal) recDispatch(d time.Duration) {
	if s == nil {
		return
	}
	s.DispatchTimer.Observe(d.Seconds())
}

func (s *statsInternal) recWWW(code, method string) {
	if s == nil {
		return
	}
	s.WebRequests.WithLabelValues(code, method).Inc()
}

func (s *statsInternal) recFeedClients(delta float64) {
	if s == nil {
		return
	}
	s.FeedClients.Add(delta)
}
