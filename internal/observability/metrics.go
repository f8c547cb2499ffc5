package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	engineLoadsTotal      *prometheus.CounterVec
	transcriptionsTotal   *prometheus.CounterVec
	transcriptionDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxgate_http_requests_total",
				Help: "Total number of HTTP requests handled.",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voxgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		engineLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxgate_engine_loads_total",
				Help: "Recognition engine loads, including evict-and-reload on configuration change.",
			},
			[]string{"model", "device", "compute_type"},
		),
		transcriptionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxgate_transcriptions_total",
				Help: "Finished transcription attempts by outcome.",
			},
			[]string{"model", "status"},
		),
		transcriptionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voxgate_transcription_duration_seconds",
				Help:    "End-to-end transcription duration in seconds.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.engineLoadsTotal,
		m.transcriptionsTotal,
		m.transcriptionDuration,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "UNKNOWN"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(route, method, statusLabel).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveEngineLoad(model, device, computeType string) {
	if m == nil {
		return
	}
	m.engineLoadsTotal.WithLabelValues(model, device, computeType).Inc()
}

func (m *Metrics) ObserveTranscription(model, status string, duration time.Duration) {
	if m == nil {
		return
	}
	if model == "" {
		model = "unknown"
	}
	m.transcriptionsTotal.WithLabelValues(model, status).Inc()
	m.transcriptionDuration.WithLabelValues(model).Observe(duration.Seconds())
}
