package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config contains metrics configuration
type Config struct {
	Enabled                 bool   `yaml:"enabled" mapstructure:"enabled"`
	Path                    string `yaml:"path" mapstructure:"path"`
	ServiceName             string `yaml:"service_name" mapstructure:"service_name"`
	EnableDefaultCollectors bool   `yaml:"enable_default_collectors" mapstructure:"enable_default_collectors"`
}

// Gauges are sampled on every scrape. Nil functions are skipped.
type Gauges struct {
	InFlight   func() float64
	Waiting    func() float64
	EngineBusy func() float64
}

// Metrics owns an isolated registry whose series all carry a constant service label.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec
	batchItems      prometheus.Histogram
	batchTokens     prometheus.Histogram
	admissionWait   prometheus.Histogram
	cacheLookups    *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates the registry and registers the embedding pipeline metrics.
func New(cfg Config, gauges Gauges) *Metrics {
	registry := prometheus.NewRegistry()
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "embedding-server"
	}
	wrapped := prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, registry)

	m := &Metrics{
		Registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "embedding_requests_total",
			Help: "Embedding requests by terminal outcome",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "embedding_request_duration_seconds",
			Help:    "End-to-end embedding request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "embedding_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"stage"}),
		batchItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "embedding_batch_items",
			Help:    "Items per inference batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11),
		}),
		batchTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "embedding_batch_tokens",
			Help:    "Tokens per inference batch",
			Buckets: prometheus.ExponentialBuckets(8, 2, 14),
		}),
		admissionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "embedding_admission_wait_seconds",
			Help:    "Time spent waiting for an admission slot",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "embedding_cache_lookups_total",
			Help: "Embedding cache lookups by result",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	wrapped.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.stageDuration,
		m.batchItems,
		m.batchTokens,
		m.admissionWait,
		m.cacheLookups,
		m.httpRequests,
		m.httpDuration,
	)

	registerGauge(wrapped, "embedding_admission_in_flight", "Requests holding an admission slot", gauges.InFlight)
	registerGauge(wrapped, "embedding_admission_waiting", "Requests waiting for an admission slot", gauges.Waiting)
	registerGauge(wrapped, "embedding_engine_busy", "Inference calls currently executing", gauges.EngineBusy)

	if cfg.EnableDefaultCollectors {
		wrapped.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewBuildInfoCollector(),
		)
	}

	return m
}

func registerGauge(reg prometheus.Registerer, name, help string, fn func() float64) {
	if fn == nil {
		return
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished embedding request.
func (m *Metrics) ObserveRequest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveStage records the duration of one pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveBatch records the shape of a batch sent to the engine.
func (m *Metrics) ObserveBatch(items, tokens int) {
	if m == nil {
		return
	}
	m.batchItems.Observe(float64(items))
	m.batchTokens.Observe(float64(tokens))
}

// ObserveAdmissionWait records how long a request queued for a slot.
func (m *Metrics) ObserveAdmissionWait(d time.Duration) {
	if m == nil {
		return
	}
	m.admissionWait.Observe(d.Seconds())
}

// CacheLookups records cache hits and misses for one request.
func (m *Metrics) CacheLookups(hits, misses int) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Add(float64(hits))
	m.cacheLookups.WithLabelValues("miss").Add(float64(misses))
}

// ObserveHTTP records one HTTP exchange.
func (m *Metrics) ObserveHTTP(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusText(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
