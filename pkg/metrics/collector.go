package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the Prometheus metrics of the orchestrator.
// All methods are safe to call on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	jobsSubmitted     *prometheus.CounterVec
	jobsFinished      *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	checkpointErrors  *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
	cacheLookups      *prometheus.CounterVec
	cacheLoadDuration prometheus.Histogram
	predictions       *prometheus.CounterVec
	predictLatency    *prometheus.HistogramVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewCollector creates a collector with its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mlorch_jobs_submitted_total",
				Help: "Jobs accepted by the orchestrators",
			},
			[]string{"kind"},
		),
		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mlorch_jobs_finished_total",
				Help: "Jobs that reached a terminal state",
			},
			[]string{"kind", "state"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mlorch_job_duration_seconds",
				Help:    "Wall time from start of execution to terminal state",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"kind"},
		),
		checkpointErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mlorch_checkpoint_errors_total",
				Help: "Checkpoint writes that failed after retries",
			},
			[]string{"kind"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mlorch_queue_depth",
				Help: "Jobs waiting in the queue",
			},
			[]string{"kind"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mlorch_model_cache_lookups_total",
				Help: "Model cache lookups by result (hit, miss, expired)",
			},
			[]string{"result"},
		),
		cacheLoadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mlorch_model_cache_load_seconds",
				Help:    "Time spent loading and decoding model artifacts",
				Buckets: prometheus.DefBuckets,
			},
		),
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mlorch_predictions_total",
				Help: "Instances scored by the prediction service",
			},
			[]string{"model", "outcome"},
		),
		predictLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mlorch_predict_request_seconds",
				Help:    "Latency of Predict requests",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"model"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mlorch_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mlorch_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	c.registry.MustRegister(
		c.jobsSubmitted,
		c.jobsFinished,
		c.jobDuration,
		c.checkpointErrors,
		c.queueDepth,
		c.cacheLookups,
		c.cacheLoadDuration,
		c.predictions,
		c.predictLatency,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

// Registry exposes the underlying registry so extra collectors can be added
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns HTTP handler for Prometheus metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) JobSubmitted(kind string) {
	if c == nil {
		return
	}
	c.jobsSubmitted.WithLabelValues(kind).Inc()
}

// JobFinished records a terminal state. started may be nil for jobs that never ran.
func (c *Collector) JobFinished(kind, state string, started *time.Time) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(kind, state).Inc()
	if started != nil {
		c.jobDuration.WithLabelValues(kind).Observe(time.Since(*started).Seconds())
	}
}

func (c *Collector) CheckpointFailed(kind string) {
	if c == nil {
		return
	}
	c.checkpointErrors.WithLabelValues(kind).Inc()
}

func (c *Collector) SetQueueDepth(kind string, n int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(kind).Set(float64(n))
}

// CacheLookup records a model cache lookup; result is hit, miss or expired.
func (c *Collector) CacheLookup(result string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) CacheLoad(d time.Duration) {
	if c == nil {
		return
	}
	c.cacheLoadDuration.Observe(d.Seconds())
}

// Predictions records one Predict request
func (c *Collector) Predictions(model string, ok, failed int, d time.Duration) {
	if c == nil {
		return
	}
	c.predictions.WithLabelValues(model, "success").Add(float64(ok))
	c.predictions.WithLabelValues(model, "error").Add(float64(failed))
	c.predictLatency.WithLabelValues(model).Observe(d.Seconds())
}

// Middleware counts requests per route. route names the mux template, not the raw path.
func (c *Collector) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			name := route(r)
			c.httpRequests.WithLabelValues(r.Method, name, fmt.Sprintf("%d", rw.statusCode)).Inc()
			c.httpDuration.WithLabelValues(r.Method, name).Observe(time.Since(start).Seconds())
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
