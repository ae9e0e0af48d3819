package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing,
// which keeps tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	JobsEnqueued  prometheus.Counter
	JobsSucceeded prometheus.Counter
	JobsFailed    *prometheus.CounterVec
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	CacheSwept    prometheus.Counter
	ModelCalls    *prometheus.CounterVec
	Dispatches    *prometheus.CounterVec
	Confirmations *prometheus.CounterVec
	DrainDuration prometheus.Histogram
	PendingJobs   prometheus.Gauge
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		JobsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "sharecal_jobs_enqueued_total",
			Help: "Total number of shares queued for processing",
		}),
		JobsSucceeded: f.NewCounter(prometheus.CounterOpts{
			Name: "sharecal_jobs_succeeded_total",
			Help: "Total number of jobs that dispatched successfully",
		}),
		JobsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharecal_jobs_failed_total",
			Help: "Total number of jobs marked failed, by error kind",
		}, []string{"kind"}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "sharecal_extraction_cache_hits_total",
			Help: "Extractions served from cache",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "sharecal_extraction_cache_misses_total",
			Help: "Extractions that required a model call",
		}),
		CacheSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "sharecal_cache_swept_total",
			Help: "Expired cache entries removed by the sweeper",
		}),
		ModelCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharecal_model_calls_total",
			Help: "Model calls by outcome",
		}, []string{"outcome"}),
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharecal_dispatches_total",
			Help: "Emails sent by route and outcome",
		}, []string{"route", "outcome"}),
		Confirmations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharecal_confirmations_total",
			Help: "Confirmation token uses by outcome",
		}, []string{"outcome"}),
		DrainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sharecal_drain_duration_seconds",
			Help:    "Time spent per queue drain pass",
			Buckets: prometheus.DefBuckets,
		}),
		PendingJobs: f.NewGauge(prometheus.GaugeOpts{
			Name: "sharecal_pending_jobs",
			Help: "Jobs waiting in the queue after the last drain",
		}),
	}
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Enqueued() {
	if m != nil {
		m.JobsEnqueued.Inc()
	}
}

func (m *Metrics) JobDone(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		m.JobsSucceeded.Inc()
		return
	}
	m.JobsFailed.WithLabelValues(kind).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) Swept(n int) {
	if m != nil {
		m.CacheSwept.Add(float64(n))
	}
}

func (m *Metrics) ModelCall(ok bool) {
	if m != nil {
		m.ModelCalls.WithLabelValues(outcome(ok)).Inc()
	}
}

func (m *Metrics) Dispatched(route string, ok bool) {
	if m != nil {
		m.Dispatches.WithLabelValues(route, outcome(ok)).Inc()
	}
}

func (m *Metrics) Confirmed(ok bool) {
	if m != nil {
		m.Confirmations.WithLabelValues(outcome(ok)).Inc()
	}
}

func (m *Metrics) Drained(seconds float64, pending int) {
	if m == nil {
		return
	}
	m.DrainDuration.Observe(seconds)
	m.PendingJobs.Set(float64(pending))
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
