package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	apiRequestsTotal      *prometheus.CounterVec
	apiLatencySeconds     *prometheus.HistogramVec
	apiErrorsTotal        *prometheus.CounterVec
	cacheOperationsTotal  *prometheus.CounterVec
	cacheBytesStored      prometheus.Gauge
	gradeSubmissionsTotal *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the grading
// companion.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "critkey_requests_total",
			Help: "Total number of dispatch API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "critkey_latency_seconds",
			Help:    "Latency distribution for dispatch API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "critkey_errors_total",
			Help: "Total number of error responses returned by dispatch endpoints.",
		}, []string{"method", "route", "status"})

		cacheOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "critkey_cache_operations_total",
			Help: "Blob cache operations by outcome.",
		}, []string{"operation", "outcome"})

		cacheBytesStored = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "critkey_cache_bytes_stored",
			Help: "Best-effort size of the local attachment cache in bytes.",
		})

		gradeSubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "critkey_grade_submissions_total",
			Help: "Grade submissions pushed to Canvas by outcome.",
		}, []string{"outcome"})

		prometheus.MustRegister(apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			cacheOperationsTotal, cacheBytesStored, gradeSubmissionsTotal)
	})
}

// APIRequests exposes the counter for dispatch requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for dispatch requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for dispatch error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// CacheOperations exposes the blob cache operation counter.
func CacheOperations() *prometheus.CounterVec {
	RegisterMetrics()
	return cacheOperationsTotal
}

// CacheBytesStored exposes the cache footprint gauge.
func CacheBytesStored() prometheus.Gauge {
	RegisterMetrics()
	return cacheBytesStored
}

// GradeSubmissions exposes the grade submission counter.
func GradeSubmissions() *prometheus.CounterVec {
	RegisterMetrics()
	return gradeSubmissionsTotal
}
