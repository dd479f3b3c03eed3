package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue"},
	)
	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed terminally",
		},
		[]string{"error_type"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of jobs re-published for retry",
		},
		[]string{"error_type"},
	)

	TranscribeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcribe_duration_seconds",
			Help:    "Wall-clock transcription duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"model_tier"},
	)

	ModelPoolLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "model_pool_loaded",
			Help: "Models currently resident in the pool",
		},
	)
	ModelPoolHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "model_pool_hits_total",
			Help: "Pool acquisitions served from a warm model",
		},
	)
	ModelPoolMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "model_pool_misses_total",
			Help: "Pool acquisitions that required a load or eviction",
		},
	)
	ModelPoolOOMFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "model_pool_oom_fallbacks_total",
			Help: "Model loads that fell back to a smaller tier after OOM",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Uncommitted records per work topic for the worker group",
		},
		[]string{"topic"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(TranscribeDuration)
	prometheus.MustRegister(ModelPoolLoaded)
	prometheus.MustRegister(ModelPoolHitsTotal)
	prometheus.MustRegister(ModelPoolMissesTotal)
	prometheus.MustRegister(ModelPoolOOMFallbacksTotal)
	prometheus.MustRegister(QueueDepth)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(queue string) {
	JobsEnqueuedTotal.WithLabelValues(queue).Inc()
}

func StartProcessingJob() {
	JobsProcessing.Inc()
}

// EndProcessingJob ends one in-flight job regardless of outcome.
// Callers pair it with StartProcessingJob via defer.
func EndProcessingJob() {
	JobsProcessing.Dec()
}

func CompleteJob(tier string, elapsed time.Duration) {
	JobsCompletedTotal.Inc()
	TranscribeDuration.WithLabelValues(tier).Observe(elapsed.Seconds())
}

func RetryJob(errorType string) {
	JobsRetriedTotal.WithLabelValues(errorType).Inc()
}

func FailJob(errorType string) {
	JobsFailedTotal.WithLabelValues(errorType).Inc()
}

type poolSnapshot struct {
	hits, misses, oomFallbacks int64
}

var lastPool poolSnapshot

// ObservePool records a model pool snapshot. The pool counters are
// cumulative, so only the delta since the previous snapshot is added.
// Call from a single collection loop.
func ObservePool(loaded int, hits, misses, oomFallbacks int64) {
	ModelPoolLoaded.Set(float64(loaded))
	if d := hits - lastPool.hits; d > 0 {
		ModelPoolHitsTotal.Add(float64(d))
	}
	if d := misses - lastPool.misses; d > 0 {
		ModelPoolMissesTotal.Add(float64(d))
	}
	if d := oomFallbacks - lastPool.oomFallbacks; d > 0 {
		ModelPoolOOMFallbacksTotal.Add(float64(d))
	}
	lastPool = poolSnapshot{hits: hits, misses: misses, oomFallbacks: oomFallbacks}
}

// ObserveQueueDepths records per-topic consumer lag.
func ObserveQueueDepths(depths map[string]int64) {
	for topic, depth := range depths {
		QueueDepth.WithLabelValues(topic).Set(float64(depth))
	}
}
