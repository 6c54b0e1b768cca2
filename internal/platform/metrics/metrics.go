// Package metrics holds the Prometheus instruments for the study engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studyengine_grouplist_cache_requests_total",
		Help: "Subject list cache lookups by result",
	}, []string{"result"})

	cacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studyengine_grouplist_cache_invalidations_total",
		Help: "Subject list cache entries dropped after a filter, sort or QC change",
	})

	recomputeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studyengine_cohort_recompute_total",
		Help: "Automatic cohort recomputations by tracking mode and result",
	}, []string{"tracking", "result"})

	recomputeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "studyengine_cohort_recompute_duration_seconds",
		Help:    "Automatic cohort recomputation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	}, []string{"tracking"})

	modeSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studyengine_cohort_mode_switch_total",
		Help: "Cohort assignment mode transitions by target mode",
	}, []string{"mode"})

	overlapRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studyengine_visit_overlap_rejections_total",
		Help: "Visit saves rejected because the sequence range overlaps another visit",
	})

	resolvedSubjects = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "studyengine_resolver_subjects",
		Help:    "Number of subjects returned by a subject-set resolution",
		Buckets: []float64{0, 1, 10, 100, 1000, 10000, 100000},
	})
)

func CacheHit()              { cacheRequests.WithLabelValues("hit").Inc() }
func CacheMiss()             { cacheRequests.WithLabelValues("miss").Inc() }
func CacheInvalidated(n int) { cacheInvalidations.Add(float64(n)) }

// ObserveRecompute records one recompute. tracking is "simple" or "advanced".
func ObserveRecompute(tracking string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	recomputeTotal.WithLabelValues(tracking, result).Inc()
	recomputeDuration.WithLabelValues(tracking).Observe(time.Since(started).Seconds())
}

func ModeSwitched(mode string) { modeSwitches.WithLabelValues(mode).Inc() }

func OverlapRejected() { overlapRejections.Inc() }

func SubjectsResolved(n int) { resolvedSubjects.Observe(float64(n)) }

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
