package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bundle state metrics
	BundlesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bundlecore_bundles_total",
			Help: "Total number of bundles by state",
		},
		[]string{"state"},
	)

	BundlesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bundlecore_bundles_created_total",
			Help: "Total number of bundles created",
		},
	)

	BundlesFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundlecore_bundles_failed_total",
			Help: "Total number of bundles that transitioned to FAILED, by reason",
		},
		[]string{"reason"},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bundlecore_workers_total",
			Help: "Total number of workers by pool (codalab-owned, private) and liveness",
		},
		[]string{"pool", "status"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bundlecore_scheduling_tick_duration_seconds",
			Help:    "Time taken for one schedule_run_bundles tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BundlesDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bundlecore_bundles_dispatched_total",
			Help: "Total number of bundles dispatched to a worker",
		},
	)

	BundlesUnschedulableTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bundlecore_bundles_unschedulable_total",
			Help: "Total number of staged bundles observed with no dominating worker at tick time",
		},
	)

	// Bundle manager stage-duration metrics
	StageBundlesDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bundlecore_stage_bundles_duration_seconds",
			Help:    "Time taken to evaluate dependency readiness and stage bundles",
			Buckets: prometheus.DefBuckets,
		},
	)

	MakeBundlesDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bundlecore_make_bundles_duration_seconds",
			Help:    "Time taken to assemble make-bundles in a tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	MakeBundlesAssembledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bundlecore_make_bundles_assembled_total",
			Help: "Total number of make-bundles assembled from their dependencies",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bundlecore_reconciliation_duration_seconds",
			Help:    "Time taken for a bundle manager tick (stage, make, schedule, fail-unresponsive)",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dependency cache metrics
	DependencyDownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bundlecore_dependency_download_duration_seconds",
			Help:    "Time taken to download a dependency into the cache",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
	)

	DependencyCacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundlecore_dependency_cache_evictions_total",
			Help: "Total number of dependency cache entries evicted, by reason",
		},
		[]string{"reason"},
	)

	DependencyCacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bundlecore_dependency_cache_bytes",
			Help: "Current total size in bytes of the dependency cache",
		},
	)

	// Image cache metrics
	ImageCacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bundlecore_image_cache_evictions_total",
			Help: "Total number of docker images evicted from the image cache",
		},
	)

	ImageCacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bundlecore_image_cache_bytes",
			Help: "Current total virtual size in bytes of cached docker images",
		},
	)

	// Run state machine metrics (worker-side)
	RunStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bundlecore_run_stage_duration_seconds",
			Help:    "Time spent in each run stage, by stage",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		},
		[]string{"stage"},
	)

	ContainersStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bundlecore_containers_started_total",
			Help: "Total number of bundle containers started",
		},
	)

	ContainersFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bundlecore_containers_failed_total",
			Help: "Total number of bundle containers that exited nonzero or were killed",
		},
	)
)

func init() {
	prometheus.MustRegister(BundlesTotal)
	prometheus.MustRegister(BundlesCreatedTotal)
	prometheus.MustRegister(BundlesFailedTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(BundlesDispatchedTotal)
	prometheus.MustRegister(BundlesUnschedulableTotal)
	prometheus.MustRegister(StageBundlesDuration)
	prometheus.MustRegister(MakeBundlesDuration)
	prometheus.MustRegister(MakeBundlesAssembledTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(DependencyDownloadDuration)
	prometheus.MustRegister(DependencyCacheEvictionsTotal)
	prometheus.MustRegister(DependencyCacheBytes)
	prometheus.MustRegister(ImageCacheEvictionsTotal)
	prometheus.MustRegister(ImageCacheBytes)
	prometheus.MustRegister(RunStageDuration)
	prometheus.MustRegister(ContainersStartedTotal)
	prometheus.MustRegister(ContainersFailedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
