/*
Package metrics provides Prometheus metrics collection and exposition for the
bundle manager and worker daemons.

All metrics are registered at package init time against the default
Prometheus registry and exposed via an HTTP handler for scraping.

# Metrics Catalog

Bundle state:

	bundlecore_bundles_total{state}           gauge, bundles by state
	bundlecore_bundles_created_total          counter
	bundlecore_bundles_failed_total{reason}   counter

Workers:

	bundlecore_workers_total{pool,status}     gauge

Scheduler:

	bundlecore_scheduling_tick_duration_seconds   histogram
	bundlecore_bundles_dispatched_total           counter
	bundlecore_bundles_unschedulable_total        counter

Bundle manager tick:

	bundlecore_stage_bundles_duration_seconds     histogram
	bundlecore_make_bundles_duration_seconds      histogram
	bundlecore_make_bundles_assembled_total       counter
	bundlecore_reconciliation_duration_seconds    histogram

Dependency cache:

	bundlecore_dependency_download_duration_seconds    histogram
	bundlecore_dependency_cache_evictions_total{reason} counter
	bundlecore_dependency_cache_bytes                   gauge

Image cache:

	bundlecore_image_cache_evictions_total    counter
	bundlecore_image_cache_bytes              gauge

Run state machine (worker-side):

	bundlecore_run_stage_duration_seconds{stage}  histogram
	bundlecore_containers_started_total           counter
	bundlecore_containers_failed_total            counter

# Usage

	timer := metrics.NewTimer()
	// ... run the tick ...
	timer.ObserveDuration(metrics.ReconciliationDuration)

	metrics.BundlesTotal.WithLabelValues(string(types.StateRunning)).Set(12)

	http.Handle("/metrics", metrics.Handler())

# Label discipline

Use WithLabelValues only for low-cardinality dimensions (state, stage,
pool, reason). Never label by bundle uuid or worker id; those belong in
log fields, not metric labels.
*/
package metrics
