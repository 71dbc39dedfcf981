/*
Package metrics provides Prometheus metrics and health endpoints for stackman.

All metrics are registered with the default Prometheus registry at package
init and exposed through Handler on /metrics. Engines update counters and
histograms inline; inventory gauges are refreshed by a Collector that reads
the store on a fixed interval.

	┌────────── engines ──────────┐     ┌──────── Collector ────────┐
	│ scheduler: tasks, duration  │     │ every 15s:                │
	│ mapping:   changes, redist. │     │   View → count objects    │
	│ concern:   link changes     │     │   View → count concerns   │
	│ bundle:    load results     │     │ (run concurrently)        │
	│ reconciler: cycle timing    │     └────────────┬──────────────┘
	└──────────────┬──────────────┘                  │
	               └────────► DefaultRegistry ◄──────┘
	                               │
	                           /metrics

# Metrics Catalog

Inventory (gauges, set by the Collector):

	stackman_objects_total{type}    clusters, services, components, providers, hosts
	stackman_concerns_total{type}   ISSUE, FLAG, LOCK

Tasks:

	stackman_tasks_total{status}         finished tasks by final status
	stackman_task_duration_seconds       wall time from start to finish
	stackman_tasks_running               tasks currently RUNNING

Mapping and concerns:

	stackman_mapping_changes_total{result}
	stackman_redistribution_duration_seconds
	stackman_concern_links_changed_total{op}
	stackman_reconcile_duration_seconds
	stackman_reconcile_cycles_total{result}

Bundles:

	stackman_bundles_loaded_total{result}

# Timer

Timer wraps time.Now for histogram observations:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RedistributionDuration)

# Health

HealthHandler, ReadyHandler and LivenessHandler serve /health, /ready and
/live. Components report themselves with RegisterComponent and
UpdateComponent. The store, scheduler and runner are critical: readiness
needs all three registered and healthy, and a failing one makes /health
unhealthy (503). Other failing components, such as the reconciler or the
bundle watcher, only degrade it.
*/
package metrics
