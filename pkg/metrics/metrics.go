package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics, refreshed by the Collector
	ObjectsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stackman_objects_total",
			Help: "Total number of objects by type",
		},
		[]string{"type"},
	)

	ConcernsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stackman_concerns_total",
			Help: "Total number of concerns by type",
		},
		[]string{"type"},
	)

	// Task metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackman_tasks_total",
			Help: "Total number of finished tasks by status",
		},
		[]string{"status"},
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stackman_task_duration_seconds",
			Help:    "Task run time from start to terminal status",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600},
		},
	)

	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stackman_tasks_running",
			Help: "Tasks currently in RUNNING status",
		},
	)

	// Mapping metrics
	MappingChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackman_mapping_changes_total",
			Help: "Host-component map change requests by result",
		},
		[]string{"result"},
	)

	// Concern metrics
	RedistributionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stackman_concern_redistribution_duration_seconds",
			Help:    "Time taken to redistribute concerns of one scope",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConcernLinksChanged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackman_concern_links_changed_total",
			Help: "Concern links created or removed by redistribution",
		},
		[]string{"op"},
	)

	// Bundle metrics
	BundlesLoaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackman_bundles_loaded_total",
			Help: "Bundle load attempts by result",
		},
		[]string{"result"},
	)

	// Reconciler metrics
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stackman_reconcile_duration_seconds",
			Help:    "Duration of a concern reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackman_reconcile_cycles_total",
			Help: "Reconciliation cycles by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(ObjectsTotal)
	prometheus.MustRegister(ConcernsTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(TasksRunning)
	prometheus.MustRegister(MappingChangesTotal)
	prometheus.MustRegister(RedistributionDuration)
	prometheus.MustRegister(ConcernLinksChanged)
	prometheus.MustRegister(BundlesLoaded)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileCyclesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of one operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}
