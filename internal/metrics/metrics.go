// Package metrics exposes Prometheus collectors for the sorting pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "sorter"

var (
	pathExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "path_executions_total",
			Help:      "Count of executed switching paths by outcome.",
		},
		[]string{"outcome"},
	)
	pathFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "path_failures_total",
			Help:      "Count of path failures by classified reason.",
		},
		[]string{"reason"},
	)
	pathDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "path_execution_duration_seconds",
			Help:      "Wall time spent executing a switching path.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"outcome"},
	)
	reroutes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reroutes_total",
			Help:      "Count of reroute planning attempts by result. A found plan is executed only when reroute execution is enabled.",
		},
		[]string{"result"},
	)
	sortingResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parcels_total",
			Help:      "Count of processed parcels by final outcome.",
		},
		[]string{"outcome", "mode"},
	)
	misroutes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "misroutes_total",
			Help:      "Count of executions that reported a chute other than the target. Must stay zero.",
		},
	)
	parcelsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "parcels_in_flight",
			Help:      "Parcels currently being processed.",
		},
	)
	parcelsInFlightMax = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "parcels_in_flight_max",
			Help:      "Highest number of concurrently processed parcels observed.",
		},
	)
	wheelCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wheel_commands_total",
			Help:      "Count of wheel diverter commands by result code.",
		},
		[]string{"code"},
	)
)

// Registry is the registry all sorter collectors are registered with.
var Registry = prometheus.NewRegistry()

var registerMetrics sync.Once

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(pathExecutions)
		Registry.MustRegister(pathFailures)
		Registry.MustRegister(pathDuration)
		Registry.MustRegister(reroutes)
		Registry.MustRegister(sortingResults)
		Registry.MustRegister(misroutes)
		Registry.MustRegister(parcelsInFlight)
		Registry.MustRegister(parcelsInFlightMax)
		Registry.MustRegister(wheelCommands)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// RecordPathSuccess records a path that reached its target.
func RecordPathSuccess(d time.Duration) {
	pathExecutions.WithLabelValues("success").Inc()
	pathDuration.WithLabelValues("success").Observe(d.Seconds())
}

// RecordPathFailure records a failed path with its classified reason.
func RecordPathFailure(reason string, d time.Duration) {
	pathExecutions.WithLabelValues("failure").Inc()
	pathFailures.WithLabelValues(reason).Inc()
	pathDuration.WithLabelValues("failure").Observe(d.Seconds())
}

// RecordReroute records whether the planner found a continuation.
func RecordReroute(succeeded bool) {
	if succeeded {
		reroutes.WithLabelValues("succeeded").Inc()
		return
	}
	reroutes.WithLabelValues("failed").Inc()
}

// RecordMisroute records a consistency violation.
func RecordMisroute() {
	misroutes.Inc()
}

// RecordSortingResult records the final outcome of one parcel.
func RecordSortingResult(outcome, mode string) {
	sortingResults.WithLabelValues(outcome, mode).Inc()
}

// SetInFlight publishes the current and maximum in-flight parcel counts.
func SetInFlight(current, max int64) {
	parcelsInFlight.Set(float64(current))
	parcelsInFlightMax.Set(float64(max))
}

// RecordWheelCommand records a diverter command result code.
func RecordWheelCommand(code string) {
	wheelCommands.WithLabelValues(code).Inc()
}
