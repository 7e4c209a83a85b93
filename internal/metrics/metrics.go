package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "isopool_build_info",
			Help:        "Build information for the isopool coordinator",
			ConstLabels: prometheus.Labels{"component": "coordinator"},
		},
		[]string{"date", "sha", "version"},
	)

	dispatchInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "isopool_dispatch_inflight",
			Help: "Number of in-flight dispatches across all nodes",
		},
	)

	dispatchTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "isopool_dispatch_total",
			Help: "Total number of dispatched requests",
		},
	)

	dispatchFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "isopool_dispatch_failed_total",
			Help: "Total number of dispatches that surfaced an error to the caller",
		},
	)

	failoverTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "isopool_failover_total",
			Help: "Total number of failed sends rerouted to another node",
		},
	)

	nodesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "isopool_nodes",
			Help: "Number of registered nodes by health state",
		},
		[]string{"state"},
	)

	scalingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "isopool_scaling_operations_total",
			Help: "Total number of completed scaling operations",
		},
	)
)

// Register registers the coordinator metrics on r.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, dispatchInflight, dispatchTotal, dispatchFailedTotal, failoverTotal, nodesGauge, scalingTotal)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// DispatchStart increments the in-flight gauge.
func DispatchStart() { dispatchInflight.Inc() }

// DispatchEnd decrements in-flight and records the outcome.
func DispatchEnd(success bool) {
	dispatchInflight.Dec()
	dispatchTotal.Inc()
	if !success {
		dispatchFailedTotal.Inc()
	}
}

// Failover counts one failed send that was rerouted.
func Failover() { failoverTotal.Inc() }

// ScalingCompleted counts one finished scaling operation.
func ScalingCompleted() { scalingTotal.Inc() }

// SetNodeCounts publishes the current pool composition.
func SetNodeCounts(healthy, unhealthy int) {
	nodesGauge.WithLabelValues("healthy").Set(float64(healthy))
	nodesGauge.WithLabelValues("unhealthy").Set(float64(unhealthy))
}
