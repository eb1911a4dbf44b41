package firecracker

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for start outcomes.
const (
	resultOK     = "ok"
	resultFailed = "failed"
)

var (
	machineStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "firelink_machine_start_seconds",
			Help:    "Duration from spawn to accepted InstanceStart, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	machineStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "firelink_machine_stop_seconds",
			Help:    "Duration of machine teardown, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeMachines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "firelink_active_machines",
			Help: "Number of hypervisor processes currently owned by this process.",
		},
	)

	apiCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firelink_api_calls_total",
			Help: "Total number of API socket calls by call and status code.",
		},
		[]string{"call", "code"},
	)

	machineStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firelink_machine_starts_total",
			Help: "Total number of machine starts by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(machineStartDuration)
	prometheus.MustRegister(machineStopDuration)
	prometheus.MustRegister(activeMachines)
	prometheus.MustRegister(apiCallsTotal)
	prometheus.MustRegister(machineStartsTotal)

	machineStartsTotal.WithLabelValues(resultOK)
	machineStartsTotal.WithLabelValues(resultFailed)
}
