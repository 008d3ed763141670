package microvm

import "github.com/prometheus/client_golang/prometheus"

// Launch status label values.
const (
	statusStarted = "started"
	statusFailed  = "failed"
)

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_microvm_boot_seconds",
			Help:    "Duration from VM start to guest agent connection, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_microvm_active",
			Help: "Number of running worker microVMs.",
		},
	)

	vmCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_microvm_cleanup_seconds",
			Help:    "Duration of VM stop and resource teardown, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	launchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_microvm_launches_total",
			Help: "Worker microVM launches by outcome.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(vmCleanupDuration)
	prometheus.MustRegister(launchesTotal)

	launchesTotal.WithLabelValues(statusStarted)
	launchesTotal.WithLabelValues(statusFailed)
}
