package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_queue_pending_executions",
			Help: "Number of executions waiting for a worker slot.",
		},
	)

	runningExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_queue_running_executions",
			Help: "Number of executions currently holding a worker slot.",
		},
	)
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(runningExecutions)
}
