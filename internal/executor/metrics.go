package executor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/anvil/internal/model"
)

var (
	workSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_work_submitted_total",
			Help: "Work items accepted for execution.",
		},
		[]string{"isolation"},
	)

	workFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_work_finished_total",
			Help: "Work items that reached a terminal status.",
		},
		[]string{"isolation", "status"},
	)

	workDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anvil_work_duration_seconds",
			Help:    "Time from the start of execution to the outcome of a work item.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"isolation"},
	)
)

func init() {
	prometheus.MustRegister(workSubmitted)
	prometheus.MustRegister(workFinished)
	prometheus.MustRegister(workDuration)

	for _, mode := range model.IsolationModes {
		workSubmitted.WithLabelValues(mode.String())
		workDuration.WithLabelValues(mode.String())
		workFinished.WithLabelValues(mode.String(), model.StatusCompleted)
		workFinished.WithLabelValues(mode.String(), model.StatusFailed)
	}
}
