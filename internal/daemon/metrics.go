package daemon

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for daemon starts.
const (
	statusStarted = "started"
	statusFailed  = "failed"
)

var (
	daemonStartupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_daemon_startup_seconds",
			Help:    "Duration from launch to completed handshake, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	daemonsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anvil_daemons",
			Help: "Number of worker daemons in the pool by state.",
		},
		[]string{"state"},
	)

	daemonStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_daemon_starts_total",
			Help: "Total number of worker daemon launches by outcome.",
		},
		[]string{"status"},
	)

	daemonsReused = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_daemon_reuses_total",
			Help: "Total number of requests served by an already running worker daemon.",
		},
	)

	daemonCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_daemon_crashes_total",
			Help: "Total number of worker daemons that terminated unexpectedly.",
		},
	)

	daemonEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_daemon_evictions_total",
			Help: "Total number of worker daemons removed from the pool by reason.",
		},
		[]string{"reason"},
	)

	daemonRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_daemon_request_seconds",
			Help:    "Time from sending a work item to a daemon until its result, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(daemonStartupDuration)
	prometheus.MustRegister(daemonsByState)
	prometheus.MustRegister(daemonStarts)
	prometheus.MustRegister(daemonsReused)
	prometheus.MustRegister(daemonCrashes)
	prometheus.MustRegister(daemonEvictions)
	prometheus.MustRegister(daemonRequestDuration)

	// Pre-initialize label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, s := range []State{StateIdle, StateBusy, StateStopping} {
		daemonsByState.WithLabelValues(s.String())
	}
	daemonStarts.WithLabelValues(statusStarted)
	daemonStarts.WithLabelValues(statusFailed)
	for _, r := range []string{reasonIdle, reasonMemory, reasonShutdown, reasonCrash} {
		daemonEvictions.WithLabelValues(r)
	}
}
