package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	// dispatchAttempts counts worker calls by result: accepted, transient, permanent.
	dispatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Total number of worker intake calls by result.",
		},
		[]string{"result"},
	)

	// dispatchFailures counts registrations failed by the dispatcher.
	dispatchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_failed_registrations_total",
			Help: "Registrations marked failed after dispatch retries ran out or the worker rejected them.",
		},
	)

	// queueDepth gauges queued dispatch jobs, sampled by the sweeper.
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Number of dispatch jobs waiting or leased.",
		},
	)

	// orphansRequeued counts pending registrations re-enqueued by the sweep.
	orphansRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_orphans_requeued_total",
			Help: "Pending registrations without a job that were enqueued again.",
		},
	)
)

func init() {
	prometheus.MustRegister(dispatchAttempts, dispatchFailures, queueDepth, orphansRequeued)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case IsPermanent(err):
		return "permanent"
	default:
		return "transient"
	}
}
