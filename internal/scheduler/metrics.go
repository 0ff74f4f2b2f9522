package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	runsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crucible_runs_active",
		Help: "Number of runs currently tracked by the scheduler.",
	})

	runsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_runs_finished_total",
		Help: "Total runs finished, by outcome.",
	}, []string{"outcome"})

	assignmentsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crucible_assignments_rejected_total",
		Help: "Assignments rejected at admission (oversized dependency metadata).",
	})

	cpusReserved = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crucible_cpus_reserved",
		Help: "CPU identifiers currently reserved from the local pool.",
	})

	gpusReserved = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crucible_gpus_reserved",
		Help: "GPU identifiers currently reserved from the local pool.",
	})

	coordinatorErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crucible_coordinator_errors_total",
		Help: "Failed requests to the coordinating service.",
	})

	workerDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crucible_worker_degraded",
		Help: "1 while the worker is operating in degraded mode.",
	})
)

func init() {
	prometheus.MustRegister(
		runsActive,
		runsFinishedTotal,
		assignmentsRejectedTotal,
		cpusReserved,
		gpusReserved,
		coordinatorErrorsTotal,
		workerDegraded,
	)
}
