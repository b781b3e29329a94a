// Package metrics defines the Prometheus collectors shared across the
// pipeline. Several packages record into the same families, so they live
// here rather than in a single binary.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksTerminal counts tasks reaching a terminal state.
	// Labels:
	//   - status: "SUCCESS", "FAILED", or "TIMED_OUT"
	//   - stage: "EARLY_TX", "LINEUP", or "LATE_TX"
	TasksTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autocoach_tasks_terminal_total",
		Help: "Mutation tasks that reached a terminal state",
	}, []string{"status", "stage"})

	// ProviderCallDuration tracks outbound provider call latency.
	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autocoach_provider_call_seconds",
		Help:    "Duration of provider submissions",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// AdmissionRejected counts executor invocations turned away before the
	// provider call. Labels:
	//   - reason: "paused", "circuit", or "ceiling"
	AdmissionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autocoach_admission_rejected_total",
		Help: "Executions rejected by rate/circuit admission",
	}, []string{"reason"})

	// RateMaxParallel mirrors the adaptive concurrency ceiling.
	RateMaxParallel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autocoach_rate_max_parallel",
		Help: "Current adaptive concurrency ceiling",
	})

	// RateInProgress mirrors the number of admitted in-flight provider calls.
	RateInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autocoach_rate_in_progress",
		Help: "Provider calls currently admitted",
	})

	// QueueDepth tracks the trigger queue depths.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autocoach_queue_depth",
		Help: "Number of events in each trigger queue",
	}, []string{"queue"})

	// SweepTimedOut counts tasks the deadline sweeper expired.
	SweepTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autocoach_sweep_timed_out_total",
		Help: "Tasks marked TIMED_OUT by the deadline sweeper",
	})

	// DispatchTasks counts dispatcher decisions.
	// Labels:
	//   - result: "created" or "duplicate"
	DispatchTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autocoach_dispatch_tasks_total",
		Help: "Tasks considered by the dispatcher",
	}, []string{"result"})
)
