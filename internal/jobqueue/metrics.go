package jobqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cbg-ethz/sigcomposer/internal/common/metrics"
)

var jobsSubmitted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metrics.MetricPrefix + "jobs_submitted_total",
		Help: "Job submissions by kind and whether a new computation was started",
	},
	[]string{"kind", "created"},
)

var eventsHandled = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metrics.MetricPrefix + "task_events_handled_total",
		Help: "Task events received from workers by type and whether they changed a job record",
	},
	[]string{"type", "outcome"},
)

var jobsResubmitted = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: metrics.MetricPrefix + "jobs_resubmitted_total",
		Help: "Jobs resubmitted after their heartbeat deadline passed",
	},
)

var jobsTimedOut = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: metrics.MetricPrefix + "jobs_timed_out_total",
		Help: "Jobs failed after exhausting their retries",
	},
)
