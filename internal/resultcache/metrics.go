package resultcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cbg-ethz/sigcomposer/internal/common/metrics"
)

var cacheLookups = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metrics.MetricPrefix + "result_cache_lookups_total",
		Help: "Result cache lookups by outcome",
	},
	[]string{"outcome"},
)

var recordsCreated = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: metrics.MetricPrefix + "job_records_created_total",
		Help: "Job records created by a submission",
	},
)

var submissionsDeduplicated = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: metrics.MetricPrefix + "job_submissions_deduplicated_total",
		Help: "Submissions that attached to an existing job record instead of creating one",
	},
)

var stateTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metrics.MetricPrefix + "job_state_transitions_total",
		Help: "Job record state changes by target state",
	},
	[]string{"state"},
)

var recordsEvicted = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: metrics.MetricPrefix + "job_records_evicted_total",
		Help: "Terminal job records removed by TTL, capacity or an explicit forget",
	},
)
