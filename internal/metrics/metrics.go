// Package metrics holds the broker's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bisectbot",
		Name:      "jobs_created_total",
		Help:      "Jobs accepted by the broker, by type.",
	}, []string{"type"})

	ClaimsWon = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bisectbot",
		Name:      "job_claims_won_total",
		Help:      "Successful claims, i.e. patches that set a job's current marker.",
	})

	PatchesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bisectbot",
		Name:      "job_patches_applied_total",
		Help:      "Guarded job updates that were applied.",
	})

	PatchConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bisectbot",
		Name:      "job_patch_conflicts_total",
		Help:      "Guarded job updates rejected for a stale version token.",
	})

	ResultsReported = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bisectbot",
		Name:      "job_results_total",
		Help:      "Terminal results recorded on jobs, by status.",
	}, []string{"status"})

	LogAppends = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bisectbot",
		Name:      "job_log_appends_total",
		Help:      "Log batches appended to job logs.",
	})
)
