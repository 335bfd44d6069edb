package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Admission metrics.
var (
	admissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertd_admission_total",
			Help: "Admission gate decisions by result and reason",
		},
		[]string{"result", "reason"},
	)

	verificationFlags = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convertd_verification_flagged_total",
			Help: "Requests flagged for extra verification by the abuse detector",
		},
	)
)

// Queue metrics, updated from the queue layer.
var (
	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertd_jobs_enqueued_total",
			Help: "Jobs admitted to the queue",
		},
		[]string{"kind", "priority"},
	)

	jobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertd_jobs_completed_total",
			Help: "Jobs finished successfully",
		},
		[]string{"kind"},
	)

	jobsDead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertd_jobs_dead_total",
			Help: "Jobs that exhausted their attempt budget",
		},
		[]string{"kind"},
	)

	jobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertd_job_retries_total",
			Help: "Failed attempts re-queued with backoff",
		},
		[]string{"kind"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convertd_job_duration_seconds",
			Help:    "Execution time of completed jobs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convertd_queue_depth",
			Help: "Jobs per kind and queue state",
		},
		[]string{"kind", "state"},
	)
)

// updateQueueGauges refreshes the depth gauges from a snapshot.
func updateQueueGauges(kind string, d QueueDepths) {
	queueDepth.WithLabelValues(kind, "pending").Set(float64(d.Pending))
	queueDepth.WithLabelValues(kind, "delayed").Set(float64(d.Delayed))
	queueDepth.WithLabelValues(kind, "active").Set(float64(d.Active))
	queueDepth.WithLabelValues(kind, "done").Set(float64(d.Done))
}
