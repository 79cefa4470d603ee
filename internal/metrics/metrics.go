// Package metrics holds the prometheus collectors and the in-memory call
// outcome windows read by the health checker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InferenceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_inference_requests_total",
			Help: "Inference attempts by service, model and outcome.",
		},
		[]string{"service", "model", "outcome"},
	)

	InferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "story_inference_request_duration_seconds",
			Help:    "Duration of single inference attempts.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"service", "model"},
	)

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_ratelimit_decisions_total",
			Help: "Rate limiter acquisitions by service and decision.",
		},
		[]string{"service", "decision"},
	)

	RetryExhaustions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_retry_exhaustions_total",
			Help: "Retry sequences that ended without success.",
		},
		[]string{"service", "model"},
	)

	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_pipeline_runs_total",
			Help: "Finished pipeline runs by terminal status.",
		},
		[]string{"status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "story_pipeline_stage_duration_seconds",
			Help:    "Wall time per pipeline stage including retries.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"stage", "outcome"},
	)

	PipelineInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "story_pipeline_in_flight",
		Help: "Pipeline runs currently holding a worker slot.",
	})

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_http_requests_total",
			Help: "HTTP requests by method, path pattern and status code.",
		},
		[]string{"method", "route", "code"},
	)
)
