// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current number of messages visible in a named queue",
	}, []string{"queue"})

	PipelineRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_runs_total",
		Help: "Total pipeline executions by pipeline and terminal status",
	}, []string{"pipeline", "status"})

	PipelineDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_duration_seconds",
		Help:    "Histogram of pipeline execution durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"pipeline"})

	JobRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "job_runs_total",
		Help: "Total job-run terminations by job slug and status",
	}, []string{"job_slug", "status"})

	SandboxResourceUsage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sandbox_resource_usage",
		Help: "Last observed sandbox child resource usage by measure (cpu_ms, max_rss_kb)",
	}, []string{"measure"})

	SandboxLogsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sandbox_logs_dropped_total",
		Help: "Total sandbox log lines dropped once MaxSandboxLogs was exceeded",
	}, []string{"job_slug"})

	BundleCacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bundle_cache_entries",
		Help: "Number of extracted bundle directories currently cached on disk",
	})

	EventBusDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_subscriber_dropped_total",
		Help: "Events dropped because a subscriber's queue was full",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		PipelineRuns,
		PipelineDuration,
		JobRunsTotal,
		SandboxResourceUsage,
		SandboxLogsDropped,
		BundleCacheEntries,
		EventBusDropped,
	)
}
