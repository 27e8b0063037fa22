// Package metrics exposes Prometheus metrics for the nightly pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the Prometheus collectors shared by the pipeline,
// crawler and gate.
type Metrics struct {
	// Pipeline runs
	PipelineRunsTotal *prometheus.CounterVec
	SitesProcessed    *prometheus.CounterVec
	PipelineDuration  prometheus.Histogram

	// Crawling
	PagesCrawledTotal *prometheus.CounterVec
	CrawlErrorsTotal  prometheus.Counter

	// Generation and publishing
	OpportunitiesTotal *prometheus.CounterVec
	PRsOpenedTotal     prometheus.Counter

	// Performance gate
	GateChecksTotal *prometheus.CounterVec
	RollbacksTotal  prometheus.Counter
}

// New creates and registers the collectors. Registration happens once
// per process; later calls return the same instance.
//
// Metrics:
//   - nebula_pipeline_runs_total{result} - nightly batch runs
//   - nebula_sites_processed_total{result} - per-site outcomes
//   - nebula_pipeline_duration_seconds - batch duration
//   - nebula_pages_crawled_total{kind} - pages fetched ("site", "competitor")
//   - nebula_crawl_errors_total - pages that failed to fetch
//   - nebula_opportunities_total{priority} - opportunities persisted
//   - nebula_prs_opened_total - pull requests opened
//   - nebula_gate_checks_total{result} - gate verdicts ("pass", "fail")
//   - nebula_rollbacks_total - deployments rolled back
func New() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			PipelineRunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nebula_pipeline_runs_total",
					Help: "Total number of nightly pipeline runs",
				},
				[]string{"result"},
			),
			SitesProcessed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nebula_sites_processed_total",
					Help: "Per-site pipeline outcomes",
				},
				[]string{"result"},
			),
			PipelineDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "nebula_pipeline_duration_seconds",
					Help:    "Duration of nightly pipeline runs",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12),
				},
			),
			PagesCrawledTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nebula_pages_crawled_total",
					Help: "Total pages fetched by the crawler",
				},
				[]string{"kind"},
			),
			CrawlErrorsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "nebula_crawl_errors_total",
					Help: "Pages that failed to fetch",
				},
			),
			OpportunitiesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nebula_opportunities_total",
					Help: "Opportunities persisted, by priority",
				},
				[]string{"priority"},
			),
			PRsOpenedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "nebula_prs_opened_total",
					Help: "Pull requests opened for opportunities",
				},
			),
			GateChecksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nebula_gate_checks_total",
					Help: "Performance gate verdicts",
				},
				[]string{"result"},
			),
			RollbacksTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "nebula_rollbacks_total",
					Help: "Deployments rolled back by the performance gate",
				},
			),
		}
	})
	return globalMetrics
}
