// Package telemetry provides observability primitives for the Scribe proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	FirstTokenTime   *prometheus.HistogramVec
	TokensProcessed  *prometheus.CounterVec

	PipelineDepth prometheus.Gauge
	PipelineDrops *prometheus.CounterVec

	AnalysisJobs     *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram

	CredentialRefreshes *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scribe",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "scribe",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scribe",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "scribe",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream API call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scribe",
			Name:      "upstream_errors_total",
			Help:      "Total upstream API errors.",
		}, []string{"status"}),

		FirstTokenTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "scribe",
			Name:                            "first_token_seconds",
			Help:                            "Time from upstream dispatch to first streamed event.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"model"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scribe",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		PipelineDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scribe",
			Name:      "pipeline_depth",
			Help:      "Current number of queued write-pipeline items.",
		}),

		PipelineDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scribe",
			Name:      "pipeline_drops_total",
			Help:      "Write-pipeline items dropped under back-pressure.",
		}, []string{"kind"}),

		AnalysisJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scribe",
			Name:      "analysis_jobs_total",
			Help:      "Analysis jobs by outcome.",
		}, []string{"outcome"}),

		AnalysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:                       "scribe",
			Name:                            "analysis_duration_seconds",
			Help:                            "Analysis job processing duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}),

		CredentialRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scribe",
			Name:      "credential_refreshes_total",
			Help:      "OAuth token refreshes by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.FirstTokenTime,
		m.TokensProcessed,
		m.PipelineDepth,
		m.PipelineDrops,
		m.AnalysisJobs,
		m.AnalysisDuration,
		m.CredentialRefreshes,
	)

	return m
}
