package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taxilake_build_info",
		Help: "Build information of taxilake",
	}, []string{"version", "commit", "date"})

	// IngestFilesTotal counts source files by outcome: loaded, skipped, failed.
	IngestFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxilake_ingest_files_total",
		Help: "Total number of source trip files processed by ingestion, by status",
	}, []string{"fleet", "status"})

	RowsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxilake_rows_ingested_total",
		Help: "Total number of trip rows inserted by ingestion",
	}, []string{"fleet"})

	RowsRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxilake_rows_removed_total",
		Help: "Total number of trip rows removed by cleaning, by rule",
	}, []string{"fleet", "rule"})

	VerificationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxilake_verification_failures_total",
		Help: "Total number of failed post-stage verifications",
	}, []string{"fleet", "stage"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taxilake_stage_duration_seconds",
		Help:    "Duration of a pipeline stage for one fleet",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"fleet", "stage", "status"})
)

const (
	StatusLoaded  = "loaded"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"

	StatusSuccess = "success"
	StatusError   = "error"
)
