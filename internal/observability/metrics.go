// Package observability declares the Prometheus metrics exported by the
// archive and the ingestion pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MigrationStepsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lexarchive_migration_steps_applied_total",
		Help: "Total number of schema migration steps applied at archive open.",
	})

	IngestEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lexarchive_ingest_entries_total",
		Help: "Manifest entries processed, by final state.",
	}, []string{"state"})

	IngestRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lexarchive_ingest_retries_total",
		Help: "Total number of fetch retries after transient failures.",
	})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lexarchive_fetch_seconds",
		Help:    "Time spent retrieving one source, including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	SnapshotsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lexarchive_snapshots_created_total",
		Help: "Snapshots inserted because their (fragment, date, hash) was new.",
	})

	AnnexOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lexarchive_annex_outcomes_total",
		Help: "Annex ledger upserts, by conversion status.",
	}, []string{"status"})

	RunInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lexarchive_ingest_run_in_progress",
		Help: "1 while an ingestion run is executing.",
	})
)
