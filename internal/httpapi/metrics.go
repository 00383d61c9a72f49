package httpapi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/qloader/internal/state"
)

var (
	// DocumentsSeen counts documents discovered across sources.
	DocumentsSeen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qloader",
			Subsystem: "ingest",
			Name:      "documents_seen_total",
			Help:      "Documents discovered across all sources",
		},
		[]string{"project"},
	)

	// DocumentsProcessed counts documents by change-detection outcome.
	// Labels: outcome (new, updated, unchanged, failed).
	DocumentsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qloader",
			Subsystem: "ingest",
			Name:      "documents_processed_total",
			Help:      "Documents processed by change-detection outcome",
		},
		[]string{"project", "outcome"},
	)

	// ChunksWritten counts chunks upserted into the vector collection.
	ChunksWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qloader",
			Subsystem: "ingest",
			Name:      "chunks_written_total",
			Help:      "Chunks upserted into the vector collection",
		},
		[]string{"project"},
	)

	// EmbeddingsMade counts vectors computed by the embedding provider,
	// cache hits excluded.
	EmbeddingsMade = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qloader",
			Subsystem: "ingest",
			Name:      "embeddings_made_total",
			Help:      "Embedding vectors computed by the provider",
		},
		[]string{"project"},
	)

	// RunsTotal counts finished runs. Labels: result (completed, failed).
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qloader",
			Subsystem: "ingest",
			Name:      "runs_total",
			Help:      "Finished ingestion runs by result",
		},
		[]string{"project", "result"},
	)

	// RunDuration observes wall-clock run time. Runs span seconds for a
	// warm incremental pass up to an hour for a cold full crawl.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "qloader",
			Subsystem: "ingest",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of ingestion runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"project"},
	)

	// LastRunTimestamp records when the last run finished, for
	// staleness alerts.
	LastRunTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "qloader",
			Subsystem: "ingest",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last ingestion run finished",
		},
		[]string{"project"},
	)
)

// RecordRun folds one finished run into the Prometheus metrics.
func RecordRun(projectID string, counters *state.RunCounters, elapsed time.Duration, runErr error) {
	result := "completed"
	if runErr != nil {
		result = "failed"
	}
	RunsTotal.WithLabelValues(projectID, result).Inc()
	RunDuration.WithLabelValues(projectID).Observe(elapsed.Seconds())
	LastRunTimestamp.WithLabelValues(projectID).SetToCurrentTime()

	if counters == nil {
		return
	}
	DocumentsSeen.WithLabelValues(projectID).Add(float64(counters.Seen))
	DocumentsProcessed.WithLabelValues(projectID, "new").Add(float64(counters.New))
	DocumentsProcessed.WithLabelValues(projectID, "updated").Add(float64(counters.Updated))
	DocumentsProcessed.WithLabelValues(projectID, "unchanged").Add(float64(counters.Unchanged))
	DocumentsProcessed.WithLabelValues(projectID, "failed").Add(float64(counters.Failed))
	ChunksWritten.WithLabelValues(projectID).Add(float64(counters.ChunksWritten))
	EmbeddingsMade.WithLabelValues(projectID).Add(float64(counters.EmbeddingsMade))
}
