// Command generate_metrics serves randomly generated qloader ingestion
// metrics so Grafana dashboards can be tested without running real
// ingests. Metric names, labels, and buckets mirror what the qloader
// binary exports on /metrics.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	documentsSeen = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qloader_ingest_documents_seen_total",
			Help: "Documents discovered across all sources",
		},
		[]string{"project"},
	)
	documentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qloader_ingest_documents_processed_total",
			Help: "Documents processed by change-detection outcome",
		},
		[]string{"project", "outcome"},
	)
	chunksWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qloader_ingest_chunks_written_total",
			Help: "Chunks upserted into the vector collection",
		},
		[]string{"project"},
	)
	embeddingsMade = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qloader_ingest_embeddings_made_total",
			Help: "Embedding vectors computed by the provider",
		},
		[]string{"project"},
	)
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qloader_ingest_runs_total",
			Help: "Finished ingestion runs by result",
		},
		[]string{"project", "result"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qloader_ingest_run_duration_seconds",
			Help:    "Wall-clock duration of ingestion runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"project"},
	)
	lastRunTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qloader_ingest_last_run_timestamp_seconds",
			Help: "Unix time the last ingestion run finished",
		},
		[]string{"project"},
	)
)

func init() {
	prometheus.MustRegister(
		documentsSeen,
		documentsProcessed,
		chunksWritten,
		embeddingsMade,
		runsTotal,
		runDuration,
		lastRunTimestamp,
	)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}

	generateSampleData()

	ctx, cancel := context.WithCancel(context.Background())
	go generateContinuousData(ctx)

	http.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: ":" + port}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
		server.Shutdown(context.Background())
	}()

	fmt.Printf("Sample metrics server running on http://localhost:%s/metrics\n", port)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("\nTo use with Prometheus, add this to prometheus.yml:")
	fmt.Printf("  - job_name: 'qloader-test'\n    static_configs:\n      - targets: ['localhost:%s']\n", port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func generateSampleData() {
	projects := []string{"docs", "handbook", "support-kb"}

	// Seed a history of runs so rate() panels have something to show.
	for i := 0; i < 40; i++ {
		recordFakeRun(randomChoice(projects))
	}
}

func generateContinuousData(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	projects := []string{"docs", "handbook", "support-kb"}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rand.Float64() > 0.4 {
				recordFakeRun(randomChoice(projects))
			}
		}
	}
}

// recordFakeRun emits the same metric updates a real finished run
// produces: most documents unchanged, a few new or updated, chunks and
// embeddings proportional to the changed set.
func recordFakeRun(project string) {
	seen := rand.Intn(400) + 20
	changed := rand.Intn(seen/4 + 1)
	added := rand.Intn(changed + 1)
	updated := changed - added
	failed := 0
	if rand.Float64() > 0.9 {
		failed = rand.Intn(3) + 1
	}
	unchanged := seen - changed - failed
	chunks := changed * (rand.Intn(6) + 1)
	embedded := chunks - rand.Intn(chunks/3+1)

	documentsSeen.WithLabelValues(project).Add(float64(seen))
	documentsProcessed.WithLabelValues(project, "new").Add(float64(added))
	documentsProcessed.WithLabelValues(project, "updated").Add(float64(updated))
	documentsProcessed.WithLabelValues(project, "unchanged").Add(float64(unchanged))
	documentsProcessed.WithLabelValues(project, "failed").Add(float64(failed))
	chunksWritten.WithLabelValues(project).Add(float64(chunks))
	embeddingsMade.WithLabelValues(project).Add(float64(embedded))

	result := "completed"
	if failed > 0 && rand.Float64() > 0.5 {
		result = "failed"
	}
	runsTotal.WithLabelValues(project, result).Inc()
	runDuration.WithLabelValues(project).Observe(rand.Float64()*120 + 2)
	lastRunTimestamp.WithLabelValues(project).SetToCurrentTime()
}

func randomChoice(choices []string) string {
	return choices[rand.Intn(len(choices))]
}
