package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/fyrsmithlabs/qloader/internal/orchestrator"

// Outcome attribute values for the processed-documents counter.
const (
	outcomeNew       = "new"
	outcomeUpdated   = "updated"
	outcomeUnchanged = "unchanged"
	outcomeFailed    = "failed"
)

// metrics holds the pipeline instruments. With no meter provider
// installed the otel global returns no-ops, so recording stays cheap
// when telemetry is disabled.
type metrics struct {
	discoveredC metric.Int64Counter
	processedC  metric.Int64Counter
	deletedC    metric.Int64Counter
	chunksC     metric.Int64Counter
	embedC      metric.Int64Counter
	batchDur    metric.Float64Histogram
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(meterName)
	var (
		m   metrics
		err error
	)
	if m.discoveredC, err = meter.Int64Counter("qloader.documents.discovered",
		metric.WithDescription("Headers emitted by source discovery."),
		metric.WithUnit("{document}")); err != nil {
		return nil, err
	}
	if m.processedC, err = meter.Int64Counter("qloader.documents.processed",
		metric.WithDescription("Documents classified by outcome."),
		metric.WithUnit("{document}")); err != nil {
		return nil, err
	}
	if m.deletedC, err = meter.Int64Counter("qloader.documents.deleted",
		metric.WithDescription("Documents tombstoned inline or by orphan sweep."),
		metric.WithUnit("{document}")); err != nil {
		return nil, err
	}
	if m.chunksC, err = meter.Int64Counter("qloader.chunks.written",
		metric.WithDescription("Chunks acknowledged by the vector store."),
		metric.WithUnit("{chunk}")); err != nil {
		return nil, err
	}
	if m.embedC, err = meter.Int64Counter("qloader.embeddings.made",
		metric.WithDescription("Texts embedded."),
		metric.WithUnit("{text}")); err != nil {
		return nil, err
	}
	if m.batchDur, err = meter.Float64Histogram("qloader.batch.duration",
		metric.WithDescription("Embed plus upsert latency per batch."),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) discovered(ctx context.Context, sourceType string) {
	m.discoveredC.Add(ctx, 1, metric.WithAttributes(attribute.String("source_type", sourceType)))
}

func (m *metrics) processed(ctx context.Context, outcome string) {
	m.processedC.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) deleted(ctx context.Context, sourceType string) {
	m.deletedC.Add(ctx, 1, metric.WithAttributes(attribute.String("source_type", sourceType)))
}

func (m *metrics) batch(ctx context.Context, elapsed time.Duration, chunks int) {
	m.chunksC.Add(ctx, int64(chunks))
	m.embedC.Add(ctx, int64(chunks))
	m.batchDur.Record(ctx, elapsed.Seconds())
}
