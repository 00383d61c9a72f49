package mcp

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/logging"
)

const meterName = "github.com/fyrsmithlabs/qloader/internal/mcp"

// metrics instruments tool calls. Instrument creation failures are
// logged and the returned no-op instruments used; a metrics problem
// must not stop the server.
type metrics struct {
	invocations metric.Int64Counter
	duration    metric.Float64Histogram
	errors      metric.Int64Counter
	active      metric.Int64UpDownCounter
}

func newMetrics(logger *logging.Logger) *metrics {
	meter := otel.Meter(meterName)
	m := &metrics{}
	var err error

	m.invocations, err = meter.Int64Counter("qloader.mcp.tool.invocations",
		metric.WithDescription("Tool calls received"),
		metric.WithUnit("{call}"))
	if err != nil {
		logger.Warn(context.Background(), "create invocations counter", zap.Error(err))
	}
	m.duration, err = meter.Float64Histogram("qloader.mcp.tool.duration",
		metric.WithDescription("Tool call latency"),
		metric.WithUnit("s"))
	if err != nil {
		logger.Warn(context.Background(), "create duration histogram", zap.Error(err))
	}
	m.errors, err = meter.Int64Counter("qloader.mcp.tool.errors",
		metric.WithDescription("Tool calls that returned an error"),
		metric.WithUnit("{call}"))
	if err != nil {
		logger.Warn(context.Background(), "create errors counter", zap.Error(err))
	}
	m.active, err = meter.Int64UpDownCounter("qloader.mcp.tool.active",
		metric.WithDescription("Tool calls in flight"),
		metric.WithUnit("{call}"))
	if err != nil {
		logger.Warn(context.Background(), "create active counter", zap.Error(err))
	}
	return m
}

func (m *metrics) begin(ctx context.Context, tool string) {
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.invocations.Add(ctx, 1, attrs)
	m.active.Add(ctx, 1, attrs)
}

func (m *metrics) end(ctx context.Context, tool string, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.active.Add(ctx, -1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	if err != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("kind", errkind.KindOf(err).String())))
	}
}
