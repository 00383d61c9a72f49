package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey int

const (
	loggerKey contextKey = iota
	projectKey
	sourceKey
	runKey
)

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the context logger, or a nop logger when none
// was stored.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return NewNop()
}

// WithProject tags the context with a project identifier.
func WithProject(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectKey, projectID)
}

// WithSource tags the context with a source name.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey, source)
}

// WithRun tags the context with an ingestion run identifier.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey, runID)
}

// ContextFields extracts correlation fields from the context: the
// active trace span, the project, source, and run tags. Returns nil
// when nothing is attached.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v, ok := ctx.Value(projectKey).(string); ok && v != "" {
		fields = append(fields, zap.String("project", v))
	}
	if v, ok := ctx.Value(sourceKey).(string); ok && v != "" {
		fields = append(fields, zap.String("source", v))
	}
	if v, ok := ctx.Value(runKey).(string); ok && v != "" {
		fields = append(fields, zap.String("run_id", v))
	}
	return fields
}
