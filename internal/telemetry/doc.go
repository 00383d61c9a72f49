// Package telemetry wires the optional OpenTelemetry exporters.
//
// When enabled, traces, metrics, and log records are exported over
// OTLP (gRPC by default, http/protobuf when configured) and the
// providers are installed as the process globals. An exporter that
// cannot be built is logged and skipped; telemetry never fails an
// ingest run or the MCP server.
//
// # Usage
//
//	tel := telemetry.New(ctx, cfg.Global.Telemetry, version, logger)
//	defer tel.Shutdown(ctx)
//
//	tracer := tel.Tracer("qloader.orchestrator")
//	ctx, span := tracer.Start(ctx, "ingest.run")
//	defer span.End()
//
// Log records reach the collector through the otelzap bridge:
//
//	logger = logger.WithOTEL(cfg.Global.Telemetry.ServiceName, tel.LoggerProvider())
//
// # Testing
//
// NewTestTelemetry records spans and metrics in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "chunk.split")
//	span.End()
//	tt.AssertSpanExists(t, "chunk.split")
package telemetry
