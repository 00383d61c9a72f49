package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/logging"
)

// DefaultShutdownTimeout bounds provider shutdown when the caller's
// context carries no deadline.
const DefaultShutdownTimeout = 5 * time.Second

// Telemetry owns the OTLP providers for one process.
type Telemetry struct {
	cfg    config.Telemetry
	logger *logging.Logger

	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logProvider    *sdklog.LoggerProvider

	healthy  atomic.Bool
	degraded atomic.Bool
}

// New initializes the configured providers and installs them as the
// otel globals. It does not fail: an exporter that cannot be built is
// logged and skipped, leaving the global no-op provider in place.
func New(ctx context.Context, cfg config.Telemetry, version string, logger *logging.Logger) *Telemetry {
	if logger == nil {
		logger = logging.NewNop()
	}
	t := &Telemetry{cfg: cfg, logger: logger.Named("telemetry")}
	t.healthy.Store(true)

	if !cfg.Enabled {
		return t
	}
	if cfg.Endpoint == "" {
		t.setDegraded(ctx, "telemetry enabled without an endpoint", nil)
		return t
	}
	if p := cfg.Protocol; p != "" && p != ProtocolGRPC && p != ProtocolHTTP {
		t.logger.Warn(ctx, "unknown otlp protocol, using grpc", zap.String("protocol", p))
	}

	res := newResource(cfg.ServiceName, version)

	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.setDegraded(ctx, "trace exporter unavailable", err)
	} else {
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
		t.setDegraded(ctx, "metric exporter unavailable", err)
	} else {
		t.meterProvider = mp
		otel.SetMeterProvider(mp)
	}

	if lp, err := newLoggerProvider(ctx, cfg, res); err != nil {
		t.setDegraded(ctx, "log exporter unavailable", err)
	} else {
		t.logProvider = lp
		global.SetLoggerProvider(lp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.logger.Info(ctx, "telemetry exporters started",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("protocol", normalizeProtocol(cfg.Protocol)),
		zap.Float64("sampling", cfg.Sampling),
	)
	return t
}

// Tracer returns a tracer for the given instrumentation scope, or the
// global no-op tracer when telemetry is disabled or degraded.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a meter for the given instrumentation scope, or the
// global no-op meter when telemetry is disabled or degraded.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// LoggerProvider returns the log provider for the otelzap bridge, or
// nil when log export is not configured.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil || t.logProvider == nil {
		return nil
	}
	return t.logProvider
}

// HealthStatus reports whether telemetry is running and whether any
// exporter failed to initialize.
type HealthStatus struct {
	Healthy  bool
	Degraded bool
}

// Health returns the current telemetry health status.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Healthy: false, Degraded: true}
	}
	return HealthStatus{
		Healthy:  t.healthy.Load(),
		Degraded: t.degraded.Load(),
	}
}

// IsEnabled reports whether telemetry is enabled and not shut down.
func (t *Telemetry) IsEnabled() bool {
	if t == nil {
		return false
	}
	return t.cfg.Enabled && t.healthy.Load()
}

// Shutdown flushes and stops every provider. Pending telemetry is
// exported best-effort within the context deadline, defaulting to
// DefaultShutdownTimeout when the caller sets none.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	if t.logProvider != nil {
		if err := t.logProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("log provider shutdown: %w", err))
		}
	}

	t.healthy.Store(false)
	return errors.Join(errs...)
}

// ForceFlush immediately exports all pending telemetry data.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace flush: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter flush: %w", err))
		}
	}
	if t.logProvider != nil {
		if err := t.logProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("log flush: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telemetry) setDegraded(ctx context.Context, msg string, err error) {
	t.degraded.Store(true)
	if err != nil {
		t.logger.Warn(ctx, msg, zap.Error(err))
		return
	}
	t.logger.Warn(ctx, msg)
}
