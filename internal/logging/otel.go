package logging

import (
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// WithOTEL tees every entry into an OpenTelemetry log bridge so the
// collector receives the same stream as the local sinks. A nil
// provider returns the logger unchanged.
func (l *Logger) WithOTEL(name string, provider log.LoggerProvider) *Logger {
	if provider == nil {
		return l
	}
	z := l.zap.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, otelzap.NewCore(name, otelzap.WithLoggerProvider(provider)))
	}))
	return &Logger{zap: z, config: l.config}
}
