package logging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap with context-aware methods. The zero value is not
// usable; construct with NewLogger or NewNop.
type Logger struct {
	zap    *zap.Logger
	config *Config
}

// NewLogger builds a logger from cfg. The console sink writes to
// stderr; the optional file sink appends JSON entries.
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = NewDefaultConfig("qloader")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var cores []zapcore.Core
	if !cfg.DisableConsole {
		cores = append(cores, zapcore.NewCore(
			newEncoder(cfg.Format),
			zapcore.Lock(os.Stderr),
			cfg.Level,
		))
	}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(
			newEncoder(FormatJSON),
			zapcore.Lock(f),
			cfg.Level,
		))
	}
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewNopCore())
	}

	z := zap.New(
		zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	for k, v := range cfg.Fields {
		z = z.With(zap.String(k, v))
	}
	return &Logger{zap: z, config: cfg}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig("nop")}
}

func newEncoder(format string) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == FormatConsole {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewJSONEncoder(encCfg)
}

// Debug logs at debug level with context correlation fields appended.
func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Debug(msg, append(fields, ContextFields(ctx)...)...)
}

// Info logs at info level with context correlation fields appended.
func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Info(msg, append(fields, ContextFields(ctx)...)...)
}

// Warn logs at warn level with context correlation fields appended.
func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Warn(msg, append(fields, ContextFields(ctx)...)...)
}

// Error logs at error level with context correlation fields appended.
func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Error(msg, append(fields, ContextFields(ctx)...)...)
}

// With returns a child logger with the given fields attached.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...), config: l.config}
}

// Named returns a child logger with a dot-joined name segment.
func (l *Logger) Named(name string) *Logger {
	return &Logger{zap: l.zap.Named(name), config: l.config}
}

// Level returns the configured minimum level.
func (l *Logger) Level() zapcore.Level {
	return l.config.Level
}

// Underlying exposes the wrapped zap logger for libraries that need
// one directly.
func (l *Logger) Underlying() *zap.Logger {
	return l.zap
}

// Sync flushes buffered entries. EINVAL and ENOTTY from syncing stderr
// are expected on some platforms and ignored.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY || errno == syscall.EBADF) {
		return nil
	}
	return err
}
