package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum level emitted.
	Level zapcore.Level `koanf:"level"`

	// Format selects json or console encoding.
	Format string `koanf:"format"`

	// File, when set, appends JSON-encoded entries to the given path.
	File string `koanf:"file"`

	// DisableConsole suppresses the stderr sink. Used by the MCP
	// server when a client cannot tolerate stderr noise.
	DisableConsole bool `koanf:"disable_console"`

	// Fields are static fields attached to every entry.
	Fields map[string]string `koanf:"fields"`
}

// NewDefaultConfig returns the production defaults for a component
// name, which is attached as the "service" field.
func NewDefaultConfig(service string) *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: FormatJSON,
		Fields: map[string]string{"service": service},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Format != FormatJSON && c.Format != FormatConsole {
		return fmt.Errorf("logging: unknown format %q", c.Format)
	}
	if c.DisableConsole && c.File == "" {
		return fmt.Errorf("logging: console disabled with no file sink; logger would be silent")
	}
	return nil
}

// Environment variables honored by FromEnv. They mirror the knobs MCP
// clients commonly expose in their server definitions.
const (
	EnvLogLevel       = "MCP_LOG_LEVEL"
	EnvLogFile        = "MCP_LOG_FILE"
	EnvDisableConsole = "MCP_DISABLE_CONSOLE_LOGGING"
)

// FromEnv builds a Config for the MCP server from environment
// variables, falling back to defaults for anything unset.
func FromEnv(service string) (*Config, error) {
	cfg := NewDefaultConfig(service)
	cfg.Format = FormatConsole

	if raw := os.Getenv(EnvLogLevel); raw != "" {
		level, err := ParseLevel(raw)
		if err != nil {
			return nil, err
		}
		cfg.Level = level
	}
	cfg.File = os.Getenv(EnvLogFile)
	if raw := os.Getenv(EnvDisableConsole); raw != "" {
		switch strings.ToLower(raw) {
		case "1", "true", "yes":
			cfg.DisableConsole = true
		}
	}
	if cfg.DisableConsole && cfg.File == "" {
		// Nothing to log to; fall back to a silent console rather
		// than failing server startup over a logging knob.
		cfg.DisableConsole = false
		cfg.Level = zapcore.FatalLevel
	}
	return cfg, nil
}

// ParseLevel converts a case-insensitive level name to a zap level.
func ParseLevel(raw string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("logging: unknown level %q", raw)
	}
}
