package qdrant

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/qdrant/go-client/qdrant"
)

// Defaults applied by Config.ApplyDefaults.
const (
	DefaultHost           = "localhost"
	DefaultPort           = 6334
	DefaultMaxMessageSize = 50 * 1024 * 1024
	DefaultDialTimeout    = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultRetryAttempts  = 3
	DefaultBatchSize      = 64
)

// Config controls the gRPC connection and collection handling.
type Config struct {
	Host           string
	Port           int
	UseTLS         bool
	APIKey         string
	CollectionName string

	// Distance is the similarity metric applied when the collection is
	// created. Defaults to cosine.
	Distance qdrant.Distance

	MaxMessageSize int
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	RetryAttempts  int

	// BatchSize caps the number of points per upsert request.
	BatchSize int
}

// FromGlobal derives a Config from the loaded global settings.
func FromGlobal(q config.Qdrant) (*Config, error) {
	host, port, useTLS, err := splitEndpoint(q.URL)
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Host:           host,
		Port:           port,
		UseTLS:         useTLS,
		APIKey:         q.APIKey.Value(),
		CollectionName: q.CollectionName,
		RequestTimeout: q.Timeout(),
		BatchSize:      q.BatchSize,
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// splitEndpoint parses host, port, and TLS out of a Qdrant URL. A bare
// host:port is accepted; https enables TLS.
func splitEndpoint(raw string) (host string, port int, useTLS bool, err error) {
	if raw == "" {
		return "", 0, false, fmt.Errorf("qdrant url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, false, fmt.Errorf("parse qdrant url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http":
	case "https":
		useTLS = true
	default:
		return "", 0, false, fmt.Errorf("qdrant url %q: unsupported scheme %q", raw, u.Scheme)
	}
	host = u.Hostname()
	if host == "" {
		return "", 0, false, fmt.Errorf("qdrant url %q: missing host", raw)
	}
	port = DefaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, false, fmt.Errorf("qdrant url %q: bad port: %w", raw, err)
		}
	}
	return host, port, useTLS, nil
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Distance == qdrant.Distance_UnknownDistance {
		c.Distance = qdrant.Distance_Cosine
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.CollectionName == "" {
		return fmt.Errorf("collection name is required")
	}
	if c.MaxMessageSize < 1 {
		return fmt.Errorf("invalid max message size %d", c.MaxMessageSize)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("invalid batch size %d", c.BatchSize)
	}
	return nil
}
