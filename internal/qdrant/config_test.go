package qdrant

import (
	"testing"
	"time"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		host    string
		port    int
		useTLS  bool
		wantErr bool
	}{
		{name: "http with port", url: "http://localhost:6334", host: "localhost", port: 6334},
		{name: "https enables tls", url: "https://qdrant.example.com:6334", host: "qdrant.example.com", port: 6334, useTLS: true},
		{name: "bare host and port", url: "qdrant.internal:7000", host: "qdrant.internal", port: 7000},
		{name: "missing port defaults", url: "https://cloud.qdrant.io", host: "cloud.qdrant.io", port: 6334, useTLS: true},
		{name: "empty url", url: "", wantErr: true},
		{name: "unsupported scheme", url: "ftp://host:6334", wantErr: true},
		{name: "missing host", url: "http://:6334", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, useTLS, err := splitEndpoint(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.useTLS, useTLS)
		})
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.False(t, cfg.UseTLS)
	assert.Equal(t, qdrant.Distance_Cosine, cfg.Distance)
	assert.Equal(t, DefaultMaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, DefaultDialTimeout, cfg.DialTimeout)
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, DefaultRetryAttempts, cfg.RetryAttempts)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
}

func TestConfigApplyDefaultsKeepsSetValues(t *testing.T) {
	cfg := &Config{Host: "qdrant.example.com", Port: 6335, BatchSize: 16}
	cfg.ApplyDefaults()

	assert.Equal(t, "qdrant.example.com", cfg.Host)
	assert.Equal(t, 6335, cfg.Port)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Host:           "localhost",
			Port:           6334,
			CollectionName: "qloader",
			MaxMessageSize: 1024,
			BatchSize:      64,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing host", mutate: func(c *Config) { c.Host = "" }, errMsg: "host is required"},
		{name: "port zero", mutate: func(c *Config) { c.Port = 0 }, errMsg: "invalid port"},
		{name: "port negative", mutate: func(c *Config) { c.Port = -1 }, errMsg: "invalid port"},
		{name: "port too large", mutate: func(c *Config) { c.Port = 65536 }, errMsg: "invalid port"},
		{name: "missing collection", mutate: func(c *Config) { c.CollectionName = "" }, errMsg: "collection name is required"},
		{name: "bad message size", mutate: func(c *Config) { c.MaxMessageSize = 0 }, errMsg: "invalid max message size"},
		{name: "bad batch size", mutate: func(c *Config) { c.BatchSize = -1 }, errMsg: "invalid batch size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestFromGlobal(t *testing.T) {
	cfg, err := FromGlobal(config.Qdrant{
		URL:            "https://qdrant.example.com:6334",
		CollectionName: "docs",
		TimeoutS:       10,
		BatchSize:      32,
	})
	require.NoError(t, err)

	assert.Equal(t, "qdrant.example.com", cfg.Host)
	assert.Equal(t, 6334, cfg.Port)
	assert.True(t, cfg.UseTLS)
	assert.Equal(t, "docs", cfg.CollectionName)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, qdrant.Distance_Cosine, cfg.Distance)
	assert.Equal(t, DefaultRetryAttempts, cfg.RetryAttempts)
}

func TestFromGlobalBadURL(t *testing.T) {
	_, err := FromGlobal(config.Qdrant{URL: "grpc://host:6334", CollectionName: "docs"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}
