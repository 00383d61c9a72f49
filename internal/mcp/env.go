package mcp

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/embeddings"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/logging"
	"github.com/fyrsmithlabs/qloader/internal/qdrant"
	"github.com/fyrsmithlabs/qloader/internal/search"
)

// Environment variables the MCP server reads. MCP clients configure
// servers through env blocks, not config files, so the server never
// touches config.yaml. Logging knobs live in package logging
// (MCP_LOG_LEVEL, MCP_LOG_FILE, MCP_DISABLE_CONSOLE_LOGGING).
const (
	EnvQdrantURL        = "QDRANT_URL"
	EnvQdrantAPIKey     = "QDRANT_API_KEY"
	EnvQdrantCollection = "QDRANT_COLLECTION_NAME"
	EnvLLMProvider      = "LLM_PROVIDER"
	EnvLLMBaseURL       = "LLM_BASE_URL"
	EnvLLMAPIKey        = "LLM_API_KEY"
	EnvLLMModel         = "LLM_EMBEDDING_MODEL"
	EnvLLMVectorSize    = "LLM_VECTOR_SIZE"
	EnvProjectIDs       = "MCP_PROJECT_IDS"
)

// EnvConfig is the resolved environment contract.
type EnvConfig struct {
	Qdrant   config.Qdrant
	LLM      embeddings.Config
	Projects []string
}

// LoadEnv reads the environment contract, applying the same defaults
// the config loader would.
func LoadEnv() (*EnvConfig, error) {
	e := &EnvConfig{
		Qdrant: config.Qdrant{
			URL:            envOr(EnvQdrantURL, "http://localhost:6334"),
			APIKey:         config.Secret(os.Getenv(EnvQdrantAPIKey)),
			CollectionName: envOr(EnvQdrantCollection, "qloader"),
		},
		LLM: embeddings.Config{
			Provider: envOr(EnvLLMProvider, embeddings.ProviderOpenAI),
			BaseURL:  os.Getenv(EnvLLMBaseURL),
			APIKey:   os.Getenv(EnvLLMAPIKey),
			Model:    envOr(EnvLLMModel, "text-embedding-3-small"),
		},
	}

	if raw := os.Getenv(EnvLLMVectorSize); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return nil, errkind.New(errkind.Config, "%s: %q is not a positive integer", EnvLLMVectorSize, raw)
		}
		e.LLM.VectorSize = size
	}

	for _, id := range strings.Split(os.Getenv(EnvProjectIDs), ",") {
		if id = strings.TrimSpace(id); id != "" {
			e.Projects = append(e.Projects, id)
		}
	}
	return e, nil
}

// Build connects to Qdrant, constructs the embedding provider, and
// returns a ready server. The cleanup function releases both.
func (e *EnvConfig) Build(ctx context.Context, cfg *Config) (*Server, func(), error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	qcfg, err := qdrant.FromGlobal(e.Qdrant)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.Config, err)
	}
	store, err := qdrant.New(qcfg, logger)
	if err != nil {
		return nil, nil, err
	}

	e.LLM.Logger = logger
	provider, err := embeddings.New(ctx, e.LLM)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = provider.Close()
		_ = store.Close()
	}

	embedder, ok := provider.(embeddings.QueryEmbedder)
	if !ok {
		cleanup()
		return nil, nil, errkind.New(errkind.Config,
			"embedding provider %q cannot embed queries", e.LLM.Provider)
	}

	svc, err := search.New(store, embedder, e.Projects, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	srv, err := NewServer(cfg, svc)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return srv, cleanup, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
