// Package embeddings turns chunk text into vectors. One Provider
// interface fronts the OpenAI-shaped HTTP APIs, Ollama, and the local
// fastembed ONNX runtime; New picks the implementation from the
// configured provider name and wraps it in batch splitting.
package embeddings

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/qloader/internal/chunking"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/fetch"
	"github.com/fyrsmithlabs/qloader/internal/logging"
)

// Defaults applied by New when Config leaves fields zero.
const (
	DefaultMaxBatch = 64
	DefaultTimeout  = 60 * time.Second
)

// Provider names accepted by New.
const (
	ProviderOpenAI       = "openai"
	ProviderAzureOpenAI  = "azure_openai"
	ProviderOpenAICompat = "openai_compat"
	ProviderOllama       = "ollama"
	ProviderLocal        = "local"
)

// Provider generates embeddings for document chunks and queries.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// CountTokens measures text the way the model's tokenizer would.
	// Unknown tokenizers fall back to a byte-length estimate.
	CountTokens(text string) int

	// VectorSize is the dimensionality of every returned vector.
	VectorSize() int

	// Close releases provider resources. HTTP providers are no-ops.
	Close() error
}

// QueryEmbedder is implemented by providers whose models encode
// queries differently from passages. Search callers prefer it when
// present; every Provider built by New implements it.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Config selects and tunes a provider.
type Config struct {
	// Provider is one of the Provider* constants.
	Provider string

	// BaseURL is the API root. For azure_openai it includes the
	// deployment path; for ollama it defaults to the local daemon.
	BaseURL string

	APIKey string

	// APIVersion is the azure_openai api-version query parameter.
	APIVersion string

	Model      string
	VectorSize int

	// MaxBatch caps texts per network call; larger inputs split.
	MaxBatch int

	// Timeout bounds each embedding call.
	Timeout time.Duration

	// RequestsPerMinute feeds the HTTP client's per-host limiter when
	// no Client is supplied.
	RequestsPerMinute int

	// CacheDir is where the local provider stores model files.
	CacheDir string

	// Client carries rate limiting and retries for HTTP providers.
	// Nil builds a default client.
	Client *fetch.Client

	Logger *logging.Logger
}

// New builds the configured provider. The context covers one-time
// setup: the local provider may download the ONNX runtime and model
// weights on first use.
func New(ctx context.Context, cfg Config) (Provider, error) {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Client == nil {
		client, err := fetch.New(fetch.Config{
			RequestsPerMinute: cfg.RequestsPerMinute,
			Timeout:           cfg.Timeout,
			Logger:            cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		cfg.Client = client
	}

	var (
		inner Provider
		err   error
	)
	switch cfg.Provider {
	case ProviderOpenAI, ProviderOpenAICompat:
		inner, err = newOpenAI(cfg, false)
	case ProviderAzureOpenAI:
		inner, err = newOpenAI(cfg, true)
	case ProviderOllama:
		inner, err = newOllama(cfg)
	case ProviderLocal:
		inner, err = newLocal(ctx, cfg)
	default:
		return nil, errkind.New(errkind.Config, "unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	return &batched{
		Provider: inner,
		max:      cfg.MaxBatch,
		model:    cfg.Model,
		metrics:  newMetrics(cfg.Logger),
	}, nil
}

// batched splits oversized inputs into sub-batches of at most max
// texts, one network call each, and concatenates results in input
// order. It also verifies the provider's arithmetic: one vector per
// input, every vector at the declared size.
type batched struct {
	Provider
	max     int
	model   string
	metrics *metrics
}

func (b *batched) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += b.max {
		end := min(start+b.max, len(texts))
		batch := texts[start:end]

		began := time.Now()
		vectors, err := b.Provider.Embed(ctx, batch)
		if err == nil {
			err = b.check(vectors, len(batch))
		}
		b.metrics.record(ctx, b.model, "embed", time.Since(began), len(batch), err)
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// EmbedQuery embeds a single search query, delegating to the inner
// provider's query encoding when it has one.
func (b *batched) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	began := time.Now()

	if qe, ok := b.Provider.(QueryEmbedder); ok {
		vector, err := qe.EmbedQuery(ctx, text)
		b.metrics.record(ctx, b.model, "embed_query", time.Since(began), 1, err)
		return vector, err
	}

	vectors, err := b.Provider.Embed(ctx, []string{text})
	if err == nil {
		err = b.check(vectors, 1)
	}
	b.metrics.record(ctx, b.model, "embed_query", time.Since(began), 1, err)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (b *batched) check(vectors [][]float32, want int) error {
	if len(vectors) != want {
		return errkind.New(errkind.Server, "embedding provider returned %d vectors for %d inputs", len(vectors), want)
	}
	size := b.Provider.VectorSize()
	if size > 0 && len(vectors) > 0 && len(vectors[0]) != size {
		return errkind.New(errkind.Server, "embedding model returned %d-dimensional vectors, expected %d", len(vectors[0]), size)
	}
	return nil
}

// counterFor builds the token counter shared by every provider. The
// chunker uses the same counter so budgets line up with what the
// model will see.
func counterFor(model string) chunking.TokenCounter {
	return chunking.NewCounter(model)
}
