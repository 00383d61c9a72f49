package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/qloader/internal/chunking"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/fetch"
)

// DefaultOllamaURL is the local daemon address.
const DefaultOllamaURL = "http://localhost:11434"

// ollama speaks POST {base}/api/embed against a local or remote
// Ollama daemon. No authentication; the daemon is expected to sit on
// a trusted network.
type ollama struct {
	client     *fetch.Client
	url        string
	model      string
	vectorSize int
	timeout    time.Duration
	count      chunking.TokenCounter
}

func newOllama(cfg Config) (*ollama, error) {
	if cfg.Model == "" {
		return nil, errkind.New(errkind.Config, "embedding provider %q requires a model", cfg.Provider)
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultOllamaURL
	}
	return &ollama{
		client:     cfg.Client,
		url:        strings.TrimRight(base, "/") + "/api/embed",
		model:      cfg.Model,
		vectorSize: cfg.VectorSize,
		timeout:    cfg.Timeout,
		count:      counterFor(cfg.Model),
	}, nil
}

type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (p *ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, err)
	}

	resp, err := p.client.Do(ctx, &fetch.Request{
		Method:     http.MethodPost,
		URL:        p.url,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       body,
		Idempotent: true,
		Timeout:    p.timeout,
	})
	if err != nil {
		return nil, err
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, errkind.New(errkind.Server, "decode ollama response: %v", err)
	}
	return parsed.Embeddings, nil
}

func (p *ollama) CountTokens(text string) int { return p.count(text) }

func (p *ollama) VectorSize() int { return p.vectorSize }

func (p *ollama) Close() error { return nil }
