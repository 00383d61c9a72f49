package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/qloader/internal/chunking"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/fetch"
)

// DefaultAzureAPIVersion is sent when azure_openai config omits one.
const DefaultAzureAPIVersion = "2024-02-01"

// DefaultOpenAIURL is assumed when the openai provider omits base_url.
// Azure and compatible servers have no sensible default.
const DefaultOpenAIURL = "https://api.openai.com/v1"

// openAI speaks POST {base}/embeddings, the request shape shared by
// OpenAI, Azure OpenAI, and compatible servers. Azure authenticates
// with an api-key header plus an api-version query parameter; the
// others send a bearer token. Azure infers the model from the
// deployment in the URL, so the body omits it.
type openAI struct {
	client     *fetch.Client
	url        string
	header     http.Header
	model      string
	azure      bool
	vectorSize int
	timeout    time.Duration
	count      chunking.TokenCounter
}

func newOpenAI(cfg Config, azure bool) (*openAI, error) {
	if cfg.BaseURL == "" {
		if cfg.Provider != ProviderOpenAI {
			return nil, errkind.New(errkind.Config, "embedding provider %q requires base_url", cfg.Provider)
		}
		cfg.BaseURL = DefaultOpenAIURL
	}
	if cfg.APIKey == "" && cfg.Provider != ProviderOpenAICompat {
		return nil, errkind.New(errkind.Config, "embedding provider %q requires an api key", cfg.Provider)
	}
	if cfg.Model == "" && !azure {
		return nil, errkind.New(errkind.Config, "embedding provider %q requires a model", cfg.Provider)
	}

	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/embeddings"
	header := http.Header{"Content-Type": []string{"application/json"}}
	if azure {
		version := cfg.APIVersion
		if version == "" {
			version = DefaultAzureAPIVersion
		}
		endpoint += "?api-version=" + url.QueryEscape(version)
		header.Set("api-key", cfg.APIKey)
	} else if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	return &openAI{
		client:     cfg.Client,
		url:        endpoint,
		header:     header,
		model:      cfg.Model,
		azure:      azure,
		vectorSize: cfg.VectorSize,
		timeout:    cfg.Timeout,
		count:      counterFor(cfg.Model),
	}, nil
}

type openAIRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *openAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	req := openAIRequest{Input: texts}
	if !p.azure {
		req.Model = p.model
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, err)
	}

	resp, err := p.client.Do(ctx, &fetch.Request{
		Method:     http.MethodPost,
		URL:        p.url,
		Header:     p.header,
		Body:       body,
		Idempotent: true,
		Timeout:    p.timeout,
	})
	if err != nil {
		return nil, err
	}

	var parsed openAIResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, errkind.New(errkind.Server, "decode embeddings response: %v", err)
	}

	// The data array is index-tagged; place vectors by index rather
	// than trusting response order.
	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, errkind.New(errkind.Server, "embedding index %d out of range for %d inputs", d.Index, len(texts))
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, errkind.New(errkind.Server, "no embedding returned for input %d", i)
		}
	}
	return vectors, nil
}

func (p *openAI) CountTokens(text string) int { return p.count(text) }

func (p *openAI) VectorSize() int { return p.vectorSize }

func (p *openAI) Close() error { return nil }
