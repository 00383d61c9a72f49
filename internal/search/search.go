// Package search implements the three retrieval tools served over MCP:
// plain semantic search, Confluence hierarchy search, and attachment
// search. Each tool is one embedding call plus one vector query against
// the shared collection, with tool-specific payload filters applied on
// the candidate set.
//
// Ranking is identical everywhere: higher similarity first, then newer
// metadata.updated_at, then lexicographic document ID so equal hits
// order deterministically.
package search

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/embeddings"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/logging"
	"github.com/fyrsmithlabs/qloader/internal/qdrant"
)

const (
	// DefaultLimit applies to the search tool when the caller omits one.
	DefaultLimit = 5

	// DefaultHierarchyLimit applies to hierarchy_search.
	DefaultHierarchyLimit = 10

	// DefaultAttachmentLimit applies to attachment_search.
	DefaultAttachmentLimit = 10

	// candidateFactor over-fetches for tools that post-filter, so a
	// selective filter still fills the requested page.
	candidateFactor = 3

	// hierarchyScanLimit caps the ancestor scan behind has_children.
	hierarchyScanLimit = 1000
)

// Store is the slice of the vector client the tools need.
// *qdrant.Client satisfies it.
type Store interface {
	Search(ctx context.Context, vector []float32, limit int, filter *qdrant.Filter) ([]*qdrant.ScoredPoint, error)
	ScrollPayloads(ctx context.Context, filter *qdrant.Filter, limit int) ([]map[string]any, error)
}

// Service answers search tool calls. It is stateless between calls and
// safe for concurrent use.
type Service struct {
	store    Store
	embedder embeddings.QueryEmbedder
	projects []string
	logger   *logging.Logger
}

// New builds a Service scoped to the given project IDs. An empty
// projects slice searches every project in the collection.
func New(store Store, embedder embeddings.QueryEmbedder, projects []string, logger *logging.Logger) (*Service, error) {
	switch {
	case store == nil:
		return nil, errkind.New(errkind.Config, "search: vector store is required")
	case embedder == nil:
		return nil, errkind.New(errkind.Config, "search: query embedder is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		store:    store,
		embedder: embedder,
		projects: projects,
		logger:   logger.Named("search"),
	}, nil
}

// Result is one scored chunk, shaped for MCP structured content.
type Result struct {
	Score      float32        `json:"score"`
	DocumentID string         `json:"document_id"`
	ChunkIndex int            `json:"chunk_index"`
	Content    string         `json:"content"`
	SourceType string         `json:"source_type"`
	SourceName string         `json:"source_name"`
	URL        string         `json:"url,omitempty"`
	Title      string         `json:"title,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Search embeds query and returns the top chunks across the configured
// projects, optionally restricted to the given source types. A
// non-positive limit falls back to DefaultLimit.
func (s *Service) Search(ctx context.Context, query string, limit int, sourceTypes []string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errkind.New(errkind.InvalidRequest, "search query is empty")
	}
	limit = normalizeLimit(limit, DefaultLimit)

	vector, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	filter := s.scopeFilter()
	if len(sourceTypes) > 0 {
		filter.Must = append(filter.Must, qdrant.In(document.PayloadSourceType, sourceTypes...))
	}

	hits, err := s.store.Search(ctx, vector, limit, filter)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = resultFromPoint(h)
	}
	sortResults(results, func(r *Result) *Result { return r })

	s.logger.Debug(ctx, "search complete",
		zap.Int("limit", limit),
		zap.Strings("source_types", sourceTypes),
		zap.Int("results", len(results)))
	return results, nil
}

// scopeFilter starts every tool's filter with the project restriction.
func (s *Service) scopeFilter() *qdrant.Filter {
	f := &qdrant.Filter{}
	if len(s.projects) > 0 {
		f.Must = append(f.Must, qdrant.In(document.PayloadProjectID, s.projects...))
	}
	return f
}

func (s *Service) embedQuery(ctx context.Context, query string) ([]float32, error) {
	return s.embedder.EmbedQuery(ctx, query)
}

// normalizeLimit substitutes the tool default and clamps to the store's
// per-query ceiling.
func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		limit = fallback
	}
	if limit > qdrant.MaxSearchLimit {
		limit = qdrant.MaxSearchLimit
	}
	return limit
}

// candidateLimit over-fetches for post-filtered tools without
// exceeding what one query may return.
func candidateLimit(limit int) int {
	c := limit * candidateFactor
	if c > qdrant.MaxSearchLimit {
		c = qdrant.MaxSearchLimit
	}
	return c
}

func resultFromPoint(p *qdrant.ScoredPoint) Result {
	meta, _ := p.Payload[document.PayloadMetadata].(map[string]any)
	return Result{
		Score:      p.Score,
		DocumentID: payloadString(p.Payload, document.PayloadDocumentID),
		ChunkIndex: payloadInt(p.Payload, document.PayloadChunkIndex),
		Content:    payloadString(p.Payload, document.PayloadContent),
		SourceType: payloadString(p.Payload, document.PayloadSourceType),
		SourceName: payloadString(p.Payload, document.PayloadSourceName),
		URL:        payloadString(p.Payload, document.PayloadURL),
		Title:      payloadString(p.Payload, document.PayloadTitle),
		Metadata:   meta,
	}
}

// sortResults orders any result slice by the shared ranking contract.
// access maps a slice element to its embedded Result.
func sortResults[T any](rs []T, access func(*T) *Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		return lessResult(access(&rs[i]), access(&rs[j]))
	})
}

func lessResult(a, b *Result) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	// updated_at is stored as RFC 3339 UTC, so string order is time
	// order; documents without one rank after dated ones.
	au, bu := metaString(a.Metadata, document.MetaUpdatedAt), metaString(b.Metadata, document.MetaUpdatedAt)
	if au != bu {
		return au > bu
	}
	return a.DocumentID < b.DocumentID
}

func truncate[T any](rs []T, limit int) []T {
	if len(rs) > limit {
		return rs[:limit]
	}
	return rs
}

func payloadString(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func metaString(meta map[string]any, key string) string {
	v, _ := meta[key].(string)
	return v
}

func metaInt64(meta map[string]any, key string) int64 {
	switch v := meta[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// metaStrings reads a string list that may arrive as []string from
// tests or []any from the wire.
func metaStrings(meta map[string]any, key string) []string {
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
