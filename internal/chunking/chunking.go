// Package chunking splits converted documents into embedding-sized
// chunks. Markdown and markup-derived text is split on headings with
// section breadcrumbs; everything else goes through a sliding window.
// Chunking is deterministic: identical input and config produce identical
// chunks.
package chunking

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/identity"
)

const (
	// DefaultChunkSize is the token budget per chunk.
	DefaultChunkSize = 500
	// DefaultChunkOverlap is the token overlap between window chunks.
	DefaultChunkOverlap = 50
	// DefaultMaxChunkBytes caps chunk content bytes regardless of tokens.
	DefaultMaxChunkBytes = 16384

	// charsPerToken converts token budgets into character budgets for the
	// window splitter; it matches the EstimateTokens divisor.
	charsPerToken = 4
)

// Config carries the chunking budgets from global.chunking.
type Config struct {
	ChunkSize     int
	ChunkOverlap  int
	MaxChunkBytes int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap < 0 {
		c.ChunkOverlap = DefaultChunkOverlap
	}
	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = DefaultMaxChunkBytes
	}
	return c
}

// TokenCounter measures text length in model tokens.
type TokenCounter func(string) int

// EstimateTokens approximates tokens as ceil(bytes/4). The estimate is
// deliberately approximate; budgets built on it leave overlap headroom.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// NewCounter returns a token counter for the configured embeddings model.
// Known OpenAI models count with the real tiktoken vocabulary (cached
// under TIKTOKEN_CACHE_DIR); anything else falls back to EstimateTokens.
func NewCounter(model string) TokenCounter {
	if model == "" {
		return EstimateTokens
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return EstimateTokens
	}
	return func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}
}

// Chunker splits documents under token and byte budgets.
type Chunker struct {
	cfg   Config
	count TokenCounter
}

// New builds a chunker. A nil counter uses EstimateTokens.
func New(cfg Config, counter TokenCounter) *Chunker {
	if counter == nil {
		counter = EstimateTokens
	}
	return &Chunker{cfg: cfg.withDefaults(), count: counter}
}

// piece is an intermediate chunk body before IDs and indexes are assigned.
type piece struct {
	content     string
	sectionPath string
}

// Chunk splits one converted document. Empty or whitespace-only content
// yields zero chunks and no error. Every chunk satisfies
// len(Content) <= MaxChunkBytes and TokenCount <= ChunkSize+ChunkOverlap,
// and Index equals the chunk's position.
func (c *Chunker) Chunk(doc document.Document) ([]document.Chunk, error) {
	if strings.TrimSpace(doc.Content) == "" {
		return nil, nil
	}

	var (
		pieces []piece
		err    error
	)
	if isStructured(doc.ContentType, doc.Content) {
		pieces, err = c.structured(doc.Content)
	} else {
		pieces, err = c.window(doc.Content, "")
	}
	if err != nil {
		return nil, err
	}

	chunks := make([]document.Chunk, 0, len(pieces))
	for i, p := range pieces {
		meta := map[string]any{document.MetaChunkTotal: len(pieces)}
		if p.sectionPath != "" {
			meta[document.MetaSectionPath] = p.sectionPath
		}
		chunks = append(chunks, document.Chunk{
			ID:         identity.ChunkID(doc.ID, i),
			DocumentID: doc.ID,
			Index:      i,
			Content:    p.content,
			TokenCount: c.count(p.content),
			Metadata:   meta,
		})
	}
	return chunks, nil
}

// isStructured picks heading-based splitting for markup-derived text that
// actually contains headings.
func isStructured(contentType, content string) bool {
	switch contentType {
	case "text/markdown", "text/html", "application/xhtml+xml", "text/xml":
		return atxHeading.MatchString(content)
	}
	return false
}
