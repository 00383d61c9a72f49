// Package document holds the transient value types flowing through the
// ingestion pipeline. Nothing here is persisted directly; the state
// store and Qdrant keep their own projections.
package document

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/qloader/internal/identity"
)

// Well-known metadata keys. Adapters populate what they know; absent
// keys are omitted from payloads rather than written empty.
const (
	MetaAuthor             = "author"
	MetaContentType        = "content_type"
	MetaCreatedAt          = "created_at"
	MetaUpdatedAt          = "updated_at"
	MetaHierarchyAncestors = "hierarchy_ancestors"
	MetaParentID           = "parent_id"
	MetaParentTitle        = "parent_title"
	MetaAttachmentOf       = "attachment_of"
	MetaFileSize           = "file_size"
	MetaFileName           = "file_name"
	MetaFileType           = "file_type"
	MetaTags               = "tags"
	MetaChunkTotal         = "chunk_total"
	MetaSectionPath        = "section_path"
	MetaConversionFailed   = "conversion_failed"
	MetaConversionError    = "conversion_error"
)

// Required point payload keys. Every upserted point carries all eight;
// PayloadMetadata nests the optional document and chunk metadata.
const (
	PayloadProjectID  = "project_id"
	PayloadSourceType = "source_type"
	PayloadSourceName = "source_name"
	PayloadDocumentID = "document_id"
	PayloadChunkIndex = "chunk_index"
	PayloadContent    = "content"
	PayloadURL        = "url"
	PayloadTitle      = "title"
	PayloadMetadata   = "metadata"
)

// FetchFunc lazily retrieves the raw bytes behind a Header. Called at
// most once per header per run, only for documents classified as new
// or changed.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Header is a Document before its content is fetched: everything
// discovery can know cheaply, plus the thunk to get the bytes.
type Header struct {
	ID         string
	Title      string
	SourceType string
	SourceName string
	URL        string

	// ContentType is the adapter's MIME hint, possibly empty.
	ContentType string

	// Version is a cheap change signal: commit SHA, ETag, or
	// mtime+size. Empty means no signal; the content hash decides.
	Version string

	// IsDeleted marks an upstream-reported deletion. Fetch is nil.
	IsDeleted bool

	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time

	Fetch FetchFunc
}

// Document is the unit of ingestion after conversion.
type Document struct {
	ID          string
	Title       string
	ContentType string
	Content     string
	Metadata    map[string]any
	SourceType  string
	SourceName  string
	URL         string
	IsDeleted   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ContentHash recomputes the SHA-256 hex of Content.
func (d *Document) ContentHash() string {
	return identity.ContentHash(d.Content)
}

// Chunk is a contiguous piece of one Document in reading order.
type Chunk struct {
	ID         string
	DocumentID string
	Index      int
	Content    string
	TokenCount int
	Metadata   map[string]any
}

// FromHeader builds a Document shell from a Header; the caller fills
// Content and ContentType after conversion.
func FromHeader(h Header) Document {
	return Document{
		ID:          h.ID,
		Title:       h.Title,
		ContentType: h.ContentType,
		Metadata:    CloneMetadata(h.Metadata),
		SourceType:  h.SourceType,
		SourceName:  h.SourceName,
		URL:         h.URL,
		IsDeleted:   h.IsDeleted,
		CreatedAt:   h.CreatedAt,
		UpdatedAt:   h.UpdatedAt,
	}
}

// CloneMetadata shallow-copies a metadata map so pipeline stages can
// annotate without aliasing.
func CloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
