package search

import (
	"context"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/qdrant"
)

// AttachmentFilter narrows attachment_search candidates by file
// properties. Zero values are inactive.
type AttachmentFilter struct {
	// AttachmentsOnly excludes chunks that are not attachments. It is
	// the only condition applied store-side; the rest post-filter the
	// candidate set.
	AttachmentsOnly bool

	// FileType matches a file extension or MIME type,
	// case-insensitively. "pdf", ".PDF", and "application/pdf" all
	// match the same documents.
	FileType string

	// FileSizeMin and FileSizeMax bound the stored file size in bytes.
	FileSizeMin int64
	FileSizeMax int64

	// Author keeps documents with this exact author.
	Author string

	// ParentTitle keeps attachments whose parent document has this
	// exact title. Forces a parent lookup even when the caller did not
	// ask for parent context.
	ParentTitle string
}

// AttachmentResult is a search hit annotated with file properties and,
// when requested, the parent document it is attached to.
type AttachmentResult struct {
	Result

	FileName     string `json:"file_name,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
	Author       string `json:"author,omitempty"`
	AttachmentOf string `json:"attachment_of,omitempty"`
	ParentTitle  string `json:"parent_title,omitempty"`
	ParentURL    string `json:"parent_url,omitempty"`
}

// AttachmentSearch is search over attachment chunks. includeParent
// resolves each hit's parent document title and URL in one batched
// lookup. A non-positive limit falls back to DefaultAttachmentLimit.
func (s *Service) AttachmentSearch(ctx context.Context, query string, limit int, includeParent bool, af AttachmentFilter) ([]AttachmentResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errkind.New(errkind.InvalidRequest, "attachment search query is empty")
	}
	if af.FileSizeMin < 0 || af.FileSizeMax < 0 {
		return nil, errkind.New(errkind.InvalidRequest, "file size bounds cannot be negative")
	}
	if af.FileSizeMin > 0 && af.FileSizeMax > 0 && af.FileSizeMin > af.FileSizeMax {
		return nil, errkind.New(errkind.InvalidRequest, "file size bounds are inverted")
	}
	limit = normalizeLimit(limit, DefaultAttachmentLimit)

	vector, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	scope := s.scopeFilter()
	if af.AttachmentsOnly {
		scope.MustNot = append(scope.MustNot,
			qdrant.Empty(document.PayloadMetadata+"."+document.MetaAttachmentOf))
	}

	hits, err := s.store.Search(ctx, vector, candidateLimit(limit), scope)
	if err != nil {
		return nil, err
	}

	results := make([]AttachmentResult, 0, len(hits))
	for _, h := range hits {
		r := AttachmentResult{Result: resultFromPoint(h)}
		r.FileName = metaString(r.Metadata, document.MetaFileName)
		r.FileSize = metaInt64(r.Metadata, document.MetaFileSize)
		r.Author = metaString(r.Metadata, document.MetaAuthor)
		r.AttachmentOf = metaString(r.Metadata, document.MetaAttachmentOf)
		results = append(results, r)
	}

	results = filterAttachments(results, af)

	// A parent-title condition needs parent context for every
	// candidate before ranking; plain context only for the final page.
	if af.ParentTitle != "" {
		if err := s.attachParents(ctx, results); err != nil {
			return nil, err
		}
		kept := results[:0]
		for _, r := range results {
			if r.ParentTitle == af.ParentTitle {
				kept = append(kept, r)
			}
		}
		results = kept
	}

	sortResults(results, func(r *AttachmentResult) *Result { return &r.Result })
	results = truncate(results, limit)

	switch {
	case includeParent && af.ParentTitle == "":
		if err := s.attachParents(ctx, results); err != nil {
			return nil, err
		}
	case !includeParent && af.ParentTitle != "":
		for i := range results {
			results[i].ParentTitle, results[i].ParentURL = "", ""
		}
	}

	s.logger.Debug(ctx, "attachment search complete",
		zap.Int("limit", limit),
		zap.Bool("parent_context", includeParent),
		zap.Int("candidates", len(hits)),
		zap.Int("results", len(results)))
	return results, nil
}

func filterAttachments(results []AttachmentResult, af AttachmentFilter) []AttachmentResult {
	if af.FileType == "" && af.FileSizeMin == 0 && af.FileSizeMax == 0 && af.Author == "" {
		return results
	}
	kept := results[:0]
	for _, r := range results {
		if af.FileType != "" && !matchesFileType(&r, af.FileType) {
			continue
		}
		if af.FileSizeMin > 0 && r.FileSize < af.FileSizeMin {
			continue
		}
		if af.FileSizeMax > 0 && r.FileSize > af.FileSizeMax {
			continue
		}
		if af.Author != "" && r.Author != af.Author {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

// matchesFileType compares want against the stored extension, the file
// name's extension, and the content type, all case-insensitively.
// "pdf" matches both a ".pdf" file name and "application/pdf".
func matchesFileType(r *AttachmentResult, want string) bool {
	want = strings.ToLower(strings.TrimPrefix(want, "."))
	if want == "" {
		return true
	}
	if ext := normalizeExt(metaString(r.Metadata, document.MetaFileType)); ext == want {
		return true
	}
	if r.FileName != "" && normalizeExt(path.Ext(r.FileName)) == want {
		return true
	}
	ct := strings.ToLower(metaString(r.Metadata, document.MetaContentType))
	if ct == "" {
		return false
	}
	ct, _, _ = strings.Cut(ct, ";")
	ct = strings.TrimSpace(ct)
	if ct == want {
		return true
	}
	_, sub, ok := strings.Cut(ct, "/")
	return ok && sub == want
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

type parentInfo struct {
	title string
	url   string
}

// attachParents resolves parent titles and URLs for every result with
// an attachment_of reference, using a single scroll over the parents'
// first chunks.
func (s *Service) attachParents(ctx context.Context, results []AttachmentResult) error {
	seen := make(map[string]struct{})
	var ids []string
	for i := range results {
		id := results[i].AttachmentOf
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}

	filter := s.scopeFilter()
	filter.Must = append(filter.Must,
		qdrant.In(document.PayloadDocumentID, ids...),
		qdrant.Eq(document.PayloadChunkIndex, 0))

	payloads, err := s.store.ScrollPayloads(ctx, filter, len(ids))
	if err != nil {
		return err
	}

	parents := make(map[string]parentInfo, len(payloads))
	for _, p := range payloads {
		id := payloadString(p, document.PayloadDocumentID)
		if id == "" {
			continue
		}
		parents[id] = parentInfo{
			title: payloadString(p, document.PayloadTitle),
			url:   payloadString(p, document.PayloadURL),
		}
	}
	for i := range results {
		if info, ok := parents[results[i].AttachmentOf]; ok {
			results[i].ParentTitle = info.title
			results[i].ParentURL = info.url
		}
	}
	return nil
}
