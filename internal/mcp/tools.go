package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/search"
)

type searchArgs struct {
	Query       string   `json:"query" jsonschema:"required,Natural-language search query"`
	Limit       int      `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 5)"`
	SourceTypes []string `json:"source_types,omitempty" jsonschema:"Restrict to these source types (localfile, git, confluence, jira, publicdocs)"`
}

type searchOutput struct {
	Query   string          `json:"query"`
	Total   int             `json:"total"`
	Results []search.Result `json:"results"`
}

type hierarchyFilterArgs struct {
	RootOnly    bool   `json:"root_only,omitempty" jsonschema:"Keep only space root pages"`
	Depth       *int   `json:"depth,omitempty" jsonschema:"Keep only pages at exactly this depth (0 = root)"`
	ParentTitle string `json:"parent_title,omitempty" jsonschema:"Keep only pages whose immediate parent has this title"`
	HasChildren *bool  `json:"has_children,omitempty" jsonschema:"Keep only pages that do (true) or do not (false) have child pages"`
}

type hierarchyArgs struct {
	Query               string               `json:"query" jsonschema:"required,Natural-language search query"`
	Limit               int                  `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 10)"`
	OrganizeByHierarchy bool                 `json:"organize_by_hierarchy,omitempty" jsonschema:"Group results by root page in tree order"`
	HierarchyFilter     *hierarchyFilterArgs `json:"hierarchy_filter,omitempty" jsonschema:"Position filters over the Confluence page tree"`
}

type hierarchyOutput struct {
	Query   string                   `json:"query"`
	Total   int                      `json:"total"`
	Results []search.HierarchyResult `json:"results"`
	Groups  []search.HierarchyGroup  `json:"groups,omitempty"`
}

type attachmentFilterArgs struct {
	AttachmentsOnly     bool   `json:"attachments_only,omitempty" jsonschema:"Exclude results that are not attachments"`
	FileType            string `json:"file_type,omitempty" jsonschema:"File extension or MIME type, case-insensitive (pdf, .PNG, application/pdf)"`
	FileSizeMin         int64  `json:"file_size_min,omitempty" jsonschema:"Minimum file size in bytes"`
	FileSizeMax         int64  `json:"file_size_max,omitempty" jsonschema:"Maximum file size in bytes"`
	Author              string `json:"author,omitempty" jsonschema:"Exact author match"`
	ParentDocumentTitle string `json:"parent_document_title,omitempty" jsonschema:"Exact title of the document the attachment belongs to"`
}

type attachmentArgs struct {
	Query                string                `json:"query" jsonschema:"required,Natural-language search query"`
	Limit                int                   `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 10)"`
	IncludeParentContext *bool                 `json:"include_parent_context,omitempty" jsonschema:"Resolve each attachment's parent document title and URL (default: true)"`
	AttachmentFilter     *attachmentFilterArgs `json:"attachment_filter,omitempty" jsonschema:"File property filters"`
}

type attachmentOutput struct {
	Query   string                    `json:"query"`
	Total   int                       `json:"total"`
	Results []search.AttachmentResult `json:"results"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search",
		Description: "Semantic search across every ingested source. Returns the best-matching chunks with their source, URL, and metadata.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args searchArgs) (*mcp.CallToolResult, searchOutput, error) {
		return runTool(s, ctx, "search", func(ctx context.Context) (searchOutput, error) {
			return s.handleSearch(ctx, args)
		})
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "hierarchy_search",
		Description: "Semantic search over Confluence pages with page-tree filters (root pages, exact depth, parent title, has children) and optional grouping by root page.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args hierarchyArgs) (*mcp.CallToolResult, hierarchyOutput, error) {
		return runTool(s, ctx, "hierarchy_search", func(ctx context.Context) (hierarchyOutput, error) {
			return s.handleHierarchySearch(ctx, args)
		})
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "attachment_search",
		Description: "Semantic search over ingested attachments with file property filters (type, size, author, parent document) and parent page context.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args attachmentArgs) (*mcp.CallToolResult, attachmentOutput, error) {
		return runTool(s, ctx, "attachment_search", func(ctx context.Context) (attachmentOutput, error) {
			return s.handleAttachmentSearch(ctx, args)
		})
	})
}

// summarizer renders the one TextContent block accompanying each
// structured result.
type summarizer interface {
	summary() string
}

// runTool wraps a handler with the per-call timeout, metrics, and the
// error shape clients see: the errkind class followed by the message.
func runTool[O summarizer](s *Server, ctx context.Context, tool string, fn func(context.Context) (O, error)) (*mcp.CallToolResult, O, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.metrics.begin(ctx, tool)
	start := time.Now()
	out, err := fn(ctx)
	s.metrics.end(ctx, tool, time.Since(start), err)

	if err != nil {
		s.logger.Warn(ctx, "tool call failed",
			zap.String("tool", tool),
			zap.Error(err))
		var zero O
		return nil, zero, fmt.Errorf("%s: %s", errkind.KindOf(err), err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: out.summary()}},
	}, out, nil
}

func (s *Server) handleSearch(ctx context.Context, args searchArgs) (searchOutput, error) {
	results, err := s.search.Search(ctx, args.Query, args.Limit, args.SourceTypes)
	if err != nil {
		return searchOutput{}, err
	}
	return searchOutput{
		Query:   args.Query,
		Total:   len(results),
		Results: results,
	}, nil
}

func (s *Server) handleHierarchySearch(ctx context.Context, args hierarchyArgs) (hierarchyOutput, error) {
	var hf search.HierarchyFilter
	if f := args.HierarchyFilter; f != nil {
		hf = search.HierarchyFilter{
			RootOnly:    f.RootOnly,
			Depth:       f.Depth,
			ParentTitle: f.ParentTitle,
			HasChildren: f.HasChildren,
		}
	}
	resp, err := s.search.HierarchySearch(ctx, args.Query, args.Limit, args.OrganizeByHierarchy, hf)
	if err != nil {
		return hierarchyOutput{}, err
	}
	return hierarchyOutput{
		Query:   args.Query,
		Total:   len(resp.Results),
		Results: resp.Results,
		Groups:  resp.Groups,
	}, nil
}

func (s *Server) handleAttachmentSearch(ctx context.Context, args attachmentArgs) (attachmentOutput, error) {
	var af search.AttachmentFilter
	if f := args.AttachmentFilter; f != nil {
		af = search.AttachmentFilter{
			AttachmentsOnly: f.AttachmentsOnly,
			FileType:        f.FileType,
			FileSizeMin:     f.FileSizeMin,
			FileSizeMax:     f.FileSizeMax,
			Author:          f.Author,
			ParentTitle:     f.ParentDocumentTitle,
		}
	}
	includeParent := true
	if args.IncludeParentContext != nil {
		includeParent = *args.IncludeParentContext
	}
	results, err := s.search.AttachmentSearch(ctx, args.Query, args.Limit, includeParent, af)
	if err != nil {
		return attachmentOutput{}, err
	}
	return attachmentOutput{
		Query:   args.Query,
		Total:   len(results),
		Results: results,
	}, nil
}

func (o searchOutput) summary() string {
	if len(o.Results) == 0 {
		return fmt.Sprintf("No results for %q.", o.Query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d result(s) for %q:\n", o.Total, o.Query)
	for i, r := range o.Results {
		fmt.Fprintf(&b, "%d. %s (%s/%s, score %.3f)\n",
			i+1, titleOf(r.Title, r.DocumentID), r.SourceType, r.SourceName, r.Score)
		if r.URL != "" {
			fmt.Fprintf(&b, "   %s\n", r.URL)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o hierarchyOutput) summary() string {
	if len(o.Results) == 0 {
		return fmt.Sprintf("No Confluence pages match %q.", o.Query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d page(s) for %q:\n", o.Total, o.Query)
	if len(o.Groups) > 0 {
		for _, g := range o.Groups {
			fmt.Fprintf(&b, "%s\n", g.Root)
			for _, r := range g.Results {
				fmt.Fprintf(&b, "  %s%s (score %.3f)\n",
					strings.Repeat("  ", r.Depth), titleOf(r.Title, r.DocumentID), r.Score)
			}
		}
		return strings.TrimRight(b.String(), "\n")
	}
	for i, r := range o.Results {
		crumb := ""
		if len(r.Ancestors) > 0 {
			crumb = " [" + strings.Join(r.Ancestors, " > ") + "]"
		}
		fmt.Fprintf(&b, "%d. %s%s (score %.3f)\n",
			i+1, titleOf(r.Title, r.DocumentID), crumb, r.Score)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o attachmentOutput) summary() string {
	if len(o.Results) == 0 {
		return fmt.Sprintf("No attachments match %q.", o.Query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d attachment(s) for %q:\n", o.Total, o.Query)
	for i, r := range o.Results {
		name := r.FileName
		if name == "" {
			name = titleOf(r.Title, r.DocumentID)
		}
		fmt.Fprintf(&b, "%d. %s (score %.3f)", i+1, name, r.Score)
		if r.ParentTitle != "" {
			fmt.Fprintf(&b, ", attached to %s", r.ParentTitle)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func titleOf(title, fallback string) string {
	if title != "" {
		return title
	}
	return fallback
}
