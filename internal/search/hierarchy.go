package search

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/qdrant"
)

// HierarchyFilter narrows hierarchy_search candidates by their place in
// the Confluence page tree. Nil pointer fields are inactive.
type HierarchyFilter struct {
	// RootOnly keeps pages with no ancestors.
	RootOnly bool

	// Depth keeps pages whose ancestor chain has exactly this length.
	// Zero means root pages; nil disables the filter.
	Depth *int

	// ParentTitle keeps pages whose immediate parent has this title.
	ParentTitle string

	// HasChildren keeps pages that do (or, when false, do not) appear
	// as an ancestor of some other stored page.
	HasChildren *bool
}

func (f HierarchyFilter) active() bool {
	return f.RootOnly || f.Depth != nil || f.ParentTitle != "" || f.HasChildren != nil
}

// HierarchyResult is a search hit annotated with its page-tree
// position.
type HierarchyResult struct {
	Result

	// Ancestors is the chain of page titles from the space root down
	// to the immediate parent. Empty for root pages.
	Ancestors []string `json:"hierarchy_ancestors,omitempty"`

	// Depth is len(Ancestors).
	Depth int `json:"depth"`

	// HasChildren reports whether some stored page lists this page
	// among its ancestors.
	HasChildren bool `json:"has_children"`
}

// HierarchyGroup collects results sharing a root page, ordered by
// ancestor path so siblings read in tree order.
type HierarchyGroup struct {
	Root    string            `json:"root"`
	Results []HierarchyResult `json:"results"`
}

// HierarchyResponse carries the ranked results and, when the caller
// asked to organize, the same results grouped by root page.
type HierarchyResponse struct {
	Results []HierarchyResult `json:"results"`
	Groups  []HierarchyGroup  `json:"groups,omitempty"`
}

// HierarchySearch is search restricted to Confluence pages, with
// post-filters over the stored ancestor chains. Candidates are
// over-fetched by candidateFactor so selective filters still fill the
// page. A non-positive limit falls back to DefaultHierarchyLimit.
func (s *Service) HierarchySearch(ctx context.Context, query string, limit int, organize bool, hf HierarchyFilter) (*HierarchyResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errkind.New(errkind.InvalidRequest, "hierarchy search query is empty")
	}
	if hf.Depth != nil && *hf.Depth < 0 {
		return nil, errkind.New(errkind.InvalidRequest, "hierarchy depth cannot be negative")
	}
	limit = normalizeLimit(limit, DefaultHierarchyLimit)

	vector, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	scope := s.scopeFilter()
	scope.Must = append(scope.Must, qdrant.Eq(document.PayloadSourceType, config.SourceTypeConfluence))

	hits, err := s.store.Search(ctx, vector, candidateLimit(limit), scope)
	if err != nil {
		return nil, err
	}

	results := make([]HierarchyResult, 0, len(hits))
	for _, h := range hits {
		r := HierarchyResult{Result: resultFromPoint(h)}
		r.Ancestors = metaStrings(r.Metadata, document.MetaHierarchyAncestors)
		r.Depth = len(r.Ancestors)
		results = append(results, r)
	}

	// One scan of stored ancestor chains answers has_children for the
	// whole candidate set.
	if len(results) > 0 {
		ancestors, err := s.ancestorTitles(ctx, scope)
		if err != nil {
			return nil, err
		}
		for i := range results {
			results[i].HasChildren = ancestors[results[i].Title]
		}
	}

	results = filterHierarchy(results, hf)
	sortResults(results, func(r *HierarchyResult) *Result { return &r.Result })
	results = truncate(results, limit)

	resp := &HierarchyResponse{Results: results}
	if organize {
		resp.Groups = groupByRoot(results)
	}

	s.logger.Debug(ctx, "hierarchy search complete",
		zap.Int("limit", limit),
		zap.Bool("organized", organize),
		zap.Bool("filtered", hf.active()),
		zap.Int("candidates", len(hits)),
		zap.Int("results", len(results)))
	return resp, nil
}

// ancestorTitles scans the scoped pages once and returns the set of
// titles that occur in any stored ancestor chain.
func (s *Service) ancestorTitles(ctx context.Context, scope *qdrant.Filter) (map[string]bool, error) {
	payloads, err := s.store.ScrollPayloads(ctx, scope, hierarchyScanLimit)
	if err != nil {
		return nil, err
	}
	titles := make(map[string]bool)
	for _, p := range payloads {
		meta, _ := p[document.PayloadMetadata].(map[string]any)
		for _, t := range metaStrings(meta, document.MetaHierarchyAncestors) {
			titles[t] = true
		}
	}
	return titles, nil
}

func filterHierarchy(results []HierarchyResult, hf HierarchyFilter) []HierarchyResult {
	if !hf.active() {
		return results
	}
	kept := results[:0]
	for _, r := range results {
		if hf.RootOnly && r.Depth != 0 {
			continue
		}
		if hf.Depth != nil && r.Depth != *hf.Depth {
			continue
		}
		if hf.ParentTitle != "" {
			if r.Depth == 0 || r.Ancestors[r.Depth-1] != hf.ParentTitle {
				continue
			}
		}
		if hf.HasChildren != nil && r.HasChildren != *hf.HasChildren {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

// groupByRoot buckets results under their root page title, keeping the
// groups in ranked order of first appearance. Within a group, results
// follow the ancestor path so a subtree reads top-down, with rank
// breaking ties among siblings.
func groupByRoot(results []HierarchyResult) []HierarchyGroup {
	if len(results) == 0 {
		return nil
	}
	index := make(map[string]int)
	var groups []HierarchyGroup
	for _, r := range results {
		root := r.Title
		if len(r.Ancestors) > 0 {
			root = r.Ancestors[0]
		}
		i, ok := index[root]
		if !ok {
			i = len(groups)
			index[root] = i
			groups = append(groups, HierarchyGroup{Root: root})
		}
		groups[i].Results = append(groups[i].Results, r)
	}
	for i := range groups {
		rs := groups[i].Results
		sortResults(rs, func(r *HierarchyResult) *Result { return &r.Result })
		stableSortByPath(rs)
	}
	return groups
}

// stableSortByPath reorders a ranked group by ancestor path, leaving
// the rank order intact within equal paths.
func stableSortByPath(rs []HierarchyResult) {
	sort.SliceStable(rs, func(i, j int) bool {
		return pathKey(&rs[i]) < pathKey(&rs[j])
	})
}

func pathKey(r *HierarchyResult) string {
	if len(r.Ancestors) == 0 {
		return ""
	}
	return strings.Join(r.Ancestors, " > ") + " > "
}
