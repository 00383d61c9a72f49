// Package publicdocs crawls a documentation site under one version
// path and emits one header per HTML page. Pages are fetched during
// discovery because links come from their bodies; the configured
// content selector narrows what the thunk hands to conversion.
package publicdocs

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/fetch"
	"github.com/fyrsmithlabs/qloader/internal/identity"
	"github.com/fyrsmithlabs/qloader/internal/logging"
	"github.com/fyrsmithlabs/qloader/internal/sources"
)

// maxCrawlPages bounds one enumeration. Hitting it fails the source so
// an incomplete listing never triggers an orphan sweep.
const maxCrawlPages = 2000

// Adapter crawls one documentation site.
type Adapter struct {
	name     string
	cfg      config.PublicDocsSource
	client   *fetch.Client
	logger   *logging.Logger
	root     *url.URL
	selector []step
}

// Factory adapts New to the registry signature.
func Factory(name string, cfg any, deps sources.Deps) (sources.Adapter, error) {
	c, ok := cfg.(config.PublicDocsSource)
	if !ok {
		return nil, errkind.New(errkind.Config, "publicdocs source %q: unexpected config type %T", name, cfg)
	}
	return New(name, c, deps)
}

func New(name string, cfg config.PublicDocsSource, deps sources.Deps) (*Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, errkind.New(errkind.Config, "publicdocs source %q: base_url is required", name)
	}
	if deps.Fetch == nil {
		return nil, errkind.New(errkind.Config, "publicdocs source %q: fetch client is required", name)
	}

	raw := strings.TrimRight(cfg.BaseURL, "/")
	if v := strings.Trim(cfg.Version, "/"); v != "" {
		raw += "/" + v
	}
	root, err := url.Parse(raw)
	if err != nil || root.Host == "" || (root.Scheme != "http" && root.Scheme != "https") {
		return nil, errkind.New(errkind.Config, "publicdocs source %q: invalid base_url %q", name, cfg.BaseURL)
	}

	selector, err := parseSelector(cfg.ContentSelector)
	if err != nil {
		return nil, errkind.Wrap(errkind.Config, fmt.Errorf("publicdocs source %q: %w", name, err))
	}

	deps.Fetch.SetHostRate(root.Host, cfg.RequestsPerMinute)

	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Adapter{
		name:     name,
		cfg:      cfg,
		client:   deps.Fetch,
		logger:   logger.Named("publicdocs"),
		root:     root,
		selector: selector,
	}, nil
}

func (a *Adapter) Type() string { return config.SourceTypePublicDocs }
func (a *Adapter) Name() string { return a.name }

// Check fetches the crawl root so an unreachable site or a bad
// version path fails before any run starts.
func (a *Adapter) Check(ctx context.Context) error {
	if _, err := a.client.Get(ctx, a.root.String(), nil); err != nil {
		return fmt.Errorf("publicdocs source %q: check %s: %w", a.name, a.root, err)
	}
	return nil
}

func (a *Adapter) Discover(ctx context.Context, emit sources.EmitFunc) error {
	start := a.root.String()
	queue := []string{start}
	seen := map[string]bool{start: true}
	emitted := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return errkind.Wrap(errkind.Cancelled, err)
		}
		if len(seen) > maxCrawlPages {
			return errkind.New(errkind.Config,
				"publicdocs source %q: crawl exceeded %d pages; narrow path_pattern or exclude_paths", a.name, maxCrawlPages)
		}

		pageURL := queue[0]
		queue = queue[1:]

		resp, err := a.client.Get(ctx, pageURL, nil)
		if err != nil {
			if pageURL != start && errkind.KindOf(err) == errkind.NotFound {
				a.logger.Debug(ctx, "dead link skipped", zap.String("url", pageURL))
				continue
			}
			return fmt.Errorf("publicdocs source %q: fetch %s: %w", a.name, pageURL, err)
		}
		if !isHTML(resp.Header.Get("Content-Type")) {
			continue
		}

		pg, err := parsePage(resp.Body, pageURL)
		if err != nil {
			a.logger.Warn(ctx, "unparseable page skipped", zap.String("url", pageURL), zap.Error(err))
			continue
		}

		for _, link := range pg.links {
			if a.admit(link) && !seen[link.String()] {
				seen[link.String()] = true
				queue = append(queue, link.String())
			}
		}

		if err := emit(a.header(pageURL, resp, pg)); err != nil {
			return err
		}
		emitted++
	}

	a.logger.Debug(ctx, "crawl complete",
		zap.String("source", a.name),
		zap.String("root", start),
		zap.Int("emitted", emitted))
	return nil
}

// admit scopes the crawl: same host and scheme, under the version
// path, matching path_pattern, not excluded.
func (a *Adapter) admit(u *url.URL) bool {
	if u.Scheme != a.root.Scheme || u.Host != a.root.Host {
		return false
	}
	rootPath := a.root.Path
	if u.Path != rootPath && !strings.HasPrefix(u.Path, rootPath+"/") {
		return false
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(u.Path, rootPath), "/")
	if a.cfg.PathPattern != "" && rel != "" && !sources.MatchGlob(a.cfg.PathPattern, rel) {
		return false
	}
	for _, p := range a.cfg.ExcludePaths {
		if sources.MatchGlob(p, rel) {
			return false
		}
	}
	return true
}

func (a *Adapter) header(pageURL string, resp *fetch.Response, pg *parsedPage) document.Header {
	version := resp.Header.Get("ETag")
	if version == "" {
		version = resp.Header.Get("Last-Modified")
	}

	title := pg.title
	if title == "" {
		title = pageURL
	}

	meta := map[string]any{}
	if a.cfg.Version != "" {
		meta["docs_version"] = a.cfg.Version
	}

	content := a.extract(pg)
	h := document.Header{
		ID:          identity.DocumentID(config.SourceTypePublicDocs, a.name, pageURL),
		Title:       title,
		SourceType:  config.SourceTypePublicDocs,
		SourceName:  a.name,
		URL:         pageURL,
		ContentType: "text/html",
		Version:     version,
		Metadata:    meta,
		Fetch: func(context.Context) ([]byte, error) {
			return content, nil
		},
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			h.UpdatedAt = t.UTC()
		}
	}
	return h
}

// extract applies the content selector; pages without a match keep
// the full document so a selector typo degrades instead of dropping
// everything.
func (a *Adapter) extract(pg *parsedPage) []byte {
	if len(a.selector) == 0 {
		return pg.raw
	}
	node := selectNode(pg.doc, a.selector)
	if node == nil {
		return pg.raw
	}
	var buf bytes.Buffer
	for c := node.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return pg.raw
		}
	}
	return buf.Bytes()
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

type parsedPage struct {
	raw   []byte
	doc   *html.Node
	title string
	links []*url.URL
}

func parsePage(body []byte, pageURL string) (*parsedPage, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	pg := &parsedPage{raw: body, doc: doc}
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		switch n.Data {
		case "title":
			if pg.title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				pg.title = strings.TrimSpace(n.FirstChild.Data)
			}
		case "a":
			href := attrValue(n, "href")
			if href == "" || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "javascript:") {
				return
			}
			u, err := base.Parse(href)
			if err != nil {
				return
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return
			}
			u.Fragment = ""
			u.RawQuery = ""
			pg.links = append(pg.links, u)
		}
	})
	return pg, nil
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// step is one element test of a descendant-combinator selector:
// [tag][#id][.class ...].
type step struct {
	tag     string
	id      string
	classes []string
}

func parseSelector(s string) ([]step, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, nil
	}
	steps := make([]step, 0, len(fields))
	for _, f := range fields {
		st, err := parseStep(f)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, nil
}

func parseStep(s string) (step, error) {
	var st step
	orig := s
	for len(s) > 0 {
		switch s[0] {
		case '#':
			name, rest := takeName(s[1:])
			if name == "" || st.id != "" {
				return step{}, fmt.Errorf("invalid content_selector step %q", orig)
			}
			st.id = name
			s = rest
		case '.':
			name, rest := takeName(s[1:])
			if name == "" {
				return step{}, fmt.Errorf("invalid content_selector step %q", orig)
			}
			st.classes = append(st.classes, name)
			s = rest
		default:
			name, rest := takeName(s)
			if name == "" || st.tag != "" {
				return step{}, fmt.Errorf("invalid content_selector step %q", orig)
			}
			st.tag = strings.ToLower(name)
			s = rest
		}
	}
	return st, nil
}

func takeName(s string) (name, rest string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '#' || s[i] == '.' {
			return s[:i], s[i:]
		}
	}
	return s, ""
}

// selectNode resolves the descendant chain and returns the first
// match in document order.
func selectNode(root *html.Node, steps []step) *html.Node {
	scopes := []*html.Node{root}
	for _, st := range steps {
		var matched []*html.Node
		for _, scope := range scopes {
			walk(scope, func(n *html.Node) {
				if n != scope && matchStep(n, st) {
					matched = append(matched, n)
				}
			})
		}
		if len(matched) == 0 {
			return nil
		}
		scopes = matched
	}
	return scopes[0]
}

func matchStep(n *html.Node, st step) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if st.tag != "" && n.Data != st.tag {
		return false
	}
	if st.id != "" && attrValue(n, "id") != st.id {
		return false
	}
	for _, class := range st.classes {
		if !hasClass(n, class) {
			return false
		}
	}
	return true
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attrValue(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}
