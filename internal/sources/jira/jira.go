// Package jira enumerates the issues of one project through the REST
// search API. An issue document is the summary, description, and
// comments rendered as markdown; attachments become child documents
// when download_attachments is set.
package jira

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/fetch"
	"github.com/fyrsmithlabs/qloader/internal/identity"
	"github.com/fyrsmithlabs/qloader/internal/logging"
	"github.com/fyrsmithlabs/qloader/internal/sources"
)

const (
	searchLimit = 50

	searchFields = "summary,description,comment,attachment,issuetype,status,priority,labels,reporter,created,updated"
)

// Adapter enumerates one Jira project.
type Adapter struct {
	name     string
	cfg      config.JiraSource
	client   *fetch.Client
	logger   *logging.Logger
	apiBase  string
	webBase  string
	auth     http.Header
	maxFetch int64
}

// Factory adapts New to the registry signature.
func Factory(name string, cfg any, deps sources.Deps) (sources.Adapter, error) {
	c, ok := cfg.(config.JiraSource)
	if !ok {
		return nil, errkind.New(errkind.Config, "jira source %q: unexpected config type %T", name, cfg)
	}
	return New(name, c, deps)
}

func New(name string, cfg config.JiraSource, deps sources.Deps) (*Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, errkind.New(errkind.Config, "jira source %q: base_url is required", name)
	}
	if cfg.ProjectKey == "" {
		return nil, errkind.New(errkind.Config, "jira source %q: project_key is required", name)
	}
	if !cfg.Token.IsSet() {
		return nil, errkind.New(errkind.Config, "jira source %q: token is required", name)
	}
	if deps.Fetch == nil {
		return nil, errkind.New(errkind.Config, "jira source %q: fetch client is required", name)
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, errkind.New(errkind.Config, "jira source %q: invalid base_url %q", name, cfg.BaseURL)
	}

	auth := http.Header{}
	switch cfg.DeploymentType {
	case config.DeploymentCloud:
		if cfg.Email == "" {
			return nil, errkind.New(errkind.Config, "jira source %q: email is required for cloud deployments", name)
		}
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.Email + ":" + cfg.Token.Value()))
		auth.Set("Authorization", "Basic "+creds)
	case config.DeploymentDataCenter:
		auth.Set("Authorization", "Bearer "+cfg.Token.Value())
	default:
		return nil, errkind.New(errkind.Config, "jira source %q: unknown deployment_type %q", name, cfg.DeploymentType)
	}

	deps.Fetch.SetHostRate(u.Host, cfg.RequestsPerMinute)

	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Adapter{
		name:     name,
		cfg:      cfg,
		client:   deps.Fetch,
		logger:   logger.Named("jira"),
		apiBase:  base + "/rest/api/2",
		webBase:  base,
		auth:     auth,
		maxFetch: deps.MaxFileSize,
	}, nil
}

func (a *Adapter) Type() string { return config.SourceTypeJira }
func (a *Adapter) Name() string { return a.name }

// Check fetches the project descriptor, which exercises both the
// credentials and the project key without running a search.
func (a *Adapter) Check(ctx context.Context) error {
	_, err := a.client.Get(ctx, a.apiBase+"/project/"+url.PathEscape(a.cfg.ProjectKey), a.auth)
	if err != nil {
		return fmt.Errorf("jira source %q: check project %s: %w", a.name, a.cfg.ProjectKey, err)
	}
	return nil
}

func (a *Adapter) Discover(ctx context.Context, emit sources.EmitFunc) error {
	jql := a.jql()
	startAt, emitted := 0, 0
	for {
		page, err := a.search(ctx, jql, startAt)
		if err != nil {
			return err
		}
		if len(page.Issues) == 0 {
			break
		}
		for _, is := range page.Issues {
			header := a.issueHeader(is)
			if err := emit(header); err != nil {
				return err
			}
			emitted++
			if a.cfg.DownloadAttachments {
				for _, att := range is.Fields.Attachments {
					if err := emit(a.attachmentHeader(att, is, header)); err != nil {
						return err
					}
				}
			}
		}
		startAt += len(page.Issues)
		if startAt >= page.Total {
			break
		}
	}

	a.logger.Debug(ctx, "project enumerated",
		zap.String("source", a.name),
		zap.String("project", a.cfg.ProjectKey),
		zap.Int("issues", emitted))
	return nil
}

func (a *Adapter) jql() string {
	jql := fmt.Sprintf("project = %s", quoteJQL(a.cfg.ProjectKey))
	if len(a.cfg.IssueTypes) > 0 {
		quoted := make([]string, 0, len(a.cfg.IssueTypes))
		for _, it := range a.cfg.IssueTypes {
			quoted = append(quoted, quoteJQL(it))
		}
		jql += fmt.Sprintf(" AND issuetype IN (%s)", strings.Join(quoted, ", "))
	}
	return jql + " ORDER BY created ASC"
}

func (a *Adapter) search(ctx context.Context, jql string, startAt int) (*searchResult, error) {
	q := url.Values{}
	q.Set("jql", jql)
	q.Set("startAt", strconv.Itoa(startAt))
	q.Set("maxResults", strconv.Itoa(searchLimit))
	q.Set("fields", searchFields)

	resp, err := a.client.Get(ctx, a.apiBase+"/search?"+q.Encode(), a.auth)
	if err != nil {
		return nil, fmt.Errorf("jira source %q: search: %w", a.name, err)
	}
	var result searchResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, errkind.Wrap(errkind.Server, fmt.Errorf("jira source %q: decode search result: %w", a.name, err))
	}
	return &result, nil
}

func (a *Adapter) issueHeader(is issue) document.Header {
	rawURL := a.webBase + "/browse/" + is.Key

	meta := map[string]any{
		"project_key": a.cfg.ProjectKey,
		"issue_key":   is.Key,
	}
	if it := is.Fields.IssueType.Name; it != "" {
		meta["issue_type"] = it
	}
	if st := is.Fields.Status.Name; st != "" {
		meta["status"] = st
	}
	if pr := is.Fields.Priority.Name; pr != "" {
		meta["priority"] = pr
	}
	if rep := is.Fields.Reporter.DisplayName; rep != "" {
		meta[document.MetaAuthor] = rep
	}
	if len(is.Fields.Labels) > 0 {
		meta[document.MetaTags] = append([]string{}, is.Fields.Labels...)
	}

	return document.Header{
		ID:          identity.DocumentID(config.SourceTypeJira, a.name, rawURL),
		Title:       is.Key + ": " + is.Fields.Summary,
		SourceType:  config.SourceTypeJira,
		SourceName:  a.name,
		URL:         rawURL,
		ContentType: "text/markdown",
		Version:     is.Fields.Updated,
		Metadata:    meta,
		CreatedAt:   parseTime(is.Fields.Created),
		UpdatedAt:   parseTime(is.Fields.Updated),
		Fetch:       a.issueContent(is),
	}
}

// issueContent renders the issue as markdown. Search responses window
// the embedded comment list, so the tail is fetched lazily when the
// issue actually changed.
func (a *Adapter) issueContent(is issue) document.FetchFunc {
	return func(ctx context.Context) ([]byte, error) {
		comments := is.Fields.Comment.Comments
		if is.Fields.Comment.Total > len(comments) {
			rest, err := a.remainingComments(ctx, is.ID, len(comments))
			if err != nil {
				return nil, err
			}
			comments = append(append([]comment{}, comments...), rest...)
		}

		var b strings.Builder
		fmt.Fprintf(&b, "# %s: %s\n", is.Key, is.Fields.Summary)
		if desc := strings.TrimSpace(is.Fields.Description); desc != "" {
			b.WriteString("\n" + desc + "\n")
		}
		if len(comments) > 0 {
			b.WriteString("\n## Comments\n")
			for _, c := range comments {
				heading := c.Author.DisplayName
				if heading == "" {
					heading = "Comment"
				}
				if when := parseTime(c.Created); !when.IsZero() {
					heading += " (" + when.Format("2006-01-02") + ")"
				}
				fmt.Fprintf(&b, "\n### %s\n\n%s\n", heading, strings.TrimSpace(c.Body))
			}
		}
		return []byte(b.String()), nil
	}
}

func (a *Adapter) remainingComments(ctx context.Context, issueID string, have int) ([]comment, error) {
	var out []comment
	startAt := have
	for {
		q := url.Values{}
		q.Set("startAt", strconv.Itoa(startAt))
		q.Set("maxResults", strconv.Itoa(searchLimit))

		resp, err := a.client.Get(ctx, a.apiBase+"/issue/"+issueID+"/comment?"+q.Encode(), a.auth)
		if err != nil {
			return nil, fmt.Errorf("jira source %q: list comments of issue %s: %w", a.name, issueID, err)
		}
		var page commentList
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return nil, errkind.Wrap(errkind.Server, fmt.Errorf("jira source %q: decode comment listing: %w", a.name, err))
		}
		if len(page.Comments) == 0 {
			return out, nil
		}
		out = append(out, page.Comments...)
		startAt += len(page.Comments)
		if startAt >= page.Total {
			return out, nil
		}
	}
}

func (a *Adapter) attachmentHeader(att attachment, is issue, parent document.Header) document.Header {
	meta := map[string]any{
		document.MetaAttachmentOf: parent.ID,
		document.MetaParentID:     is.Key,
		document.MetaParentTitle:  parent.Title,
		document.MetaFileName:     att.Filename,
		"project_key":             a.cfg.ProjectKey,
		"issue_key":               is.Key,
	}
	if att.Size > 0 {
		meta[document.MetaFileSize] = att.Size
	}
	if ext := strings.TrimPrefix(strings.ToLower(path.Ext(att.Filename)), "."); ext != "" {
		meta[document.MetaFileType] = ext
	}
	if by := att.Author.DisplayName; by != "" {
		meta[document.MetaAuthor] = by
	}

	downloadURL := att.Content
	return document.Header{
		ID:          identity.DocumentID(config.SourceTypeJira, a.name, downloadURL),
		Title:       att.Filename,
		SourceType:  config.SourceTypeJira,
		SourceName:  a.name,
		URL:         downloadURL,
		ContentType: att.MimeType,
		Version:     att.Created,
		Metadata:    meta,
		CreatedAt:   parseTime(att.Created),
		UpdatedAt:   parseTime(att.Created),
		Fetch: func(ctx context.Context) ([]byte, error) {
			resp, err := a.client.Do(ctx, &fetch.Request{
				Method:   http.MethodGet,
				URL:      downloadURL,
				Header:   a.auth,
				MaxBytes: a.maxFetch,
			})
			if err != nil {
				return nil, err
			}
			return resp.Body, nil
		},
	}
}

func quoteJQL(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

var timeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05.000Z07:00",
	time.RFC3339,
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

type searchResult struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []issue `json:"issues"`
}

type issue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Created     string `json:"created"`
		Updated     string `json:"updated"`
		Labels      []string `json:"labels"`
		IssueType   struct {
			Name string `json:"name"`
		} `json:"issuetype"`
		Status struct {
			Name string `json:"name"`
		} `json:"status"`
		Priority struct {
			Name string `json:"name"`
		} `json:"priority"`
		Reporter struct {
			DisplayName string `json:"displayName"`
		} `json:"reporter"`
		Comment     commentList  `json:"comment"`
		Attachments []attachment `json:"attachment"`
	} `json:"fields"`
}

type commentList struct {
	Comments   []comment `json:"comments"`
	MaxResults int       `json:"maxResults"`
	Total      int       `json:"total"`
}

type comment struct {
	Author struct {
		DisplayName string `json:"displayName"`
	} `json:"author"`
	Body    string `json:"body"`
	Created string `json:"created"`
}

type attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Content  string `json:"content"`
	Created  string `json:"created"`
	Author   struct {
		DisplayName string `json:"displayName"`
	} `json:"author"`
}
