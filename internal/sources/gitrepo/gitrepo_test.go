package gitrepo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/sources"
)

func newAdapter(t *testing.T, cfg config.GitSource) *Adapter {
	t.Helper()
	a, err := New("core", cfg, sources.Deps{})
	require.NoError(t, err)
	return a
}

func TestFactoryRejectsWrongConfigType(t *testing.T) {
	_, err := Factory("core", config.JiraSource{}, sources.Deps{})
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New("core", config.GitSource{}, sources.Deps{})
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "base_url is required")
}

func TestNewRejectsBadGlob(t *testing.T) {
	cfg := config.GitSource{BaseURL: "https://github.com/example/core.git", ExcludePaths: []string{"[oops"}}
	_, err := New("core", cfg, sources.Deps{})
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
}

func TestParseGitHubRepo(t *testing.T) {
	tests := []struct {
		remote string
		owner  string
		repo   string
		ok     bool
	}{
		{"https://github.com/example/core.git", "example", "core", true},
		{"https://github.com/example/core", "example", "core", true},
		{"https://github.com/example/core/", "example", "core", true},
		{"git@github.com:example/core.git", "example", "core", true},
		{"git@github.com:example/core", "example", "core", true},
		{"https://gitlab.com/example/core.git", "", "", false},
		{"https://github.com/only-owner", "", "", false},
	}
	for _, tt := range tests {
		owner, repo, ok := parseGitHubRepo(tt.remote)
		assert.Equal(t, tt.ok, ok, "remote %q", tt.remote)
		assert.Equal(t, tt.owner, owner, "remote %q", tt.remote)
		assert.Equal(t, tt.repo, repo, "remote %q", tt.remote)
	}
}

func TestFileURL(t *testing.T) {
	github := newAdapter(t, config.GitSource{BaseURL: "git@github.com:example/core.git"})
	assert.Equal(t,
		"https://github.com/example/core/blob/main/docs/intro.md",
		github.fileURL("docs/intro.md", "main"))
	assert.Equal(t,
		"https://github.com/example/core/blob/HEAD/docs/intro.md",
		github.fileURL("docs/intro.md", ""))

	generic := newAdapter(t, config.GitSource{BaseURL: "https://git.example.com/core.git"})
	assert.Equal(t,
		"https://git.example.com/core/docs/intro.md",
		generic.fileURL("docs/intro.md", "main"))
}

func TestClassifyRemote(t *testing.T) {
	a := newAdapter(t, config.GitSource{BaseURL: "https://github.com/example/core.git"})
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
		want errkind.Kind
	}{
		{"auth required", transport.ErrAuthenticationRequired, errkind.Auth},
		{"authorization failed", transport.ErrAuthorizationFailed, errkind.Auth},
		{"repository not found", transport.ErrRepositoryNotFound, errkind.Config},
		{"missing branch", errors.New("couldn't find remote ref \"refs/heads/gone\""), errkind.Config},
		{"network failure", errors.New("dial tcp: connection refused"), errkind.Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.classifyRemote(ctx, "clone", tt.err)
			assert.Equal(t, tt.want, errkind.KindOf(err))
			assert.Contains(t, err.Error(), "clone https://github.com/example/core.git")
		})
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.classifyRemote(cancelled, "clone", errors.New("context canceled"))
	assert.Equal(t, errkind.Cancelled, errkind.KindOf(err))
}

func TestHeader(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(dir, "intro.md")
	require.NoError(t, os.WriteFile(abs, []byte("# Intro"), 0o644))
	fi, err := os.Stat(abs)
	require.NoError(t, err)

	a := newAdapter(t, config.GitSource{BaseURL: "https://github.com/example/core.git"})
	when := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sha := "4f2d9cbe6f5f1f0d3b9a7c8e2d4a6b8c0e1f3a5b"

	h := a.header(abs, "docs/intro.md", fi, sha, "main", when, map[string]any{
		"repository_description": "Core service",
		document.MetaTags:        []string{"go", "infra"},
	})

	assert.Len(t, h.ID, 64)
	assert.Equal(t, config.SourceTypeGit, h.SourceType)
	assert.Equal(t, "core", h.SourceName)
	assert.Equal(t, "https://github.com/example/core/blob/main/docs/intro.md", h.URL)
	assert.Equal(t, sha, h.Version)
	assert.Equal(t, "intro.md", h.Title)
	assert.Equal(t, "intro.md", h.Metadata[document.MetaFileName])
	assert.Equal(t, "md", h.Metadata[document.MetaFileType])
	assert.Equal(t, "Core service", h.Metadata["repository_description"])
	assert.Equal(t, []string{"go", "infra"}, h.Metadata[document.MetaTags])
	assert.Equal(t, when, h.UpdatedAt)

	body, err := h.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "# Intro", string(body))

	require.NoError(t, os.Remove(abs))
	_, err = h.Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestDiscoverTempDirFailure(t *testing.T) {
	a, err := New("core", config.GitSource{BaseURL: "https://github.com/example/core.git"}, sources.Deps{
		TempDir: func(string) (string, error) { return "", errors.New("disk full") },
	})
	require.NoError(t, err)

	err = a.Discover(context.Background(), func(document.Header) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temp dir")
}

func TestDiscoverMissingLocalRemote(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	a, err := New("core", config.GitSource{BaseURL: missing}, sources.Deps{})
	require.NoError(t, err)

	err = a.Discover(context.Background(), func(document.Header) error { return nil })
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
}

var _ sources.Checker = (*Adapter)(nil)

func TestCheckMissingRemote(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	a, err := New("core", config.GitSource{BaseURL: missing}, sources.Deps{})
	require.NoError(t, err)

	err = a.Check(context.Background())
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
}
