package localfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/sources"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func collect(headers *[]document.Header) sources.EmitFunc {
	return func(h document.Header) error {
		*headers = append(*headers, h)
		return nil
	}
}

func relPaths(headers []document.Header) []string {
	names := make([]string, 0, len(headers))
	for _, h := range headers {
		names = append(names, h.Title)
	}
	return names
}

func TestFactoryRejectsWrongConfigType(t *testing.T) {
	_, err := Factory("docs", config.GitSource{}, sources.Deps{})
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "unexpected config type")
}

func TestNewRequiresBasePath(t *testing.T) {
	_, err := New("docs", config.LocalFileSource{}, sources.Deps{})
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "base_path is required")
}

func TestNewRejectsBadGlob(t *testing.T) {
	cfg := config.LocalFileSource{BasePath: "/tmp", IncludePaths: []string{"[unclosed"}}
	_, err := New("docs", cfg, sources.Deps{})
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
}

var _ sources.Checker = (*Adapter)(nil)

func TestCheck(t *testing.T) {
	root := t.TempDir()
	a, err := New("docs", config.LocalFileSource{BasePath: root}, sources.Deps{})
	require.NoError(t, err)
	assert.NoError(t, a.Check(context.Background()))
}

func TestCheckMissingBasePath(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	a, err := New("docs", config.LocalFileSource{BasePath: missing}, sources.Deps{})
	require.NoError(t, err)

	err = a.Check(context.Background())
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "does not exist")
}

func TestCheckBasePathIsFile(t *testing.T) {
	root := t.TempDir()
	file := writeFile(t, root, "notes.md", "hello")
	a, err := New("docs", config.LocalFileSource{BasePath: file}, sources.Deps{})
	require.NoError(t, err)

	err = a.Check(context.Background())
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "not a directory")
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "docs/intro.md", "# Intro\n\nWelcome.")
	writeFile(t, root, "docs/guide/setup.md", "# Setup")
	writeFile(t, root, "src/main.go", "package main")
	writeFile(t, root, "node_modules/pkg/index.js", "module.exports = {}")

	cfg := config.LocalFileSource{BasePath: root, FileTypes: []string{"md"}}
	a, err := New("docs", cfg, sources.Deps{})
	require.NoError(t, err)

	assert.Equal(t, config.SourceTypeLocalFile, a.Type())
	assert.Equal(t, "docs", a.Name())

	var headers []document.Header
	require.NoError(t, a.Discover(context.Background(), collect(&headers)))
	require.Len(t, headers, 2)
	assert.ElementsMatch(t, []string{"intro.md", "setup.md"}, relPaths(headers))

	var intro document.Header
	for _, h := range headers {
		if h.Title == "intro.md" {
			intro = h
		}
	}
	assert.Len(t, intro.ID, 64)
	assert.Equal(t, config.SourceTypeLocalFile, intro.SourceType)
	assert.Equal(t, "docs", intro.SourceName)
	assert.True(t, len(intro.URL) > 7 && intro.URL[:7] == "file://")
	assert.Regexp(t, `^\d+:\d+$`, intro.Version)
	assert.Equal(t, "intro.md", intro.Metadata[document.MetaFileName])
	assert.Equal(t, "md", intro.Metadata[document.MetaFileType])
	assert.EqualValues(t, 17, intro.Metadata[document.MetaFileSize])
	assert.False(t, intro.UpdatedAt.IsZero())

	body, err := intro.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "# Intro\n\nWelcome.", string(body))
}

func TestDiscoverHonorsIgnoreFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".gitignore", "*.log\nbuild/\n")
	writeFile(t, root, "app.log", "noise")
	writeFile(t, root, "build/out.txt", "artifact")
	writeFile(t, root, "notes.txt", "keep")

	a, err := New("scratch", config.LocalFileSource{BasePath: root, FileTypes: []string{"txt", "log"}}, sources.Deps{})
	require.NoError(t, err)

	var headers []document.Header
	require.NoError(t, a.Discover(context.Background(), collect(&headers)))
	assert.Equal(t, []string{"notes.txt"}, relPaths(headers))
}

func TestDiscoverSizeCap(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "small.txt", "ok")
	writeFile(t, root, "large.txt", "0123456789abcdef")

	cfg := config.LocalFileSource{BasePath: root, MaxFileSize: 10}
	a, err := New("docs", cfg, sources.Deps{MaxFileSize: 1})
	require.NoError(t, err)

	var headers []document.Header
	require.NoError(t, a.Discover(context.Background(), collect(&headers)))
	assert.Equal(t, []string{"small.txt"}, relPaths(headers))
}

func TestDiscoverFallsBackToDepsMaxFileSize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "big.txt", "0123456789")

	a, err := New("docs", config.LocalFileSource{BasePath: root}, sources.Deps{MaxFileSize: 4})
	require.NoError(t, err)

	var headers []document.Header
	require.NoError(t, a.Discover(context.Background(), collect(&headers)))
	assert.Empty(t, headers)
}

func TestDiscoverFollowsFileSymlinks(t *testing.T) {
	root := t.TempDir()
	target := writeFile(t, root, "real/doc.md", "# Doc")
	require.NoError(t, os.Symlink(target, filepath.Join(root, "link.md")))
	require.NoError(t, os.Symlink(filepath.Join(root, "gone.md"), filepath.Join(root, "dangling.md")))

	a, err := New("docs", config.LocalFileSource{BasePath: root}, sources.Deps{})
	require.NoError(t, err)

	var headers []document.Header
	require.NoError(t, a.Discover(context.Background(), collect(&headers)))
	assert.ElementsMatch(t, []string{"doc.md", "link.md"}, relPaths(headers))

	// The symlink resolves to the same canonical file, so both entries
	// share one document identity.
	assert.Equal(t, headers[0].ID, headers[1].ID)
}

func TestDiscoverMissingBasePath(t *testing.T) {
	a, err := New("docs", config.LocalFileSource{BasePath: filepath.Join(t.TempDir(), "absent")}, sources.Deps{})
	require.NoError(t, err)

	err = a.Discover(context.Background(), func(document.Header) error { return nil })
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "does not exist")
}

func TestDiscoverPropagatesEmitError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "one")
	writeFile(t, root, "b.txt", "two")

	a, err := New("docs", config.LocalFileSource{BasePath: root}, sources.Deps{})
	require.NoError(t, err)

	sentinel := errors.New("pipeline full")
	err = a.Discover(context.Background(), func(document.Header) error { return sentinel })
	require.ErrorIs(t, err, sentinel)
}

func TestDiscoverCancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "one")

	a, err := New("docs", config.LocalFileSource{BasePath: root}, sources.Deps{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = a.Discover(ctx, func(document.Header) error { return nil })
	require.Error(t, err)
	assert.Equal(t, errkind.Cancelled, errkind.KindOf(err))
}
