package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/state"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: exitOK},
		{name: "no progress", err: errNoProgress, want: exitNoProgress},
		{name: "wrapped no progress", err: fmt.Errorf("ingest: %w", errNoProgress), want: exitNoProgress},
		{name: "config", err: errkind.New(errkind.Config, "bad yaml"), want: exitConfig},
		{name: "invalid request", err: errkind.New(errkind.InvalidRequest, "bad flag"), want: exitConfig},
		{name: "auth", err: errkind.New(errkind.Auth, "401"), want: exitAuth},
		{name: "transient", err: errkind.New(errkind.Transient, "timeout"), want: exitConnection},
		{name: "server", err: errkind.New(errkind.Server, "grpc down"), want: exitConnection},
		{name: "not found", err: errkind.New(errkind.NotFound, "404"), want: exitConnection},
		{name: "state", err: errkind.New(errkind.State, "disk full"), want: exitConnection},
		{name: "conversion", err: errkind.New(errkind.Conversion, "bad pdf"), want: exitConnection},
		{name: "cancelled", err: errkind.New(errkind.Cancelled, "interrupted"), want: 130},
		{name: "unclassified", err: fmt.Errorf("boom"), want: exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestSeedWorkspace(t *testing.T) {
	dir := t.TempDir()

	seeded, err := seedWorkspace(dir)
	require.NoError(t, err)
	assert.True(t, seeded)

	cfg, err := config.LoadWorkspace(dir)
	require.NoError(t, err)
	assert.Equal(t, "qloader", cfg.Global.Qdrant.CollectionName)
	assert.Equal(t, config.ProviderOpenAI, cfg.Global.LLM.Provider)
	assert.True(t, cfg.Global.Sanitize.DetectSecrets)

	example, ok := cfg.Projects["example"]
	require.True(t, ok)
	assert.Equal(t, "./docs", example.Sources.LocalFile["docs"].BasePath)
	assert.Empty(t, example.Sources.Git, "commented examples must not parse as sources")

	// Re-running must not overwrite an edited configuration.
	path := filepath.Join(dir, config.ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("global:\n  qdrant:\n    url: http://edited:6334\n"), 0o644))
	seeded, err = seedWorkspace(dir)
	require.NoError(t, err)
	assert.False(t, seeded)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "edited")
}

func TestSeedWorkspaceCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "ws")

	seeded, err := seedWorkspace(dir)
	require.NoError(t, err)
	assert.True(t, seeded)
	assert.FileExists(t, filepath.Join(dir, config.ConfigFileName))
}

func TestStarterConfigParses(t *testing.T) {
	cfg, err := config.Parse([]byte(starterConfig))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:6334", cfg.Global.Qdrant.URL)
	assert.Equal(t, "text-embedding-3-small", cfg.Global.LLM.Models.Embeddings)
	assert.Len(t, cfg.Projects, 1)
}

func scopeConfig() *config.Config {
	return &config.Config{
		Global: config.Global{Qdrant: config.Qdrant{CollectionName: "docs"}},
		Projects: map[string]config.Project{
			"alpha": {Sources: config.Sources{
				LocalFile: map[string]config.LocalFileSource{"notes": {BasePath: "/srv/notes"}},
				Git:       map[string]config.GitSource{"handbook": {BaseURL: "https://example.com/handbook.git"}},
			}},
			"beta": {Sources: config.Sources{
				Confluence: map[string]config.ConfluenceSource{"wiki": {
					BaseURL:  "https://example.atlassian.net",
					SpaceKey: "DOCS",
				}},
			}},
		},
	}
}

func TestSelectProjectsAll(t *testing.T) {
	targets, err := selectProjects(scopeConfig(), "", "", "")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "alpha", targets[0].ID)
	assert.Equal(t, "beta", targets[1].ID)
}

func TestSelectProjectsByProject(t *testing.T) {
	targets, err := selectProjects(scopeConfig(), "alpha", "git", "")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 1, targets[0].Sources.Count())
	assert.Contains(t, targets[0].Sources.Git, "handbook")
}

func TestSelectProjectsByTypeSkipsNonMatching(t *testing.T) {
	targets, err := selectProjects(scopeConfig(), "", "confluence", "")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "beta", targets[0].ID)
}

func TestSelectProjectsByName(t *testing.T) {
	targets, err := selectProjects(scopeConfig(), "", "", "wiki")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "beta", targets[0].ID)
	assert.Equal(t, 1, targets[0].Sources.Count())
}

func TestSelectProjectsErrors(t *testing.T) {
	_, err := selectProjects(scopeConfig(), "", "svn", "")
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))

	_, err = selectProjects(scopeConfig(), "", "", "missing")
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))

	_, err = selectProjects(scopeConfig(), "gamma", "", "")
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestIngestReportOutcome(t *testing.T) {
	okRun := func(newDocs, failed int, sourceErr string) runResult {
		counters := state.RunCounters{New: newDocs, Failed: failed}
		if sourceErr != "" {
			counters.Sources = map[string]state.SourceCounters{
				"confluence:wiki": {Error: sourceErr},
			}
		}
		return runResult{projectID: "alpha", run: state.Run{RunCounters: counters}}
	}

	t.Run("progress wins over source failure", func(t *testing.T) {
		rep := ingestReport{results: []runResult{okRun(3, 1, "401 unauthorized")}}
		assert.NoError(t, rep.outcome())
	})

	t.Run("no progress with source failure", func(t *testing.T) {
		rep := ingestReport{results: []runResult{okRun(0, 0, "401 unauthorized")}}
		assert.ErrorIs(t, rep.outcome(), errNoProgress)
	})

	t.Run("empty scope is success", func(t *testing.T) {
		rep := ingestReport{results: []runResult{okRun(0, 0, "")}}
		assert.NoError(t, rep.outcome())
	})

	t.Run("fatal error passes through", func(t *testing.T) {
		fatal := errkind.New(errkind.State, "db locked")
		rep := ingestReport{err: fatal}
		assert.Equal(t, fatal, rep.outcome())
	})

	t.Run("drained interrupt is success", func(t *testing.T) {
		rep := ingestReport{err: errkind.New(errkind.Cancelled, "interrupted")}
		assert.NoError(t, rep.outcome())
	})
}

func TestPrintSummaryTable(t *testing.T) {
	results := []runResult{{
		projectID: "alpha",
		run: state.Run{RunCounters: state.RunCounters{
			Seen: 12, New: 3, Updated: 1, Unchanged: 8, ChunksWritten: 1234,
			Sources: map[string]state.SourceCounters{
				"git/handbook": {Error: "clone failed"},
			},
		}},
		elapsed: 65 * time.Second,
	}}

	cmd := ingestCmd
	var out bytes.Buffer
	cmd.SetOut(&out)
	printSummary(cmd, results)

	s := out.String()
	assert.Contains(t, s, "PROJECT")
	assert.Contains(t, s, "alpha")
	assert.Contains(t, s, "1,234")
	assert.Contains(t, s, "1m 5s")
	assert.Contains(t, s, "git/handbook")
	assert.Contains(t, s, "clone failed")
}

func TestDashboardLabel(t *testing.T) {
	targets, err := selectProjects(scopeConfig(), "", "", "")
	require.NoError(t, err)
	assert.Equal(t, "2 projects", dashboardLabel(targets))
	assert.Equal(t, "alpha", dashboardLabel(targets[:1]))
}

func TestKnownSourceType(t *testing.T) {
	for _, typ := range config.SourceTypes() {
		assert.True(t, knownSourceType(typ), typ)
	}
	assert.False(t, knownSourceType("svn"))
}

func TestFormatRunResult(t *testing.T) {
	run := &state.Run{RunCounters: state.RunCounters{Seen: 10, New: 2, Updated: 3, Failed: 1}}
	assert.Equal(t, "10 seen, 5 written, 1 failed", formatRunResult(run))
}
