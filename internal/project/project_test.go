package project

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Global.Qdrant.CollectionName = "docs"
	cfg.Projects = map[string]config.Project{
		"beta": {
			DisplayName: "Beta Docs",
			Sources: config.Sources{
				Git: map[string]config.GitSource{
					"handbook": {BaseURL: "https://example.com/handbook.git"},
				},
			},
		},
		"alpha": {
			Description: "internal wiki",
			Sources: config.Sources{
				LocalFile: map[string]config.LocalFileSource{
					"notes":  {BasePath: "/srv/notes"},
					"shared": {BasePath: "/srv/shared"},
				},
				Confluence: map[string]config.ConfluenceSource{
					"wiki": {BaseURL: "https://example.atlassian.net/wiki", SpaceKey: "ENG"},
				},
			},
		},
	}
	return cfg
}

func TestFromConfig(t *testing.T) {
	projects, err := FromConfig(testConfig())
	require.NoError(t, err)
	require.Len(t, projects, 2)

	// Sorted by id, not map order.
	assert.Equal(t, "alpha", projects[0].ID)
	assert.Equal(t, "beta", projects[1].ID)

	// Display name falls back to the id.
	assert.Equal(t, "alpha", projects[0].DisplayName)
	assert.Equal(t, "Beta Docs", projects[1].DisplayName)

	assert.Equal(t, "internal wiki", projects[0].Description)
	assert.Equal(t, "docs", projects[0].CollectionName)
	assert.Equal(t, 3, projects[0].Sources.Count())
	assert.Equal(t, 1, projects[1].Sources.Count())
}

func TestFromConfigNil(t *testing.T) {
	_, err := FromConfig(nil)
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
}

func TestFromConfigInvalidID(t *testing.T) {
	cfg := testConfig()
	cfg.Projects["Not Valid"] = config.Project{}

	_, err := FromConfig(cfg)
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "Not Valid")
}

func TestFind(t *testing.T) {
	projects, err := FromConfig(testConfig())
	require.NoError(t, err)

	p, err := Find(projects, "beta")
	require.NoError(t, err)
	assert.Equal(t, "beta", p.ID)

	_, err = Find(projects, "gamma")
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestScoped(t *testing.T) {
	projects, err := FromConfig(testConfig())
	require.NoError(t, err)
	alpha := projects[0]

	t.Run("no selectors returns the project unchanged", func(t *testing.T) {
		got, err := alpha.Scoped("", "")
		require.NoError(t, err)
		assert.Same(t, alpha, got)
	})

	t.Run("by type", func(t *testing.T) {
		got, err := alpha.Scoped(config.SourceTypeLocalFile, "")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Sources.Count())
		assert.Empty(t, got.Sources.Confluence)
		// The original is untouched.
		assert.Equal(t, 3, alpha.Sources.Count())
	})

	t.Run("by name", func(t *testing.T) {
		got, err := alpha.Scoped("", "notes")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Sources.Count())
		assert.Contains(t, got.Sources.LocalFile, "notes")
	})

	t.Run("by type and name", func(t *testing.T) {
		got, err := alpha.Scoped(config.SourceTypeConfluence, "wiki")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Sources.Count())
	})

	t.Run("no match is a config error", func(t *testing.T) {
		_, err := alpha.Scoped(config.SourceTypeGit, "")
		require.Error(t, err)
		assert.Equal(t, errkind.Config, errkind.KindOf(err))
	})

	t.Run("unknown type is a config error", func(t *testing.T) {
		_, err := alpha.Scoped("svn", "")
		require.Error(t, err)
		assert.Equal(t, errkind.Config, errkind.KindOf(err))
		assert.Contains(t, err.Error(), "svn")
	})
}

func TestWatchRoots(t *testing.T) {
	projects, err := FromConfig(testConfig())
	require.NoError(t, err)

	assert.Equal(t, []string{"/srv/notes", "/srv/shared"}, projects[0].WatchRoots())
	assert.Empty(t, projects[1].WatchRoots())
}
