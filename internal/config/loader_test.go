package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/qloader/internal/errkind"
)

const sampleConfig = `
global:
  qdrant:
    url: http://localhost:6334
    api_key: ${TEST_QDRANT_KEY}
    collection_name: docs
  llm:
    provider: openai
    base_url: https://api.openai.com/v1
    api_key: ${TEST_LLM_KEY}
    models:
      embeddings: text-embedding-3-small
  chunking:
    chunk_size: 400
    chunk_overlap: 40
projects:
  my-docs:
    display_name: My Docs
    sources:
      localfile:
        notes:
          base_path: /srv/notes
          file_types: ["*.md", "*.txt"]
      confluence:
        wiki:
          base_url: https://example.atlassian.net
          space_key: ENG
          token: ${TEST_LLM_KEY}
          email: docs@example.com
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return dir
}

func TestLoadWorkspace(t *testing.T) {
	t.Setenv("TEST_QDRANT_KEY", "qk-123")
	t.Setenv("TEST_LLM_KEY", "sk-456")

	dir := writeConfig(t, sampleConfig)
	cfg, err := LoadWorkspace(dir)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:6334", cfg.Global.Qdrant.URL)
	assert.Equal(t, "qk-123", cfg.Global.Qdrant.APIKey.Value())
	assert.Equal(t, "docs", cfg.Global.Qdrant.CollectionName)
	assert.Equal(t, filepath.Join(dir, StateFileName), cfg.Global.State.DatabasePath)

	assert.Equal(t, 400, cfg.Global.Chunking.ChunkSize)
	assert.Equal(t, 40, cfg.Global.Chunking.ChunkOverlap)
	assert.Equal(t, 16384, cfg.Global.Chunking.MaxChunkBytes)

	require.Contains(t, cfg.Projects, "my-docs")
	project := cfg.Projects["my-docs"]
	assert.Equal(t, "My Docs", project.DisplayName)
	assert.Equal(t, 2, project.Sources.Count())

	wiki := project.Sources.Confluence["wiki"]
	assert.Equal(t, DeploymentCloud, wiki.DeploymentType)
	assert.Equal(t, 60, wiki.RequestsPerMinute)
	assert.Equal(t, "sk-456", wiki.Token.Value())
}

func TestLoadUnresolvedEnvVar(t *testing.T) {
	t.Setenv("TEST_QDRANT_KEY", "qk-123")
	os.Unsetenv("TEST_LLM_KEY")

	dir := writeConfig(t, sampleConfig)
	_, err := LoadWorkspace(dir)
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "TEST_LLM_KEY")
}

func TestLoadUnknownSourceType(t *testing.T) {
	content := `
global:
  qdrant:
    url: http://localhost:6334
    collection_name: docs
projects:
  p1:
    sources:
      sharepoint:
        main:
          base_url: https://example.com
`
	dir := writeConfig(t, content)
	_, err := LoadWorkspace(dir)
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "sharepoint")
}

func TestLoadInvalidProjectID(t *testing.T) {
	content := `
global:
  qdrant:
    url: http://localhost:6334
    collection_name: docs
projects:
  "Bad Project":
    sources: {}
`
	dir := writeConfig(t, content)
	_, err := LoadWorkspace(dir)
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
}

func TestLoadOverlapGreaterThanSize(t *testing.T) {
	content := `
global:
  qdrant:
    url: http://localhost:6334
    collection_name: docs
  chunking:
    chunk_size: 100
    chunk_overlap: 100
`
	dir := writeConfig(t, content)
	_, err := LoadWorkspace(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_overlap")
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TEST_QDRANT_KEY", "qk")
	t.Setenv("TEST_LLM_KEY", "sk")
	t.Setenv("QLOADER_GLOBAL__QDRANT__COLLECTION_NAME", "overridden")

	dir := writeConfig(t, sampleConfig)
	cfg, err := LoadWorkspace(dir)
	require.NoError(t, err)
	assert.Equal(t, "overridden", cfg.Global.Qdrant.CollectionName)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := LoadWorkspace(t.TempDir())
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
}

func TestCollectionNameNormalized(t *testing.T) {
	content := `
global:
  qdrant:
    url: http://localhost:6334
    collection_name: "My Docs!"
`
	dir := writeConfig(t, content)
	cfg, err := LoadWorkspace(dir)
	require.NoError(t, err)
	assert.Equal(t, "my_docs", cfg.Global.Qdrant.CollectionName)

	content = `
global:
  qdrant:
    url: http://localhost:6334
`
	dir = writeConfig(t, content)
	cfg, err = LoadWorkspace(dir)
	require.NoError(t, err)
	assert.Equal(t, "qloader", cfg.Global.Qdrant.CollectionName)
}

func TestRedactedHidesSecrets(t *testing.T) {
	t.Setenv("TEST_QDRANT_KEY", "qk-very-secret")
	t.Setenv("TEST_LLM_KEY", "sk-very-secret")

	dir := writeConfig(t, sampleConfig)
	cfg, err := LoadWorkspace(dir)
	require.NoError(t, err)

	redacted, err := cfg.Redacted()
	require.NoError(t, err)
	rendered, err := RenderYAML(redacted)
	require.NoError(t, err)

	text := string(rendered)
	assert.NotContains(t, text, "qk-very-secret")
	assert.NotContains(t, text, "sk-very-secret")
	assert.Contains(t, text, "[REDACTED]")
	assert.Contains(t, text, "collection_name: docs")
}

func TestParseJSONDocument(t *testing.T) {
	content := `{"global":{"qdrant":{"url":"http://q:6334","collection_name":"c"}},"projects":{}}`
	cfg, err := Parse([]byte(content))
	require.NoError(t, err)
	assert.Equal(t, "http://q:6334", cfg.Global.Qdrant.URL)
}

func TestExpandEnvReportsAllMissing(t *testing.T) {
	os.Unsetenv("QL_MISSING_ONE")
	os.Unsetenv("QL_MISSING_TWO")
	_, err := ExpandEnv([]byte("a: ${QL_MISSING_TWO}\nb: ${QL_MISSING_ONE}\nc: ${QL_MISSING_ONE}"))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "QL_MISSING_ONE")
	assert.Contains(t, msg, "QL_MISSING_TWO")
	assert.Equal(t, 1, strings.Count(msg, "QL_MISSING_ONE"))
}

func TestSecretRedactsItself(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	empty := Secret("")
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}
