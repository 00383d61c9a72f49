package chunking

import (
	"strconv"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/qloader/internal/document"
)

func testDoc(contentType, content string) document.Document {
	return document.Document{
		ID:          "localfile-docs-readme",
		ContentType: contentType,
		Content:     content,
	}
}

func TestChunkEmptyContent(t *testing.T) {
	c := New(Config{}, EstimateTokens)
	for _, content := range []string{"", "   \n\t  "} {
		chunks, err := c.Chunk(testDoc("text/markdown", content))
		require.NoError(t, err)
		assert.Empty(t, chunks)
	}
}

func TestChunkMarkdownSections(t *testing.T) {
	content := "# Guide\nintro\n## Install\nsteps\n### Linux\napt\n## Use\nrun"
	c := New(Config{}, EstimateTokens)

	chunks, err := c.Chunk(testDoc("text/markdown", content))
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	assert.Equal(t, "# Guide\nintro", chunks[0].Content)
	assert.Equal(t, "Guide", chunks[0].Metadata[document.MetaSectionPath])
	assert.Equal(t, "Guide > Install", chunks[1].Metadata[document.MetaSectionPath])
	assert.Equal(t, "Guide > Install > Linux", chunks[2].Metadata[document.MetaSectionPath])

	// A sibling heading clears deeper stack entries.
	assert.Equal(t, "Guide > Use", chunks[3].Metadata[document.MetaSectionPath])

	for i, chunk := range chunks {
		assert.Equal(t, "localfile-docs-readme#"+strconv.Itoa(i), chunk.ID)
		assert.Equal(t, "localfile-docs-readme", chunk.DocumentID)
		assert.Equal(t, i, chunk.Index)
		assert.Equal(t, EstimateTokens(chunk.Content), chunk.TokenCount)
		assert.Equal(t, 4, chunk.Metadata[document.MetaChunkTotal])
	}
}

func TestChunkTrailingHashHeading(t *testing.T) {
	c := New(Config{}, EstimateTokens)

	chunks, err := c.Chunk(testDoc("text/markdown", "# Setup ##\n\nrun make\n"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Setup", chunks[0].Metadata[document.MetaSectionPath])
}

func TestChunkFencedCodeNotSplit(t *testing.T) {
	c := New(Config{}, EstimateTokens)

	t.Run("backticks", func(t *testing.T) {
		content := "# Usage\n\n```sh\n# comment not a heading\n## neither\n```\n\ndone\n"
		chunks, err := c.Chunk(testDoc("text/markdown", content))
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Contains(t, chunks[0].Content, "# comment not a heading")
		assert.Contains(t, chunks[0].Content, "## neither")
		assert.Equal(t, "Usage", chunks[0].Metadata[document.MetaSectionPath])
	})

	t.Run("tildes with inner backticks", func(t *testing.T) {
		content := "# A\n~~~\n```\n# x\n```\n~~~\nafter\n"
		chunks, err := c.Chunk(testDoc("text/markdown", content))
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Contains(t, chunks[0].Content, "# x")
		assert.Contains(t, chunks[0].Content, "after")
	})
}

func TestChunkPreambleBeforeFirstHeading(t *testing.T) {
	c := New(Config{}, EstimateTokens)

	chunks, err := c.Chunk(testDoc("text/markdown", "intro paragraph\n\n# First\nbody\n"))
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "intro paragraph", chunks[0].Content)
	assert.NotContains(t, chunks[0].Metadata, document.MetaSectionPath)
	assert.Equal(t, "First", chunks[1].Metadata[document.MetaSectionPath])
}

func TestChunkHeadingOnlySectionSkipped(t *testing.T) {
	c := New(Config{}, EstimateTokens)

	chunks, err := c.Chunk(testDoc("text/markdown", "# Guide\n\n## Install\n\nrun make install\n"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	// The empty parent still contributes to the breadcrumb.
	assert.Equal(t, "Guide > Install", chunks[0].Metadata[document.MetaSectionPath])
}

func TestChunkOversizedSectionWindows(t *testing.T) {
	content := "# Big\n\n" + strings.Repeat("lorem ipsum dolor sit amet ", 20)
	c := New(Config{ChunkSize: 25, ChunkOverlap: 5}, EstimateTokens)

	chunks, err := c.Chunk(testDoc("text/markdown", content))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	for _, chunk := range chunks {
		assert.Equal(t, "Big", chunk.Metadata[document.MetaSectionPath])
		assert.LessOrEqual(t, chunk.TokenCount, 30)
		assert.LessOrEqual(t, len(chunk.Content), DefaultMaxChunkBytes)
		assert.Equal(t, len(chunks), chunk.Metadata[document.MetaChunkTotal])
	}
}

func TestChunkPlainTextWindow(t *testing.T) {
	content := strings.Repeat("alpha beta gamma delta epsilon. ", 75)
	c := New(Config{ChunkSize: 100, ChunkOverlap: 20}, EstimateTokens)

	chunks, err := c.Chunk(testDoc("text/plain", content))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 3)

	var joined strings.Builder
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Index)
		assert.LessOrEqual(t, chunk.TokenCount, 120)
		assert.LessOrEqual(t, len(chunk.Content), DefaultMaxChunkBytes)
		assert.NotContains(t, chunk.Metadata, document.MetaSectionPath)
		joined.WriteString(chunk.Content)
	}
	assert.Contains(t, joined.String(), "alpha beta gamma")
}

func TestChunkMarkdownWithoutHeadingsWindows(t *testing.T) {
	c := New(Config{}, EstimateTokens)

	chunks, err := c.Chunk(testDoc("text/markdown", "just prose\nmore prose"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.NotContains(t, chunks[0].Metadata, document.MetaSectionPath)
}

func TestChunkZeroOverlapHonored(t *testing.T) {
	content := strings.Repeat("word ", 20)
	c := New(Config{ChunkSize: 10, ChunkOverlap: 0}, EstimateTokens)

	chunks, err := c.Chunk(testDoc("text/plain", content))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, chunk.TokenCount, 10)
	}
}

func TestChunkMaxChunkBytesEnforced(t *testing.T) {
	content := strings.Repeat("x", 200)
	c := New(Config{ChunkSize: 100, ChunkOverlap: 0, MaxChunkBytes: 40}, EstimateTokens)

	chunks, err := c.Chunk(testDoc("text/plain", content))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	var joined strings.Builder
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk.Content), 40)
		joined.WriteString(chunk.Content)
	}
	assert.Equal(t, content, joined.String())
}

func TestChunkMaxChunkBytesKeepsValidUTF8(t *testing.T) {
	content := strings.Repeat("é", 30)
	c := New(Config{ChunkSize: 100, ChunkOverlap: 0, MaxChunkBytes: 16}, EstimateTokens)

	chunks, err := c.Chunk(testDoc("text/plain", content))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	var joined strings.Builder
	for _, chunk := range chunks {
		assert.True(t, utf8.ValidString(chunk.Content))
		joined.WriteString(chunk.Content)
	}
	assert.Equal(t, content, joined.String())
}

func TestChunkDeterministic(t *testing.T) {
	content := "# Big\n\n" + strings.Repeat("lorem ipsum dolor sit amet ", 30) + "\n## Tail\nshort"
	c := New(Config{ChunkSize: 25, ChunkOverlap: 5}, EstimateTokens)
	doc := testDoc("text/markdown", content)

	first, err := c.Chunk(doc)
	require.NoError(t, err)
	second, err := c.Chunk(doc)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"abcdefgh", 2},
		{"abcdefghi", 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateTokens(tt.in), "input %q", tt.in)
	}
}

func TestNewCounterFallsBack(t *testing.T) {
	for _, model := range []string{"", "not-a-real-model"} {
		counter := NewCounter(model)
		require.NotNil(t, counter)
		assert.Equal(t, EstimateTokens("abcdefgh"), counter("abcdefgh"), "model %q", model)
	}
}

func TestChunkDefaults(t *testing.T) {
	c := New(Config{}, nil)

	chunks, err := c.Chunk(testDoc("text/plain", "short note"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, EstimateTokens("short note"), chunks[0].TokenCount)
}
