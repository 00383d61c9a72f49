package chunking

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// window splits text with the recursive character splitter, converting
// token budgets to character budgets through charsPerToken, then runs
// every part through fit so the chunk contract holds even when the
// active token counter disagrees with the character heuristic.
func (c *Chunker) window(text, sectionPath string) ([]piece, error) {
	splitter := textsplitter.RecursiveCharacter{
		Separators:   []string{"\n\n", "\n", " ", ""},
		ChunkSize:    c.cfg.ChunkSize * charsPerToken,
		ChunkOverlap: c.cfg.ChunkOverlap * charsPerToken,
	}

	parts, err := splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split text: %w", err)
	}

	budget := c.cfg.ChunkSize + c.cfg.ChunkOverlap
	var pieces []piece
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		for _, fitted := range c.fit(part, budget) {
			pieces = append(pieces, piece{content: fitted, sectionPath: sectionPath})
		}
	}
	return pieces, nil
}

// fit halves a part at the rune midpoint until it satisfies both the
// token budget and MaxChunkBytes. Single runes return as-is to bound
// the recursion.
func (c *Chunker) fit(text string, budget int) []string {
	if c.count(text) <= budget && len(text) <= c.cfg.MaxChunkBytes {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) <= 1 {
		return []string{text}
	}
	mid := len(runes) / 2
	return append(c.fit(string(runes[:mid]), budget), c.fit(string(runes[mid:]), budget)...)
}
