// Package ignore loads gitignore-style files from a source root and
// converts the entries into the glob dialect the source file filters
// match with.
package ignore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Loader probes a fixed set of ignore file names at a source root.
type Loader struct {
	// Files is the list of ignore file names probed, in order.
	Files []string

	// Fallback is returned when none of the files exist.
	Fallback []string
}

// Default returns the loader local and git sources use.
func Default() Loader {
	return Loader{Files: []string{".gitignore", ".qloaderignore"}}
}

// Patterns reads every ignore file present at root and returns the
// merged exclude globs. Missing files are skipped.
func (l Loader) Patterns(root string) ([]string, error) {
	var patterns []string
	found := false

	for _, name := range l.Files {
		entries, err := readEntries(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read ignore file %s: %w", name, err)
		}
		found = true
		for _, entry := range entries {
			patterns = append(patterns, toGlobs(entry)...)
		}
	}

	if !found {
		return l.Fallback, nil
	}
	return dedupe(patterns), nil
}

func readEntries(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if entry, ok := parseLine(scanner.Text()); ok {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// parseLine drops blanks, comments, and negations. Negations need
// ordered re-include evaluation, which an exclude-only filter cannot
// express.
func parseLine(line string) (string, bool) {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return "", false
	}
	return line, true
}

// toGlobs converts one gitignore entry into filter globs. A bare name
// can be a file or a directory at any depth, so it expands to both
// forms; anchored and nested entries keep their position.
func toGlobs(entry string) []string {
	anchored := strings.HasPrefix(entry, "/")
	entry = strings.TrimPrefix(entry, "/")
	dirOnly := strings.HasSuffix(entry, "/")
	entry = strings.TrimSuffix(entry, "/")
	if entry == "" {
		return nil
	}

	prefix := ""
	if !anchored && !strings.Contains(entry, "/") && !strings.HasPrefix(entry, "**/") {
		prefix = "**/"
	}

	if dirOnly {
		return []string{prefix + entry + "/**"}
	}
	return []string{prefix + entry, prefix + entry + "/**"}
}

func dedupe(patterns []string) []string {
	seen := make(map[string]bool, len(patterns))
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
