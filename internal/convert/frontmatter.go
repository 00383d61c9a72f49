package convert

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/parsers/yaml"

	"github.com/fyrsmithlabs/qloader/internal/document"
)

// Frontmatter fences must open at byte zero: --- for YAML, +++ for TOML.
var (
	yamlFrontmatter = regexp.MustCompile(`(?s)^---\r?\n(.*?)\r?\n---\r?\n`)
	tomlFrontmatter = regexp.MustCompile(`(?s)^\+\+\+\r?\n(.*?)\r?\n\+\+\+\r?\n`)
	firstHeading    = regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+)$`)
)

// convertMarkdown extracts frontmatter into metadata and normalizes the
// body. Frontmatter that fails to parse stays in the body untouched;
// metadata here is best effort.
func convertMarkdown(data []byte, res *Result) {
	body := data
	if m := yamlFrontmatter.FindSubmatch(data); m != nil {
		if fields, err := yaml.Parser().Unmarshal(m[1]); err == nil {
			mergeFrontmatter(res, fields)
			body = data[len(m[0]):]
		}
	} else if m := tomlFrontmatter.FindSubmatch(data); m != nil {
		var fields map[string]any
		if err := toml.Unmarshal(m[1], &fields); err == nil {
			mergeFrontmatter(res, fields)
			body = data[len(m[0]):]
		}
	}

	res.Text = normalizeText(string(body))
	if res.Title == "" {
		if m := firstHeading.FindStringSubmatch(res.Text); m != nil {
			res.Title = strings.TrimSpace(m[1])
		}
	}
}

// mergeFrontmatter copies recognized frontmatter fields into the result.
// Unrecognized keys are dropped rather than polluting document metadata.
func mergeFrontmatter(res *Result, fields map[string]any) {
	for key, value := range fields {
		switch strings.ToLower(key) {
		case "title":
			if s := scalarString(value); s != "" {
				res.Title = s
			}
		case "author", "authors":
			if s := stringList(value); len(s) > 0 {
				res.Metadata[document.MetaAuthor] = strings.Join(s, ", ")
			}
		case "tags", "keywords":
			if s := stringList(value); len(s) > 0 {
				res.Metadata[document.MetaTags] = s
			}
		case "date", "created", "created_at":
			if s := scalarString(value); s != "" {
				res.Metadata[document.MetaCreatedAt] = s
			}
		case "updated", "modified", "updated_at", "lastmod":
			if s := scalarString(value); s != "" {
				res.Metadata[document.MetaUpdatedAt] = s
			}
		}
	}
}

func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return val.String()
	case int, int64, float64, bool:
		return fmt.Sprint(val)
	}
	return ""
}

func stringList(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s := scalarString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	default:
		if s := scalarString(v); s != "" {
			return []string{s}
		}
	}
	return nil
}
