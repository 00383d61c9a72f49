package chunking

import (
	"regexp"
	"strings"
)

// atxHeading matches an ATX heading anywhere in a document. Trailing
// hash runs are tolerated the way CommonMark strips them.
var atxHeading = regexp.MustCompile(`(?m)^(#{1,6})[ \t]+(.+?)[ \t]*#*[ \t]*$`)

// headingLine is the single-line form used by the section scanner.
var headingLine = regexp.MustCompile(`^(#{1,6})[ \t]+(.+?)[ \t]*#*[ \t]*$`)

// section is a run of lines owned by one heading. Content before the
// first heading becomes a level-0 section with an empty path.
type section struct {
	level int
	title string
	path  string
	lines []string
}

// parseSections walks the document line by line, splitting on headings
// while tracking fence state so that "#" lines inside code blocks stay
// in their section. The heading stack yields breadcrumb paths joined
// with " > "; opening a heading clears every deeper stack slot.
func parseSections(text string) []section {
	lines := strings.Split(text, "\n")

	var (
		sections []section
		current  section
		stack    [6]string
		inFence  bool
		fence    string
	)

	flush := func() {
		if len(current.lines) > 0 {
			sections = append(sections, current)
		}
	}

	for _, line := range lines {
		if mark := fenceMark(line); mark != "" {
			if !inFence {
				inFence, fence = true, mark
			} else if mark == fence {
				inFence = false
			}
			current.lines = append(current.lines, line)
			continue
		}

		if m := headingLine.FindStringSubmatch(line); m != nil && !inFence {
			flush()

			level := len(m[1])
			title := strings.TrimSpace(m[2])
			stack[level-1] = title
			for i := level; i < len(stack); i++ {
				stack[i] = ""
			}
			parts := make([]string, 0, level)
			for _, t := range stack[:level] {
				if t != "" {
					parts = append(parts, t)
				}
			}

			current = section{
				level: level,
				title: title,
				path:  strings.Join(parts, " > "),
				lines: []string{line},
			}
			continue
		}

		current.lines = append(current.lines, line)
	}
	flush()

	return sections
}

// fenceMark returns the fence delimiter when the line opens or closes a
// fenced code block. Closing requires the same delimiter that opened.
func fenceMark(line string) string {
	trimmed := strings.TrimLeft(line, " ")
	if strings.HasPrefix(trimmed, "```") {
		return "```"
	}
	if strings.HasPrefix(trimmed, "~~~") {
		return "~~~"
	}
	return ""
}

// structured emits one piece per section. Sections over the token or
// byte budget fall through to the window splitter with their path
// attached. Sections that hold nothing but their own heading are
// dropped; the heading still contributes to child breadcrumbs.
func (c *Chunker) structured(text string) ([]piece, error) {
	var pieces []piece
	for _, sec := range parseSections(text) {
		body := strings.TrimRight(strings.Join(sec.lines, "\n"), " \t\n")
		if body == "" {
			continue
		}
		if sec.level > 0 && headingOnly(sec.lines) {
			continue
		}
		if c.count(body) <= c.cfg.ChunkSize && len(body) <= c.cfg.MaxChunkBytes {
			pieces = append(pieces, piece{content: body, sectionPath: sec.path})
			continue
		}
		split, err := c.window(body, sec.path)
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, split...)
	}
	return pieces, nil
}

// headingOnly reports whether every line past the heading is blank.
func headingOnly(lines []string) bool {
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) != "" {
			return false
		}
	}
	return true
}
