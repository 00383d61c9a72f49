package convert

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// blockTags start content on a fresh line in the extracted text.
var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true,
	"header": true, "footer": true, "main": true, "aside": true,
	"nav": true, "ul": true, "ol": true, "table": true, "thead": true,
	"tbody": true, "tr": true, "blockquote": true, "figure": true,
	"hr": true, "dl": true, "dt": true, "dd": true,
}

// skipTags have their whole subtree dropped.
var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"iframe": true, "svg": true, "canvas": true, "object": true,
}

var headingTags = map[string]int{
	"h1": 1, "h2": 2, "h3": 3, "h4": 4, "h5": 5, "h6": 6,
}

// ctxCheckInterval is how many tokens pass between context checks; the
// tokenizer loop is the cancellation point for markup conversion.
const ctxCheckInterval = 512

// htmlText strips markup into text. Headings become ATX lines so the
// structured chunker keeps section boundaries from HTML and Confluence
// storage-format sources; list items get "- " markers; pre subtrees stay
// verbatim.
func htmlText(ctx context.Context, data []byte, res *Result) error {
	z := html.NewTokenizer(bytes.NewReader(data))

	var (
		b         strings.Builder
		skip      string // tag whose subtree is being dropped
		skipDepth int
		preDepth  int
		inTitle   bool
		tokens    int
	)

	for {
		tokens++
		if tokens%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				res.Text = tidyText(normalizeText(b.String()))
				return nil
			}
			return &Failure{Class: ClassMalformed, Description: "html: " + z.Err().Error()}

		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			selfClosing := tt == html.SelfClosingTagToken

			if skipDepth > 0 {
				if tag == skip && !selfClosing {
					skipDepth++
				}
				continue
			}

			switch {
			case skipTags[tag]:
				if !selfClosing {
					skip, skipDepth = tag, 1
				}
			case tag == "title":
				inTitle = !selfClosing
			case tag == "br":
				b.WriteByte('\n')
			case tag == "li":
				b.WriteString("\n- ")
			case tag == "pre":
				preDepth++
				b.WriteByte('\n')
			case headingTags[tag] > 0:
				b.WriteString("\n\n")
				b.WriteString(strings.Repeat("#", headingTags[tag]))
				b.WriteByte(' ')
			case tag == "td" || tag == "th":
				b.WriteByte(' ')
			case blockTags[tag]:
				b.WriteByte('\n')
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)

			if skipDepth > 0 {
				if tag == skip {
					skipDepth--
					if skipDepth == 0 {
						skip = ""
					}
				}
				continue
			}

			switch {
			case tag == "title":
				inTitle = false
			case tag == "pre":
				if preDepth > 0 {
					preDepth--
				}
				b.WriteByte('\n')
			case headingTags[tag] > 0:
				b.WriteString("\n\n")
			case blockTags[tag]:
				b.WriteByte('\n')
			}

		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text := string(z.Text())
			if inTitle {
				if res.Title == "" {
					res.Title = strings.Join(strings.Fields(text), " ")
				}
				continue
			}
			if preDepth > 0 {
				b.WriteString(text)
			} else {
				writeCollapsed(&b, text)
			}
		}
	}
}

// writeCollapsed appends text with whitespace runs folded to one space.
// Boundary whitespace between tokens survives as a single space; token
// pairs with no whitespace between them stay joined.
func writeCollapsed(b *strings.Builder, s string) {
	pending := false
	flush := func() {
		if !pending {
			return
		}
		pending = false
		if b.Len() == 0 {
			return
		}
		if last := b.String()[b.Len()-1]; last != '\n' && last != ' ' {
			b.WriteByte(' ')
		}
	}

	for _, r := range s {
		if unicode.IsSpace(r) {
			pending = true
			continue
		}
		flush()
		b.WriteRune(r)
	}
	flush()
}

var (
	trailingLineSpace = regexp.MustCompile(`[ \t]+\n`)
	multiNewline      = regexp.MustCompile(`\n{3,}`)
)

func tidyText(s string) string {
	s = trailingLineSpace.ReplaceAllString(s, "\n")
	s = multiNewline.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
