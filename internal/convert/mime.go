package convert

import (
	"bytes"
	"mime"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

const (
	mimeMarkdown = "text/markdown"
	mimeHTML     = "text/html"
	mimeXHTML    = "application/xhtml+xml"
	mimeXML      = "text/xml"
	mimePlain    = "text/plain"
	mimeJSON     = "application/json"
	mimeCSV      = "text/csv"
)

// binaryProbeSize bounds the null-byte scan over unknown content.
const binaryProbeSize = 8 * 1024

// isMarkup reports whether a MIME type takes the tag-stripping path.
func isMarkup(mimeType string) bool {
	switch mimeType {
	case mimeHTML, mimeXHTML, mimeXML, "application/xml":
		return true
	}
	return false
}

// extensionMIME resolves MIME types for sources that cannot provide a
// hint. Code and config extensions map to text/plain on purpose: they
// pass through unparsed.
var extensionMIME = map[string]string{
	".md":       mimeMarkdown,
	".markdown": mimeMarkdown,
	".mdx":      mimeMarkdown,
	".html":     mimeHTML,
	".htm":      mimeHTML,
	".xhtml":    mimeXHTML,
	".xml":      mimeXML,
	".json":     mimeJSON,
	".csv":      mimeCSV,
	".txt":      mimePlain,
	".text":     mimePlain,
	".rst":      mimePlain,
	".adoc":     mimePlain,
	".log":      mimePlain,
	".go":       mimePlain,
	".py":       mimePlain,
	".js":       mimePlain,
	".ts":       mimePlain,
	".java":     mimePlain,
	".rb":       mimePlain,
	".rs":       mimePlain,
	".c":        mimePlain,
	".h":        mimePlain,
	".cpp":      mimePlain,
	".cs":       mimePlain,
	".sh":       mimePlain,
	".yaml":     mimePlain,
	".yml":      mimePlain,
	".toml":     mimePlain,
	".ini":      mimePlain,
	".cfg":      mimePlain,
	".conf":     mimePlain,
	".sql":      mimePlain,
	".proto":    mimePlain,
}

// sniff resolves the MIME type from the hint, then the file extension,
// then content shape. Recognized binary formats and unknown content with
// null bytes fail with ClassBinary.
func sniff(data []byte, hint, fileName string) (string, *Failure) {
	if mt := normalizeMIME(hint); mt != "" {
		return mt, nil
	}

	if fileName != "" {
		if mt, ok := extensionMIME[strings.ToLower(filepath.Ext(fileName))]; ok {
			return mt, nil
		}
	}

	if looksLikeHTML(data) {
		return mimeHTML, nil
	}

	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		return "", &Failure{
			Class:       ClassBinary,
			Description: "unsupported binary content " + kind.MIME.Value,
		}
	}

	probe := data
	if len(probe) > binaryProbeSize {
		probe = probe[:binaryProbeSize]
	}
	if bytes.IndexByte(probe, 0) >= 0 {
		return "", &Failure{Class: ClassBinary, Description: "content contains null bytes"}
	}

	return mimePlain, nil
}

// normalizeMIME maps a Content-Type hint onto a converter MIME type.
// Unknown hints return empty so detection continues with the extension.
func normalizeMIME(hint string) string {
	if hint == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(hint)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(hint))
	}

	switch mediaType {
	case mimeMarkdown, "text/x-markdown":
		return mimeMarkdown
	case mimeHTML:
		return mimeHTML
	case mimeXHTML:
		return mimeXHTML
	case mimeXML, "application/xml":
		return mimeXML
	case mimeJSON, "text/json":
		return mimeJSON
	case mimeCSV:
		return mimeCSV
	case mimePlain:
		return mimePlain
	}
	if strings.HasPrefix(mediaType, "text/") {
		return mimePlain
	}
	return ""
}

func looksLikeHTML(data []byte) bool {
	head := data
	if len(head) > 256 {
		head = head[:256]
	}
	head = bytes.ToLower(bytes.TrimLeft(head, " \t\r\n"))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}
