// Package convert turns raw source bytes into plain UTF-8 text plus
// best-effort metadata. It understands markdown (frontmatter extraction),
// HTML and XML (tag stripping with heading preservation), and passes other
// text through normalized. Recognized binary content fails typed so the
// pipeline can index a fallback document in its place.
package convert

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
)

const (
	// DefaultMaxSize bounds input size when neither the converter nor the
	// request sets a limit.
	DefaultMaxSize int64 = 10 * 1024 * 1024

	// DefaultTimeout bounds conversion wall-clock time.
	DefaultTimeout = 30 * time.Second
)

// Input is one conversion request.
type Input struct {
	Data     []byte
	MIMEHint string        // optional Content-Type style hint
	FileName string        // optional, drives extension detection and metadata
	MaxSize  int64         // optional override of the converter limit
	Timeout  time.Duration // optional override of the converter budget
}

// Result is converted text plus whatever metadata the format yielded.
type Result struct {
	Text     string
	MIME     string // resolved MIME type
	Title    string // from frontmatter, <title>, or the first heading
	Metadata map[string]any
}

// Class labels why a conversion failed.
type Class string

const (
	ClassOversize  Class = "oversize"
	ClassTimeout   Class = "timeout"
	ClassBinary    Class = "binary"
	ClassMalformed Class = "malformed"
)

// Failure reports an input the converter could not turn into text. The
// orchestrator records it and indexes a fallback document in its place so
// the file stays discoverable by name and parent.
type Failure struct {
	Class       Class
	Description string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("conversion failed (%s): %s", f.Class, f.Description)
}

// Unwrap exposes the Conversion error kind to callers that classify with
// errkind instead of matching *Failure.
func (f *Failure) Unwrap() error { return errConversion }

var errConversion = errkind.New(errkind.Conversion, "conversion failed")

// AsFailure returns the conversion failure inside err, or nil.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// Converter applies size and wall-clock budgets around format conversion.
// It is stateless and safe for concurrent use; the orchestrator runs it on
// the CPU worker pool, separate from I/O workers.
type Converter struct {
	maxSize int64
	timeout time.Duration
}

// New returns a converter with the given default budgets. Non-positive
// values fall back to DefaultMaxSize and DefaultTimeout.
func New(maxSize int64, timeout time.Duration) *Converter {
	c := &Converter{maxSize: maxSize, timeout: timeout}
	if c.maxSize <= 0 {
		c.maxSize = DefaultMaxSize
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	return c
}

// Convert produces text from one input. Oversize input, recognized binary
// content, and blown budgets return a *Failure; parent context
// cancellation returns a Cancelled error instead. The conversion runs on
// its own goroutine so a slow parse cannot outlive the budget; parse loops
// check the context and exit shortly after expiry.
func (c *Converter) Convert(ctx context.Context, in Input) (Result, error) {
	maxSize := in.MaxSize
	if maxSize <= 0 {
		maxSize = c.maxSize
	}
	if int64(len(in.Data)) > maxSize {
		return Result{}, &Failure{
			Class:       ClassOversize,
			Description: fmt.Sprintf("%d bytes exceeds limit of %d", len(in.Data), maxSize),
		}
	}

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.convert(cctx, in)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return Result{}, c.classify(ctx, timeout, o.err)
		}
		return o.res, nil
	case <-cctx.Done():
		return Result{}, c.classify(ctx, timeout, cctx.Err())
	}
}

// classify separates parent cancellation from the converter's own budget.
func (c *Converter) classify(parent context.Context, budget time.Duration, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return errkind.Wrap(errkind.KindOf(parentErr), parentErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{
			Class:       ClassTimeout,
			Description: fmt.Sprintf("conversion exceeded %s", budget),
		}
	}
	return err
}

func (c *Converter) convert(ctx context.Context, in Input) (Result, error) {
	mimeType, fail := sniff(in.Data, in.MIMEHint, in.FileName)
	if fail != nil {
		return Result{}, fail
	}

	res := Result{MIME: mimeType, Metadata: map[string]any{}}
	if in.FileName != "" {
		res.Metadata[document.MetaFileName] = filepath.Base(in.FileName)
		if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(in.FileName)), "."); ext != "" {
			res.Metadata[document.MetaFileType] = ext
		}
	}

	switch {
	case mimeType == mimeMarkdown:
		convertMarkdown(in.Data, &res)
	case isMarkup(mimeType):
		if err := htmlText(ctx, in.Data, &res); err != nil {
			return Result{}, err
		}
	default:
		res.Text = normalizeText(string(in.Data))
	}
	return res, nil
}

// normalizeText yields clean UTF-8: CRLF and CR folded to LF, invalid
// sequences replaced, control characters other than tab and newline
// dropped.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ToValidUTF8(s, "�")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
