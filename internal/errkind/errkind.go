// Package errkind classifies failures into the small set of kinds the
// loader reacts to: retry, skip the document, fail the source, or abort
// the process. Kinds travel with errors through errors.Is/As so call
// sites never string-match.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the failure class of an error.
type Kind int

const (
	// Unknown is the zero value for unclassified errors.
	Unknown Kind = iota

	// Config covers invalid or incomplete configuration: bad YAML,
	// unresolved ${VAR} references, schema violations. Always fatal
	// before any work begins.
	Config

	// Auth covers 401/403 from an upstream or the embedding provider.
	// Fatal for the affected source within a run.
	Auth

	// Transient covers timeouts, 5xx, 429, and connection resets.
	// Retried; escalates to Server after exhaustion.
	Transient

	// InvalidRequest covers non-auth 4xx responses and bad tool
	// parameters. Reported to the caller, never retried.
	InvalidRequest

	// NotFound covers 404 responses.
	NotFound

	// Conversion covers converter failures and budget overruns.
	// Non-fatal: the document becomes a fallback stub.
	Conversion

	// State covers state store I/O errors. Fatal: ingestion cannot
	// proceed without durable bookkeeping.
	State

	// Cancelled covers cooperative shutdown. Not an error at the
	// process level.
	Cancelled

	// Server covers transport failures that survived the retry budget.
	Server
)

// String returns the lowercase name used in logs and summaries.
func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case Auth:
		return "auth"
	case Transient:
		return "transient"
	case InvalidRequest:
		return "invalid_request"
	case NotFound:
		return "not_found"
	case Conversion:
		return "conversion"
	case State:
		return "state"
	case Cancelled:
		return "cancelled"
	case Server:
		return "server"
	default:
		return "unknown"
	}
}

// Error pairs an underlying error with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error from a format string.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a Kind to err. A nil err returns nil. An err that
// already carries a Kind keeps the original classification.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var ke *Error
	if errors.As(err, &ke) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the Kind carried by err, classifying context and
// network errors that were never explicitly wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	return Unknown
}

// IsRetryable reports whether err should be retried by the transport
// layer.
func IsRetryable(err error) bool {
	return KindOf(err) == Transient
}

// FromHTTPStatus maps an HTTP status code onto the taxonomy.
func FromHTTPStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return Auth
	case status == 404:
		return NotFound
	case status == 408 || status == 429:
		return Transient
	case status >= 400 && status < 500:
		return InvalidRequest
	case status >= 500:
		return Transient
	default:
		return Unknown
	}
}
