// Package sanitize normalizes identifiers for Qdrant collection names and
// scrubs secrets from document content before it is embedded and indexed.
//
// Collection names must match ^[a-z0-9_]{1,64}$. Identifier guarantees that
// shape for any input; CollectionName applies it to the configured name.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxIdentifierLength is the maximum length of a collection name.
	MaxIdentifierLength = 64

	// hashSuffixLength is the length of the suffix added to truncated
	// identifiers: "_" plus 8 hex characters.
	hashSuffixLength = 9

	// DefaultIdentifier is returned when sanitization yields nothing usable.
	DefaultIdentifier = "default"

	// DefaultCollection is the collection name used when the configured
	// name sanitizes to nothing.
	DefaultCollection = "qloader"
)

// Identifier sanitizes a string for use as a collection name component.
//
// Rules applied:
//   - converts to lowercase
//   - replaces invalid characters with underscores
//   - collapses runs of underscores
//   - trims leading and trailing underscores
//   - truncates to MaxIdentifierLength with a hash suffix when too long
//   - returns DefaultIdentifier if the result would be empty
//
// Examples:
//
//	"github.com/user" -> "github_com_user"
//	"My Docs!"        -> "my_docs"
//	"" or "!!!"       -> "default"
func Identifier(s string) string {
	if s == "" {
		return DefaultIdentifier
	}

	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	sanitized := b.String()
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(sanitized, "_")

	if sanitized == "" {
		return DefaultIdentifier
	}

	if len(sanitized) > MaxIdentifierLength {
		sanitized = truncateWithHash(sanitized)
	}

	return sanitized
}

// truncateWithHash shortens s to fit MaxIdentifierLength, appending the
// first 8 hex characters of its SHA-256 so distinct long names stay distinct.
func truncateWithHash(s string) string {
	hash := sha256.Sum256([]byte(s))
	suffix := "_" + hex.EncodeToString(hash[:])[:8]

	truncated := s[:MaxIdentifierLength-hashSuffixLength]
	truncated = strings.TrimRight(truncated, "_")

	return truncated + suffix
}

// CollectionName sanitizes the configured Qdrant collection name. An empty
// or unusable name falls back to DefaultCollection rather than "default" so
// workspaces without an explicit name share a recognizable collection.
func CollectionName(name string) string {
	if strings.TrimSpace(name) == "" {
		return DefaultCollection
	}
	id := Identifier(name)
	if id == DefaultIdentifier {
		return DefaultCollection
	}
	return id
}
