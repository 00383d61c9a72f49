// Package identity derives the stable identifiers that make ingestion
// idempotent: document IDs from source coordinates, content hashes,
// chunk IDs, and deterministic point UUIDs. None of it is configurable.
// Rerunning from a different working directory, through a symlink, or
// with percent-encoded URLs must produce identical IDs.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// pointNamespace is the fixed UUIDv5 namespace for point IDs. Changing
// it would orphan every previously written point.
var pointNamespace = uuid.MustParse("f5b8c1d0-9a72-4f0e-b7c3-2d1a64c90e8f")

// DocumentID returns the SHA-256 hex of
// lower(sourceType) + ":" + sourceName + ":" + CanonicalURL(rawURL).
func DocumentID(sourceType, sourceName, rawURL string) string {
	key := strings.ToLower(sourceType) + ":" + sourceName + ":" + CanonicalURL(rawURL)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ContentHash returns the SHA-256 hex of the UTF-8 bytes of text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ChunkID is documentID + "#" + index.
func ChunkID(documentID string, index int) string {
	return documentID + "#" + strconv.Itoa(index)
}

// SplitChunkID recovers the document ID and index from a chunk ID.
func SplitChunkID(chunkID string) (documentID string, index int, ok bool) {
	i := strings.LastIndexByte(chunkID, '#')
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(chunkID[i+1:])
	if err != nil {
		return "", 0, false
	}
	return chunkID[:i], n, true
}

// PointID returns the UUIDv5 of projectID + ":" + chunkID under a
// fixed namespace. Replayed upserts overwrite instead of duplicating,
// and projects sharing one collection cannot collide.
func PointID(projectID, chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(projectID+":"+chunkID)).String()
}

// CanonicalURL normalizes rawURL for identity purposes:
//
//   - file:// URLs and bare paths are absolutized against the current
//     directory, symlink-resolved, and keep a trailing slash only when
//     they name a directory;
//   - remote URLs get a lowercase scheme and host, a percent-decoded
//     path, no trailing slash, and no fragment. The query survives
//     verbatim because upstreams address objects through it.
func CanonicalURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return canonicalPath(rawURL)
	}
	if u.Scheme == "file" {
		return "file://" + canonicalPath(u.Path)
	}

	var b strings.Builder
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://")
	b.WriteString(strings.ToLower(u.Host))

	path := u.EscapedPath()
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	b.WriteString(path)

	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

func canonicalPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = p
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	abs = filepath.ToSlash(abs)
	if info, err := os.Stat(abs); err == nil && info.IsDir() && !strings.HasSuffix(abs, "/") {
		abs += "/"
	}
	return abs
}
