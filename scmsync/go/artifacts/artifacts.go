// Package artifacts provides content-addressed byte storage for materialized
// patches. Three backends share one contract: a rooted local directory, an
// absolute file:// store, and an S3-compatible object store. Every Put
// computes SHA-256 while streaming and every backend honors the overwrite
// policy.
package artifacts

import (
	"context"
	"errors"
	"io"
	"strings"
	"unicode"

	"go.engram.dev/scm/go/emerr"
)

// MaxPathBytes is the longest accepted path after UTF-8 encoding.
const MaxPathBytes = 4096

// Typed failures surfaced by every backend.
var (
	// ErrNotFound means the URI names no stored object.
	ErrNotFound = errors.New("artifact not found")
	// ErrOverwriteDenied means the target exists under policy deny.
	ErrOverwriteDenied = errors.New("artifact exists and overwrite is denied")
	// ErrHashMismatch means the target exists with different content under
	// policy allow_same_hash.
	ErrHashMismatch = errors.New("artifact exists with a different hash")
	// ErrTooLarge means the write exceeded the configured max_size_bytes.
	ErrTooLarge = errors.New("artifact exceeds the configured size limit")
	// ErrTimeout is a timeout-like object store failure.
	ErrTimeout = errors.New("object store timeout")
	// ErrThrottled is a 429/SlowDown object store failure.
	ErrThrottled = errors.New("object store throttled")
)

// OverwritePolicy controls what happens when a Put targets an existing object.
type OverwritePolicy string

const (
	// OverwriteAllow always replaces the target.
	OverwriteAllow OverwritePolicy = "allow"
	// OverwriteDeny fails with ErrOverwriteDenied when the target exists.
	OverwriteDeny OverwritePolicy = "deny"
	// OverwriteAllowSameHash treats an identical-content write as a no-op and
	// fails with ErrHashMismatch otherwise.
	OverwriteAllowSameHash OverwritePolicy = "allow_same_hash"
)

// Valid returns true for a known policy.
func (p OverwritePolicy) Valid() bool {
	switch p {
	case OverwriteAllow, OverwriteDeny, OverwriteAllowSameHash:
		return true
	}
	return false
}

// Info describes one stored artifact.
type Info struct {
	URI    string
	SHA256 string
	Size   int64
}

// Store is the artifact storage contract shared by all backends.
type Store interface {
	// Put streams the bytes to the URI, computing SHA-256 on the way, and
	// returns the stored location, hash, and size.
	Put(ctx context.Context, uri string, r io.Reader) (Info, error)

	// Get returns the full content at the URI.
	Get(ctx context.Context, uri string) ([]byte, error)

	// GetStream returns a reader over the content at the URI. The caller
	// closes it.
	GetStream(ctx context.Context, uri string) (io.ReadCloser, error)

	// GetInfo returns hash and size without necessarily reading the bytes.
	GetInfo(ctx context.Context, uri string) (Info, error)

	// Exists reports whether the URI names a stored object.
	Exists(ctx context.Context, uri string) (bool, error)

	// Resolve returns the canonical form of the URI for this backend.
	Resolve(uri string) (string, error)
}

// NormalizePath validates and canonicalizes a store-relative path:
// backslashes become slashes, runs of slashes collapse, leading slashes are
// stripped, and empty, dot-only, traversal, or oversized paths are rejected.
func NormalizePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", emerr.Fmt("empty artifact path")
	}
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	p = strings.TrimLeft(p, "/")
	if len(p) > MaxPathBytes {
		return "", emerr.Fmt("artifact path exceeds %d bytes", MaxPathBytes)
	}
	segments := strings.Split(p, "/")
	clean := segments[:0]
	for _, seg := range segments {
		if seg == "" || seg == "." {
			continue
		}
		if seg == ".." {
			return "", emerr.Fmt("artifact path %q contains a traversal segment", p)
		}
		clean = append(clean, seg)
	}
	if len(clean) == 0 {
		return "", emerr.Fmt("artifact path %q has no usable segments", p)
	}
	out := strings.Join(clean, "/")
	if !hasPrintable(out) {
		return "", emerr.Fmt("artifact path is whitespace only")
	}
	return out, nil
}

// CheckPrefixes enforces an allowed-prefix whitelist. An empty whitelist
// admits everything.
func CheckPrefixes(p string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	for _, prefix := range allowed {
		if strings.HasPrefix(p, prefix) {
			return nil
		}
	}
	return emerr.Fmt("artifact path %q matches no allowed prefix", p)
}

func hasPrintable(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return true
		}
	}
	return false
}
