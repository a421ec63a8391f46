// Package evidence defines the canonical memory:// URI scheme tying
// patch_blobs rows to their stored bytes, and the resolver that loads and
// verifies them.
//
// Canonical form: memory://patch_blobs/<source_type>/<source_id>/<sha256>.
// The hashless legacy form and the sha256/, blob_id/ and attachments/
// addressing forms stay readable.
package evidence

import (
	"fmt"
	"strconv"
	"strings"

	"go.engram.dev/scm/go/emerr"
	"go.engram.dev/scm/scmsync/go/types"
)

// Scheme is the evidence URI scheme.
const Scheme = "memory"

// RefKind says which addressing form a parsed URI used.
type RefKind string

const (
	// RefCanonical is the full (source, hash) form.
	RefCanonical RefKind = "canonical"
	// RefLegacy is the hashless (source) form.
	RefLegacy RefKind = "legacy"
	// RefSHA256 addresses purely by content hash.
	RefSHA256 RefKind = "sha256"
	// RefBlobID addresses by surrogate key.
	RefBlobID RefKind = "blob_id"
	// RefAttachment addresses the separate attachment resource.
	RefAttachment RefKind = "attachment"
)

// Ref is a parsed evidence URI.
type Ref struct {
	Kind         RefKind
	SourceType   types.SourceType
	SourceID     string
	SHA256       string
	BlobID       int64
	AttachmentID string
}

// BuildURI assembles the canonical evidence URI.
func BuildURI(sourceType types.SourceType, sourceID, sha256 string) string {
	return fmt.Sprintf("memory://patch_blobs/%s/%s/%s", sourceType, sourceID, sha256)
}

// ParseURI decomposes an evidence URI. Inverse of BuildURI for canonical
// URIs.
func ParseURI(uri string) (Ref, error) {
	rest, ok := strings.CutPrefix(uri, Scheme+"://")
	if !ok {
		return Ref{}, emerr.Fmt("URI %q does not use the %s scheme", uri, Scheme)
	}
	segments := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	switch segments[0] {
	case "attachments":
		if len(segments) != 2 || segments[1] == "" {
			return Ref{}, emerr.Fmt("invalid attachment URI %q", uri)
		}
		return Ref{Kind: RefAttachment, AttachmentID: segments[1]}, nil
	case "patch_blobs":
		return parseBlobRef(uri, segments[1:])
	}
	return Ref{}, emerr.Fmt("URI %q addresses unknown resource %q", uri, segments[0])
}

func parseBlobRef(uri string, segments []string) (Ref, error) {
	if len(segments) < 2 {
		return Ref{}, emerr.Fmt("URI %q is missing path segments", uri)
	}
	switch segments[0] {
	case "sha256":
		if len(segments) != 2 || !isSHA256(segments[1]) {
			return Ref{}, emerr.Fmt("URI %q has an invalid sha256 segment", uri)
		}
		return Ref{Kind: RefSHA256, SHA256: segments[1]}, nil
	case "blob_id":
		id, err := strconv.ParseInt(segments[1], 10, 64)
		if len(segments) != 2 || err != nil || id <= 0 {
			return Ref{}, emerr.Fmt("URI %q has an invalid blob_id segment", uri)
		}
		return Ref{Kind: RefBlobID, BlobID: id}, nil
	}
	sourceType := types.SourceType(segments[0])
	if sourceType != types.RepoTypeGit && sourceType != types.RepoTypeSVN {
		return Ref{}, emerr.Fmt("URI %q has an unknown source type %q", uri, segments[0])
	}
	// source_id may contain slashes in principle; only a trailing sha256
	// segment separates the two forms.
	last := segments[len(segments)-1]
	if len(segments) >= 3 && isSHA256(last) {
		return Ref{
			Kind:       RefCanonical,
			SourceType: sourceType,
			SourceID:   strings.Join(segments[1:len(segments)-1], "/"),
			SHA256:     last,
		}, nil
	}
	return Ref{
		Kind:       RefLegacy,
		SourceType: sourceType,
		SourceID:   strings.Join(segments[1:], "/"),
	}, nil
}

// URIClass buckets a URI by where its bytes live.
type URIClass string

const (
	ClassArtifact URIClass = "artifact"
	ClassFile     URIClass = "file"
	ClassMemory   URIClass = "memory"
	ClassHTTP     URIClass = "http"
	ClassS3       URIClass = "s3"
	ClassUnknown  URIClass = "unknown"
)

// Classify maps a URI string to its class. Relative paths are artifact
// references.
func Classify(uri string) URIClass {
	switch {
	case strings.HasPrefix(uri, "memory://"):
		return ClassMemory
	case strings.HasPrefix(uri, "file://"):
		return ClassFile
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return ClassHTTP
	case strings.HasPrefix(uri, "s3://"):
		return ClassS3
	case uri == "" || strings.Contains(uri, "://"):
		return ClassUnknown
	default:
		return ClassArtifact
	}
}

// IsLocal reports whether the class is served from local storage (directly or
// via the resolver).
func (c URIClass) IsLocal() bool {
	return c == ClassArtifact || c == ClassFile || c == ClassMemory
}

func isSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
