package evidence

import (
	"context"
	"fmt"

	"go.engram.dev/scm/go/emerr"
	"go.engram.dev/scm/go/emlog"
	"go.engram.dev/scm/scmsync/go/artifacts"
	"go.engram.dev/scm/scmsync/go/blobstore"
	"go.engram.dev/scm/scmsync/go/types"
)

// MismatchError reports a hash or provenance mismatch between the URI, the
// database row, and the stored bytes. Details explains which pair disagreed.
type MismatchError struct {
	Details map[string]string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("sha256 mismatch: %v", e.Details)
}

// Evidence is resolved provenance: the bytes plus everything needed to verify
// and cite them.
type Evidence struct {
	Content      []byte
	SHA256       string
	Size         int64
	ResourceType string
	ResourceID   string
	URI          string
	ArtifactURI  string
}

// Resolver turns evidence URIs into verified Evidence, cross-checking the
// patch_blobs row against both the URI and the stored bytes.
type Resolver struct {
	blobs blobstore.Store
	store artifacts.Store
}

// NewResolver returns a Resolver over the given row and byte stores.
func NewResolver(blobs blobstore.Store, store artifacts.Store) *Resolver {
	return &Resolver{blobs: blobs, store: store}
}

// Resolve loads and, when verify is set, byte-verifies the evidence behind
// the URI.
func (r *Resolver) Resolve(ctx context.Context, uri string, verify bool) (*Evidence, error) {
	ref, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	blob, err := r.lookup(ctx, uri, ref)
	if err != nil {
		return nil, err
	}
	if blob.URI == "" {
		return nil, emerr.Fmt("blob %d behind %q is not materialized", blob.ID, uri)
	}
	content, err := r.store.Get(ctx, blob.URI)
	if err != nil {
		return nil, emerr.Wrapf(err, "loading artifact %q", blob.URI)
	}
	if verify {
		actual := artifacts.HashBytes(content)
		if actual != blob.SHA256 {
			return nil, &MismatchError{Details: map[string]string{
				"expected": blob.SHA256,
				"actual":   actual,
			}}
		}
	}
	return &Evidence{
		Content:      content,
		SHA256:       blob.SHA256,
		Size:         int64(len(content)),
		ResourceType: "patch_blobs",
		ResourceID:   blob.SourceID,
		URI:          uri,
		ArtifactURI:  blob.URI,
	}, nil
}

// lookup finds the patch_blobs row for the parsed reference, enforcing the
// canonical form's provenance cross-check.
func (r *Resolver) lookup(ctx context.Context, uri string, ref Ref) (*types.PatchBlob, error) {
	switch ref.Kind {
	case RefCanonical:
		// Hash first; a hit must agree with the URI's provenance.
		blob, err := r.blobs.GetBySHA256(ctx, ref.SHA256)
		if err != nil {
			return nil, err
		}
		if blob != nil {
			if blob.SourceType != ref.SourceType || blob.SourceID != ref.SourceID {
				return nil, &MismatchError{Details: map[string]string{
					"uri_source": fmt.Sprintf("%s:%s", ref.SourceType, ref.SourceID),
					"db_source":  fmt.Sprintf("%s:%s", blob.SourceType, blob.SourceID),
				}}
			}
			return blob, nil
		}
		// Fall back to the source pair; its stored hash must agree with the
		// URI's.
		blob, err = r.blobs.GetBySource(ctx, ref.SourceType, ref.SourceID)
		if err != nil {
			return nil, err
		}
		if blob == nil {
			return nil, emerr.Fmt("no blob row behind %q", uri)
		}
		if blob.SHA256 != ref.SHA256 {
			return nil, &MismatchError{Details: map[string]string{
				"uri_sha256": ref.SHA256,
				"db_sha256":  blob.SHA256,
			}}
		}
		return blob, nil
	case RefLegacy:
		blob, err := r.blobs.GetBySource(ctx, ref.SourceType, ref.SourceID)
		if err != nil {
			return nil, err
		}
		if blob == nil {
			return nil, emerr.Fmt("no blob row behind %q", uri)
		}
		return blob, nil
	case RefSHA256:
		blob, err := r.blobs.GetBySHA256(ctx, ref.SHA256)
		if err != nil {
			return nil, err
		}
		if blob == nil {
			return nil, emerr.Fmt("no blob row behind %q", uri)
		}
		return blob, nil
	case RefBlobID:
		blob, err := r.blobs.Get(ctx, ref.BlobID)
		if err != nil {
			return nil, err
		}
		if blob == nil {
			return nil, emerr.Fmt("no blob row behind %q", uri)
		}
		return blob, nil
	case RefAttachment:
		return nil, emerr.Fmt("attachment %q is not served by this resolver", ref.AttachmentID)
	}
	return nil, emerr.Fmt("unhandled reference kind %q", string(ref.Kind))
}

// GetEvidenceInfo returns the evidence metadata without reading the bytes.
// It never returns an error: any parse failure, missing row, or mismatch
// yields nil.
func (r *Resolver) GetEvidenceInfo(ctx context.Context, uri string) *Evidence {
	ref, err := ParseURI(uri)
	if err != nil {
		return nil
	}
	blob, err := r.lookup(ctx, uri, ref)
	if err != nil {
		emlog.Debugf("evidence info for %q unavailable: %s", uri, err)
		return nil
	}
	return &Evidence{
		SHA256:       blob.SHA256,
		Size:         blob.SizeBytes,
		ResourceType: "patch_blobs",
		ResourceID:   blob.SourceID,
		URI:          uri,
		ArtifactURI:  blob.URI,
	}
}
