// Package materialize drives patch_blobs rows to done: fetch the patch from
// its upstream, transform it to the requested format, verify the content
// hash, write the bytes to the artifact store, and finalize the row.
package materialize

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"go.engram.dev/scm/go/emetrics"
	"go.engram.dev/scm/go/emlog"
	"go.engram.dev/scm/scmsync/go/artifacts"
	"go.engram.dev/scm/scmsync/go/blobstore"
	"go.engram.dev/scm/scmsync/go/evidence"
	"go.engram.dev/scm/scmsync/go/repostore"
	"go.engram.dev/scm/scmsync/go/scmpath"
	"go.engram.dev/scm/scmsync/go/source"
	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
)

// MismatchPolicy says what to do when fetched content does not hash to the
// blob's expected sha256.
type MismatchPolicy string

const (
	// PolicyStrict refuses to write the artifact.
	PolicyStrict MismatchPolicy = "strict"
	// PolicyMirror writes the bytes at their actual-hash location and still
	// fails the row.
	PolicyMirror MismatchPolicy = "mirror"
)

// Config tunes the materializer.
type Config struct {
	// Mismatch defaults to PolicyStrict.
	Mismatch MismatchPolicy
	// FetchTimeout bounds one upstream fetch. Default 60s.
	FetchTimeout time.Duration
	// Parallelism bounds concurrent per-blob pipelines in one batch.
	// Default 4.
	Parallelism int
}

func (c Config) withDefaults() Config {
	if c.Mismatch == "" {
		c.Mismatch = PolicyStrict
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = time.Minute
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	return c
}

// Summary is the outcome of one batch.
type Summary struct {
	Selected int
	Done     int
	Failed   int
}

// Materializer runs the per-blob pipeline over batches of candidates.
type Materializer struct {
	blobs    blobstore.Store
	repos    repostore.Store
	store    artifacts.Store
	fetchers map[types.RepoType]source.Fetcher
	cfg      Config

	doneCounter   prometheus.Counter
	failedCounter prometheus.Counter
}

// New returns a Materializer. fetchers maps each repo type to its upstream
// adapter.
func New(blobs blobstore.Store, repos repostore.Store, store artifacts.Store, fetchers map[types.RepoType]source.Fetcher, cfg Config) *Materializer {
	return &Materializer{
		blobs:         blobs,
		repos:         repos,
		store:         store,
		fetchers:      fetchers,
		cfg:           cfg.withDefaults(),
		doneCounter:   emetrics.GetCounter("materialize_blobs_done", nil),
		failedCounter: emetrics.GetCounter("materialize_blobs_failed", nil),
	}
}

// RunBatch claims one batch of candidates and materializes them, bounded by
// the configured parallelism. Per-blob failures are recorded on the rows, not
// returned; the error covers batch-level problems only.
func (m *Materializer) RunBatch(ctx context.Context, req blobstore.CandidateRequest) (Summary, error) {
	claimed, err := m.blobs.ClaimCandidates(ctx, req)
	if err != nil {
		return Summary{}, err
	}
	var done, failed int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(m.cfg.Parallelism)
	for _, blob := range claimed {
		blob := blob
		eg.Go(func() error {
			if m.materializeOne(egCtx, blob) {
				atomic.AddInt64(&done, 1)
			} else {
				atomic.AddInt64(&failed, 1)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Summary{}, err
	}
	return Summary{Selected: len(claimed), Done: int(done), Failed: int(failed)}, nil
}

// errRecorded signals that the pipeline already wrote the failure onto the
// row (the mismatch path records richer details than recordFailure would).
var errRecorded = errors.New("failure already recorded on the blob row")

// materializeOne runs the pipeline for a single claimed blob. Returns true on
// done.
func (m *Materializer) materializeOne(ctx context.Context, blob *types.PatchBlob) bool {
	err := m.pipeline(ctx, blob)
	if err == nil {
		m.doneCounter.Inc()
		return true
	}
	m.failedCounter.Inc()
	if !errors.Is(err, errRecorded) {
		m.recordFailure(ctx, blob, err)
	}
	return false
}

func (m *Materializer) pipeline(ctx context.Context, blob *types.PatchBlob) error {
	repoID, revOrSHA, err := splitSourceID(blob.SourceType, blob.SourceID)
	if err != nil {
		return err
	}
	repo, err := m.repos.GetRepo(ctx, repoID)
	if err != nil {
		return err
	}
	if repo == nil {
		return syncerr.New(syncerr.CategoryRepoNotFound, "no repo %d behind blob %d", repoID, blob.ID)
	}
	fetcher, ok := m.fetchers[repo.Type]
	if !ok {
		return syncerr.New(syncerr.CategoryContractError, "no fetcher registered for %s repos", repo.Type)
	}

	// The ministat format exists because the source refused a real diff;
	// it is derived entirely from recorded counters, so skip the fetch.
	var raw []byte
	if blob.Format != types.FormatMinistat {
		raw, err = m.fetch(ctx, fetcher, repo, blob, revOrSHA)
		if err != nil {
			return err
		}
	}
	content, err := transform(blob, raw)
	if err != nil {
		return err
	}
	actual := artifacts.HashBytes(content)
	expected := blob.SHA256
	if expected != "" && expected != actual {
		return m.handleMismatch(ctx, blob, repo, revOrSHA, content, actual)
	}

	uri, err := artifactPath(repo, blob, revOrSHA, actual)
	if err != nil {
		return err
	}
	info, err := m.store.Put(ctx, uri, bytes.NewReader(content))
	if err != nil {
		return classifyStoreErr(err)
	}
	evidenceURI := evidence.BuildURI(blob.SourceType, blob.SourceID, actual)
	if err := m.blobs.MarkDone(ctx, blob.ID, expected, actual, info.URI, evidenceURI, info.Size); err != nil {
		if errors.Is(err, blobstore.ErrStale) {
			// A concurrent writer finished first; the artifact is content
			// addressed, so losing the race is harmless.
			emlog.Infof("blob %d finalized by a concurrent writer", blob.ID)
			return nil
		}
		return err
	}
	return nil
}

func (m *Materializer) fetch(ctx context.Context, fetcher source.Fetcher, repo *types.Repo, blob *types.PatchBlob, revOrSHA string) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()
	var raw []byte
	err := source.RetryTransient(fetchCtx, 0, func() error {
		var err error
		switch blob.SourceType {
		case types.RepoTypeSVN:
			rev, perr := strconv.ParseInt(strings.TrimPrefix(revOrSHA, "r"), 10, 64)
			if perr != nil {
				return syncerr.New(syncerr.CategoryValidationError,
					"blob %d has a non-numeric svn revision %q", blob.ID, revOrSHA)
			}
			raw, err = fetcher.FetchSVNDiff(fetchCtx, repo, rev)
		default:
			raw, err = fetcher.FetchCommitDiff(fetchCtx, repo, revOrSHA)
		}
		return err
	})
	return raw, err
}

// handleMismatch applies the configured mismatch policy. Both policies fail
// the row with validation_error; mirror additionally preserves the bytes at
// their actual-hash location.
func (m *Materializer) handleMismatch(ctx context.Context, blob *types.PatchBlob, repo *types.Repo, revOrSHA string, content []byte, actual string) error {
	serr := syncerr.New(syncerr.CategoryValidationError,
		"content hashed to %s, expected %s", actual, blob.SHA256)
	failure := blobstore.Failure{
		Category:     serr.Category,
		Message:      serr.Message,
		ActualSHA256: actual,
	}
	if m.cfg.Mismatch == PolicyMirror {
		uri, err := artifactPath(repo, blob, revOrSHA, actual)
		if err != nil {
			return err
		}
		info, err := m.store.Put(ctx, uri, bytes.NewReader(content))
		if err != nil {
			return classifyStoreErr(err)
		}
		failure.MirrorURI = info.URI
	}
	if err := m.blobs.MarkFailed(ctx, blob.ID, failure); err != nil {
		return err
	}
	return errRecorded
}

// recordFailure writes the classified failure onto the row.
func (m *Materializer) recordFailure(ctx context.Context, blob *types.PatchBlob, err error) {
	failure := blobstore.Failure{
		Category: syncerr.Classify(err),
		Message:  err.Error(),
	}
	var serr *syncerr.SyncError
	if errors.As(err, &serr) {
		failure.Endpoint = serr.Endpoint
		failure.StatusCode = serr.StatusCode
	}
	if markErr := m.blobs.MarkFailed(ctx, blob.ID, failure); markErr != nil {
		emlog.Errorf("recording failure on blob %d: %s", blob.ID, markErr)
	}
}

func classifyStoreErr(err error) error {
	switch {
	case errors.Is(err, artifacts.ErrTimeout):
		return syncerr.New(syncerr.CategoryTimeout, "artifact store timeout: %s", err)
	case errors.Is(err, artifacts.ErrThrottled):
		return syncerr.New(syncerr.CategoryRateLimit, "artifact store throttled: %s", err)
	case errors.Is(err, artifacts.ErrTooLarge):
		return syncerr.New(syncerr.CategoryContentTooLarge, "artifact too large: %s", err)
	default:
		return err
	}
}

func artifactPath(repo *types.Repo, blob *types.PatchBlob, revOrSHA, sha256 string) (string, error) {
	return scmpath.Build(repo.ProjectKey, repo.ID, blob.SourceType, revOrSHA,
		sha256, string(blob.Format))
}

// splitSourceID decomposes "svn:<repo>:<rev>" / "git:<repo>:<sha>" into the
// repo id and the path-ready revision segment (SVN revisions gain their "r"
// prefix here).
func splitSourceID(t types.SourceType, sourceID string) (int64, string, error) {
	parts := strings.SplitN(sourceID, ":", 3)
	if len(parts) != 3 || parts[0] != string(t) {
		return 0, "", syncerr.New(syncerr.CategoryValidationError,
			"malformed source id %q for type %s", sourceID, t)
	}
	repoID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || repoID <= 0 {
		return 0, "", syncerr.New(syncerr.CategoryValidationError,
			"source id %q has an invalid repo id", sourceID)
	}
	rev := parts[2]
	if t == types.RepoTypeSVN && !strings.HasPrefix(rev, "r") {
		rev = "r" + rev
	}
	return repoID, rev, nil
}
