package ingest

import (
	"context"

	"go.engram.dev/scm/scmsync/go/source"
	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
)

// Commits syncs new git commits and seeds a patch blob per commit.
func (h *Handlers) Commits(ctx context.Context, job *types.Job) syncerr.Result {
	s, release, failed := h.begin(ctx, job)
	if failed != nil {
		return *failed
	}
	defer release()

	cursor, err := h.windowCursor(ctx, job)
	if err != nil {
		return syncerr.Failed(err)
	}
	var last *types.GitCommit
	for page := 1; page <= h.cfg.MaxPages; page++ {
		if r := h.acquire(ctx, s); r != nil {
			return *r
		}
		commits, err := s.fetcher.ListCommitsSince(ctx, s.repo, cursor,
			source.PageOpts{Page: page, PerPage: h.cfg.PageSize})
		if r := h.observe(ctx, s, err); r != nil {
			return *r
		}
		for _, c := range commits {
			if c.Timestamp != nil && pastWindow(job, *c.Timestamp) {
				break
			}
			if err := h.repos.UpsertGitCommit(ctx, c); err != nil {
				return syncerr.Failed(err)
			}
			created, err := h.seedBlob(ctx, s, types.RepoTypeGit, c.SourceID())
			if err != nil {
				return syncerr.Failed(err)
			}
			if created {
				s.counts["diff_count"]++
			} else {
				s.counts["skipped_count"]++
			}
			s.counts["synced_count"]++
			last = c
		}
		if len(commits) < h.cfg.PageSize {
			break
		}
	}
	if last != nil {
		after := types.Cursor{CommitSHA: last.SHA, Timestamp: last.Timestamp}
		if err := h.advanceCursor(ctx, job, after); err != nil {
			return syncerr.Failed(err)
		}
	}
	return syncerr.OK(s.counts)
}

// SVN syncs new SVN revisions and seeds a patch blob per revision.
func (h *Handlers) SVN(ctx context.Context, job *types.Job) syncerr.Result {
	s, release, failed := h.begin(ctx, job)
	if failed != nil {
		return *failed
	}
	defer release()

	cursor, err := h.windowCursor(ctx, job)
	if err != nil {
		return syncerr.Failed(err)
	}
	var lastRev int64
	for page := 1; page <= h.cfg.MaxPages; page++ {
		if r := h.acquire(ctx, s); r != nil {
			return *r
		}
		revs, err := s.fetcher.ListSVNRevisions(ctx, s.repo, cursor,
			source.PageOpts{Page: page, PerPage: h.cfg.PageSize})
		if r := h.observe(ctx, s, err); r != nil {
			return *r
		}
		for _, rev := range revs {
			if pastRevWindow(job, rev.Rev) {
				break
			}
			if err := h.repos.UpsertSVNRevision(ctx, rev); err != nil {
				return syncerr.Failed(err)
			}
			created, err := h.seedBlob(ctx, s, types.RepoTypeSVN, rev.SourceID())
			if err != nil {
				return syncerr.Failed(err)
			}
			if created {
				s.counts["diff_count"]++
			} else {
				s.counts["skipped_count"]++
			}
			s.counts["synced_count"]++
			lastRev = rev.Rev
		}
		if len(revs) < h.cfg.PageSize {
			break
		}
	}
	if lastRev > 0 {
		if err := h.advanceCursor(ctx, job, types.Cursor{Rev: lastRev}); err != nil {
			return syncerr.Failed(err)
		}
	}
	return syncerr.OK(s.counts)
}

// MergeRequests syncs merge requests updated since the cursor.
func (h *Handlers) MergeRequests(ctx context.Context, job *types.Job) syncerr.Result {
	s, release, failed := h.begin(ctx, job)
	if failed != nil {
		return *failed
	}
	defer release()

	cursor, err := h.windowCursor(ctx, job)
	if err != nil {
		return syncerr.Failed(err)
	}
	// The new cursor is captured before the fetch so updates racing the sync
	// are re-read next run instead of lost.
	after := types.Cursor{Timestamp: startedAt(ctx)}

	if r := h.acquire(ctx, s); r != nil {
		return *r
	}
	mrs, err := s.fetcher.ListMergeRequests(ctx, s.repo, cursor.Timestamp)
	if r := h.observe(ctx, s, err); r != nil {
		return *r
	}
	for _, mr := range mrs {
		if err := h.repos.UpsertMergeRequest(ctx, mr); err != nil {
			return syncerr.Failed(err)
		}
		s.counts["synced_count"]++
	}
	if len(mrs) > 0 {
		if err := h.advanceCursor(ctx, job, after); err != nil {
			return syncerr.Failed(err)
		}
	}
	return syncerr.OK(s.counts)
}

// Reviews syncs review events for recently updated merge requests,
// deduplicated on (mr_id, source_event_id).
func (h *Handlers) Reviews(ctx context.Context, job *types.Job) syncerr.Result {
	s, release, failed := h.begin(ctx, job)
	if failed != nil {
		return *failed
	}
	defer release()

	cursor, err := h.windowCursor(ctx, job)
	if err != nil {
		return syncerr.Failed(err)
	}
	after := types.Cursor{Timestamp: startedAt(ctx)}

	if r := h.acquire(ctx, s); r != nil {
		return *r
	}
	mrs, err := s.fetcher.ListMergeRequests(ctx, s.repo, cursor.Timestamp)
	if r := h.observe(ctx, s, err); r != nil {
		return *r
	}
	for _, mr := range mrs {
		if r := h.acquire(ctx, s); r != nil {
			return *r
		}
		events, err := s.fetcher.ListReviewEvents(ctx, s.repo, mr.ID)
		if r := h.observe(ctx, s, err); r != nil {
			return *r
		}
		for _, ev := range events {
			inserted, err := h.repos.InsertReviewEvent(ctx, ev)
			if err != nil {
				return syncerr.Failed(err)
			}
			if inserted {
				s.counts["synced_count"]++
			} else {
				s.counts["skipped_count"]++
			}
		}
	}
	if len(mrs) > 0 {
		if err := h.advanceCursor(ctx, job, after); err != nil {
			return syncerr.Failed(err)
		}
	}
	return syncerr.OK(s.counts)
}
