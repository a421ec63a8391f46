// Package svncli adapts the svn command-line client to the source.Fetcher
// contract: revisions come from `svn log --xml`, diffs from `svn diff -c`.
package svncli

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.engram.dev/scm/go/redact"
	"go.engram.dev/scm/scmsync/go/source"
	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
)

// BulkPathThreshold marks a revision as bulk when it touches at least this
// many paths.
const BulkPathThreshold = 100

// Fetcher implements source.Fetcher over the svn binary.
type Fetcher struct {
	creds source.CredentialProvider
	// bin is the svn executable; "svn" by default.
	bin string
}

// New returns an svn fetcher.
func New(creds source.CredentialProvider) *Fetcher {
	return &Fetcher{creds: creds, bin: "svn"}
}

var _ source.Fetcher = (*Fetcher)(nil)

// run executes one svn command with resolved credentials. The password
// travels on stdin, never on argv, so it cannot show up in the process list.
func (f *Fetcher) run(ctx context.Context, args ...string) ([]byte, error) {
	var out []byte
	err := source.WithAuthRetry(ctx, f.creds, func(ctx context.Context, creds source.Credentials) error {
		full := append([]string{
			"--non-interactive",
			"--username", creds.Username,
			"--password-from-stdin",
		}, args...)
		cmd := exec.CommandContext(ctx, f.bin, full...)
		cmd.Stdin = strings.NewReader(creds.Password)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return classifyExec(ctx, err, stderr.String())
		}
		out = stdout.Bytes()
		return nil
	})
	return out, err
}

// classifyExec maps an svn invocation failure onto the error taxonomy using
// the client's stderr.
func classifyExec(ctx context.Context, err error, stderr string) error {
	msg := redact.Redact(strings.TrimSpace(stderr))
	if msg == "" {
		msg = redact.Redact(err.Error())
	}
	cat := syncerr.CategoryServerError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		cat = syncerr.CategoryTimeout
	case strings.Contains(stderr, "Unable to connect") || strings.Contains(stderr, "Connection refused"):
		cat = syncerr.CategoryConnection
	case strings.Contains(stderr, "Authentication failed"):
		cat = syncerr.CategoryAuthError
	case strings.Contains(stderr, "authorization failed"):
		cat = syncerr.CategoryPermissionDenied
	case strings.Contains(stderr, "non-existent") || strings.Contains(stderr, "path not found"):
		cat = syncerr.CategoryRepoNotFound
	}
	return syncerr.New(cat, "svn: %s", msg)
}

type logXML struct {
	Entries []logEntryXML `xml:"logentry"`
}

type logEntryXML struct {
	Revision int64  `xml:"revision,attr"`
	Author   string `xml:"author"`
	Date     string `xml:"date"`
	Message  string `xml:"msg"`
	Paths    []struct {
		Action string `xml:"action,attr"`
	} `xml:"paths>path"`
}

// ListSVNRevisions implements source.Fetcher.
func (f *Fetcher) ListSVNRevisions(ctx context.Context, repo *types.Repo, cursor types.Cursor, page source.PageOpts) ([]*types.SVNRevision, error) {
	from := cursor.Rev + 1
	limit := page.PerPage
	if limit <= 0 {
		limit = 100
	}
	out, err := f.run(ctx, "log", "--xml", "--verbose",
		"-r", strconv.FormatInt(from, 10)+":HEAD",
		"--limit", strconv.Itoa(limit),
		repo.URL)
	if err != nil {
		return nil, err
	}
	var log logXML
	if err := xml.Unmarshal(out, &log); err != nil {
		return nil, syncerr.New(syncerr.CategoryParseError, "undecodable svn log output: %s", err)
	}
	revs := make([]*types.SVNRevision, 0, len(log.Entries))
	for _, e := range log.Entries {
		rev := &types.SVNRevision{
			RepoID:    repo.ID,
			Rev:       e.Revision,
			AuthorRaw: e.Author,
			Message:   e.Message,
			IsBulk:    len(e.Paths) >= BulkPathThreshold,
		}
		if ts, err := time.Parse(time.RFC3339Nano, e.Date); err == nil {
			rev.Timestamp = &ts
		}
		revs = append(revs, rev)
	}
	return revs, nil
}

// FetchSVNDiff implements source.Fetcher.
func (f *Fetcher) FetchSVNDiff(ctx context.Context, repo *types.Repo, rev int64) ([]byte, error) {
	return f.run(ctx, "diff", "-c", strconv.FormatInt(rev, 10), repo.URL)
}

// FetchCommitDiff implements source.Fetcher; svn serves no git content.
func (f *Fetcher) FetchCommitDiff(_ context.Context, repo *types.Repo, _ string) ([]byte, error) {
	return nil, syncerr.New(syncerr.CategoryRepoTypeUnknown, "repo %d is not a git upstream", repo.ID)
}

// ListCommitsSince implements source.Fetcher; svn serves no git content.
func (f *Fetcher) ListCommitsSince(_ context.Context, repo *types.Repo, _ types.Cursor, _ source.PageOpts) ([]*types.GitCommit, error) {
	return nil, syncerr.New(syncerr.CategoryRepoTypeUnknown, "repo %d is not a git upstream", repo.ID)
}

// ListMergeRequests implements source.Fetcher; svn has no merge requests.
func (f *Fetcher) ListMergeRequests(_ context.Context, repo *types.Repo, _ *time.Time) ([]*types.MergeRequest, error) {
	return nil, syncerr.New(syncerr.CategoryRepoTypeUnknown, "repo %d has no merge requests", repo.ID)
}

// ListReviewEvents implements source.Fetcher; svn has no review events.
func (f *Fetcher) ListReviewEvents(_ context.Context, repo *types.Repo, _ string) ([]*types.ReviewEvent, error) {
	return nil, syncerr.New(syncerr.CategoryRepoTypeUnknown, "repo %d has no review events", repo.ID)
}
