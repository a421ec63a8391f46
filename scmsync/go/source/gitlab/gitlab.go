// Package gitlab adapts the GitLab REST API v4 to the source.Fetcher
// contract. Every upstream failure is returned as a classified
// syncerr.SyncError with the endpoint redacted.
package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.engram.dev/scm/go/redact"
	"go.engram.dev/scm/scmsync/go/source"
	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
)

// DefaultTimeout bounds one REST call when the client has no timeout of its
// own.
const DefaultTimeout = 30 * time.Second

// Fetcher implements source.Fetcher over GitLab REST.
type Fetcher struct {
	client *http.Client
	creds  source.CredentialProvider
}

// New returns a GitLab fetcher. A nil client gets a default with
// DefaultTimeout.
func New(client *http.Client, creds source.CredentialProvider) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Fetcher{client: client, creds: creds}
}

var _ source.Fetcher = (*Fetcher)(nil)

// projectPath extracts the project path (namespace/name) from the repo URL.
func projectPath(repo *types.Repo) (string, error) {
	u, err := url.Parse(repo.URL)
	if err != nil {
		return "", syncerr.New(syncerr.CategoryValidationError, "repo %d has an unparseable url", repo.ID)
	}
	project := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	if project == "" {
		return "", syncerr.New(syncerr.CategoryValidationError, "repo %d url carries no project path", repo.ID)
	}
	return project, nil
}

// apiURL builds the v4 endpoint for the repo's project.
func apiURL(repo *types.Repo, suffix string, query url.Values) (string, error) {
	project, err := projectPath(repo)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(repo.URL)
	if err != nil {
		return "", syncerr.New(syncerr.CategoryValidationError, "repo %d has an unparseable url", repo.ID)
	}
	api := *u
	api.User = nil
	api.Path = "/api/v4/projects/" + url.PathEscape(project) + suffix
	api.RawQuery = query.Encode()
	return api.String(), nil
}

// get performs one authenticated GET, retrying exactly once on a stale token.
func (f *Fetcher) get(ctx context.Context, endpoint string) ([]byte, error) {
	var body []byte
	err := source.WithAuthRetry(ctx, f.creds, func(ctx context.Context, creds source.Credentials) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return syncerr.New(syncerr.CategoryValidationError, "building request: %s", err)
		}
		req.Header.Set("PRIVATE-TOKEN", creds.Token)
		resp, err := f.client.Do(req)
		if err != nil {
			cat := syncerr.Classify(err)
			return syncerr.New(cat, "%s", redact.Redact(err.Error())).
				WithEndpoint(redact.Redact(endpoint))
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			serr := syncerr.New(syncerr.ClassifyStatus(resp.StatusCode),
				"gitlab returned %d", resp.StatusCode).
				WithStatus(resp.StatusCode).
				WithEndpoint(redact.Redact(endpoint))
			if resp.StatusCode == http.StatusTooManyRequests {
				if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
					serr = serr.WithRetryAfter(time.Duration(secs) * time.Second)
				}
			}
			return serr
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return syncerr.New(syncerr.CategoryNetwork, "reading response: %s", err).
				WithEndpoint(redact.Redact(endpoint))
		}
		return nil
	})
	return body, err
}

func decode(endpoint string, body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return syncerr.New(syncerr.CategoryParseError, "undecodable gitlab response: %s", err).
			WithEndpoint(redact.Redact(endpoint))
	}
	return nil
}

type commitJSON struct {
	ID          string     `json:"id"`
	AuthorName  string     `json:"author_name"`
	AuthorEmail string     `json:"author_email"`
	CreatedAt   *time.Time `json:"created_at"`
	Message     string     `json:"message"`
	ParentIDs   []string   `json:"parent_ids"`
}

type diffJSON struct {
	Diff    string `json:"diff"`
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

type mrJSON struct {
	IID    int64  `json:"iid"`
	State  string `json:"state"`
	Title  string `json:"title"`
	WebURL string `json:"web_url"`
	Author struct {
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"author"`
}

type noteJSON struct {
	ID     int64  `json:"id"`
	System bool   `json:"system"`
	Body   string `json:"body"`
	Author struct {
		Name string `json:"name"`
	} `json:"author"`
	CreatedAt *time.Time `json:"created_at"`
}

// FetchCommitDiff implements source.Fetcher. The per-file diffs from the API
// are reassembled into one unified diff document.
func (f *Fetcher) FetchCommitDiff(ctx context.Context, repo *types.Repo, sha string) ([]byte, error) {
	endpoint, err := apiURL(repo, "/repository/commits/"+url.PathEscape(sha)+"/diff", nil)
	if err != nil {
		return nil, err
	}
	body, err := f.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	var files []diffJSON
	if err := decode(endpoint, body, &files); err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, file := range files {
		fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", file.OldPath, file.NewPath)
		b.WriteString(file.Diff)
		if !strings.HasSuffix(file.Diff, "\n") {
			b.WriteByte('\n')
		}
	}
	return []byte(b.String()), nil
}

// FetchSVNDiff implements source.Fetcher; GitLab serves no SVN content.
func (f *Fetcher) FetchSVNDiff(_ context.Context, repo *types.Repo, _ int64) ([]byte, error) {
	return nil, syncerr.New(syncerr.CategoryRepoTypeUnknown, "repo %d is not an svn upstream", repo.ID)
}

// ListCommitsSince implements source.Fetcher. GitLab returns commits newest
// first; the slice is reversed so callers see oldest first.
func (f *Fetcher) ListCommitsSince(ctx context.Context, repo *types.Repo, cursor types.Cursor, page source.PageOpts) ([]*types.GitCommit, error) {
	q := url.Values{}
	if cursor.Timestamp != nil {
		q.Set("since", cursor.Timestamp.UTC().Format(time.RFC3339))
	}
	if repo.DefaultBranch != "" {
		q.Set("ref_name", repo.DefaultBranch)
	}
	setPage(q, page)
	endpoint, err := apiURL(repo, "/repository/commits", q)
	if err != nil {
		return nil, err
	}
	body, err := f.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	var raw []commitJSON
	if err := decode(endpoint, body, &raw); err != nil {
		return nil, err
	}
	out := make([]*types.GitCommit, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		c := raw[i]
		out = append(out, &types.GitCommit{
			RepoID:    repo.ID,
			SHA:       c.ID,
			AuthorRaw: fmt.Sprintf("%s <%s>", c.AuthorName, c.AuthorEmail),
			Timestamp: c.CreatedAt,
			Message:   c.Message,
			IsMerge:   len(c.ParentIDs) > 1,
		})
	}
	return out, nil
}

// ListSVNRevisions implements source.Fetcher; GitLab serves no SVN content.
func (f *Fetcher) ListSVNRevisions(_ context.Context, repo *types.Repo, _ types.Cursor, _ source.PageOpts) ([]*types.SVNRevision, error) {
	return nil, syncerr.New(syncerr.CategoryRepoTypeUnknown, "repo %d is not an svn upstream", repo.ID)
}

// ListMergeRequests implements source.Fetcher. The MR id is the composite
// gitlab:<project>:<iid>; the bare iid collides across projects.
func (f *Fetcher) ListMergeRequests(ctx context.Context, repo *types.Repo, since *time.Time) ([]*types.MergeRequest, error) {
	project, err := projectPath(repo)
	if err != nil {
		return nil, err
	}
	q := url.Values{"state": {"all"}}
	if since != nil {
		q.Set("updated_after", since.UTC().Format(time.RFC3339))
	}
	endpoint, err := apiURL(repo, "/merge_requests", q)
	if err != nil {
		return nil, err
	}
	body, err := f.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	var raw []mrJSON
	if err := decode(endpoint, body, &raw); err != nil {
		return nil, err
	}
	out := make([]*types.MergeRequest, 0, len(raw))
	for _, mr := range raw {
		out = append(out, &types.MergeRequest{
			ID:        types.MRExternalID("gitlab", project, mr.IID),
			RepoID:    repo.ID,
			Status:    mrStatus(mr.State),
			AuthorRaw: mr.Author.Name,
			URL:       mr.WebURL,
			Title:     mr.Title,
		})
	}
	return out, nil
}

// ListReviewEvents implements source.Fetcher, mapping MR notes to review
// events keyed by the note id. The notes endpoint addresses the MR by its
// bare iid, so the composite id is unpacked here.
func (f *Fetcher) ListReviewEvents(ctx context.Context, repo *types.Repo, mrID string) ([]*types.ReviewEvent, error) {
	endpoint, err := apiURL(repo, "/merge_requests/"+url.PathEscape(types.MRIID(mrID))+"/notes", nil)
	if err != nil {
		return nil, err
	}
	body, err := f.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	var raw []noteJSON
	if err := decode(endpoint, body, &raw); err != nil {
		return nil, err
	}
	out := make([]*types.ReviewEvent, 0, len(raw))
	for _, n := range raw {
		kind := "note"
		if n.System {
			kind = "system"
		}
		out = append(out, &types.ReviewEvent{
			MRID:          mrID,
			SourceEventID: strconv.FormatInt(n.ID, 10),
			Kind:          kind,
			AuthorRaw:     n.Author.Name,
			CreatedAt:     n.CreatedAt,
		})
	}
	return out, nil
}

func mrStatus(state string) types.MRStatus {
	switch state {
	case "merged":
		return types.MRStatusMerged
	case "closed", "locked":
		return types.MRStatusClosed
	}
	return types.MRStatusOpened
}

func setPage(q url.Values, page source.PageOpts) {
	if page.Page > 0 {
		q.Set("page", strconv.Itoa(page.Page))
	}
	if page.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(page.PerPage))
	}
}
