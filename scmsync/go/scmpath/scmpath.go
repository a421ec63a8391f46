// Package scmpath builds and parses the canonical artifact path
//
//	scm/<project_key>/<repo_id>/<source_type>/<rev_or_sha>/<sha256>.<ext>
//
// plus the legacy layouts older writers used. project_key may itself contain
// slashes (tenant/rest), so parsing anchors on the fixed-width tail.
package scmpath

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.engram.dev/scm/go/emerr"
	"go.engram.dev/scm/scmsync/go/artifacts"
	"go.engram.dev/scm/scmsync/go/types"
)

// Parsed is the decomposition of an artifact path.
type Parsed struct {
	ProjectKey string
	RepoID     int64
	SourceType types.SourceType
	RevOrSHA   string
	SHA256     string
	Ext        string
	// Legacy is true when the path used a pre-v2 layout.
	Legacy bool
}

// Build assembles the canonical v2 path. revOrSHA must already obey the
// per-type rules: SVN revisions are "r<decimal>", git SHAs are >= 7 hex
// characters.
func Build(projectKey string, repoID int64, sourceType types.SourceType, revOrSHA, sha256, ext string) (string, error) {
	if projectKey == "" || strings.Trim(projectKey, "/") != projectKey {
		return "", emerr.Fmt("invalid project key %q", projectKey)
	}
	if repoID <= 0 {
		return "", emerr.Fmt("invalid repo id %d", repoID)
	}
	if err := checkRevOrSHA(sourceType, revOrSHA); err != nil {
		return "", err
	}
	if !isHex(sha256) || len(sha256) != 64 {
		return "", emerr.Fmt("invalid sha256 %q", sha256)
	}
	if !validExt(ext) {
		return "", emerr.Fmt("invalid extension %q", ext)
	}
	return fmt.Sprintf("scm/%s/%d/%s/%s/%s.%s",
		projectKey, repoID, sourceType, revOrSHA, sha256, ext), nil
}

// BuildForSVNRev is the numeric-revision entry point: it applies the "r"
// prefix before delegating to Build.
func BuildForSVNRev(projectKey string, repoID, rev int64, sha256, ext string) (string, error) {
	return Build(projectKey, repoID, types.RepoTypeSVN, fmt.Sprintf("r%d", rev), sha256, ext)
}

// Parse decomposes a v2 or legacy artifact path.
func Parse(path string) (Parsed, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 4 || segments[0] != "scm" {
		return Parsed{}, emerr.Fmt("path %q is not an scm artifact path", path)
	}
	if p, ok := parseLegacy(segments); ok {
		return p, nil
	}
	// v2 tail: <repo_id>/<source_type>/<rev_or_sha>/<sha256>.<ext>; everything
	// between "scm" and the tail is the project key.
	if len(segments) < 6 {
		return Parsed{}, emerr.Fmt("path %q has too few segments for the v2 layout", path)
	}
	tail := segments[len(segments)-4:]
	projectKey := strings.Join(segments[1:len(segments)-4], "/")
	repoID, err := strconv.ParseInt(tail[0], 10, 64)
	if err != nil || repoID <= 0 {
		return Parsed{}, emerr.Fmt("path %q has an invalid repo id segment %q", path, tail[0])
	}
	sourceType := types.SourceType(tail[1])
	if sourceType != types.RepoTypeGit && sourceType != types.RepoTypeSVN {
		return Parsed{}, emerr.Fmt("path %q has an unknown source type %q", path, tail[1])
	}
	if err := checkRevOrSHA(sourceType, tail[2]); err != nil {
		return Parsed{}, emerr.Wrapf(err, "path %q", path)
	}
	sha256, ext, ok := strings.Cut(tail[3], ".")
	if !ok || !isHex(sha256) || len(sha256) != 64 || !validExt(ext) {
		return Parsed{}, emerr.Fmt("path %q has an invalid filename segment %q", path, tail[3])
	}
	return Parsed{
		ProjectKey: projectKey,
		RepoID:     repoID,
		SourceType: sourceType,
		RevOrSHA:   tail[2],
		SHA256:     sha256,
		Ext:        ext,
	}, nil
}

// LegacySVNPath is the pre-v2 SVN layout.
func LegacySVNPath(repoID, rev int64, ext string) string {
	return fmt.Sprintf("scm/%d/svn/r%d.%s", repoID, rev, ext)
}

// LegacyGitPath is the pre-v2 git layout.
func LegacyGitPath(repoID int64, sha, ext string) string {
	return fmt.Sprintf("scm/%d/git/commits/%s.%s", repoID, sha, ext)
}

func parseLegacy(segments []string) (Parsed, bool) {
	// scm/<repo_id>/svn/r<rev>.<ext>
	if len(segments) == 4 && segments[2] == "svn" {
		repoID, err := strconv.ParseInt(segments[1], 10, 64)
		if err != nil {
			return Parsed{}, false
		}
		name, ext, ok := strings.Cut(segments[3], ".")
		if !ok || !validExt(ext) || checkRevOrSHA(types.RepoTypeSVN, name) != nil {
			return Parsed{}, false
		}
		return Parsed{RepoID: repoID, SourceType: types.RepoTypeSVN, RevOrSHA: name, Ext: ext, Legacy: true}, true
	}
	// scm/<repo_id>/git/commits/<sha>.<ext>
	if len(segments) == 5 && segments[2] == "git" && segments[3] == "commits" {
		repoID, err := strconv.ParseInt(segments[1], 10, 64)
		if err != nil {
			return Parsed{}, false
		}
		name, ext, ok := strings.Cut(segments[4], ".")
		if !ok || !validExt(ext) || checkRevOrSHA(types.RepoTypeGit, name) != nil {
			return Parsed{}, false
		}
		return Parsed{RepoID: repoID, SourceType: types.RepoTypeGit, RevOrSHA: name, Ext: ext, Legacy: true}, true
	}
	return Parsed{}, false
}

// Resolve probes the store for the v2 path first, then the legacy layout, and
// returns whichever exists. artifacts.ErrNotFound when neither does.
func Resolve(ctx context.Context, store artifacts.Store, projectKey string, repoID int64, sourceType types.SourceType, revOrSHA, sha256, ext string) (string, error) {
	v2, err := Build(projectKey, repoID, sourceType, revOrSHA, sha256, ext)
	if err != nil {
		return "", err
	}
	if ok, err := store.Exists(ctx, v2); err != nil {
		return "", err
	} else if ok {
		return v2, nil
	}
	var legacy string
	if sourceType == types.RepoTypeSVN {
		rev, err := strconv.ParseInt(strings.TrimPrefix(revOrSHA, "r"), 10, 64)
		if err != nil {
			return "", emerr.Wrapf(err, "invalid svn revision %q", revOrSHA)
		}
		legacy = LegacySVNPath(repoID, rev, ext)
	} else {
		legacy = LegacyGitPath(repoID, revOrSHA, ext)
	}
	if ok, err := store.Exists(ctx, legacy); err != nil {
		return "", err
	} else if ok {
		return legacy, nil
	}
	return "", artifacts.ErrNotFound
}

func checkRevOrSHA(t types.SourceType, v string) error {
	switch t {
	case types.RepoTypeSVN:
		rest, ok := strings.CutPrefix(v, "r")
		if !ok || rest == "" || !isDecimal(rest) {
			return emerr.Fmt("svn rev_or_sha %q must be r<decimal>", v)
		}
	case types.RepoTypeGit:
		if len(v) < 7 || !isHex(v) {
			return emerr.Fmt("git rev_or_sha %q must be >= 7 hex characters", v)
		}
	default:
		return emerr.Fmt("unknown source type %q", string(t))
	}
	return nil
}

func validExt(ext string) bool {
	return types.BlobFormat(ext).Valid()
}

func isDecimal(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return s != ""
}
