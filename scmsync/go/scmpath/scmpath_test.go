package scmpath

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"go.engram.dev/scm/scmsync/go/artifacts"
	"go.engram.dev/scm/scmsync/go/types"
)

var sha = strings.Repeat("cd", 32)

func TestBuildParse_RoundTrip(t *testing.T) {
	path, err := Build("acme/widgets", 7, types.RepoTypeSVN, "r123", sha, "diff")
	require.NoError(t, err)
	require.Equal(t, "scm/acme/widgets/7/svn/r123/"+sha+".diff", path)

	p, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, Parsed{
		ProjectKey: "acme/widgets",
		RepoID:     7,
		SourceType: types.RepoTypeSVN,
		RevOrSHA:   "r123",
		SHA256:     sha,
		Ext:        "diff",
	}, p)
}

func TestBuildParse_GitAndFlatProjectKey(t *testing.T) {
	path, err := Build("flatkey", 3, types.RepoTypeGit, "abc1234", sha, "diffstat")
	require.NoError(t, err)
	p, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, "flatkey", p.ProjectKey)
	require.Equal(t, types.RepoTypeGit, p.SourceType)
	require.Equal(t, "abc1234", p.RevOrSHA)
	require.False(t, p.Legacy)
}

func TestBuildForSVNRev(t *testing.T) {
	path, err := BuildForSVNRev("acme/widgets", 7, 123, sha, "diff")
	require.NoError(t, err)
	require.Contains(t, path, "/svn/r123/")
}

func TestBuild_Invalid(t *testing.T) {
	cases := []struct {
		name       string
		projectKey string
		repoID     int64
		sourceType types.SourceType
		revOrSHA   string
		sha256     string
		ext        string
	}{
		{"empty project key", "", 7, types.RepoTypeSVN, "r1", sha, "diff"},
		{"slash-wrapped project key", "/acme/", 7, types.RepoTypeSVN, "r1", sha, "diff"},
		{"zero repo id", "acme", 0, types.RepoTypeSVN, "r1", sha, "diff"},
		{"svn rev without prefix", "acme", 7, types.RepoTypeSVN, "123", sha, "diff"},
		{"svn rev non-numeric", "acme", 7, types.RepoTypeSVN, "rabc", sha, "diff"},
		{"git sha too short", "acme", 7, types.RepoTypeGit, "abc12", sha, "diff"},
		{"git sha non-hex", "acme", 7, types.RepoTypeGit, "zzzzzzzz", sha, "diff"},
		{"unknown source type", "acme", 7, "hg", "r1", sha, "diff"},
		{"short sha256", "acme", 7, types.RepoTypeSVN, "r1", "abcd", "diff"},
		{"uppercase sha256", "acme", 7, types.RepoTypeSVN, "r1", strings.ToUpper(sha), "diff"},
		{"unknown extension", "acme", 7, types.RepoTypeSVN, "r1", sha, "tarball"},
	}
	for _, tc := range cases {
		_, err := Build(tc.projectKey, tc.repoID, tc.sourceType, tc.revOrSHA, tc.sha256, tc.ext)
		require.Error(t, err, tc.name)
	}
}

func TestParse_Legacy(t *testing.T) {
	p, err := Parse(LegacySVNPath(7, 123, "diff"))
	require.NoError(t, err)
	require.Equal(t, Parsed{RepoID: 7, SourceType: types.RepoTypeSVN, RevOrSHA: "r123", Ext: "diff", Legacy: true}, p)

	p, err = Parse(LegacyGitPath(7, "abc1234def", "diff"))
	require.NoError(t, err)
	require.Equal(t, Parsed{RepoID: 7, SourceType: types.RepoTypeGit, RevOrSHA: "abc1234def", Ext: "diff", Legacy: true}, p)
}

func TestParse_Invalid(t *testing.T) {
	for _, bad := range []string{
		"",
		"other/7/svn/r1." + sha,
		"scm/7/svn",
		"scm/acme/7/hg/r1/" + sha + ".diff",
		"scm/acme/0/svn/r1/" + sha + ".diff",
		"scm/acme/7/svn/123/" + sha + ".diff",
		"scm/acme/7/svn/r1/" + sha + "-noext",
		"scm/acme/7/svn/r1/nothash.diff",
	} {
		_, err := Parse(bad)
		require.Error(t, err, bad)
	}
}

func TestResolve_PrefersV2ThenLegacy(t *testing.T) {
	ctx := context.Background()
	store := artifacts.NewMemoryStore(artifacts.OverwriteAllow)

	v2, err := Build("acme/widgets", 7, types.RepoTypeSVN, "r123", sha, "diff")
	require.NoError(t, err)
	legacy := LegacySVNPath(7, 123, "diff")

	// Neither exists yet.
	_, err = Resolve(ctx, store, "acme/widgets", 7, types.RepoTypeSVN, "r123", sha, "diff")
	require.ErrorIs(t, err, artifacts.ErrNotFound)

	// Only the legacy layout exists: it is served.
	_, err = artifacts.PutBytes(ctx, store, legacy, []byte("old bytes"))
	require.NoError(t, err)
	got, err := Resolve(ctx, store, "acme/widgets", 7, types.RepoTypeSVN, "r123", sha, "diff")
	require.NoError(t, err)
	require.Equal(t, legacy, got)

	// Once the v2 path exists it wins.
	_, err = artifacts.PutBytes(ctx, store, v2, []byte("new bytes"))
	require.NoError(t, err)
	got, err = Resolve(ctx, store, "acme/widgets", 7, types.RepoTypeSVN, "r123", sha, "diff")
	require.NoError(t, err)
	require.Equal(t, v2, got)
}

func TestResolve_GitLegacyLayout(t *testing.T) {
	ctx := context.Background()
	store := artifacts.NewMemoryStore(artifacts.OverwriteAllow)
	legacy := LegacyGitPath(3, "abc1234", "diff")
	_, err := artifacts.PutBytes(ctx, store, legacy, []byte("bytes"))
	require.NoError(t, err)

	got, err := Resolve(ctx, store, "acme/widgets", 3, types.RepoTypeGit, "abc1234", sha, "diff")
	require.NoError(t, err)
	require.Equal(t, legacy, got)
}
