package materialize

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
)

func TestTransform_DiffIsPassedThrough(t *testing.T) {
	raw := []byte("--- a/x\n+++ b/x\n+line\n")
	got, err := transform(&types.PatchBlob{Format: types.FormatDiff}, raw)
	require.NoError(t, err)
	require.Equal(t, raw, got)
}

func TestTransform_Diffstat(t *testing.T) {
	raw := []byte("--- a/x\n+++ b/x\n+one\n+two\n-gone\n--- a/y\n+++ b/y\n+three\n")
	got, err := transform(&types.PatchBlob{Format: types.FormatDiffstat}, raw)
	require.NoError(t, err)
	require.Equal(t, "2 file(s) changed, 3 insertion(s)(+), 1 deletion(s)(-)\n", string(got))
}

func TestTransform_MinistatGit(t *testing.T) {
	blob := &types.PatchBlob{
		SourceType: types.RepoTypeGit,
		Format:     types.FormatMinistat,
		Meta: types.BlobMeta{
			Stats: map[string]int64{"files": 2, "insertions": 40, "deletions": 7},
		},
	}
	got, err := transform(blob, nil)
	require.NoError(t, err)
	require.Equal(t, "2 file(s) changed, 40 insertion(s)(+), 7 deletion(s)(-)\n", string(got))
}

func TestTransform_MinistatSVN(t *testing.T) {
	blob := &types.PatchBlob{
		SourceType: types.RepoTypeSVN,
		Format:     types.FormatMinistat,
		Meta: types.BlobMeta{
			ChangedPaths: map[string]int64{"added": 1, "modified": 3, "deleted": 2},
		},
	}
	got, err := transform(blob, nil)
	require.NoError(t, err)
	require.Equal(t, "1 added, 3 modified, 2 deleted, 0 replaced\n", string(got))
}

func TestTransform_MinistatWithoutCountersFails(t *testing.T) {
	_, err := transform(&types.PatchBlob{
		SourceType: types.RepoTypeGit,
		Format:     types.FormatMinistat,
	}, nil)
	require.Error(t, err)
	require.Equal(t, syncerr.CategoryValidationError, syncerr.Classify(err))

	_, err = transform(&types.PatchBlob{
		SourceType: types.RepoTypeSVN,
		Format:     types.FormatMinistat,
	}, nil)
	require.Error(t, err)
	require.Equal(t, syncerr.CategoryValidationError, syncerr.Classify(err))
}

func TestTransform_UnknownFormat(t *testing.T) {
	_, err := transform(&types.PatchBlob{Format: "tarball"}, nil)
	require.Error(t, err)
	require.Equal(t, syncerr.CategoryValidationError, syncerr.Classify(err))
}
