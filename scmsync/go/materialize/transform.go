package materialize

import (
	"fmt"
	"strings"

	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
)

// transform converts the raw fetched diff into the blob's requested format.
// The degraded ministat path never looks at the diff at all; it summarizes
// the counters recorded in the blob's meta when the source refused to give a
// real diff.
func transform(blob *types.PatchBlob, raw []byte) ([]byte, error) {
	switch blob.Format {
	case types.FormatDiff:
		return raw, nil
	case types.FormatDiffstat:
		return []byte(diffstat(string(raw))), nil
	case types.FormatMinistat:
		return ministat(blob)
	}
	return nil, syncerr.New(syncerr.CategoryValidationError,
		"blob %d has unknown format %q", blob.ID, string(blob.Format))
}

// diffstat derives the one-line summary from unified diff text.
func diffstat(diff string) string {
	var files, insertions, deletions int
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++ "):
			files++
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			insertions++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			deletions++
		}
	}
	return fmt.Sprintf("%d file(s) changed, %d insertion(s)(+), %d deletion(s)(-)\n",
		files, insertions, deletions)
}

// ministat summarizes from recorded counters: git numstat figures, or SVN
// changed-path action counts.
func ministat(blob *types.PatchBlob) ([]byte, error) {
	switch blob.SourceType {
	case types.RepoTypeGit:
		stats := blob.Meta.Stats
		if stats == nil {
			return nil, syncerr.New(syncerr.CategoryValidationError,
				"blob %d requests a ministat but carries no stats", blob.ID)
		}
		return []byte(fmt.Sprintf("%d file(s) changed, %d insertion(s)(+), %d deletion(s)(-)\n",
			stats["files"], stats["insertions"], stats["deletions"])), nil
	case types.RepoTypeSVN:
		paths := blob.Meta.ChangedPaths
		if paths == nil {
			return nil, syncerr.New(syncerr.CategoryValidationError,
				"blob %d requests a ministat but carries no changed_paths", blob.ID)
		}
		return []byte(fmt.Sprintf("%d added, %d modified, %d deleted, %d replaced\n",
			paths["added"], paths["modified"], paths["deleted"], paths["replaced"])), nil
	}
	return nil, syncerr.New(syncerr.CategoryValidationError,
		"blob %d has unknown source type %q", blob.ID, string(blob.SourceType))
}
