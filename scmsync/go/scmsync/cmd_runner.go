package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"go.engram.dev/scm/go/emlog"
	"go.engram.dev/scm/scmsync/go/health"
	"go.engram.dev/scm/scmsync/go/kvstore"
	"go.engram.dev/scm/scmsync/go/runner"
	"go.engram.dev/scm/scmsync/go/types"
)

func runnerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runner",
		Short: "Enqueue incremental or backfill sync jobs.",
	}
	cmd.AddCommand(runnerIncrementalCmd(), runnerBackfillCmd())
	return cmd
}

func buildRunner(d *deps) *runner.Runner {
	return runner.New(d.q, d.repos, d.runs, kvstore.NewCursors(d.kv),
		health.NewBreaker(d.kv, health.DefaultBreakerConfig()),
		health.NewRegistry(d.kv), runner.Config{})
}

// parseRepoRef decodes --repo <type>:<id>.
func parseRepoRef(ref string) (types.RepoType, int64, error) {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("repo reference %q is not <type>:<id>", ref)
	}
	t := types.RepoType(parts[0])
	if t != types.RepoTypeGit && t != types.RepoTypeSVN {
		return "", 0, fmt.Errorf("unknown repo type %q", parts[0])
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("repo reference %q has an invalid id", ref)
	}
	return t, id, nil
}

// jobTypeFor maps --job onto the closed job-type set for the repo type.
func jobTypeFor(t types.RepoType, job string) (types.JobType, error) {
	if t == types.RepoTypeSVN {
		if job != "" && job != "commits" {
			return "", fmt.Errorf("svn repos only sync commits")
		}
		return types.JobTypeSVN, nil
	}
	switch job {
	case "", "commits":
		return types.JobTypeGitLabCommits, nil
	case "mrs":
		return types.JobTypeGitLabMRs, nil
	case "reviews":
		return types.JobTypeGitLabReviews, nil
	}
	return "", fmt.Errorf("unknown job %q", job)
}

func runnerIncrementalCmd() *cobra.Command {
	var repoRef, job string
	cmd := &cobra.Command{
		Use:   "incremental",
		Short: "Enqueue one incremental job for a repo.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repoType, repoID, err := parseRepoRef(repoRef)
			if err != nil {
				return err
			}
			jobType, err := jobTypeFor(repoType, job)
			if err != nil {
				return err
			}
			d, err := openDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			jobID, err := buildRunner(d).ScheduleIncremental(ctx, repoID, jobType)
			if err != nil {
				return err
			}
			if jobID == "" {
				emlog.Infof("nothing enqueued for repo %d %s", repoID, jobType)
				return nil
			}
			emlog.Infof("enqueued job %s", jobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&repoRef, "repo", "", "Repo reference <type>:<id>. Required.")
	cmd.Flags().StringVar(&job, "job", "", "Job flavor: commits, mrs or reviews.")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func runnerBackfillCmd() *cobra.Command {
	var (
		repoRef, job     string
		lastHours        int
		lastDays         int
		sinceStr         string
		untilStr         string
		startRev, endRev int64
		updateWatermark  bool
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Chunk a window and enqueue one job per chunk.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repoType, repoID, err := parseRepoRef(repoRef)
			if err != nil {
				return err
			}
			jobType, err := jobTypeFor(repoType, job)
			if err != nil {
				return err
			}
			req := runner.BackfillRequest{
				RepoID:          repoID,
				JobType:         jobType,
				StartRev:        startRev,
				EndRev:          endRev,
				UpdateWatermark: updateWatermark,
			}
			if err := fillTimeWindow(&req, lastHours, lastDays, sinceStr, untilStr); err != nil {
				return err
			}
			d, err := openDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			summary, err := buildRunner(d).ScheduleBackfill(ctx, req)
			if err != nil {
				return err
			}
			emlog.Infof("backfill: %d chunks, %d enqueued, %d skipped",
				summary.Chunks, len(summary.Enqueued), summary.Skipped)
			if summary.Skipped > 0 && len(summary.Enqueued) > 0 {
				return errPartial
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&repoRef, "repo", "", "Repo reference <type>:<id>. Required.")
	cmd.Flags().StringVar(&job, "job", "", "Job flavor: commits, mrs or reviews.")
	cmd.Flags().IntVar(&lastHours, "last-hours", 0, "Backfill the last N hours.")
	cmd.Flags().IntVar(&lastDays, "last-days", 0, "Backfill the last N days.")
	cmd.Flags().StringVar(&sinceStr, "since", "", "Window start, RFC 3339.")
	cmd.Flags().StringVar(&untilStr, "until", "", "Window end, RFC 3339.")
	cmd.Flags().Int64Var(&startRev, "start-rev", 0, "First revision of an SVN window.")
	cmd.Flags().Int64Var(&endRev, "end-rev", 0, "Last revision of an SVN window.")
	cmd.Flags().BoolVar(&updateWatermark, "update-watermark", false, "Advance the cursor as chunks complete.")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func fillTimeWindow(req *runner.BackfillRequest, lastHours, lastDays int, sinceStr, untilStr string) error {
	switch {
	case lastHours > 0 || lastDays > 0:
		d := time.Duration(lastHours)*time.Hour + time.Duration(lastDays)*24*time.Hour
		req.Until = time.Now().UTC()
		req.Since = req.Until.Add(-d)
	case sinceStr != "" || untilStr != "":
		var err error
		if req.Since, err = time.Parse(time.RFC3339, sinceStr); err != nil {
			return fmt.Errorf("parsing --since: %w", err)
		}
		if untilStr == "" {
			req.Until = time.Now().UTC()
		} else if req.Until, err = time.Parse(time.RFC3339, untilStr); err != nil {
			return fmt.Errorf("parsing --until: %w", err)
		}
	}
	return nil
}
