package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"go.engram.dev/scm/scmsync/go/ingest"
	"go.engram.dev/scm/scmsync/go/kvstore"
	"go.engram.dev/scm/scmsync/go/ratelimit"
	"go.engram.dev/scm/scmsync/go/source"
	"go.engram.dev/scm/scmsync/go/source/gitlab"
	"go.engram.dev/scm/scmsync/go/source/svncli"
	"go.engram.dev/scm/scmsync/go/types"
	"go.engram.dev/scm/scmsync/go/worker"
)

func workerCmd() *cobra.Command {
	var (
		workerID     string
		jobTypes     []string
		once         bool
		pollInterval int
		leaseSeconds int
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and execute sync jobs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			types_, err := parseJobTypes(jobTypes)
			if err != nil {
				return err
			}
			w := worker.New(d.q, d.runs, kvstore.NewCursors(d.kv), buildExecutor(d), worker.Config{
				WorkerID:     workerID,
				JobTypes:     types_,
				PollInterval: time.Duration(pollInterval) * time.Second,
				LeaseSeconds: leaseSeconds,
			})
			if once {
				_, err := w.Tick(ctx)
				return err
			}
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workerID, "worker-id", "", "Unique id recorded in locked_by. Required.")
	cmd.Flags().StringSliceVar(&jobTypes, "job-types", nil, "Job types to claim; empty claims any.")
	cmd.Flags().BoolVar(&once, "once", false, "Process at most one job and exit.")
	cmd.Flags().IntVar(&pollInterval, "poll-interval", 0, "Seconds between empty-queue polls.")
	cmd.Flags().IntVar(&leaseSeconds, "lease-seconds", 0, "Lease override applied on claim.")
	_ = cmd.MarkFlagRequired("worker-id")
	return cmd
}

// buildExecutor wires the ingest handlers with the real upstream adapters and
// the composed rate limiter.
func buildExecutor(d *deps) *worker.Executor {
	limiter := ratelimit.NewComposedLimiter(
		ratelimit.NewLocalLimiter(ratelimit.DefaultRate, ratelimit.DefaultBurst),
		ratelimit.NewSQLBucket(d.db, ratelimit.DefaultRate, ratelimit.DefaultBurst))
	exec := worker.NewExecutor()
	ingest.New(d.repos, d.blobs, kvstore.NewCursors(d.kv), d.locks, limiter,
		buildFetchers(d), ingest.Config{}).Register(exec)
	return exec
}

func buildFetchers(d *deps) map[types.RepoType]source.Fetcher {
	return map[types.RepoType]source.Fetcher{
		types.RepoTypeGit: gitlab.New(nil, source.NewEnvProvider(source.EnvProviderConfig{
			RepoType:    types.RepoTypeGit,
			ConfigToken: d.cfg.GitLabToken,
		})),
		types.RepoTypeSVN: svncli.New(source.NewEnvProvider(source.EnvProviderConfig{
			RepoType: types.RepoTypeSVN,
		})),
	}
}

func parseJobTypes(raw []string) ([]types.JobType, error) {
	out := make([]types.JobType, 0, len(raw))
	for _, s := range raw {
		jt := types.JobType(s)
		if !jt.Valid() {
			return nil, fmt.Errorf("unknown job type %q", s)
		}
		out = append(out, jt)
	}
	return out, nil
}
