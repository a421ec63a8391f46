package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"go.engram.dev/scm/go/emlog"
	"go.engram.dev/scm/scmsync/go/reaper"
)

func reaperCmd() *cobra.Command {
	var (
		graceSeconds       int
		maxDurationSeconds int
		policy             string
		dryRun             bool
		loop               bool
		intervalSeconds    int
	)
	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Recover orphaned jobs, runs and locks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p := reaper.Policy(policy)
			if !p.Valid() {
				return fmt.Errorf("unknown reaper policy %q", policy)
			}
			d, err := openDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			r := reaper.New(d.q, d.runs, d.locks, reaper.Config{
				Policy:     p,
				Grace:      time.Duration(graceSeconds) * time.Second,
				RunTimeout: time.Duration(maxDurationSeconds) * time.Second,
				Interval:   time.Duration(intervalSeconds) * time.Second,
				DryRun:     dryRun,
			})
			if loop {
				r.Run(ctx)
				return nil
			}
			summary, err := r.RunOnce(ctx)
			if err != nil {
				return err
			}
			emlog.Infof("reaper: %d expired jobs (%d reclaimed, %d skipped), %d runs failed, %d locks cleared",
				summary.ExpiredJobs, summary.Reclaimed, summary.Skipped,
				summary.TimedOutRuns, summary.ExpiredLocks)
			return nil
		},
	}
	cmd.Flags().IntVar(&graceSeconds, "grace-seconds", 0, "Extra slack past the lease before a job counts as orphaned.")
	cmd.Flags().IntVar(&maxDurationSeconds, "max-duration-seconds", 0, "Age at which a still-running run is force-failed.")
	cmd.Flags().StringVar(&policy, "policy", string(reaper.PolicyToPending), "Orphan policy: to_pending, fail_retry or mark_dead.")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be reclaimed without mutating anything.")
	cmd.Flags().BoolVar(&loop, "loop", false, "Sweep repeatedly instead of once.")
	cmd.Flags().IntVar(&intervalSeconds, "interval-seconds", 0, "Seconds between sweeps with --loop.")
	return cmd
}
