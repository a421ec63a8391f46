package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.engram.dev/scm/go/emlog"
	"go.engram.dev/scm/scmsync/go/blobstore"
	"go.engram.dev/scm/scmsync/go/materialize"
	"go.engram.dev/scm/scmsync/go/types"
)

func materializeCmd() *cobra.Command {
	var (
		blobID      int64
		sourceType  string
		retryFailed bool
		batchSize   int
		mismatch    string
	)
	cmd := &cobra.Command{
		Use:   "materialize",
		Short: "Drive pending patch blobs to done.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			m := materialize.New(d.blobs, d.repos, d.store, buildFetchers(d), materialize.Config{
				Mismatch: materialize.MismatchPolicy(mismatch),
			})
			summary, err := m.RunBatch(ctx, blobstore.CandidateRequest{
				BlobID:        blobID,
				SourceType:    types.SourceType(sourceType),
				IncludeFailed: retryFailed,
				BatchSize:     batchSize,
			})
			if err != nil {
				return err
			}
			emlog.Infof("materialize: %d selected, %d done, %d failed",
				summary.Selected, summary.Done, summary.Failed)
			if summary.Failed > 0 {
				if summary.Done > 0 {
					return errPartial
				}
				return fmt.Errorf("all %d selected blobs failed", summary.Failed)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&blobID, "blob-id", 0, "Materialize a single blob by id.")
	cmd.Flags().StringVar(&sourceType, "source-type", "", "Restrict candidates to git or svn.")
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "Include failed blobs with attempts remaining.")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Candidate batch size.")
	cmd.Flags().StringVar(&mismatch, "on-sha-mismatch", string(materialize.PolicyStrict), "Mismatch policy: strict or mirror.")
	return cmd
}
