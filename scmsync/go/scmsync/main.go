// Command scmsync is the sync engine binary: worker, reaper, runner and
// materialize subcommands over one shared configuration.
//
// Exit codes: 0 success, 1 partial success (at least one chunk failed), 2 hard
// failure.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"go.engram.dev/scm/go/emlog"
	"go.engram.dev/scm/go/redact"
	"go.engram.dev/scm/go/sqlpool"
	"go.engram.dev/scm/scmsync/go/artifacts"
	"go.engram.dev/scm/scmsync/go/blobstore"
	"go.engram.dev/scm/scmsync/go/config"
	"go.engram.dev/scm/scmsync/go/kvstore"
	"go.engram.dev/scm/scmsync/go/locks"
	"go.engram.dev/scm/scmsync/go/queue"
	"go.engram.dev/scm/scmsync/go/repostore"
	"go.engram.dev/scm/scmsync/go/runstore"
	"go.engram.dev/scm/scmsync/go/sql/schema"
	"go.engram.dev/scm/scmsync/go/syncerr"
)

var (
	flagConfig string
	flagJSON   bool
)

// errPartial marks a run where some but not all chunks failed; it maps to exit
// code 1.
var errPartial = errors.New("partial success")

func main() {
	root := &cobra.Command{
		Use:           "scmsync",
		Short:         "SCM ingestion sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Optional TOML config file; the environment overrides it.")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "Emit errors as JSON on stdout.")
	root.AddCommand(workerCmd(), reaperCmd(), runnerCmd(), materializeCmd(), migrateCmd())

	err := root.ExecuteContext(signalContext())
	emlog.Flush()
	if err == nil {
		os.Exit(0)
	}
	if errors.Is(err, errPartial) {
		os.Exit(1)
	}
	reportError(err)
	os.Exit(2)
}

// signalContext cancels on SIGINT/SIGTERM so loops drain cleanly.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}

func reportError(err error) {
	msg := redact.Redact(err.Error())
	if !flagJSON {
		fmt.Fprintln(os.Stderr, "scmsync:", msg)
		return
	}
	out := map[string]interface{}{"error": msg}
	var serr *syncerr.SyncError
	if errors.As(err, &serr) {
		out["error_category"] = string(serr.Category)
		if serr.StatusCode != 0 {
			out["status_code"] = serr.StatusCode
		}
	}
	_ = json.NewEncoder(os.Stdout).Encode(out)
}

// deps is everything a subcommand can need, built once from config.
type deps struct {
	cfg   *config.Config
	db    sqlpool.Pool
	q     *queue.SQLQueue
	runs  runstore.Store
	repos repostore.Store
	blobs blobstore.Store
	kv    kvstore.Store
	locks locks.Store
	store artifacts.Store
}

func openDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	db, err := sqlpool.New(ctx, cfg.PostgresDSN, 0)
	if err != nil {
		return nil, err
	}
	store, err := buildArtifactStore(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &deps{
		cfg:   cfg,
		db:    db,
		q:     queue.NewSQLQueue(db),
		runs:  runstore.NewSQLStore(db),
		repos: repostore.NewSQLStore(db),
		blobs: blobstore.NewSQLStore(db),
		kv:    kvstore.NewSQLStore(db),
		locks: locks.NewSQLStore(db),
		store: store,
	}, nil
}

func (d *deps) close() {
	d.db.Close()
}

func buildArtifactStore(ctx context.Context, cfg *config.Config) (artifacts.Store, error) {
	switch cfg.ArtifactsBackend {
	case config.BackendFile:
		return artifacts.NewFileURIStore(artifacts.LocalConfig{
			Root:         cfg.ArtifactsRoot,
			MaxSizeBytes: cfg.MaxArtifactBytes,
		}, []string{cfg.ArtifactsRoot}), nil
	case config.BackendObject:
		return artifacts.NewObjectStore(ctx, artifacts.ObjectConfig{
			Bucket:       cfg.Object.Bucket,
			Prefix:       cfg.Object.Prefix,
			Endpoint:     cfg.Object.Endpoint,
			Region:       cfg.Object.Region,
			AccessKey:    cfg.Object.AccessKey,
			SecretKey:    cfg.Object.SecretKey,
			MaxSizeBytes: cfg.MaxArtifactBytes,
		})
	default:
		return artifacts.NewLocalStore(artifacts.LocalConfig{
			Root:         cfg.ArtifactsRoot,
			MaxSizeBytes: cfg.MaxArtifactBytes,
		})
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema.",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDeps(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()
			if _, err := d.db.Exec(cmd.Context(), schema.Schema); err != nil {
				return err
			}
			emlog.Info("schema applied")
			return nil
		},
	}
}
