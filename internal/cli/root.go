// Package cli implements the niyya-maint command-line interface for
// inspecting and cleaning the audio blob store.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"niyya/api/internal/blobs"
	"niyya/api/internal/config"
	"niyya/api/internal/contentstore"
	"niyya/api/internal/gc"
	"niyya/api/internal/kv"
	"niyya/api/internal/logging"
	"niyya/api/internal/store"
)

// cmdContext holds the resources a maintenance command works against.
type cmdContext struct {
	Env      string
	Grace    time.Duration
	Registry *blobs.Registry
	Job      *gc.Job
	closers  []func() error
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i]()
	}
}

// openContext connects to the configured database, content backend and,
// when configured, the Redis lease shared with running API processes.
// Tests replace it.
var openContext = func(ctx context.Context) (*cmdContext, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.LogFormat, cfg.LogLevel, os.Stderr)

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: 4})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	c := &cmdContext{Env: cfg.Env, Grace: cfg.GC.GracePeriod, closers: []func() error{db.Close}}
	records := store.NewPostgresStore(db)

	content, err := contentstore.New(ctx, cfg.Blobs)
	if err != nil {
		c.Close()
		return nil, err
	}

	opts := []gc.JobOption{gc.WithLogger(logger)}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rdb, err := kv.Open(ctx, cfg.RedisURL)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.closers = append(c.closers, rdb.Close)
		opts = append(opts, gc.WithLocker(gc.NewRedisLocker(rdb, gc.DefaultLeaseKey, gc.DefaultLeaseTTL)))
	}

	c.Registry = blobs.New(records, content, blobs.Options{Env: cfg.Env, Logger: logger})
	c.Job = gc.NewJob(records, c.Registry, content, opts...)
	return c, nil
}

type rootOptions struct {
	json bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "niyya-maint",
		Short: "Niyya blob store maintenance",
		Long: `niyya-maint inspects and cleans the content-addressed audio store:
reference-count reconciliation, retries of failed deletions, expiry sweeps
and orphaned object reports.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "Print machine-readable JSON")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newSweepCmd(opts))
	root.AddCommand(newRetryCmd(opts))
	root.AddCommand(newReconcileCmd(opts))
	root.AddCommand(newOrphansCmd(opts))
	root.AddCommand(newStatsCmd(opts))
	root.AddCommand(newMigrateCmd())
	return root
}

// ExecuteContext runs the root command
func ExecuteContext(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

// withContext opens resources for the command and closes them afterwards.
func withContext(cmd *cobra.Command, fn func(ctx context.Context, c *cmdContext) error) error {
	ctx := cmd.Context()
	c, err := openContext(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
