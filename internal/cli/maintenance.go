package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"niyya/api/internal/gc"
)

type passFlags struct {
	grace         time.Duration
	dryRun        bool
	skipReconcile bool
	skipRetry     bool
	skipSweep     bool
}

func (f *passFlags) bindGrace(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.grace, "grace", 0, "Minimum age of unreferenced blobs before deletion; 0s sweeps all (default from config)")
}

func (f *passFlags) bindDryRun(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Report what would change without mutating anything")
}

func (f *passFlags) options(cmd *cobra.Command, c *cmdContext) gc.Options {
	opts := gc.Options{DryRun: f.dryRun}
	if cmd.Flags().Changed("grace") {
		return opts.WithGrace(f.grace)
	}
	return opts.WithGrace(c.Grace)
}

func newRunCmd(root *rootOptions) *cobra.Command {
	flags := &passFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile, retry failed deletions and sweep expired blobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, c *cmdContext) error {
				opts := flags.options(cmd, c)
				opts.Reconcile = !flags.skipReconcile
				opts.Retry = !flags.skipRetry
				opts.Sweep = !flags.skipSweep
				return runPasses(ctx, cmd, root, c, opts)
			})
		},
	}
	flags.bindGrace(cmd)
	flags.bindDryRun(cmd)
	cmd.Flags().BoolVar(&flags.skipReconcile, "skip-reconcile", false, "Skip reference-count reconciliation")
	cmd.Flags().BoolVar(&flags.skipRetry, "skip-retry", false, "Skip retrying pending deletions")
	cmd.Flags().BoolVar(&flags.skipSweep, "skip-sweep", false, "Skip the expiry sweep")
	return cmd
}

func newSweepCmd(root *rootOptions) *cobra.Command {
	flags := &passFlags{}
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete blobs unreferenced for longer than the grace period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, c *cmdContext) error {
				opts := flags.options(cmd, c)
				opts.Sweep = true
				return runPasses(ctx, cmd, root, c, opts)
			})
		},
	}
	flags.bindGrace(cmd)
	flags.bindDryRun(cmd)
	return cmd
}

func newRetryCmd(root *rootOptions) *cobra.Command {
	flags := &passFlags{}
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Retry deletions left pending by a backend failure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, c *cmdContext) error {
				opts := flags.options(cmd, c)
				opts.Retry = true
				return runPasses(ctx, cmd, root, c, opts)
			})
		},
	}
	flags.bindDryRun(cmd)
	return cmd
}

func newReconcileCmd(root *rootOptions) *cobra.Command {
	flags := &passFlags{}
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute reference counts from threads and playlists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, c *cmdContext) error {
				opts := flags.options(cmd, c)
				opts.Reconcile = true
				return runPasses(ctx, cmd, root, c, opts)
			})
		},
	}
	flags.bindDryRun(cmd)
	return cmd
}

func runPasses(ctx context.Context, cmd *cobra.Command, root *rootOptions, c *cmdContext, opts gc.Options) error {
	rep, err := c.Job.Run(ctx, opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if root.json {
		return writeJSON(out, rep)
	}
	printReport(out, rep)
	return nil
}
