package cli

import (
	"context"

	"github.com/spf13/cobra"

	"niyya/api/internal/contentstore"
)

func newOrphansCmd(root *rootOptions) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List stored objects that no blob record points at",
		Long: `List objects under the environment's audio prefix that have no
matching blob record. Nothing is deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, c *cmdContext) error {
				p := prefix
				if p == "" {
					p = contentstore.AudioPrefix(c.Env)
				}
				orphans, err := c.Job.FindOrphans(ctx, p)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if root.json {
					return writeJSON(out, map[string]any{"orphans": orphans, "count": len(orphans)})
				}
				printOrphans(out, orphans)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Object key prefix to scan (default: audio prefix for the configured env)")
	return cmd
}

func newStatsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show blob counts, references and deduplication ratio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, c *cmdContext) error {
				stats, err := c.Registry.Stats(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if root.json {
					return writeJSON(out, stats)
				}
				printStats(out, stats)
				return nil
			})
		},
	}
}
