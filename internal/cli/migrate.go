package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"niyya/api/internal/config"
	"niyya/api/internal/store"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert database schema migrations",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: 2})
			if err != nil {
				return err
			}
			defer db.Close()
			applied, err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir)
			printMigrations(cmd, "applied", applied)
			return err
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert the most recent migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: 2})
			if err != nil {
				return err
			}
			defer db.Close()
			reverted, err := store.RollbackMigrations(cmd.Context(), db, cfg.MigrationsDir, steps)
			printMigrations(cmd, "reverted", reverted)
			return err
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to revert (0 reverts all)")

	cmd.AddCommand(up, down)
	return cmd
}

func printMigrations(cmd *cobra.Command, verb string, versions []string) {
	out := cmd.OutOrStdout()
	if len(versions) == 0 {
		fmt.Fprintf(out, "Nothing %s\n", verb)
		return
	}
	for _, v := range versions {
		green.Fprintf(out, "%s %s\n", verb, v)
	}
}
