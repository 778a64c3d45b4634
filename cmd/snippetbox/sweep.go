package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sakif/snippetbox/internal/environment"
	sqliteRepo "github.com/sakif/snippetbox/internal/repository/sqlite"
	"github.com/sakif/snippetbox/internal/service"
)

var (
	sweepAge     time.Duration
	sweepHistory bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove stale ephemeral environments and old history",
	Long: `Remove ephemeral environments older than --age that a crashed
process left behind. With --history, also delete execution records older
than the configured retention.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepAge, "age", 0, "Minimum age of environments to remove (default: workspace.sweep_age)")
	sweepCmd.Flags().BoolVar(&sweepHistory, "history", false, "Also prune execution history")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	age := cfg.Workspace.SweepAge
	if sweepAge > 0 {
		age = sweepAge
	}

	prov, err := environment.NewProvisioner(cfg.Workspace.Dir, environment.NewPipInstaller(logger), logger)
	if err != nil {
		return err
	}
	removed, err := prov.Sweep(age)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d environment(s) from %s\n", removed, prov.Workspace())

	if !sweepHistory {
		return nil
	}
	db, err := sqliteRepo.New(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	pruned, err := service.NewExecutionService(nil, db, logger).Prune(ctx, cfg.Storage.Retention)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d execution record(s)\n", pruned)
	return nil
}
