package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ManuGH/mediasearch/internal/maintenance"
)

func newMaintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "housekeeping sweeps",
	}
	cmd.AddCommand(newMaintenanceRunCmd(), newMaintenanceRetryPoisonedCmd())
	return cmd
}

func newMaintenanceRunCmd() *cobra.Command {
	var dryRun bool
	var library string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "reclaim expired leases, prune stale workers, sweep temp files and orphaned frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if library != "" {
				if _, err := a.requireLibrary(ctx, library); err != nil {
					return err
				}
			}
			hostname, err := os.Hostname()
			if err != nil {
				hostname = "unknown"
			}
			s := &maintenance.Sweeper{
				Store:    a.st,
				Layout:   a.layout,
				Log:      a.log,
				Hostname: hostname,
				Library:  library,
				DryRun:   dryRun,
			}
			rep, err := s.Run(ctx)
			if err != nil {
				return err
			}
			verb := "removed"
			if dryRun {
				verb = "would remove"
			}
			fmt.Printf("leases reclaimed: %d\nworkers pruned: %d\ntemp files %s: %d\norphaned frames %s: %d\n",
				rep.LeasesReclaimed, rep.WorkersPruned,
				verb, rep.TempFilesRemoved, verb, rep.OrphanFramesRemoved)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting")
	cmd.Flags().StringVar(&library, "library", "", "restrict to one library slug")
	return cmd
}

func newMaintenanceRetryPoisonedCmd() *cobra.Command {
	var library string
	cmd := &cobra.Command{
		Use:   "retry-poisoned",
		Short: "put poisoned assets back in the queue with a fresh retry budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if library != "" {
				if _, err := a.requireLibrary(ctx, library); err != nil {
					return err
				}
			}
			n, err := a.st.Assets.RetryPoisoned(ctx, library)
			if err != nil {
				return err
			}
			fmt.Printf("%d poisoned assets requeued\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&library, "library", "", "restrict to one library slug")
	return cmd
}
