package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"acsmconv/internal/daemon"
	"acsmconv/internal/jobs"
	"acsmconv/internal/library"
	"acsmconv/internal/queue"
	"acsmconv/internal/workspace"
)

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Apply the retention policy once",
		Long: `Remove expired artifacts and their cached covers, stored manifests of
finished jobs and old job records, and reclaim stale workspaces. Workspaces
are left alone while a daemon holds the lock, since it sweeps its own.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			lib, err := library.New(cfg.Paths.OutputDir, cfg.CoverDir(), nil)
			if err != nil {
				return err
			}
			store, err := queue.Open(cfg.DatabasePath())
			if err != nil {
				return err
			}
			defer store.Close()

			sweeper := &daemon.Sweeper{
				Library:         lib,
				Uploads:         &jobs.Uploads{Dir: cfg.Paths.UploadDir, Jobs: store},
				Jobs:            store,
				OutputRetention: cfg.OutputRetention(),
				JobRetention:    cfg.JobRetention(),
			}
			held, err := daemon.LockHeld(cfg.LockPath())
			if err != nil {
				return fmt.Errorf("check daemon lock: %w", err)
			}
			if !held {
				workspaces, err := workspace.NewManager(cfg.Paths.WorkspaceDir, nil)
				if err != nil {
					return err
				}
				sweeper.Workspaces = workspaces
				sweeper.StaleWorkspaceAge = cfg.StaleWorkspaceAge()
			}

			report := sweeper.Run(cmd.Context())
			rows := [][]string{
				{"Artifacts", fmt.Sprint(report.Artifacts)},
				{"Covers", fmt.Sprint(report.Covers)},
				{"Workspaces", workspaceCell(report.Workspaces, held)},
				{"Uploads", fmt.Sprint(report.Uploads)},
				{"Job records", fmt.Sprint(report.Jobs)},
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Removed", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
			if report.Errors > 0 {
				return fmt.Errorf("%d cleanup errors; see the log for details", report.Errors)
			}
			return nil
		},
	}
}

func workspaceCell(count int, daemonRunning bool) string {
	if daemonRunning {
		return "skipped (daemon running)"
	}
	return fmt.Sprint(count)
}
