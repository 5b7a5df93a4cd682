package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"acsmconv/internal/api"
	"acsmconv/internal/queueaccess"
)

const maxListLimit = 500

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var stages []string
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List conversion jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 || limit > maxListLimit {
				limit = maxListLimit
			}
			return ctx.withSession(cmd, func(access queueaccess.Access) error {
				items, err := access.List(cmd.Context(), splitStages(stages), limit)
				if err != nil {
					return err
				}
				items = api.SortJobsNewestFirst(items)
				if jsonOutput {
					return writeJSON(cmd, api.JobListResponse{Jobs: items})
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
					return nil
				}
				color := shouldColorize(cmd.OutOrStdout())
				table := renderTable(
					[]string{"ID", "Title", "Format", "Stage", "Created", "Elapsed"},
					buildJobRows(items, color),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
				)
				fmt.Fprint(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&stages, "stage", "s", nil, "Filter by stage (repeatable or comma separated)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of jobs to list")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job with its stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return ctx.withSession(cmd, func(access queueaccess.Access) error {
				job, err := access.Describe(cmd.Context(), id)
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("job %s not found", id)
				}
				if jsonOutput {
					return writeJSON(cmd, job)
				}
				renderJob(cmd, *job, shouldColorize(cmd.OutOrStdout()))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return ctx.withSession(cmd, func(access queueaccess.Access) error {
				err := access.Cancel(cmd.Context(), id)
				switch {
				case err == nil:
					fmt.Fprintf(cmd.OutOrStdout(), "Canceled job %s\n", id)
					return nil
				case errors.Is(err, queueaccess.ErrNotFound):
					return fmt.Errorf("job %s not found", id)
				default:
					return err
				}
			})
		},
	}
}

func splitStages(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, strings.ToLower(part))
			}
		}
	}
	return out
}

func buildJobRows(items []api.Job, color bool) [][]string {
	rows := make([][]string, 0, len(items))
	for _, job := range items {
		rows = append(rows, []string{
			job.ID,
			truncate(job.Title, 40),
			job.SourceFormat + " -> " + job.TargetFormat,
			stageLabel(job.Stage, color),
			formatTimestamp(job.CreatedAt),
			formatElapsed(job.Elapsed),
		})
	}
	return rows
}

func renderJob(cmd *cobra.Command, job api.Job, color bool) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job:      %s\n", job.ID)
	fmt.Fprintf(out, "Title:    %s\n", job.Title)
	fmt.Fprintf(out, "Formats:  %s -> %s\n", job.SourceFormat, job.TargetFormat)
	fmt.Fprintf(out, "Stage:    %s\n", stageLabel(job.Stage, color))
	fmt.Fprintf(out, "Steps:    %s\n", strings.Join(job.Steps, " -> "))
	fmt.Fprintf(out, "Created:  %s\n", formatTimestamp(job.CreatedAt))
	if job.FinishedAt != "" {
		fmt.Fprintf(out, "Finished: %s (%s)\n", formatTimestamp(job.FinishedAt), formatElapsed(job.Elapsed))
	}
	if job.Artifact != "" {
		fmt.Fprintf(out, "Artifact: %s\n", job.Artifact)
	}
	if job.DeliveredAt != "" {
		fmt.Fprintf(out, "Delivered: %s\n", formatTimestamp(job.DeliveredAt))
	}
	if job.Error != nil {
		fmt.Fprintf(out, "Error:    %s: %s\n", job.Error.Kind, job.Error.Message)
	}
}

func formatTimestamp(value string) string {
	t := api.ParseTime(value)
	if t.IsZero() {
		return value
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatElapsed(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	return (time.Duration(seconds * float64(time.Second))).Round(100 * time.Millisecond).String()
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
