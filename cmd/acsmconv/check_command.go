package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"acsmconv/internal/deps"
	"acsmconv/internal/preflight"
	"acsmconv/internal/queue"
)

var errChecksFailed = errors.New("one or more checks failed")

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify directories, the device activation and external tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			color := shouldColorize(out)
			var lines []string

			lines = append(lines, renderSectionHeader("Environment", color)...)
			results := preflight.RunAll(cmd.Context(), cfg)
			for _, result := range results {
				kind := statusOK
				if !result.Passed {
					kind = statusError
				}
				lines = append(lines, renderStatusLine(result.Name, kind, result.Detail, color))
			}

			lines = append(lines, "")
			lines = append(lines, renderSectionHeader("Tools", color)...)
			statuses := preflight.CheckSystemDeps(cmd.Context(), cfg)
			for _, status := range statuses {
				lines = append(lines, renderStatusLine(status.Name, depKind(status), depMessage(status), color))
			}

			lines = append(lines, "")
			lines = append(lines, renderSectionHeader("Job store", color)...)
			storeLine, storeOK := checkStore(cmd, cfg.DatabasePath(), color)
			lines = append(lines, storeLine)

			lines = append(lines, "")
			lines = append(lines, renderSectionHeader("Daemon", color)...)
			if client := ctx.daemonClient(cmd.Context()); client != nil {
				lines = append(lines, renderStatusLine("API", statusOK, "listening on "+cfg.HTTP.Bind, color))
			} else {
				lines = append(lines, renderStatusLine("API", statusInfo, "not running ("+cfg.HTTP.Bind+")", color))
			}

			fmt.Fprintln(out, strings.Join(lines, "\n"))
			if len(preflight.Failed(results)) > 0 || deps.AnyMissing(statuses) || !storeOK {
				return errChecksFailed
			}
			return nil
		},
	}
}

func checkStore(cmd *cobra.Command, path string, color bool) (string, bool) {
	store, err := queue.Open(path)
	if err != nil {
		return renderStatusLine("Database", statusError, err.Error(), color), false
	}
	defer store.Close()
	health, err := store.CheckHealth(cmd.Context())
	switch {
	case err != nil:
		return renderStatusLine("Database", statusError, err.Error(), color), false
	case !health.IntegrityCheck:
		return renderStatusLine("Database", statusError, "integrity check failed: "+health.DBPath, color), false
	}
	message := fmt.Sprintf("%s (schema v%d, %d jobs)", health.DBPath, health.SchemaVersion, health.TotalJobs)
	return renderStatusLine("Database", statusOK, message, color), true
}

func depKind(status deps.Status) statusKind {
	switch {
	case status.Available:
		return statusOK
	case status.Optional:
		return statusWarn
	default:
		return statusError
	}
}

func depMessage(status deps.Status) string {
	if status.Available {
		return status.Path
	}
	message := status.Description
	if status.Detail != "" {
		message += " (" + status.Detail + ")"
	}
	return message
}
