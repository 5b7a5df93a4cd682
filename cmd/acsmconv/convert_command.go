package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"

	"acsmconv/internal/api"
	"acsmconv/internal/config"
	"acsmconv/internal/jobs"
	"acsmconv/internal/logging"
	"acsmconv/internal/queue"
)

const (
	jobPollInterval    = 500 * time.Millisecond
	localShutdownGrace = 10 * time.Second
)

func newConvertCommand(ctx *commandContext) *cobra.Command {
	var format string
	var dest string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "convert <file.acsm>",
		Short: "Convert an ACSM manifest and wait for the result",
		Long: `Convert an ACSM manifest into a DRM-free ebook.

The manifest is handed to the running daemon when one answers on the
configured address. Otherwise the job runs in this process. The artifact
stays in the output directory unless --dest is given, in which case it is
downloaded there.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			manifest := strings.TrimSpace(args[0])
			if !strings.EqualFold(filepath.Ext(manifest), ".acsm") {
				return fmt.Errorf("%s is not an .acsm file", manifest)
			}
			if format == "" {
				format = cfg.Output.DefaultFormat
			}

			var job api.Job
			if client := ctx.daemonClient(cmd.Context()); client != nil {
				job, err = convertRemote(cmd.Context(), client, manifest, format, dest)
			} else {
				job, err = convertLocal(cmd.Context(), cfg, manifest, format, dest)
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, job)
			}
			printConvertSummary(cmd, cfg, job, dest)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "Target format (epub, pdf, mobi, azw3, ...); defaults to output.default_format")
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "Download the artifact into this directory")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the finished job as JSON")
	return cmd
}

func convertRemote(ctx context.Context, client *api.Client, manifest, format, dest string) (api.Job, error) {
	file, err := os.Open(manifest)
	if err != nil {
		return api.Job{}, fmt.Errorf("open manifest: %w", err)
	}
	resp, err := client.Submit(ctx, filepath.Base(manifest), file, format)
	file.Close()
	if err != nil {
		return api.Job{}, err
	}

	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()
	for {
		job, err := client.Job(ctx, resp.JobID)
		if err != nil {
			return api.Job{}, err
		}
		switch job.Stage {
		case string(queue.StageFailed):
			return job, jobFailure(job)
		case string(queue.StageDone):
			if dest == "" {
				return job, nil
			}
			err := writeArtifact(dest, job.Artifact, func(w io.Writer) error {
				_, err := client.Download(ctx, job.ID, w)
				return err
			})
			return job, err
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func convertLocal(ctx context.Context, cfg *config.Config, manifest, format, dest string) (api.Job, error) {
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return api.Job{}, fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return api.Job{}, fmt.Errorf("a daemon holds %s but does not answer on %s", cfg.LockPath(), cfg.HTTP.Bind)
	}
	defer lock.Unlock()

	logger, err := logging.NewFromConfig(cfg, false)
	if err != nil {
		return api.Job{}, fmt.Errorf("init logger: %w", err)
	}

	store, err := queue.Open(cfg.DatabasePath())
	if err != nil {
		return api.Job{}, err
	}
	defer store.Close()

	svc, _, err := jobs.NewFromConfig(cfg, store, logger)
	if err != nil {
		return api.Job{}, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), localShutdownGrace)
		defer cancel()
		_ = svc.Shutdown(shutdownCtx)
	}()
	if _, err := svc.Recover(ctx); err != nil {
		logging.WarnWithContext(logger, "job recovery failed", "recovery_failed", logging.Error(err))
	}

	id, err := svc.Submit(ctx, manifest, format)
	if err != nil {
		return api.Job{}, err
	}
	result, err := svc.Wait(ctx, id)
	if err != nil {
		return api.Job{}, err
	}
	job := api.FromResult(result)
	if result.Failed() {
		return job, jobFailure(job)
	}
	if dest == "" {
		return job, nil
	}

	err = writeArtifact(dest, job.Artifact, func(w io.Writer) error {
		rc, _, err := svc.Open(ctx, id)
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = io.Copy(w, rc)
		return err
	})
	if err != nil {
		return job, err
	}
	if err := svc.Deliver(ctx, id); err != nil {
		return job, err
	}
	if delivered, err := svc.Result(ctx, id); err == nil {
		job.DeliveredAt = api.FromResult(delivered).DeliveredAt
	}
	return job, nil
}

func writeArtifact(dest, name string, fill func(io.Writer) error) error {
	if name == "" {
		return errors.New("job finished without an artifact name")
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	pending, err := renameio.NewPendingFile(filepath.Join(dest, name), renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create artifact file: %w", err)
	}
	defer pending.Cleanup()
	if err := fill(pending); err != nil {
		return fmt.Errorf("download artifact: %w", err)
	}
	return pending.CloseAtomicallyReplace()
}

func jobFailure(job api.Job) error {
	if job.Error == nil {
		return fmt.Errorf("job %s failed", job.ID)
	}
	return fmt.Errorf("job %s failed: %s: %s", job.ID, job.Error.Kind, job.Error.Message)
}

func printConvertSummary(cmd *cobra.Command, cfg *config.Config, job api.Job, dest string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job %s finished in %.1fs (%s)\n", job.ID, job.Elapsed, strings.Join(job.Steps, " -> "))
	if job.Title != "" {
		fmt.Fprintf(out, "Title: %s\n", job.Title)
	}
	if dest != "" {
		fmt.Fprintf(out, "Saved: %s\n", filepath.Join(dest, job.Artifact))
		return
	}
	fmt.Fprintf(out, "Artifact: %s\n", filepath.Join(cfg.Paths.OutputDir, job.Artifact))
}
