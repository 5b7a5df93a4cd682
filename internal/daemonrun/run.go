// Package daemonrun assembles and runs the acsmconv daemon process for the
// serve command.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"acsmconv/internal/config"
	"acsmconv/internal/daemon"
	"acsmconv/internal/jobs"
	"acsmconv/internal/library"
	"acsmconv/internal/logging"
	"acsmconv/internal/preflight"
	"acsmconv/internal/queue"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the daemon and blocks until SIGINT, SIGTERM or cmdCtx ends.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return errors.New("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	if held, err := daemon.LockHeld(cfg.LockPath()); err != nil {
		return fmt.Errorf("check daemon lock: %w", err)
	} else if held {
		return daemon.ErrAlreadyRunning
	}

	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stderr", cfg.LogPath()},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	failed := preflight.Failed(preflight.RunAll(signalCtx, cfg))
	for _, result := range failed {
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
		)
	}
	logDependencySnapshot(signalCtx, logger, cfg)

	store, err := queue.Open(cfg.DatabasePath())
	if err != nil {
		logger.Error("open job store", logging.Error(err))
		return err
	}
	defer store.Close()

	svc, components, err := jobs.NewFromConfig(cfg, store, logger)
	if err != nil {
		logging.ErrorWithContext(logger, "job service unavailable", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "register a device with `acsmconv activate` and run `acsmconv check`"),
		)
		return err
	}
	lib, err := library.New(cfg.Paths.OutputDir, cfg.CoverDir(), logger)
	if err != nil {
		return err
	}

	d, err := daemon.New(daemon.Options{
		Config:     cfg,
		Store:      store,
		Jobs:       svc,
		Workspaces: components.Workspaces,
		Library:    lib,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	pidPath := filepath.Join(cfg.Paths.StateDir, "acsmconv.pid")
	go func() {
		select {
		case <-d.Ready():
			if err := writePIDFile(pidPath); err != nil {
				logging.WarnWithContext(logger, "unable to write pid file", "pid_file_failed",
					logging.String("path", pidPath),
					logging.Error(err),
				)
			}
		case <-signalCtx.Done():
		}
	}()
	defer os.Remove(pidPath)

	if err := d.Run(signalCtx); err != nil {
		return err
	}
	logger.Info("acsmconv daemon shutting down")
	return nil
}

func writePIDFile(path string) error {
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	attrs := []logging.Attr{logging.String(logging.FieldEventType, "dependency_snapshot")}
	for _, dep := range preflight.CheckSystemDeps(ctx, cfg) {
		attrs = append(attrs,
			logging.Bool(dep.Name+"_available", dep.Available),
			logging.String(dep.Name+"_binary", dep.Command),
		)
	}
	logger.Info("dependency snapshot", logging.Args(attrs...)...)
}
