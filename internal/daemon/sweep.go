package daemon

import (
	"context"
	"log/slog"
	"time"

	"acsmconv/internal/library"
	"acsmconv/internal/logging"
	"acsmconv/internal/metrics"
	"acsmconv/internal/workspace"
)

// JobPurger removes terminal job records.
type JobPurger interface {
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// UploadPruner removes stored manifests no job needs anymore.
type UploadPruner interface {
	Prune(ctx context.Context) ([]string, []error)
}

// Sweeper applies the retention policy: expired artifacts and their covers,
// stale workspaces, reclaimable uploads and old job records. Any field may be
// nil to skip that target.
type Sweeper struct {
	Library    *library.Library
	Workspaces *workspace.Manager
	Uploads    UploadPruner
	Jobs       JobPurger

	OutputRetention   time.Duration
	StaleWorkspaceAge time.Duration
	JobRetention      time.Duration

	Logger *slog.Logger
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Artifacts  int
	Covers     int
	Workspaces int
	Uploads    int
	Jobs       int64
	Errors     int
}

// Run performs one sweep. Failures are logged and counted; they never stop
// the remaining targets.
func (s *Sweeper) Run(ctx context.Context) SweepReport {
	var report SweepReport
	logger := logging.WithContext(ctx, s.Logger)

	if s.Library != nil {
		result := s.Library.Sweep(ctx, s.OutputRetention)
		report.Artifacts = len(result.Artifacts) + len(result.Placeholders)
		report.Covers = len(result.Covers)
		report.Errors += len(result.Errors)
	}
	if s.Workspaces != nil && s.StaleWorkspaceAge > 0 {
		result := s.Workspaces.CleanStale(ctx, s.StaleWorkspaceAge)
		report.Workspaces = len(result.Removed)
		report.Errors += len(result.Errors)
		metrics.AddRetentionRemoved("workspaces", report.Workspaces)
	}
	if s.Jobs != nil && s.JobRetention > 0 {
		purged, err := s.Jobs.PurgeFinishedBefore(ctx, time.Now().Add(-s.JobRetention))
		if err != nil {
			report.Errors++
			logging.WarnWithContext(logger, "job record purge failed", "retention_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "old job records stay until the next sweep"),
			)
		}
		report.Jobs = purged
		metrics.AddRetentionRemoved("jobs", int(purged))
	}
	if s.Uploads != nil {
		removed, errs := s.Uploads.Prune(ctx)
		report.Uploads = len(removed)
		report.Errors += len(errs)
		metrics.AddRetentionRemoved("uploads", report.Uploads)
	}

	if report.Artifacts+report.Covers+report.Workspaces+report.Uploads > 0 || report.Jobs > 0 || report.Errors > 0 {
		logger.Info("retention sweep finished",
			logging.String(logging.FieldEventType, "retention_sweep"),
			logging.Int("artifacts_removed", report.Artifacts),
			logging.Int("covers_removed", report.Covers),
			logging.Int("workspaces_removed", report.Workspaces),
			logging.Int("uploads_removed", report.Uploads),
			logging.Int64("jobs_purged", report.Jobs),
			logging.Int("errors", report.Errors),
		)
	}
	return report
}
