package jobs

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"acsmconv/internal/logging"
	"acsmconv/internal/queue"
)

// UploadGrace protects a stored manifest whose job row is not written yet.
const UploadGrace = 10 * time.Minute

// JobLookup finds a job record; nil, nil means it does not exist.
type JobLookup interface {
	Get(ctx context.Context, id string) (*queue.Job, error)
}

// Uploads reclaims stored manifests that no running job needs: those whose
// job is terminal and those whose job record was purged.
type Uploads struct {
	Dir    string
	Jobs   JobLookup
	Grace  time.Duration
	Logger *slog.Logger
}

// Prune removes reclaimable "<id>.acsm" files last modified more than Grace
// ago (UploadGrace when unset).
func (u *Uploads) Prune(ctx context.Context) ([]string, []error) {
	entries, err := os.ReadDir(u.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, []error{err}
	}
	grace := u.Grace
	if grace <= 0 {
		grace = UploadGrace
	}
	cutoff := time.Now().Add(-grace)
	logger := logging.WithContext(ctx, logging.NewComponentLogger(u.Logger, "uploads"))

	var removed []string
	var errs []error
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		name := entry.Name()
		if !entry.Type().IsRegular() || filepath.Ext(name) != ".acsm" {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		job, err := u.Jobs.Get(ctx, strings.TrimSuffix(name, ".acsm"))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if job != nil && !job.Stage.IsTerminal() {
			continue
		}
		path := filepath.Join(u.Dir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			logging.WarnWithContext(logger, "failed to remove stored manifest", "retention_failed",
				logging.String("path", path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check upload_dir permissions"),
			)
			continue
		}
		removed = append(removed, path)
	}
	return removed, errs
}
