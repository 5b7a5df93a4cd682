package library

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"acsmconv/internal/logging"
	"acsmconv/internal/metrics"
)

// PlaceholderGrace is how long an empty reserved name may sit in the output
// area before a sweep treats its publish as abandoned.
const PlaceholderGrace = time.Hour

// SweepResult reports what a retention sweep removed.
type SweepResult struct {
	Artifacts    []string
	Placeholders []string
	Covers       []string
	Errors       []error
}

// Sweep removes artifacts last modified more than maxAge ago, then removes
// covers whose book no longer has an artifact. A non-positive maxAge keeps
// every artifact. Empty placeholders older than PlaceholderGrace are removed
// regardless of maxAge.
func (l *Library) Sweep(ctx context.Context, maxAge time.Duration) SweepResult {
	var result SweepResult
	logger := logging.WithContext(ctx, l.logger)

	files, placeholders, err := l.scan()
	if err != nil {
		result.Errors = append(result.Errors, err)
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	stems := make(map[string]struct{}, len(files))
	for _, file := range files {
		if ctx.Err() != nil {
			return result
		}
		stem := strings.TrimSuffix(file.Name, filepath.Ext(file.Name))
		if maxAge <= 0 || !file.ModTime.Before(cutoff) {
			stems[stem] = struct{}{}
			continue
		}
		if err := os.Remove(file.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			stems[stem] = struct{}{}
			result.Errors = append(result.Errors, err)
			logging.WarnWithContext(logger, "failed to remove expired artifact", "retention_failed",
				logging.String("path", file.Path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check output_dir permissions"),
			)
			continue
		}
		result.Artifacts = append(result.Artifacts, file.Path)
		logger.Info("removed expired artifact",
			logging.String("path", file.Path),
			logging.Duration("age", time.Since(file.ModTime)),
			logging.String(logging.FieldEventType, "retention_artifact"),
		)
	}

	result.Placeholders, result.Errors = l.prunePlaceholders(ctx, placeholders, result.Errors)
	result.Covers, result.Errors = l.pruneCovers(stems, result.Errors)
	metrics.AddRetentionRemoved("artifacts", len(result.Artifacts)+len(result.Placeholders))
	metrics.AddRetentionRemoved("covers", len(result.Covers))
	return result
}

func (l *Library) prunePlaceholders(ctx context.Context, placeholders []File, errs []error) ([]string, []error) {
	logger := logging.WithContext(ctx, l.logger)
	cutoff := time.Now().Add(-PlaceholderGrace)
	var removed []string
	for _, file := range placeholders {
		if !file.ModTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(file.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, file.Path)
		logger.Info("removed abandoned publish placeholder",
			logging.String("path", file.Path),
			logging.String(logging.FieldEventType, "retention_placeholder"),
		)
	}
	return removed, errs
}

func (l *Library) pruneCovers(live map[string]struct{}, errs []error) ([]string, []error) {
	entries, err := os.ReadDir(l.coverDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
		return nil, errs
	}
	var removed []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || !isImageExt(filepath.Ext(name)) {
			continue
		}
		if _, ok := live[strings.TrimSuffix(name, filepath.Ext(name))]; ok {
			continue
		}
		path := filepath.Join(l.coverDir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, path)
	}
	l.mu.Lock()
	for key := range l.misses {
		if _, err := os.Stat(key); err != nil {
			delete(l.misses, key)
		}
	}
	l.mu.Unlock()
	return removed, errs
}
