package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"acsmconv/internal/logging"
	"acsmconv/internal/queue"
	"acsmconv/internal/services"
)

// Result is a point-in-time view of a job.
type Result struct {
	ID           string                   `json:"job_id"`
	Title        string                   `json:"title"`
	SourceFormat string                   `json:"source_format"`
	TargetFormat string                   `json:"target_format"`
	Stage        queue.Stage              `json:"stage"`
	History      []queue.StageEntry       `json:"-"`
	ArtifactPath string                   `json:"-"`
	Error        *services.ErrorDescriptor `json:"error,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
	FinishedAt   *time.Time               `json:"finished_at,omitempty"`
	DeliveredAt  *time.Time               `json:"delivered_at,omitempty"`
	Elapsed      time.Duration            `json:"-"`
}

// Done reports whether the job produced an artifact.
func (r Result) Done() bool { return r.Stage == queue.StageDone }

// Failed reports whether the job ended in failure.
func (r Result) Failed() bool { return r.Stage == queue.StageFailed }

// Steps returns the stage names in the order they were entered.
func (r Result) Steps() []string {
	steps := make([]string, 0, len(r.History))
	for _, entry := range r.History {
		steps = append(steps, string(entry.Stage))
	}
	return steps
}

// Result returns the current state of a job.
func (s *Service) Result(ctx context.Context, id string) (Result, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if job == nil {
		return Result{}, ErrJobNotFound
	}
	history, err := s.store.History(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return Snapshot(job, history, time.Now()), nil
}

// Snapshot builds a Result from stored job state.
func Snapshot(job *queue.Job, history []queue.StageEntry, now time.Time) Result {
	res := Result{
		ID:           job.ID,
		Title:        job.Title,
		SourceFormat: job.SourceFormat,
		TargetFormat: job.TargetFormat,
		Stage:        job.Stage,
		History:      history,
		CreatedAt:    job.CreatedAt,
		FinishedAt:   job.FinishedAt,
		DeliveredAt:  job.DeliveredAt,
		Elapsed:      job.Elapsed(now),
	}
	switch job.Stage {
	case queue.StageDone:
		res.ArtifactPath = job.ArtifactPath
	case queue.StageFailed:
		res.Error = descriptorFor(job)
	}
	return res
}

func descriptorFor(job *queue.Job) *services.ErrorDescriptor {
	kind, ok := services.ParseKind(job.ErrorKind)
	if !ok {
		kind = services.KindInternalError
	}
	return &services.ErrorDescriptor{Kind: kind, Message: job.ErrorMessage}
}

// ListResults returns snapshots of the jobs matching filter, newest first.
func (s *Service) ListResults(ctx context.Context, filter queue.Filter) ([]Result, error) {
	stored, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]Result, 0, len(stored))
	for _, job := range stored {
		history, err := s.store.History(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, Snapshot(job, history, now))
	}
	return out, nil
}

// Wait blocks until the job is terminal or ctx ends.
func (s *Service) Wait(ctx context.Context, id string) (Result, error) {
	s.mu.Lock()
	handle, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		select {
		case <-handle.done:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return s.Result(ctx, id)
}

// Open streams a finished job's artifact and returns its file name. A failed
// job yields its error descriptor; a running job yields ErrNotReady.
func (s *Service) Open(ctx context.Context, id string) (io.ReadCloser, string, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if job == nil {
		return nil, "", ErrJobNotFound
	}
	switch job.Stage {
	case queue.StageFailed:
		return nil, "", *descriptorFor(job)
	case queue.StageDone:
	default:
		return nil, "", fmt.Errorf("%w: job is %s", ErrNotReady, job.Stage)
	}
	if strings.TrimSpace(job.ArtifactPath) == "" {
		return nil, "", ErrArtifactGone
	}
	file, err := os.Open(job.ArtifactPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", ErrArtifactGone
		}
		return nil, "", fmt.Errorf("open artifact: %w", err)
	}
	return file, filepath.Base(job.ArtifactPath), nil
}

// Deliver records a completed download. With delete-after-download enabled
// the artifact and the uploaded manifest are removed.
func (s *Service) Deliver(ctx context.Context, id string) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrJobNotFound
	}
	if job.Stage != queue.StageDone {
		return fmt.Errorf("%w: job is %s", ErrNotReady, job.Stage)
	}

	logger := logging.WithContext(services.WithJobID(ctx, id), s.logger)
	removed := false
	if s.deleteAfterDownload {
		for _, path := range []string{job.ArtifactPath, job.ACSMPath} {
			if path == "" {
				continue
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logging.WarnWithContext(logger, "delivered file cleanup failed", "delivery_cleanup_failed",
					logging.String("path", path),
					logging.Error(err),
					logging.String(logging.FieldImpact, "file stays until the retention sweep"),
				)
			}
		}
		removed = true
	}
	if err := s.store.MarkDelivered(ctx, id, removed); err != nil {
		return err
	}
	logger.Info("job delivered",
		logging.String(logging.FieldEventType, "job_delivered"),
		logging.Bool("files_removed", removed),
	)
	return nil
}
