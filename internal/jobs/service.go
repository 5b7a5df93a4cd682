// Package jobs is the caller-facing conversion service: it validates and
// persists submissions, runs each job on its own goroutine under the job
// registry, and answers status, artifact and cancellation requests.
package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"acsmconv/internal/acsm"
	"acsmconv/internal/logging"
	"acsmconv/internal/metrics"
	"acsmconv/internal/pipeline"
	"acsmconv/internal/queue"
	"acsmconv/internal/registry"
	"acsmconv/internal/services"
	"acsmconv/internal/services/adept"
	"acsmconv/internal/services/calibre"
	"acsmconv/internal/textutil"
)

var (
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotReady is returned when a job has no artifact yet.
	ErrNotReady = errors.New("job not finished")
	// ErrNotCancellable is returned for jobs that are already terminal or not
	// running in this process.
	ErrNotCancellable = errors.New("job cannot be canceled")
	// ErrArtifactGone is returned when a done job's artifact was delivered or swept.
	ErrArtifactGone = errors.New("artifact no longer available")
)

// Options wires a Service. Pipeline carries the stage collaborators; the
// service installs itself as the observer and the store as the ledger.
type Options struct {
	Store                *queue.Store
	Registry             *registry.Registry
	Activation           *adept.Activation
	Pipeline             pipeline.Options
	UploadDir            string
	DeleteAfterDownload  bool
	SerializeFulfillment bool
	Logger               *slog.Logger
}

// Service runs conversion jobs.
type Service struct {
	store               *queue.Store
	registry            *registry.Registry
	orchestrator        *pipeline.Orchestrator
	activation          *adept.Activation
	uploadDir           string
	deleteAfterDownload bool
	logger              *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]*runningJob
	closed  bool
}

type runningJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Service. A nil Activation is accepted; every Submit then
// fails with a precondition error.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("jobs: store required")
	}
	if opts.Registry == nil {
		return nil, errors.New("jobs: registry required")
	}
	if strings.TrimSpace(opts.UploadDir) == "" {
		return nil, errors.New("jobs: upload directory required")
	}
	if err := os.MkdirAll(opts.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("jobs: create upload directory: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	baseCtx, stop := context.WithCancel(context.Background())
	svc := &Service{
		store:               opts.Store,
		registry:            opts.Registry,
		activation:          opts.Activation,
		uploadDir:           opts.UploadDir,
		deleteAfterDownload: opts.DeleteAfterDownload,
		logger:              logging.NewComponentLogger(logger, "jobs"),
		baseCtx:             baseCtx,
		stop:                stop,
		running:             make(map[string]*runningJob),
	}

	pipeOpts := opts.Pipeline
	pipeOpts.Activation = opts.Activation
	pipeOpts.Ledger = opts.Store
	pipeOpts.Observer = svc
	pipeOpts.Locker = nil
	if opts.SerializeFulfillment {
		pipeOpts.Locker = opts.Registry
	}
	if pipeOpts.Logger == nil {
		pipeOpts.Logger = logger
	}
	orch, err := pipeline.New(pipeOpts)
	if err != nil {
		stop()
		return nil, err
	}
	svc.orchestrator = orch
	return svc, nil
}

// Submit validates the manifest at acsmPath, stores a copy in the upload area
// and starts the job. The caller's file is never modified.
func (s *Service) Submit(ctx context.Context, acsmPath, targetFormat string) (string, error) {
	file, err := os.Open(acsmPath)
	if err != nil {
		return "", services.Wrap(services.ErrInvalidRequest, "", "submit", "open manifest", err)
	}
	defer file.Close()
	return s.SubmitUpload(ctx, filepath.Base(acsmPath), file, targetFormat)
}

// SubmitUpload is Submit for manifest bytes that arrive as a stream, such as
// an HTTP upload. name is only used to derive a title.
func (s *Service) SubmitUpload(ctx context.Context, name string, r io.Reader, targetFormat string) (string, error) {
	target, err := calibre.ParseFormat(targetFormat)
	if err != nil {
		return "", err
	}
	if s.activation == nil {
		return "", services.Wrap(services.ErrPreconditionFailed, "", "submit",
			"device activation not loaded; register a device with `acsmconv activate`", nil)
	}

	data, err := io.ReadAll(io.LimitReader(r, acsm.MaxSize+1))
	if err != nil {
		return "", services.Wrap(services.ErrInvalidRequest, "", "submit", "read manifest", err)
	}
	if len(data) > acsm.MaxSize {
		return "", services.Wrap(services.ErrInvalidRequest, "", "submit",
			fmt.Sprintf("manifest larger than %d bytes", acsm.MaxSize), nil)
	}
	manifest, err := acsm.Parse(bytes.TrimSpace(data))
	if err != nil {
		return "", services.Wrap(services.ErrInvalidRequest, "", "submit", "not a valid .acsm file", err)
	}
	title := manifest.Title
	if title == "" {
		title = textutil.DeriveTitle(name)
	}

	id := uuid.NewString()
	uploadPath := filepath.Join(s.uploadDir, id+".acsm")
	if err := renameio.WriteFile(uploadPath, data, 0o600); err != nil {
		return "", services.Wrap(services.ErrInternal, "", "submit", "store manifest", err)
	}

	job := &queue.Job{
		ID:           id,
		ACSMPath:     uploadPath,
		ManifestHash: manifest.Hash,
		Title:        title,
		SourceFormat: string(manifest.Format),
		TargetFormat: string(target),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = os.Remove(uploadPath)
		return "", services.Wrap(services.ErrPreconditionFailed, "", "submit", "service is shutting down", nil)
	}
	if err := s.store.Create(ctx, job); err != nil {
		_ = os.Remove(uploadPath)
		return "", services.Wrap(services.ErrInternal, "", "submit", "persist job", err)
	}
	metrics.RecordSubmitted()
	s.launchLocked(job)

	logging.WithContext(services.WithJobID(ctx, id), s.logger).Info("job submitted",
		logging.String(logging.FieldEventType, "job_submitted"),
		logging.String("title", title),
		logging.String("source_format", job.SourceFormat),
		logging.String("target_format", job.TargetFormat),
		logging.String("upload_path", uploadPath),
	)
	return id, nil
}

// launchLocked starts the job goroutine. s.mu must be held.
func (s *Service) launchLocked(job *queue.Job) {
	jobCtx, cancel := context.WithCancel(s.baseCtx)
	handle := &runningJob{cancel: cancel, done: make(chan struct{})}
	s.running[job.ID] = handle
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer close(handle.done)
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.running, job.ID)
			s.mu.Unlock()
		}()
		s.execute(services.WithJobID(jobCtx, job.ID), job)
	}()
}

func (s *Service) execute(ctx context.Context, job *queue.Job) {
	permit, err := s.registry.Admit(ctx)
	if err != nil {
		s.finish(ctx, job, "", services.Wrap(services.ErrCanceled, "", "admission", "canceled while queued", err))
		return
	}
	defer permit.Release()

	artifact, err := s.orchestrator.Run(ctx, job)
	s.finish(ctx, job, artifact, err)
}

// finish records the terminal outcome. It runs after the orchestrator has
// released the workspace. A failed job's stored manifest is removed; a done
// job keeps it until delivery or the retention sweep.
func (s *Service) finish(ctx context.Context, job *queue.Job, artifact string, runErr error) {
	persistCtx := context.WithoutCancel(ctx)
	logger := logging.WithContext(persistCtx, s.logger)

	if runErr == nil {
		if err := s.store.SetDone(persistCtx, job.ID, artifact); err != nil {
			logger.Error("failed to persist job completion",
				logging.String(logging.FieldEventType, "job_persist_failed"),
				logging.Error(err),
			)
			return
		}
		logger.Info("job completed",
			logging.String(logging.FieldEventType, "job_done"),
			logging.String("artifact", artifact),
		)
		return
	}

	if job.ACSMPath != "" {
		if err := os.Remove(job.ACSMPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logging.WarnWithContext(logger, "stored manifest cleanup failed", "upload_cleanup_failed",
				logging.String("path", job.ACSMPath),
				logging.Error(err),
				logging.String(logging.FieldImpact, "file stays until the retention sweep"),
			)
		}
	}

	desc := services.Describe(runErr)
	if err := s.store.SetFailed(persistCtx, job.ID, string(desc.Kind), desc.Message); err != nil {
		logger.Error("failed to persist job failure",
			logging.String(logging.FieldEventType, "job_persist_failed"),
			logging.Error(err),
		)
		return
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "job_failed"),
		logging.String(logging.FieldErrorKind, string(desc.Kind)),
		logging.String("error_message", desc.Message),
	}
	if desc.Kind == services.KindCanceled {
		logger.Info("job canceled", logging.Args(attrs...)...)
		return
	}
	logging.ErrorWithContext(logger, "job failed", "job_failed", attrs[1:]...)
}

// StageEntered persists a stage transition reported by the orchestrator.
func (s *Service) StageEntered(ctx context.Context, job *queue.Job, stage queue.Stage) error {
	if err := s.store.SetStage(context.WithoutCancel(ctx), job.ID, stage); err != nil {
		return err
	}
	job.Stage = stage
	return nil
}

// Cancel stops a running job. The job ends failed with kind Canceled once its
// goroutine unwinds; use Wait to observe that.
func (s *Service) Cancel(ctx context.Context, id string) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrJobNotFound
	}
	if job.Stage.IsTerminal() {
		return fmt.Errorf("%w: job is %s", ErrNotCancellable, job.Stage)
	}

	s.mu.Lock()
	handle, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: job is not running in this process", ErrNotCancellable)
	}
	handle.cancel()
	logging.WithContext(services.WithJobID(ctx, id), s.logger).Info("job cancel requested",
		logging.String(logging.FieldEventType, "job_cancel_requested"),
		logging.String(logging.FieldStage, string(job.Stage)),
	)
	return nil
}

// List returns stored jobs, newest first.
func (s *Service) List(ctx context.Context, filter queue.Filter) ([]*queue.Job, error) {
	return s.store.List(ctx, filter)
}

// Running reports how many job goroutines are alive.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Stats reports registry occupancy.
func (s *Service) Stats() registry.Stats {
	return s.registry.Stats()
}

// Activation returns the loaded device activation, or nil.
func (s *Service) Activation() *adept.Activation {
	return s.activation
}

// Recover fails jobs a previous process left in flight. Call it before the
// first Submit.
func (s *Service) Recover(ctx context.Context) (int, error) {
	ids, err := s.store.Recover(ctx, string(services.KindInternalError))
	for _, id := range ids {
		logging.WithContext(services.WithJobID(ctx, id), s.logger).Warn("job interrupted by restart",
			logging.String(logging.FieldEventType, "job_recovered"),
			logging.String(logging.FieldErrorKind, string(services.KindInternalError)),
			logging.String(logging.FieldImpact, "job marked failed; resubmit a fresh manifest"),
		)
	}
	return len(ids), err
}

// Shutdown refuses new submissions, cancels running jobs and waits for their
// goroutines until ctx ends.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs shutdown: %w", ctx.Err())
	}
}
