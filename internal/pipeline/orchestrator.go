package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"acsmconv/internal/acsm"
	"acsmconv/internal/fileutil"
	"acsmconv/internal/logging"
	"acsmconv/internal/metrics"
	"acsmconv/internal/queue"
	"acsmconv/internal/services"
	"acsmconv/internal/services/adept"
	"acsmconv/internal/services/calibre"
	"acsmconv/internal/services/toolexec"
	"acsmconv/internal/textutil"
	"acsmconv/internal/workspace"
)

// Fulfiller redeems a manifest into an encrypted book.
type Fulfiller interface {
	Fulfill(ctx context.Context, acsmPath, destDir string, source acsm.Format) (toolexec.Result, error)
}

// Stripper removes ADEPT DRM from a book.
type Stripper interface {
	Strip(ctx context.Context, inputPath, destDir string) (toolexec.Result, error)
}

// Converter changes a book's format.
type Converter interface {
	Convert(ctx context.Context, inputPath, destDir string, target calibre.Format) (toolexec.Result, error)
}

// Ledger remembers which manifests a device has redeemed.
type Ledger interface {
	FindFulfilled(ctx context.Context, manifestHash, deviceID string) (*queue.FulfilledRecord, error)
	RecordFulfilled(ctx context.Context, manifestHash, deviceID, jobID string) error
}

// ActivationLocker serializes fulfillment on an activation directory.
type ActivationLocker interface {
	LockActivation(ctx context.Context, dir string) (func(), error)
}

// Observer is told each time a job enters a tool stage. A non-nil error
// aborts the job.
type Observer interface {
	StageEntered(ctx context.Context, job *queue.Job, stage queue.Stage) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, job *queue.Job, stage queue.Stage) error

// StageEntered implements Observer.
func (f ObserverFunc) StageEntered(ctx context.Context, job *queue.Job, stage queue.Stage) error {
	return f(ctx, job, stage)
}

// Options wires an Orchestrator. Ledger, Locker and Observer are optional.
type Options struct {
	Workspaces *workspace.Manager
	Fulfiller  Fulfiller
	Stripper   Stripper
	Converter  Converter
	Activation *adept.Activation
	Ledger     Ledger
	Locker     ActivationLocker
	Observer   Observer
	OutputDir  string
	Logger     *slog.Logger
}

// Orchestrator sequences the conversion stages for one job at a time per call.
type Orchestrator struct {
	workspaces *workspace.Manager
	fulfiller  Fulfiller
	stripper   Stripper
	converter  Converter
	activation *adept.Activation
	ledger     Ledger
	locker     ActivationLocker
	observer   Observer
	outputDir  string
	logger     *slog.Logger
}

// New validates opts and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Workspaces == nil:
		return nil, errors.New("pipeline: workspace manager required")
	case opts.Fulfiller == nil:
		return nil, errors.New("pipeline: fulfiller required")
	case opts.Stripper == nil:
		return nil, errors.New("pipeline: stripper required")
	case opts.Converter == nil:
		return nil, errors.New("pipeline: converter required")
	case strings.TrimSpace(opts.OutputDir) == "":
		return nil, errors.New("pipeline: output directory required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		workspaces: opts.Workspaces,
		fulfiller:  opts.Fulfiller,
		stripper:   opts.Stripper,
		converter:  opts.Converter,
		activation: opts.Activation,
		ledger:     opts.Ledger,
		locker:     opts.Locker,
		observer:   opts.Observer,
		outputDir:  opts.OutputDir,
		logger:     logging.NewComponentLogger(logger, "pipeline"),
	}, nil
}

// Run drives job from received to a published artifact and returns its path.
// The workspace is gone by the time Run returns, whatever the outcome.
func (o *Orchestrator) Run(ctx context.Context, job *queue.Job) (artifact string, err error) {
	if job == nil {
		return "", services.Wrap(services.ErrInternal, "", "pipeline", "job is nil", nil)
	}
	ctx = services.WithJobID(ctx, job.ID)
	logger := logging.WithContext(ctx, o.logger)
	started := time.Now()

	defer func() {
		outcome := string(queue.StageDone)
		if err != nil {
			outcome = string(services.KindOf(err))
		}
		metrics.RecordOutcome(outcome)
	}()

	target, err := calibre.ParseFormat(job.TargetFormat)
	if err != nil {
		return "", err
	}

	ws, err := o.workspaces.Acquire(job.ID)
	if err != nil {
		return "", services.Wrap(services.ErrInternal, "", "workspace", "acquire", err)
	}
	defer func() {
		if releaseErr := o.workspaces.Release(ws); releaseErr != nil {
			logger.Warn("workspace release failed",
				logging.String(logging.FieldEventType, "workspace_release_failed"),
				logging.String("workspace", ws.Root),
				logging.Error(releaseErr),
				logging.String(logging.FieldImpact, "stale workspace left until the next cleanup sweep"),
			)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			artifact = ""
			err = services.Wrap(services.ErrInternal, "", "pipeline", fmt.Sprintf("panic: %v", r), nil)
			logger.Error("pipeline panic recovered",
				logging.String(logging.FieldEventType, "pipeline_panic"),
				logging.Error(err),
			)
		}
	}()

	encrypted, err := o.runStage(ctx, job, queue.StageFulfilling, func(stageCtx context.Context) (toolexec.Result, error) {
		return o.fulfill(stageCtx, job, ws)
	})
	if err != nil {
		return "", err
	}

	plain, err := o.runStage(ctx, job, queue.StageStripping, func(stageCtx context.Context) (toolexec.Result, error) {
		dir, dirErr := ws.Dir("strip")
		if dirErr != nil {
			return toolexec.Result{}, services.Wrap(services.ErrInternal, string(queue.StageStripping), "workspace", "create dir", dirErr)
		}
		return o.stripper.Strip(stageCtx, encrypted, dir)
	})
	if err != nil {
		return "", err
	}

	converted, err := o.runStage(ctx, job, queue.StageConverting, func(stageCtx context.Context) (toolexec.Result, error) {
		dir, dirErr := ws.Dir("convert")
		if dirErr != nil {
			return toolexec.Result{}, services.Wrap(services.ErrInternal, string(queue.StageConverting), "workspace", "create dir", dirErr)
		}
		return o.converter.Convert(stageCtx, plain, dir, target)
	})
	if err != nil {
		return "", err
	}

	stem := textutil.SanitizeStem(job.Title, "book-"+shortID(job.ID))
	published, err := fileutil.Publish(converted, o.outputDir, stem, string(target))
	if err != nil {
		return "", services.Wrap(services.ErrInternal, "", "publish", "write artifact", err)
	}

	logger.Info("job artifact published",
		logging.String(logging.FieldEventType, "artifact_published"),
		logging.String("artifact", published),
		logging.String("format", string(target)),
		logging.Duration("job_duration", time.Since(started)),
	)
	return published, nil
}

func (o *Orchestrator) fulfill(ctx context.Context, job *queue.Job, ws *workspace.Workspace) (toolexec.Result, error) {
	stage := string(queue.StageFulfilling)
	dir, err := ws.Dir("fulfill")
	if err != nil {
		return toolexec.Result{}, services.Wrap(services.ErrInternal, stage, "workspace", "create dir", err)
	}

	if o.locker != nil && o.activation != nil {
		unlock, err := o.locker.LockActivation(ctx, o.activation.Dir)
		if err != nil {
			if ctx.Err() != nil {
				return toolexec.Result{}, services.Wrap(services.ErrCanceled, stage, "activation lock", "canceled while waiting", ctx.Err())
			}
			return toolexec.Result{}, services.Wrap(services.ErrInternal, stage, "activation lock", "acquire", err)
		}
		defer unlock()
	}

	deviceID := ""
	if o.activation != nil {
		deviceID = o.activation.DeviceID
	}
	if o.ledger != nil && job.ManifestHash != "" {
		record, err := o.ledger.FindFulfilled(ctx, job.ManifestHash, deviceID)
		if err != nil {
			return toolexec.Result{}, services.Wrap(services.ErrInternal, stage, "ledger", "lookup", err)
		}
		if record != nil {
			msg := "manifest already fulfilled"
			if record.JobID != "" {
				msg = fmt.Sprintf("manifest already fulfilled by job %s", record.JobID)
			}
			return toolexec.Result{}, services.Wrap(services.ErrFulfillmentFailed, stage, "", msg, nil)
		}
	}

	result, err := o.fulfiller.Fulfill(ctx, job.ACSMPath, dir, acsm.Format(job.SourceFormat))
	if err != nil {
		return result, err
	}
	if o.ledger != nil && job.ManifestHash != "" {
		if err := o.ledger.RecordFulfilled(ctx, job.ManifestHash, deviceID, job.ID); err != nil {
			return result, services.Wrap(services.ErrInternal, stage, "ledger", "record", err)
		}
	}
	return result, nil
}

// runStage reports the transition, runs fn and returns its output path.
func (o *Orchestrator) runStage(ctx context.Context, job *queue.Job, stage queue.Stage, fn func(context.Context) (toolexec.Result, error)) (string, error) {
	stageCtx := services.WithStage(ctx, string(stage))
	logger := logging.WithContext(stageCtx, o.logger)

	if err := ctx.Err(); err != nil {
		return "", services.Wrap(services.ErrCanceled, string(stage), "", "job canceled", err)
	}
	if o.observer != nil {
		if err := o.observer.StageEntered(stageCtx, job, stage); err != nil {
			return "", services.Wrap(services.ErrInternal, string(stage), "observer", "persist stage", err)
		}
	}

	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("title", job.Title),
	)
	started := time.Now()
	result, err := fn(stageCtx)
	elapsed := time.Since(started)

	if err != nil {
		kind := services.KindOf(err)
		metrics.ObserveStage(string(stage), string(kind), elapsed)
		logger.Error("stage failed",
			logging.String(logging.FieldEventType, "stage_failure"),
			logging.String(logging.FieldErrorKind, string(kind)),
			logging.Duration("stage_duration", elapsed),
			logging.Int("exit_code", result.ExitCode),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, hintFor(kind)),
		)
		return "", err
	}
	if result.OutputPath == "" {
		err := services.Wrap(services.MarkerFor(stageKind(stage)), string(stage), "", "produced no output file", nil)
		metrics.ObserveStage(string(stage), string(stageKind(stage)), elapsed)
		return "", err
	}

	metrics.ObserveStage(string(stage), "success", elapsed)
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Duration("stage_duration", elapsed),
		logging.String("output", filepath.Base(result.OutputPath)),
		logging.String("args", strings.Join(result.Args, " ")),
	)
	return result.OutputPath, nil
}

func stageKind(stage queue.Stage) services.Kind {
	switch stage {
	case queue.StageFulfilling:
		return services.KindFulfillmentFailed
	case queue.StageStripping:
		return services.KindDrmRemovalFailed
	case queue.StageConverting:
		return services.KindConversionFailed
	}
	return services.KindInternalError
}

func hintFor(kind services.Kind) string {
	switch kind {
	case services.KindFulfillmentFailed:
		return "manifest may be expired or already redeemed; download a fresh .acsm"
	case services.KindDrmRemovalFailed:
		return "check that the book was fulfilled with this device activation"
	case services.KindConversionFailed:
		return "check ebook-convert output; try another target format"
	case services.KindPreconditionFailed:
		return "register a device with `acsmconv activate`"
	case services.KindCanceled:
		return "job was canceled"
	}
	return "see logs for details"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
