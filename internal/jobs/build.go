package jobs

import (
	"fmt"
	"log/slog"

	"acsmconv/internal/config"
	"acsmconv/internal/pipeline"
	"acsmconv/internal/queue"
	"acsmconv/internal/registry"
	"acsmconv/internal/services/adept"
	"acsmconv/internal/services/calibre"
	"acsmconv/internal/services/toolexec"
	"acsmconv/internal/workspace"
)

// Components are the collaborators NewFromConfig assembled, exposed for
// status reporting and housekeeping.
type Components struct {
	Workspaces *workspace.Manager
	Registry   *registry.Registry
	Converter  *calibre.Converter
}

// NewFromConfig builds a Service backed by the real tools. A missing or
// invalid activation is returned as a precondition error.
func NewFromConfig(cfg *config.Config, store *queue.Store, logger *slog.Logger) (*Service, Components, error) {
	act, err := adept.LoadActivation(cfg.Activation.Dir)
	if err != nil {
		return nil, Components{}, err
	}

	exec := toolexec.NewCommand(cfg.KillGrace())
	fulfiller, err := adept.NewFulfiller(cfg.Tools.FulfillBinary, cfg.FulfillTimeout(), act, adept.WithExecutor(exec))
	if err != nil {
		return nil, Components{}, err
	}
	stripper, err := adept.NewStripper(cfg.Tools.StripBinary, cfg.StripTimeout(), act, adept.WithExecutor(exec))
	if err != nil {
		return nil, Components{}, err
	}
	converter := calibre.New(cfg.Tools.ConvertBinary, cfg.ConvertTimeout(),
		calibre.WithExecutor(exec), calibre.WithExtraArgs(cfg.Tools.ConvertArgs))

	workspaces, err := workspace.NewManager(cfg.Paths.WorkspaceDir, logger)
	if err != nil {
		return nil, Components{}, err
	}
	reg, err := registry.New(cfg.Registry.MaxConcurrentJobs, cfg.ActivationLockDir())
	if err != nil {
		return nil, Components{}, fmt.Errorf("registry: %w", err)
	}

	svc, err := New(Options{
		Store:      store,
		Registry:   reg,
		Activation: act,
		Pipeline: pipeline.Options{
			Workspaces: workspaces,
			Fulfiller:  fulfiller,
			Stripper:   stripper,
			Converter:  converter,
			OutputDir:  cfg.Paths.OutputDir,
			Logger:     logger,
		},
		UploadDir:            cfg.Paths.UploadDir,
		DeleteAfterDownload:  cfg.Output.DeleteAfterDownload,
		SerializeFulfillment: cfg.Registry.SerializeFulfillment,
		Logger:               logger,
	})
	if err != nil {
		return nil, Components{}, err
	}
	return svc, Components{Workspaces: workspaces, Registry: reg, Converter: converter}, nil
}
