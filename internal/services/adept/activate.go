package adept

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"acsmconv/internal/services"
)

// Activator registers an anonymous ADEPT device with adept_activate. It is an
// operator action and never runs inside a job.
type Activator struct {
	tool
}

// NewActivator constructs an Activator.
func NewActivator(binary string, timeout time.Duration, opts ...Option) (*Activator, error) {
	t, err := newTool(binary, timeout, opts)
	if err != nil {
		return nil, fmt.Errorf("activator: %w", err)
	}
	return &Activator{tool: t}, nil
}

// Activate registers a device into dir unless one is already there. It
// returns the loaded activation and whether a new device was created.
func (a *Activator) Activate(ctx context.Context, dir string) (*Activation, bool, error) {
	if existing, err := LoadActivation(dir); err == nil {
		return existing, false, nil
	}
	if nonEmptyFile(filepath.Join(dir, DeviceFile)) {
		// A partial registration is left for the operator to inspect.
		return nil, false, services.Wrap(services.ErrPreconditionFailed, "", "activate",
			fmt.Sprintf("%s exists but the activation is incomplete", filepath.Join(dir, DeviceFile)), nil)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, false, services.Wrap(services.ErrInternal, "", "activate", "create activation directory", err)
	}

	result, err := a.run(ctx, services.ErrPreconditionFailed, "", []string{"-a", "-O", dir})
	if err != nil {
		return nil, false, err
	}
	act, err := LoadActivation(dir)
	if err != nil {
		return nil, false, fmt.Errorf("%w (tool output: %s)", err, result.Diagnostic())
	}
	return act, true, nil
}
