package adept

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"acsmconv/internal/acsm"
	"acsmconv/internal/services"
	"acsmconv/internal/services/toolexec"
)

const stageFulfilling = "fulfilling"

// Fulfiller redeems ACSM manifests with acsmdownloader.
type Fulfiller struct {
	tool
	activation *Activation
}

// NewFulfiller constructs a Fulfiller. A nil activation is allowed; Fulfill
// then reports a precondition failure without invoking the tool.
func NewFulfiller(binary string, timeout time.Duration, activation *Activation, opts ...Option) (*Fulfiller, error) {
	t, err := newTool(binary, timeout, opts)
	if err != nil {
		return nil, fmt.Errorf("fulfiller: %w", err)
	}
	return &Fulfiller{tool: t, activation: activation}, nil
}

// Fulfill downloads the encrypted book for acsmPath into destDir. The output is
// named "<stem>_drm.<source>"; if the tool picks its own name the newest
// non-empty file in destDir is used instead.
func (f *Fulfiller) Fulfill(ctx context.Context, acsmPath, destDir string, source acsm.Format) (toolexec.Result, error) {
	if f.activation == nil {
		return toolexec.Result{}, services.Wrap(services.ErrPreconditionFailed, stageFulfilling, "", "device activation not loaded", nil)
	}
	if source == "" {
		source = acsm.FormatPDF
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return toolexec.Result{}, services.Wrap(services.ErrInternal, stageFulfilling, "", "create destination", err)
	}

	output := filepath.Join(destDir, fmt.Sprintf("%s_drm.%s", fileStem(acsmPath), source))
	args := append(f.activation.Args(), "-f", acsmPath, "-o", output)

	result, err := f.run(ctx, services.ErrFulfillmentFailed, stageFulfilling, args)
	if err != nil {
		return result, err
	}

	switch {
	case nonEmptyFile(output):
		result.OutputPath = output
	default:
		fallback := newestFile(destDir, acsmPath)
		if fallback == "" {
			return result, services.Wrap(services.ErrFulfillmentFailed, stageFulfilling, filepath.Base(f.binary),
				"produced no output file: "+result.Diagnostic(), nil)
		}
		result.OutputPath = fallback
	}
	return result, nil
}
