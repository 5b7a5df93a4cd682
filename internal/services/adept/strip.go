package adept

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"acsmconv/internal/services"
	"acsmconv/internal/services/toolexec"
)

const stageStripping = "stripping"

// Stripper removes ADEPT DRM with adept_remove. The container format is
// preserved: an encrypted EPUB comes out as a plain EPUB.
type Stripper struct {
	tool
	activation *Activation
}

// NewStripper constructs a Stripper.
func NewStripper(binary string, timeout time.Duration, activation *Activation, opts ...Option) (*Stripper, error) {
	t, err := newTool(binary, timeout, opts)
	if err != nil {
		return nil, fmt.Errorf("stripper: %w", err)
	}
	return &Stripper{tool: t, activation: activation}, nil
}

// Strip decrypts inputPath into destDir as "<stem>.<ext>", where stem drops
// the "_drm" suffix added during fulfillment.
func (s *Stripper) Strip(ctx context.Context, inputPath, destDir string) (toolexec.Result, error) {
	if s.activation == nil {
		return toolexec.Result{}, services.Wrap(services.ErrPreconditionFailed, stageStripping, "", "device activation not loaded", nil)
	}
	if !nonEmptyFile(inputPath) {
		return toolexec.Result{}, services.Wrap(services.ErrDrmRemovalFailed, stageStripping, "", "input missing: "+inputPath, nil)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return toolexec.Result{}, services.Wrap(services.ErrInternal, stageStripping, "", "create destination", err)
	}

	ext := filepath.Ext(inputPath)
	stem := strings.TrimSuffix(fileStem(inputPath), "_drm")
	output := filepath.Join(destDir, stem+ext)
	if filepath.Clean(output) == filepath.Clean(inputPath) {
		output = filepath.Join(destDir, stem+"_clean"+ext)
	}
	args := append(s.activation.Args(), "-f", inputPath, "-o", output)

	result, err := s.run(ctx, services.ErrDrmRemovalFailed, stageStripping, args)
	if err != nil {
		return result, err
	}
	if !nonEmptyFile(output) {
		return result, services.Wrap(services.ErrDrmRemovalFailed, stageStripping, filepath.Base(s.binary),
			"produced no output file: "+result.Diagnostic(), nil)
	}
	result.OutputPath = output
	return result, nil
}
