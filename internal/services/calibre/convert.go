package calibre

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"acsmconv/internal/fileutil"
	"acsmconv/internal/services"
	"acsmconv/internal/services/toolexec"
)

const stageConverting = "converting"

// DefaultBinary is the Calibre conversion tool name.
const DefaultBinary = "ebook-convert"

// appBundleBinary is where the macOS Calibre installer puts ebook-convert.
var appBundleBinary = "/Applications/calibre.app/Contents/MacOS/ebook-convert"

// Locate resolves the ebook-convert binary: the configured value when set,
// otherwise PATH, otherwise the macOS app bundle.
func Locate(configured string) (string, error) {
	if configured = strings.TrimSpace(configured); configured != "" {
		return configured, nil
	}
	if path, err := exec.LookPath(DefaultBinary); err == nil {
		return path, nil
	}
	if info, err := os.Stat(appBundleBinary); err == nil && !info.IsDir() {
		return appBundleBinary, nil
	}
	return "", fmt.Errorf("%s not found on PATH or in %s", DefaultBinary, filepath.Dir(appBundleBinary))
}

// Option configures the converter.
type Option func(*Converter)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec toolexec.Executor) Option {
	return func(c *Converter) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// WithExtraArgs appends flags after the output path on every invocation.
func WithExtraArgs(args []string) Option {
	return func(c *Converter) {
		c.extraArgs = append([]string(nil), args...)
	}
}

// Converter wraps ebook-convert.
type Converter struct {
	binary    string
	timeout   time.Duration
	extraArgs []string
	exec      toolexec.Executor
}

// New constructs a Converter. An empty binary is resolved with Locate; when
// Calibre is missing the bare tool name is kept and invocations fail with a
// conversion error.
func New(binary string, timeout time.Duration, opts ...Option) *Converter {
	resolved, err := Locate(binary)
	if err != nil {
		resolved = DefaultBinary
	}
	c := &Converter{
		binary:  resolved,
		timeout: timeout,
		exec:    toolexec.NewCommand(5 * time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Binary reports the resolved tool path.
func (c *Converter) Binary() string {
	return c.binary
}

// Convert writes "<stem>.<target>" into destDir. When the input already has
// the target extension the file is copied and no subprocess runs.
func (c *Converter) Convert(ctx context.Context, inputPath, destDir string, target Format) (toolexec.Result, error) {
	if _, err := ParseFormat(string(target)); err != nil {
		return toolexec.Result{}, err
	}
	info, err := os.Stat(inputPath)
	if err != nil || !info.Mode().IsRegular() {
		return toolexec.Result{}, services.Wrap(services.ErrConversionFailed, stageConverting, "", "input missing: "+inputPath, err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return toolexec.Result{}, services.Wrap(services.ErrInternal, stageConverting, "", "create destination", err)
	}

	base := filepath.Base(inputPath)
	ext := filepath.Ext(base)
	output := filepath.Join(destDir, strings.TrimSuffix(base, ext)+"."+string(target))

	if strings.EqualFold(strings.TrimPrefix(ext, "."), string(target)) {
		started := time.Now()
		if err := fileutil.CopyFile(inputPath, output); err != nil {
			return toolexec.Result{}, services.Wrap(services.ErrConversionFailed, stageConverting, "copy", "same-format passthrough", err)
		}
		return toolexec.Result{Command: "copy", Args: []string{inputPath, output}, Duration: time.Since(started), OutputPath: output}, nil
	}

	args := append([]string{inputPath, output}, c.extraArgs...)
	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	name := filepath.Base(c.binary)
	result, err := c.exec.Run(runCtx, c.binary, args)
	if err != nil {
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return result, services.Wrap(services.ErrConversionFailed, stageConverting, name, fmt.Sprintf("timed out after %s", c.timeout), err)
		}
		return result, services.Wrap(services.ErrConversionFailed, stageConverting, name, "tool failed", err)
	}
	if info, err := os.Stat(output); err != nil || info.Size() == 0 {
		return result, services.Wrap(services.ErrConversionFailed, stageConverting, name, "produced no output file: "+result.Diagnostic(), nil)
	}
	result.OutputPath = output
	return result, nil
}
