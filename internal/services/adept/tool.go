package adept

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"acsmconv/internal/services"
	"acsmconv/internal/services/toolexec"
)

// Option configures a tool wrapper.
type Option func(*tool)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec toolexec.Executor) Option {
	return func(t *tool) {
		if exec != nil {
			t.exec = exec
		}
	}
}

type tool struct {
	binary  string
	timeout time.Duration
	exec    toolexec.Executor
}

func newTool(binary string, timeout time.Duration, opts []Option) (tool, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return tool{}, errors.New("binary required")
	}
	t := tool{binary: binary, timeout: timeout, exec: toolexec.NewCommand(5 * time.Second)}
	for _, opt := range opts {
		opt(&t)
	}
	return t, nil
}

// run executes the tool under its timeout and classifies failures with marker.
func (t tool) run(ctx context.Context, marker error, stage string, args []string) (toolexec.Result, error) {
	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	name := filepath.Base(t.binary)
	result, err := t.exec.Run(runCtx, t.binary, args)
	if err == nil {
		return result, nil
	}
	if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return result, services.Wrap(marker, stage, name, fmt.Sprintf("timed out after %s", t.timeout), err)
	}
	return result, services.Wrap(marker, stage, name, "tool failed", err)
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// newestFile returns the most recently modified non-empty regular file in dir.
func newestFile(dir string, exclude ...string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, path := range exclude {
		skip[filepath.Clean(path)] = struct{}{}
	}
	var best string
	var bestTime time.Time
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if _, ok := skip[path]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best = path
			bestTime = info.ModTime()
		}
	}
	return best
}
