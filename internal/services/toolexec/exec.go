package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"acsmconv/internal/metrics"
)

// DiagnosticLimit bounds the diagnostic text copied into error details.
const DiagnosticLimit = 2000

const captureLimit = 64 << 10

// Result captures one tool invocation.
type Result struct {
	Command    string
	Args       []string
	ExitCode   int
	Stdout     string
	Stderr     string
	Duration   time.Duration
	OutputPath string
}

// Diagnostic returns stderr, or stdout when stderr is empty, truncated to
// DiagnosticLimit bytes.
func (r Result) Diagnostic() string {
	text := strings.TrimSpace(r.Stderr)
	if text == "" {
		text = strings.TrimSpace(r.Stdout)
	}
	if len(text) > DiagnosticLimit {
		text = text[:DiagnosticLimit]
	}
	return text
}

// CommandLine renders the invocation for logs.
func (r Result) CommandLine() string {
	parts := append([]string{r.Command}, r.Args...)
	return strings.Join(parts, " ")
}

// ExitError reports a tool that ran but exited nonzero.
type ExitError struct {
	Result Result
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", filepath.Base(e.Result.Command), e.Result.ExitCode)
	if diag := e.Result.Diagnostic(); diag != "" {
		msg += ": " + diag
	}
	return msg
}

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, binary string, args []string) (Result, error)

// Run calls f.
func (f ExecutorFunc) Run(ctx context.Context, binary string, args []string) (Result, error) {
	return f(ctx, binary, args)
}

// Command is the real Executor backed by os/exec.
type Command struct {
	// KillGrace is the delay between SIGTERM and SIGKILL on cancellation.
	KillGrace time.Duration
	// Dir is the working directory; empty means inherit.
	Dir string
}

// NewCommand returns a Command with the given kill grace.
func NewCommand(killGrace time.Duration) *Command {
	return &Command{KillGrace: killGrace}
}

// Run starts binary and waits for it. A nonzero exit is reported as
// *ExitError with the captured output. Context expiry terminates the process
// group and returns an error wrapping ctx.Err().
func (c *Command) Run(ctx context.Context, binary string, args []string) (Result, error) {
	result := Result{Command: binary, Args: append([]string(nil), args...), ExitCode: -1}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	cmd := exec.Command(binary, args...) //nolint:gosec
	cmd.Dir = c.Dir
	cmd.WaitDelay = c.grace()
	setProcessGroup(cmd)

	stdout := &limitedBuffer{limit: captureLimit}
	stderr := &limitedBuffer{limit: captureLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return result, fmt.Errorf("start %s: %w", filepath.Base(binary), err)
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	var waitErr error
	var ctxErr error
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		ctxErr = ctx.Err()
		waitErr = terminate(cmd, waitCh, c.grace())
	}

	result.Duration = time.Since(started)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr != nil {
		return result, fmt.Errorf("%s interrupted after %s: %w", filepath.Base(binary), result.Duration.Round(time.Millisecond), ctxErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return result, &ExitError{Result: result}
		}
		return result, fmt.Errorf("wait %s: %w", filepath.Base(binary), waitErr)
	}
	return result, nil
}

func (c *Command) grace() time.Duration {
	if c.KillGrace <= 0 {
		return 5 * time.Second
	}
	return c.KillGrace
}

// terminate stops the process group and drains waitCh.
func terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	tool := filepath.Base(cmd.Path)
	if signalGroup(cmd, sigTerm) == nil {
		metrics.RecordToolTermination(tool, "SIGTERM")
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-waitCh:
		return err
	case <-timer.C:
		if signalGroup(cmd, sigKill) == nil {
			metrics.RecordToolTermination(tool, "SIGKILL")
		}
		return <-waitCh
	}
}

// limitedBuffer keeps the first limit bytes written and discards the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
