//go:build unix

package toolexec_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"acsmconv/internal/services/toolexec"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunCapturesOutput(t *testing.T) {
	script := writeScript(t, `echo "hello $1"; echo "warn" 1>&2`)
	result, err := toolexec.NewCommand(time.Second).Run(context.Background(), script, []string{"world"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("unexpected exit code %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "hello world" {
		t.Fatalf("unexpected stdout %q", result.Stdout)
	}
	if strings.TrimSpace(result.Stderr) != "warn" {
		t.Fatalf("unexpected stderr %q", result.Stderr)
	}
	if len(result.Args) != 1 || result.Args[0] != "world" {
		t.Fatalf("unexpected args %v", result.Args)
	}
}

func TestRunReportsNonzeroExit(t *testing.T) {
	script := writeScript(t, `echo "E_LIC_ALREADY_FULFILLED" 1>&2; exit 3`)
	result, err := toolexec.NewCommand(time.Second).Run(context.Background(), script, nil)
	var exitErr *toolexec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if result.ExitCode != 3 || exitErr.Result.ExitCode != 3 {
		t.Fatalf("unexpected exit code %d", result.ExitCode)
	}
	if !strings.Contains(err.Error(), "E_LIC_ALREADY_FULFILLED") {
		t.Fatalf("expected diagnostic in error, got %v", err)
	}
}

func TestRunTerminatesProcessGroupOnCancel(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "child-survived")
	script := writeScript(t, `(sleep 2; touch "`+marker+`") & sleep 30`)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := toolexec.NewCommand(500*time.Millisecond).Run(ctx, script, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("tool was not terminated promptly: %s", elapsed)
	}

	time.Sleep(2500 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Fatal("background child outlived the cancelled tool")
	}
}

func TestRunMissingBinary(t *testing.T) {
	_, err := toolexec.NewCommand(time.Second).Run(context.Background(), filepath.Join(t.TempDir(), "nope"), nil)
	if err == nil {
		t.Fatal("expected start error")
	}
	var exitErr *toolexec.ExitError
	if errors.As(err, &exitErr) {
		t.Fatal("start failure must not look like a tool exit")
	}
}

func TestDiagnosticFallsBackToStdoutAndTruncates(t *testing.T) {
	r := toolexec.Result{Stdout: strings.Repeat("x", toolexec.DiagnosticLimit+50)}
	if got := r.Diagnostic(); len(got) != toolexec.DiagnosticLimit {
		t.Fatalf("expected truncated diagnostic, got %d bytes", len(got))
	}
	r = toolexec.Result{Stdout: "out", Stderr: "  err  "}
	if got := r.Diagnostic(); got != "err" {
		t.Fatalf("expected stderr to win, got %q", got)
	}
}
