package calibre_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"acsmconv/internal/services"
	"acsmconv/internal/services/calibre"
	"acsmconv/internal/services/toolexec"
)

type stubExecutor struct {
	calls  int
	args   [][]string
	write  bool
	err    error
	stdout string
}

func (s *stubExecutor) Run(ctx context.Context, binary string, args []string) (toolexec.Result, error) {
	s.calls++
	s.args = append(s.args, append([]string(nil), args...))
	result := toolexec.Result{Command: binary, Args: args, Stdout: s.stdout}
	if s.err != nil {
		return result, s.err
	}
	if s.write {
		if err := os.WriteFile(args[1], []byte("converted"), 0o644); err != nil {
			return result, err
		}
	}
	return result, nil
}

func writeInput(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("book"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFormat(t *testing.T) {
	for _, in := range []string{"epub", "EPUB", ".mobi", " azw3 "} {
		if _, err := calibre.ParseFormat(in); err != nil {
			t.Fatalf("ParseFormat(%q) returned error: %v", in, err)
		}
	}
	for _, in := range []string{"", "xyz", "exe"} {
		_, err := calibre.ParseFormat(in)
		if services.KindOf(err) != services.KindInvalidRequest {
			t.Fatalf("ParseFormat(%q) expected InvalidRequest, got %v", in, err)
		}
	}
	if got := calibre.SupportedFormats(); len(got) != 13 || got[0] != "azw3" {
		t.Fatalf("unexpected supported formats %v", got)
	}
}

func TestConvertInvokesEbookConvert(t *testing.T) {
	input := writeInput(t, "book.pdf")
	exec := &stubExecutor{write: true}
	conv := calibre.New("/opt/calibre/ebook-convert", time.Minute,
		calibre.WithExecutor(exec), calibre.WithExtraArgs([]string{"--enable-heuristics"}))

	dest := t.TempDir()
	result, err := conv.Convert(context.Background(), input, dest, "epub")
	if err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	want := filepath.Join(dest, "book.epub")
	if result.OutputPath != want {
		t.Fatalf("unexpected output %q", result.OutputPath)
	}
	args := exec.args[0]
	if len(args) != 3 || args[0] != input || args[1] != want || args[2] != "--enable-heuristics" {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestConvertSameFormatCopiesWithoutTool(t *testing.T) {
	input := writeInput(t, "book.epub")
	exec := &stubExecutor{write: true}
	conv := calibre.New("ebook-convert", time.Minute, calibre.WithExecutor(exec))

	result, err := conv.Convert(context.Background(), input, t.TempDir(), "epub")
	if err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	if exec.calls != 0 {
		t.Fatalf("expected no tool invocation, got %d", exec.calls)
	}
	data, err := os.ReadFile(result.OutputPath)
	if err != nil || string(data) != "book" {
		t.Fatalf("expected copied content, got %q err=%v", data, err)
	}
}

func TestConvertUnsupportedFormatNeverRunsTool(t *testing.T) {
	exec := &stubExecutor{write: true}
	conv := calibre.New("ebook-convert", time.Minute, calibre.WithExecutor(exec))
	_, err := conv.Convert(context.Background(), writeInput(t, "book.pdf"), t.TempDir(), "xyz")
	if services.KindOf(err) != services.KindInvalidRequest {
		t.Fatalf("expected InvalidRequest, got %v", err)
	}
	if exec.calls != 0 {
		t.Fatalf("tool must not run, got %d calls", exec.calls)
	}
}

func TestConvertFailures(t *testing.T) {
	t.Run("tool error", func(t *testing.T) {
		conv := calibre.New("ebook-convert", time.Minute, calibre.WithExecutor(&stubExecutor{err: errors.New("exit status 1")}))
		_, err := conv.Convert(context.Background(), writeInput(t, "book.pdf"), t.TempDir(), "mobi")
		if services.KindOf(err) != services.KindConversionFailed {
			t.Fatalf("expected ConversionFailed, got %v", err)
		}
	})
	t.Run("no output", func(t *testing.T) {
		conv := calibre.New("ebook-convert", time.Minute, calibre.WithExecutor(&stubExecutor{stdout: "Conversion options changed"}))
		_, err := conv.Convert(context.Background(), writeInput(t, "book.pdf"), t.TempDir(), "mobi")
		if services.KindOf(err) != services.KindConversionFailed {
			t.Fatalf("expected ConversionFailed, got %v", err)
		}
		if !strings.Contains(err.Error(), "Conversion options changed") {
			t.Fatalf("expected stdout diagnostic, got %v", err)
		}
	})
}

func TestLocatePrefersConfiguredBinary(t *testing.T) {
	got, err := calibre.Locate("/custom/ebook-convert")
	if err != nil || got != "/custom/ebook-convert" {
		t.Fatalf("unexpected Locate result %q %v", got, err)
	}

	dir := t.TempDir()
	stub := filepath.Join(dir, calibre.DefaultBinary)
	if err := os.WriteFile(stub, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir)
	got, err = calibre.Locate("")
	if err != nil || got != stub {
		t.Fatalf("expected PATH lookup to find %s, got %q %v", stub, got, err)
	}
}
