package adept_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"acsmconv/internal/acsm"
	"acsmconv/internal/services"
	"acsmconv/internal/services/adept"
	"acsmconv/internal/services/toolexec"
)

const deviceXML = `<?xml version="1.0"?>
<adept:deviceInfo xmlns:adept="http://ns.adobe.com/adept">
  <adept:deviceClass>Desktop</adept:deviceClass>
  <adept:deviceSerial>serial-123</adept:deviceSerial>
  <adept:fingerprint>fp-abc</adept:fingerprint>
</adept:deviceInfo>`

func writeActivation(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		adept.DeviceFile:     deviceXML,
		adept.ActivationFile: "<activationInfo/>",
		adept.SaltFile:       "salt",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func loadActivation(t *testing.T) *adept.Activation {
	t.Helper()
	act, err := adept.LoadActivation(writeActivation(t))
	if err != nil {
		t.Fatalf("LoadActivation: %v", err)
	}
	return act
}

// stubExecutor records calls and writes content to the path following "-o".
type stubExecutor struct {
	calls   int
	args    [][]string
	content string
	outName string
	err     error
	stderr  string
}

func (s *stubExecutor) Run(ctx context.Context, binary string, args []string) (toolexec.Result, error) {
	s.calls++
	s.args = append(s.args, append([]string(nil), args...))
	result := toolexec.Result{Command: binary, Args: args, Stderr: s.stderr}
	if s.err != nil {
		result.ExitCode = 1
		return result, s.err
	}
	if s.content != "" {
		out := flagValue(args, "-o")
		if s.outName != "" {
			out = filepath.Join(filepath.Dir(out), s.outName)
		}
		if err := os.WriteFile(out, []byte(s.content), 0o644); err != nil {
			return result, err
		}
	}
	return result, nil
}

func flagValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestLoadActivationReadsDeviceID(t *testing.T) {
	act := loadActivation(t)
	if act.DeviceID != "fp-abc" {
		t.Fatalf("expected fingerprint as device id, got %q", act.DeviceID)
	}
	args := act.Args()
	if flagValue(args, "-d") != act.DevicePath || flagValue(args, "-k") != act.SaltPath {
		t.Fatalf("unexpected credential args %v", args)
	}
}

func TestLoadActivationMissingFileIsPrecondition(t *testing.T) {
	dir := writeActivation(t)
	if err := os.Remove(filepath.Join(dir, adept.SaltFile)); err != nil {
		t.Fatal(err)
	}
	_, err := adept.LoadActivation(dir)
	if services.KindOf(err) != services.KindPreconditionFailed {
		t.Fatalf("expected PreconditionFailed, got %v", err)
	}
	if _, err := adept.LoadActivation(""); services.KindOf(err) != services.KindPreconditionFailed {
		t.Fatalf("expected PreconditionFailed for empty dir, got %v", err)
	}
}

func TestFulfillInvokesDownloaderWithCredentials(t *testing.T) {
	act := loadActivation(t)
	exec := &stubExecutor{content: "encrypted"}
	fulfiller, err := adept.NewFulfiller("acsmdownloader", time.Minute, act, adept.WithExecutor(exec))
	if err != nil {
		t.Fatalf("NewFulfiller: %v", err)
	}
	dest := t.TempDir()
	result, err := fulfiller.Fulfill(context.Background(), "/uploads/book.acsm", dest, acsm.FormatEPUB)
	if err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if result.OutputPath != filepath.Join(dest, "book_drm.epub") {
		t.Fatalf("unexpected output path %q", result.OutputPath)
	}
	args := exec.args[0]
	if flagValue(args, "-f") != "/uploads/book.acsm" || flagValue(args, "-a") != act.ActivationPath {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestFulfillFallsBackToNewestFile(t *testing.T) {
	exec := &stubExecutor{content: "encrypted", outName: "Publisher Title.epub"}
	fulfiller, _ := adept.NewFulfiller("acsmdownloader", time.Minute, loadActivation(t), adept.WithExecutor(exec))
	dest := t.TempDir()
	result, err := fulfiller.Fulfill(context.Background(), "book.acsm", dest, acsm.FormatEPUB)
	if err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if filepath.Base(result.OutputPath) != "Publisher Title.epub" {
		t.Fatalf("expected fallback output, got %q", result.OutputPath)
	}
}

func TestFulfillErrorsWhenNoOutputProduced(t *testing.T) {
	exec := &stubExecutor{stderr: "nothing to do"}
	fulfiller, _ := adept.NewFulfiller("acsmdownloader", time.Minute, loadActivation(t), adept.WithExecutor(exec))
	_, err := fulfiller.Fulfill(context.Background(), "book.acsm", t.TempDir(), acsm.FormatPDF)
	if services.KindOf(err) != services.KindFulfillmentFailed {
		t.Fatalf("expected FulfillmentFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "no output file") {
		t.Fatalf("expected 'no output file' error, got: %v", err)
	}
}

func TestFulfillToolFailureCarriesDiagnostic(t *testing.T) {
	toolErr := &toolexec.ExitError{Result: toolexec.Result{Command: "acsmdownloader", ExitCode: 1, Stderr: "E_GOOGLE_DEVICE_LIMIT_REACHED"}}
	exec := &stubExecutor{err: toolErr}
	fulfiller, _ := adept.NewFulfiller("acsmdownloader", time.Minute, loadActivation(t), adept.WithExecutor(exec))
	_, err := fulfiller.Fulfill(context.Background(), "book.acsm", t.TempDir(), acsm.FormatPDF)
	if services.KindOf(err) != services.KindFulfillmentFailed {
		t.Fatalf("expected FulfillmentFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "E_GOOGLE_DEVICE_LIMIT_REACHED") {
		t.Fatalf("diagnostic missing from %v", err)
	}
}

func TestFulfillWithoutActivationNeverInvokesTool(t *testing.T) {
	exec := &stubExecutor{content: "x"}
	fulfiller, _ := adept.NewFulfiller("acsmdownloader", time.Minute, nil, adept.WithExecutor(exec))
	_, err := fulfiller.Fulfill(context.Background(), "book.acsm", t.TempDir(), acsm.FormatPDF)
	if services.KindOf(err) != services.KindPreconditionFailed {
		t.Fatalf("expected PreconditionFailed, got %v", err)
	}
	if exec.calls != 0 {
		t.Fatalf("tool must not run without activation, got %d calls", exec.calls)
	}
}

func TestStripPreservesFormat(t *testing.T) {
	src := filepath.Join(t.TempDir(), "book_drm.epub")
	if err := os.WriteFile(src, []byte("encrypted"), 0o644); err != nil {
		t.Fatal(err)
	}
	exec := &stubExecutor{content: "clean"}
	stripper, _ := adept.NewStripper("adept_remove", time.Minute, loadActivation(t), adept.WithExecutor(exec))
	dest := t.TempDir()
	result, err := stripper.Strip(context.Background(), src, dest)
	if err != nil {
		t.Fatalf("Strip returned error: %v", err)
	}
	if result.OutputPath != filepath.Join(dest, "book.epub") {
		t.Fatalf("unexpected output %q", result.OutputPath)
	}
}

func TestStripFailureIsDrmRemovalFailed(t *testing.T) {
	src := filepath.Join(t.TempDir(), "book_drm.pdf")
	if err := os.WriteFile(src, []byte("encrypted"), 0o644); err != nil {
		t.Fatal(err)
	}
	exec := &stubExecutor{err: errors.New("exit status 2")}
	stripper, _ := adept.NewStripper("adept_remove", time.Minute, loadActivation(t), adept.WithExecutor(exec))
	_, err := stripper.Strip(context.Background(), src, t.TempDir())
	if services.KindOf(err) != services.KindDrmRemovalFailed {
		t.Fatalf("expected DrmRemovalFailed, got %v", err)
	}
}

func TestStripTimeoutIsReported(t *testing.T) {
	src := filepath.Join(t.TempDir(), "book_drm.pdf")
	if err := os.WriteFile(src, []byte("encrypted"), 0o644); err != nil {
		t.Fatal(err)
	}
	slow := toolexec.ExecutorFunc(func(ctx context.Context, binary string, args []string) (toolexec.Result, error) {
		<-ctx.Done()
		return toolexec.Result{}, ctx.Err()
	})
	stripper, _ := adept.NewStripper("adept_remove", 20*time.Millisecond, loadActivation(t), adept.WithExecutor(slow))
	_, err := stripper.Strip(context.Background(), src, t.TempDir())
	if services.KindOf(err) != services.KindDrmRemovalFailed {
		t.Fatalf("expected DrmRemovalFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout message, got %v", err)
	}
}

func TestActivateSkipsExistingDevice(t *testing.T) {
	dir := writeActivation(t)
	exec := &stubExecutor{}
	activator, _ := adept.NewActivator("adept_activate", time.Minute, adept.WithExecutor(exec))
	act, created, err := activator.Activate(context.Background(), dir)
	if err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	if created || exec.calls != 0 {
		t.Fatalf("expected existing activation reuse, created=%v calls=%d", created, exec.calls)
	}
	if act.DeviceID == "" {
		t.Fatal("expected device id")
	}
}

func TestActivateRegistersNewDevice(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "adept")
	register := toolexec.ExecutorFunc(func(ctx context.Context, binary string, args []string) (toolexec.Result, error) {
		out := flagValue(args, "-O")
		_ = os.WriteFile(filepath.Join(out, adept.DeviceFile), []byte(deviceXML), 0o600)
		_ = os.WriteFile(filepath.Join(out, adept.ActivationFile), []byte("<activationInfo/>"), 0o600)
		_ = os.WriteFile(filepath.Join(out, adept.SaltFile), []byte("salt"), 0o600)
		return toolexec.Result{Command: binary, Args: args}, nil
	})
	activator, _ := adept.NewActivator("adept_activate", time.Minute, adept.WithExecutor(register))
	act, created, err := activator.Activate(context.Background(), dir)
	if err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	if !created || act.Dir != dir {
		t.Fatalf("expected new activation in %s, got created=%v dir=%s", dir, created, act.Dir)
	}
}
