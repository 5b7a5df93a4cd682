package jobs_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"acsmconv/internal/acsm"
	"acsmconv/internal/config"
	"acsmconv/internal/jobs"
	"acsmconv/internal/pipeline"
	"acsmconv/internal/queue"
	"acsmconv/internal/registry"
	"acsmconv/internal/services"
	"acsmconv/internal/services/adept"
	"acsmconv/internal/services/calibre"
	"acsmconv/internal/services/toolexec"
	"acsmconv/internal/testsupport"
	"acsmconv/internal/workspace"
)

type stubTools struct {
	mu          sync.Mutex
	fulfills    int
	strips      int
	converts    int
	failStrip   bool
	blockUntil  chan struct{}
	fulfillSeen chan struct{}
}

func (s *stubTools) Fulfill(ctx context.Context, acsmPath, destDir string, source acsm.Format) (toolexec.Result, error) {
	s.mu.Lock()
	s.fulfills++
	block := s.blockUntil
	seen := s.fulfillSeen
	s.mu.Unlock()
	if seen != nil {
		select {
		case seen <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return toolexec.Result{}, services.Wrap(services.ErrFulfillmentFailed, "fulfilling", "acsmdownloader", "tool failed", ctx.Err())
		}
	}
	return writeOutput(destDir, acsmPath, "enc")
}

func (s *stubTools) Strip(ctx context.Context, inputPath, destDir string) (toolexec.Result, error) {
	s.mu.Lock()
	s.strips++
	fail := s.failStrip
	s.mu.Unlock()
	if fail {
		return toolexec.Result{}, services.Wrap(services.ErrDrmRemovalFailed, "stripping", "adept_remove", "tool failed",
			errors.New("adept_remove exited with status 1: invalid key"))
	}
	return writeOutput(destDir, inputPath, "src")
}

func (s *stubTools) Convert(ctx context.Context, inputPath, destDir string, target calibre.Format) (toolexec.Result, error) {
	s.mu.Lock()
	s.converts++
	s.mu.Unlock()
	return writeOutput(destDir, inputPath, string(target))
}

func (s *stubTools) counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fulfills, s.strips, s.converts
}

func writeOutput(destDir, input, ext string) (toolexec.Result, error) {
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	out := filepath.Join(destDir, stem+"."+ext)
	if err := os.WriteFile(out, []byte("payload-"+ext), 0o644); err != nil {
		return toolexec.Result{}, err
	}
	return toolexec.Result{OutputPath: out}, nil
}

type fixture struct {
	cfg   *config.Config
	store *queue.Store
	tools *stubTools
	svc   *jobs.Service
}

func newFixture(t *testing.T, withActivation bool) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	var act *adept.Activation
	if withActivation {
		loaded, err := adept.LoadActivation(cfg.Activation.Dir)
		if err != nil {
			t.Fatalf("LoadActivation: %v", err)
		}
		act = loaded
	}
	workspaces, err := workspace.NewManager(cfg.Paths.WorkspaceDir, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	reg, err := registry.New(2, cfg.ActivationLockDir())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	tools := &stubTools{}
	svc, err := jobs.New(jobs.Options{
		Store:      store,
		Registry:   reg,
		Activation: act,
		Pipeline: pipeline.Options{
			Workspaces: workspaces,
			Fulfiller:  tools,
			Stripper:   tools,
			Converter:  tools,
			OutputDir:  cfg.Paths.OutputDir,
		},
		UploadDir:            cfg.Paths.UploadDir,
		DeleteAfterDownload:  true,
		SerializeFulfillment: true,
	})
	if err != nil {
		t.Fatalf("jobs.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &fixture{cfg: cfg, store: store, tools: tools, svc: svc}
}

func (f *fixture) manifest(t *testing.T, name, transaction string) string {
	t.Helper()
	return testsupport.WriteManifest(t, testsupport.BaseDir(f.cfg), name, "Dune Messiah", transaction)
}

func waitResult(t *testing.T, svc *jobs.Service, id string) jobs.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := svc.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) returned error: %v", id, err)
	}
	return res
}

func TestSubmitRunsJobToDone(t *testing.T) {
	f := newFixture(t, true)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()

	src := f.manifest(t, "book.acsm", "tx-1")
	id, err := f.svc.Submit(ctx, src, "EPUB")
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	res := waitResult(t, f.svc, id)
	if !res.Done() {
		t.Fatalf("expected done, got %s (%v)", res.Stage, res.Error)
	}
	wantSteps := []string{"received", "fulfilling", "stripping", "converting", "done"}
	if !reflect.DeepEqual(res.Steps(), wantSteps) {
		t.Fatalf("steps = %v, want %v", res.Steps(), wantSteps)
	}
	if !strings.HasSuffix(res.ArtifactPath, ".epub") || res.Title != "Dune Messiah" {
		t.Fatalf("unexpected result %#v", res)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("caller's manifest must be left alone: %v", err)
	}
	entries, _ := os.ReadDir(f.cfg.Paths.WorkspaceDir)
	if len(entries) != 0 {
		t.Fatalf("expected no workspaces left, found %d", len(entries))
	}

	rc, name, err := f.svc.Open(ctx, id)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if name != "Dune Messiah.epub" || string(data) != "payload-epub" {
		t.Fatalf("unexpected artifact %q: %q", name, data)
	}

	if err := f.svc.Deliver(ctx, id); err != nil {
		t.Fatalf("Deliver returned error: %v", err)
	}
	if _, err := os.Stat(res.ArtifactPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected artifact removed after delivery, got %v", err)
	}
	if _, _, err := f.svc.Open(ctx, id); !errors.Is(err, jobs.ErrArtifactGone) {
		t.Fatalf("expected ErrArtifactGone after delivery, got %v", err)
	}
	uploads, _ := os.ReadDir(f.cfg.Paths.UploadDir)
	if len(uploads) != 0 {
		t.Fatalf("expected upload removed after delivery, found %d", len(uploads))
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	src := f.manifest(t, "book.acsm", "tx-valid")

	if _, err := f.svc.Submit(ctx, src, "docm"); services.KindOf(err) != services.KindInvalidRequest {
		t.Fatalf("expected InvalidRequest for unsupported format, got %v", err)
	}

	bad := filepath.Join(testsupport.BaseDir(f.cfg), "bad.acsm")
	if err := os.WriteFile(bad, []byte("<html></html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Submit(ctx, bad, "epub"); services.KindOf(err) != services.KindInvalidRequest {
		t.Fatalf("expected InvalidRequest for malformed manifest, got %v", err)
	}

	list, err := f.svc.List(ctx, queue.Filter{})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("rejected submissions must not create jobs, got %d", len(list))
	}
	if fulfills, _, _ := f.tools.counts(); fulfills != 0 {
		t.Fatal("no tool may run for a rejected submission")
	}
}

func TestSubmitWithoutActivationIsPrecondition(t *testing.T) {
	f := newFixture(t, false)
	src := f.manifest(t, "book.acsm", "tx-noact")

	_, err := f.svc.Submit(context.Background(), src, "epub")
	if services.KindOf(err) != services.KindPreconditionFailed {
		t.Fatalf("expected PreconditionFailed, got %v", err)
	}
}

func TestStripFailureReportsDescriptor(t *testing.T) {
	f := newFixture(t, true)
	f.tools.failStrip = true
	ctx := context.Background()

	id, err := f.svc.Submit(ctx, f.manifest(t, "book.acsm", "tx-strip"), "mobi")
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	res := waitResult(t, f.svc, id)
	if !res.Failed() || res.Error == nil || res.Error.Kind != services.KindDrmRemovalFailed {
		t.Fatalf("expected DrmRemovalFailed, got %#v", res)
	}
	if !strings.Contains(res.Error.Message, "invalid key") {
		t.Fatalf("expected diagnostic in message, got %q", res.Error.Message)
	}
	if res.ArtifactPath != "" {
		t.Fatalf("failed job must not expose an artifact, got %q", res.ArtifactPath)
	}
	if _, _, converts := f.tools.counts(); converts != 0 {
		t.Fatal("converter must not run after a strip failure")
	}
	if _, _, err := f.svc.Open(ctx, id); !errors.Is(err, services.ErrDrmRemovalFailed) {
		t.Fatalf("expected Open to return the job error, got %v", err)
	}
}

func TestResubmittedManifestFailsFulfillment(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	src := f.manifest(t, "book.acsm", "tx-dup")

	first, err := f.svc.Submit(ctx, src, "epub")
	if err != nil {
		t.Fatalf("first Submit returned error: %v", err)
	}
	if res := waitResult(t, f.svc, first); !res.Done() {
		t.Fatalf("first job should succeed, got %#v", res)
	}
	second, err := f.svc.Submit(ctx, src, "epub")
	if err != nil {
		t.Fatalf("second Submit returned error: %v", err)
	}
	res := waitResult(t, f.svc, second)
	if res.Error == nil || res.Error.Kind != services.KindFulfillmentFailed {
		t.Fatalf("expected FulfillmentFailed, got %#v", res)
	}
	if fulfills, _, _ := f.tools.counts(); fulfills != 1 {
		t.Fatalf("fulfillment tool should run once, ran %d times", fulfills)
	}
}

func TestCancelRunningJob(t *testing.T) {
	f := newFixture(t, true)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f.tools.blockUntil = make(chan struct{})
	f.tools.fulfillSeen = make(chan struct{}, 1)
	ctx := context.Background()

	id, err := f.svc.Submit(ctx, f.manifest(t, "book.acsm", "tx-cancel"), "epub")
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	<-f.tools.fulfillSeen

	if _, _, err := f.svc.Open(ctx, id); !errors.Is(err, jobs.ErrNotReady) {
		t.Fatalf("expected ErrNotReady while running, got %v", err)
	}
	if err := f.svc.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	res := waitResult(t, f.svc, id)
	if res.Error == nil || res.Error.Kind != services.KindCanceled {
		t.Fatalf("expected Canceled, got %#v", res)
	}
	entries, _ := os.ReadDir(f.cfg.Paths.WorkspaceDir)
	if len(entries) != 0 {
		t.Fatalf("expected canceled workspace reclaimed, found %d", len(entries))
	}
	if err := f.svc.Cancel(ctx, id); !errors.Is(err, jobs.ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable for terminal job, got %v", err)
	}
	if err := f.svc.Cancel(ctx, "missing"); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	f := newFixture(t, true)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f.tools.blockUntil = make(chan struct{})
	f.tools.fulfillSeen = make(chan struct{}, 1)
	ctx := context.Background()

	id, err := f.svc.Submit(ctx, f.manifest(t, "book.acsm", "tx-shutdown"), "epub")
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	<-f.tools.fulfillSeen

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.svc.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if f.svc.Running() != 0 {
		t.Fatalf("expected no running jobs after shutdown, got %d", f.svc.Running())
	}
	res, err := f.svc.Result(ctx, id)
	if err != nil {
		t.Fatalf("Result returned error: %v", err)
	}
	if res.Error == nil || res.Error.Kind != services.KindCanceled {
		t.Fatalf("expected Canceled after shutdown, got %#v", res)
	}
	if _, err := f.svc.Submit(ctx, f.manifest(t, "late.acsm", "tx-late"), "epub"); services.KindOf(err) != services.KindPreconditionFailed {
		t.Fatalf("expected submissions refused after shutdown, got %v", err)
	}
}

func TestRecoverFailsInterruptedJobs(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	testsupport.NewJob(t, f.store, "stale-job", "epub")
	if err := f.store.SetStage(ctx, "stale-job", queue.StageFulfilling); err != nil {
		t.Fatalf("SetStage returned error: %v", err)
	}

	n, err := f.svc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered job, got %d", n)
	}
	res, err := f.svc.Result(ctx, "stale-job")
	if err != nil {
		t.Fatalf("Result returned error: %v", err)
	}
	if res.Error == nil || res.Error.Kind != services.KindInternalError || res.Error.Message != queue.RestartMessage {
		t.Fatalf("unexpected recovered result %#v", res)
	}
	if _, err := f.svc.Result(ctx, "nope"); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read upload dir: %v", err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func TestFailedJobReleasesStoredManifest(t *testing.T) {
	f := newFixture(t, true)
	f.tools.failStrip = true
	ctx := context.Background()

	id, err := f.svc.Submit(ctx, f.manifest(t, "book.acsm", "tx-leak"), "epub")
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if res := waitResult(t, f.svc, id); !res.Failed() {
		t.Fatalf("expected failed job, got %s", res.Stage)
	}
	if names := dirEntries(t, f.cfg.Paths.UploadDir); len(names) != 0 {
		t.Fatalf("failed job left stored manifests: %v", names)
	}

	if _, err := f.store.PurgeFinishedBefore(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("PurgeFinishedBefore: %v", err)
	}
	if names := dirEntries(t, f.cfg.Paths.UploadDir); len(names) != 0 {
		t.Fatalf("uploads outlive purged jobs: %v", names)
	}
}

func TestJobLeavesActivationDirectoryUntouched(t *testing.T) {
	f := newFixture(t, true)
	before := dirEntries(t, f.cfg.Activation.Dir)

	id, err := f.svc.Submit(context.Background(), f.manifest(t, "book.acsm", "tx-act"), "epub")
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if res := waitResult(t, f.svc, id); !res.Done() {
		t.Fatalf("expected done, got %s (%v)", res.Stage, res.Error)
	}
	if after := dirEntries(t, f.cfg.Activation.Dir); !reflect.DeepEqual(before, after) {
		t.Fatalf("activation directory changed: before=%v after=%v", before, after)
	}
}

func TestUploadsPruneReclaimsFinishedAndOrphaned(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.NewJob(t, store, "running", "epub")
	testsupport.NewJob(t, store, "failed", "epub")
	if err := store.SetFailed(ctx, "failed", string(services.KindDrmRemovalFailed), "bad key"); err != nil {
		t.Fatalf("SetFailed: %v", err)
	}

	old := time.Now().Add(-2 * jobs.UploadGrace)
	write := func(name string, mod time.Time) string {
		path := filepath.Join(cfg.Paths.UploadDir, name)
		testsupport.WriteFile(t, path, 32)
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
		return path
	}
	running := write("running.acsm", old)
	failed := write("failed.acsm", old)
	orphan := write("purged.acsm", old)
	pending := write("pending.acsm", time.Now())

	uploads := &jobs.Uploads{Dir: cfg.Paths.UploadDir, Jobs: store}
	removed, errs := uploads.Prune(ctx)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removals, got %v", removed)
	}
	for _, path := range []string{failed, orphan} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("%s should be removed, stat err=%v", path, err)
		}
	}
	for _, path := range []string{running, pending} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("%s should remain: %v", path, err)
		}
	}
}
