package daemon

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"acsmconv/internal/acsm"
	"acsmconv/internal/api"
	"acsmconv/internal/config"
	"acsmconv/internal/jobs"
	"acsmconv/internal/library"
	"acsmconv/internal/logging"
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
	failStrip   bool
	blockUntil  chan struct{}
	fulfillSeen chan struct{}
}

func (s *stubTools) Fulfill(ctx context.Context, acsmPath, destDir string, _ acsm.Format) (toolexec.Result, error) {
	s.mu.Lock()
	block, seen := s.blockUntil, s.fulfillSeen
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

func (s *stubTools) Strip(_ context.Context, inputPath, destDir string) (toolexec.Result, error) {
	s.mu.Lock()
	fail := s.failStrip
	s.mu.Unlock()
	if fail {
		return toolexec.Result{}, services.Wrap(services.ErrDrmRemovalFailed, "stripping", "adept_remove", "tool failed",
			errors.New("adept_remove exited with status 1: invalid key"))
	}
	return writeOutput(destDir, inputPath, "src")
}

func (s *stubTools) Convert(_ context.Context, inputPath, destDir string, target calibre.Format) (toolexec.Result, error) {
	return writeOutput(destDir, inputPath, string(target))
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
	cfg    *config.Config
	store  *queue.Store
	tools  *stubTools
	daemon *Daemon
}

func newFixture(t *testing.T, tweak func(*config.Config), opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	if tweak != nil {
		tweak(cfg)
	}
	store := testsupport.MustOpenStore(t, cfg)

	act, _ := adept.LoadActivation(cfg.Activation.Dir)
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
		UploadDir:           cfg.Paths.UploadDir,
		DeleteAfterDownload: cfg.Output.DeleteAfterDownload,
	})
	if err != nil {
		t.Fatalf("jobs.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	lib, err := library.New(cfg.Paths.OutputDir, cfg.CoverDir(), nil)
	if err != nil {
		t.Fatalf("library.New: %v", err)
	}
	d, err := New(Options{Config: cfg, Store: store, Jobs: svc, Workspaces: workspaces, Library: lib})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	return &fixture{cfg: cfg, store: store, tools: tools, daemon: d}
}

func (f *fixture) serve(t *testing.T) *api.Client {
	t.Helper()
	srv := httptest.NewServer(newRouter(f.daemon))
	t.Cleanup(srv.Close)
	client, err := api.NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func (f *fixture) wait(t *testing.T, id string) jobs.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := f.daemon.jobs.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return res
}

func submit(t *testing.T, client *api.Client, transaction, format string) (api.SubmitResponse, error) {
	t.Helper()
	manifest := testsupport.ManifestXML("Dune Messiah", "https://acs.example.com/media/book.epub", transaction)
	return client.Submit(context.Background(), "dune.acsm", strings.NewReader(manifest), format)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitDownloadDeliver(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Output.DeleteAfterDownload = true })
	client := f.serve(t)
	ctx := context.Background()

	resp, err := submit(t, client, "tx-1", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.Stage != "received" || resp.JobID == "" {
		t.Fatalf("unexpected submit response: %+v", resp)
	}
	if res := f.wait(t, resp.JobID); !res.Done() {
		t.Fatalf("expected done, got %s (%v)", res.Stage, res.Error)
	}

	job, err := client.Job(ctx, resp.JobID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Stage != "done" || job.TargetFormat != f.cfg.Output.DefaultFormat || !strings.HasSuffix(job.Artifact, ".epub") {
		t.Fatalf("unexpected job: %+v", job)
	}

	books, err := client.Books(ctx)
	if err != nil {
		t.Fatalf("Books: %v", err)
	}
	if len(books) != 1 || len(books[0].Files) != 1 || books[0].Files[0].Format != "epub" {
		t.Fatalf("unexpected books: %+v", books)
	}

	var buf bytes.Buffer
	name, err := client.Download(ctx, resp.JobID, &buf)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if name != job.Artifact || buf.String() != "payload-epub" {
		t.Fatalf("unexpected download name=%q body=%q", name, buf.String())
	}
	eventually(t, "delivery", func() bool {
		job, err := client.Job(ctx, resp.JobID)
		return err == nil && job.DeliveredAt != ""
	})

	_, err = client.Download(ctx, resp.JobID, io.Discard)
	if api.StatusCode(err) != http.StatusGone {
		t.Fatalf("expected 410 after delete-after-download, got %v", err)
	}
}

func TestArtifactOfFailedJobCarriesKind(t *testing.T) {
	f := newFixture(t, nil)
	f.tools.failStrip = true
	client := f.serve(t)

	resp, err := submit(t, client, "tx-fail", "mobi")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.wait(t, resp.JobID)

	_, err = client.Download(context.Background(), resp.JobID, io.Discard)
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *api.Error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Kind != "DrmRemovalFailed" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	job, err := client.Job(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Error == nil || job.Error.Kind != "DrmRemovalFailed" {
		t.Fatalf("unexpected job error: %+v", job.Error)
	}
}

func TestSubmitRejections(t *testing.T) {
	tests := []struct {
		name     string
		opts     []testsupport.ConfigOption
		tweak    func(*config.Config)
		format   string
		wantCode int
		wantKind string
	}{
		{name: "unsupported format", format: "cbz", wantCode: http.StatusBadRequest, wantKind: "InvalidRequest"},
		{name: "no activation", opts: []testsupport.ConfigOption{testsupport.WithoutActivation()}, format: "epub",
			wantCode: http.StatusServiceUnavailable, wantKind: "PreconditionFailed"},
		{name: "too large", tweak: func(cfg *config.Config) { cfg.HTTP.MaxUploadBytes = 64 }, format: "epub",
			wantCode: http.StatusRequestEntityTooLarge, wantKind: "InvalidRequest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.tweak, tt.opts...)
			client := f.serve(t)
			_, err := submit(t, client, "tx", tt.format)
			var apiErr *api.Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *api.Error, got %v", err)
			}
			if apiErr.StatusCode != tt.wantCode || apiErr.Kind != tt.wantKind {
				t.Fatalf("got %d %s, want %d %s", apiErr.StatusCode, apiErr.Kind, tt.wantCode, tt.wantKind)
			}
		})
	}
}

func TestSubmitRequiresACSMUpload(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(newRouter(f.daemon))
	defer srv.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, _ := form.CreateFormFile("file", "book.epub")
	_, _ = part.Write([]byte("not a manifest"))
	_ = form.Close()

	resp, err := http.Post(srv.URL+"/api/jobs", form.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/jobs", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without multipart, got %d", resp.StatusCode)
	}
}

func TestUploadRateLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.HTTP.UploadsPerMinute = 1 })
	client := f.serve(t)

	first, err := submit(t, client, "tx-a", "epub")
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	f.wait(t, first.JobID)
	_, err = submit(t, client, "tx-b", "epub")
	if api.StatusCode(err) != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if _, err := client.Jobs(context.Background(), nil, 0); err != nil {
		t.Fatalf("listing must not be rate limited: %v", err)
	}
}

func TestCancelRunningJob(t *testing.T) {
	f := newFixture(t, nil)
	f.tools.blockUntil = make(chan struct{})
	f.tools.fulfillSeen = make(chan struct{}, 1)
	defer close(f.tools.blockUntil)
	client := f.serve(t)
	ctx := context.Background()

	resp, err := submit(t, client, "tx-cancel", "epub")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-f.tools.fulfillSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("fulfillment never started")
	}
	if err := client.Cancel(ctx, resp.JobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	res := f.wait(t, resp.JobID)
	if res.Error == nil || res.Error.Kind != services.KindCanceled {
		t.Fatalf("expected Canceled, got %s %v", res.Stage, res.Error)
	}
	if err := client.Cancel(ctx, resp.JobID); api.StatusCode(err) != http.StatusConflict {
		t.Fatalf("expected 409 for finished job, got %v", err)
	}
	if err := client.Cancel(ctx, "missing"); api.StatusCode(err) != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %v", err)
	}
}

func TestJobsListing(t *testing.T) {
	f := newFixture(t, nil)
	client := f.serve(t)
	ctx := context.Background()
	testsupport.NewJob(t, f.store, "a", "epub")
	testsupport.NewJob(t, f.store, "b", "mobi")

	items, err := client.Jobs(ctx, []string{"received"}, 1)
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected limit to apply, got %d jobs", len(items))
	}
	if _, err := client.Jobs(ctx, []string{"bogus"}, 0); api.StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown stage, got %v", err)
	}
	if _, err := client.Job(ctx, "nope"); api.StatusCode(err) != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
	_, err = client.Download(ctx, "a", io.Discard)
	if api.StatusCode(err) != http.StatusConflict {
		t.Fatalf("expected 409 for unfinished job, got %v", err)
	}
}

func TestStatusCoverAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(newRouter(f.daemon))
	defer srv.Close()
	client, _ := api.NewClient(srv.URL)

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Activation.Present || status.Registry.Limit != 2 || status.OutputDir != f.cfg.Paths.OutputDir {
		t.Fatalf("unexpected status: %+v", status)
	}
	if len(status.Dependencies) == 0 {
		t.Fatal("expected dependency report")
	}

	resp, err := http.Get(srv.URL + "/api/books/covers/missing.jpg")
	if err != nil {
		t.Fatalf("GET cover: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing cover, got %d", resp.StatusCode)
	}
	if resp.Header.Get(headerRequestID) == "" {
		t.Fatal("expected request id header")
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "acsmconv_http_request_duration_seconds") {
		t.Fatalf("unexpected metrics response %d", resp.StatusCode)
	}
}

func TestRecovererReturnsJSON(t *testing.T) {
	handler := recoverer(logging.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if w.Code != http.StatusInternalServerError || !strings.Contains(w.Body.String(), "InternalError") {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}
}
