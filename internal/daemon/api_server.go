package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"acsmconv/internal/api"
	"acsmconv/internal/jobs"
	"acsmconv/internal/library"
	"acsmconv/internal/logging"
	"acsmconv/internal/queue"
	"acsmconv/internal/services"
)

const maxListLimit = 500

type apiServer struct {
	daemon *Daemon
	logger *slog.Logger
}

func newRouter(d *Daemon) http.Handler {
	s := &apiServer{daemon: d, logger: logging.NewComponentLogger(d.logger, "api-server")}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(recoverer(s.logger))
	r.Use(accessLog(s.logger))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.With(uploadLimit(d.cfg.HTTP.UploadsPerMinute)).Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleJobs)
		r.Get("/jobs/{id}", s.handleJob)
		r.Delete("/jobs/{id}", s.handleCancel)
		r.Get("/jobs/{id}/artifact", s.handleArtifact)
		r.Get("/status", s.handleStatus)
		r.Get("/books", s.handleBooks)
		r.Get("/books/covers/{name}", s.handleCover)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{}))
	return r
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	cfg := s.daemon.cfg
	limit := cfg.HTTP.MaxUploadBytes
	if limit > 0 {
		if r.ContentLength > limit {
			s.writeError(w, http.StatusRequestEntityTooLarge, services.KindInvalidRequest,
				"upload larger than "+strconv.FormatInt(limit, 10)+" bytes")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, services.KindInvalidRequest,
				"upload larger than "+strconv.FormatInt(limit, 10)+" bytes")
			return
		}
		s.writeError(w, http.StatusBadRequest, services.KindInvalidRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	name := filepath.Base(header.Filename)
	if !strings.EqualFold(filepath.Ext(name), ".acsm") {
		s.writeError(w, http.StatusBadRequest, services.KindInvalidRequest, "upload must be an .acsm file")
		return
	}
	format := strings.TrimSpace(r.FormValue("format"))
	if format == "" {
		format = cfg.Output.DefaultFormat
	}

	id, err := s.daemon.jobs.SubmitUpload(r.Context(), name, file, format)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.SubmitResponse{JobID: id, Stage: string(queue.StageReceived)})
}

func (s *apiServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var filter queue.Filter
	for _, value := range query["stage"] {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			stage, ok := queue.ParseStage(part)
			if !ok {
				s.writeError(w, http.StatusBadRequest, services.KindInvalidRequest, "unknown stage "+strconv.Quote(part))
				return
			}
			filter.Stages = append(filter.Stages, stage)
		}
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, services.KindInvalidRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = min(limit, maxListLimit)
	}

	results, err := s.daemon.jobs.ListResults(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]api.Job, 0, len(results))
	for _, res := range results {
		items = append(items, api.FromResult(res))
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: items})
}

func (s *apiServer) handleJob(w http.ResponseWriter, r *http.Request) {
	res, err := s.daemon.jobs.Result(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromResult(res))
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.jobs.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rc, name, err := s.daemon.jobs.Open(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer rc.Close()

	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		logging.WarnWithContext(logging.WithContext(services.WithJobID(r.Context(), id), s.logger),
			"artifact download interrupted", "artifact_download_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "job stays undelivered; the client may retry"),
		)
		return
	}
	// The handle must be closed before Deliver may remove the file.
	_ = rc.Close()
	if err := s.daemon.jobs.Deliver(context.WithoutCancel(r.Context()), id); err != nil {
		logging.WarnWithContext(logging.WithContext(services.WithJobID(r.Context(), id), s.logger),
			"failed to record delivery", "delivery_record_failed",
			logging.Error(err),
		)
	}
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.daemon.library.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.BookListResponse{Books: api.FromBooks(books)})
}

func (s *apiServer) handleCover(w http.ResponseWriter, r *http.Request) {
	path, err := s.daemon.library.CoverPath(chi.URLParam(r, "name"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeFile(w, r, path)
}

// writeServiceError maps job service errors onto HTTP statuses. Failed jobs
// carry their stored descriptor so callers see the original kind.
func (s *apiServer) writeServiceError(w http.ResponseWriter, err error) {
	var desc services.ErrorDescriptor
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "", "job not found")
		return
	case errors.Is(err, library.ErrCoverNotFound):
		s.writeError(w, http.StatusNotFound, "", "cover not found")
		return
	case errors.Is(err, jobs.ErrNotReady), errors.Is(err, jobs.ErrNotCancellable):
		s.writeError(w, http.StatusConflict, "", err.Error())
		return
	case errors.Is(err, jobs.ErrArtifactGone):
		s.writeError(w, http.StatusGone, "", err.Error())
		return
	case errors.As(err, &desc):
		s.writeError(w, http.StatusUnprocessableEntity, desc.Kind, desc.Message)
		return
	}

	desc = services.Describe(err)
	status := http.StatusInternalServerError
	switch desc.Kind {
	case services.KindInvalidRequest:
		status = http.StatusBadRequest
	case services.KindPreconditionFailed:
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("request failed",
			logging.String(logging.FieldEventType, "api_request_failed"),
			logging.String(logging.FieldErrorKind, string(desc.Kind)),
			logging.Error(err),
		)
	}
	s.writeError(w, status, desc.Kind, desc.Message)
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, kind services.Kind, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message, Kind: string(kind)})
}

func writeJSON(logger *slog.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode response", logging.Error(err))
	}
}
