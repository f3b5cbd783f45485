package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jo-hoe/mediagen/internal/backend"
	"github.com/jo-hoe/mediagen/internal/common"
	"github.com/jo-hoe/mediagen/internal/config"
	"github.com/jo-hoe/mediagen/internal/jobs"
	"github.com/jo-hoe/mediagen/internal/processor"
	"github.com/jo-hoe/mediagen/internal/storage"
)

type Service struct {
	Log          *slog.Logger
	Cfg          *config.Config
	Store        jobs.Store
	Orchestrator *processor.Orchestrator
	Uploader     *storage.Uploader
	Cache        *storage.MediaCache
	Backends     *backend.Registry
	Catalog      *backend.Catalog
	Identity     backend.Identity
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	if svc.Log == nil {
		svc.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Get(common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(svc.requireAPIKey)

		r.Route(common.PathGenerations, func(r chi.Router) {
			r.With(svc.limitBody).Post("/", svc.handleCreate)
			r.Get("/", svc.handleList)
			r.Get("/{id}", svc.handleGet)
			r.Delete("/{id}", svc.handleDelete)
			r.Post("/{id}/cancel", svc.handleCancel)
			r.Get("/{id}/media", svc.handleMedia)
		})

		r.Get(common.PathCache, svc.handleCacheSize)
		r.Delete(common.PathCache, svc.handleCacheClear)

		r.Get(common.PathBackends, svc.handleBackends)
		r.Get(common.PathBackends+"/{name}/templates", svc.handleTemplates)
		r.Get(common.PathBackends+"/{name}/quota", svc.handleQuota)
	})

	return &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(r, svc.Log), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
}

func (svc *Service) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (svc *Service) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if max := safeInt64(svc.Cfg.Server.MaxUploadSize); max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	})
}

type createRequest struct {
	Backend    string `json:"backend"`
	InputKind  string `json:"inputKind"`
	TemplateID string `json:"templateId"`
	Prompt     string `json:"prompt"`
}

type createResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

func (svc *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	in, status, err := svc.parseCreate(r)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	h, err := svc.Orchestrator.Submit(r.Context(), in)
	if err != nil {
		svc.Log.Warn("submit rejected", "backend", in.Backend, "err", err)
		writeError(w, submitErrorStatus(err), err.Error())
		return
	}

	prefer := strings.ToLower(strings.TrimSpace(r.Header.Get(common.HeaderPrefer)))
	if strings.Contains(prefer, common.PreferWait) {
		ctx := r.Context()
		if d := svc.Cfg.Server.WaitTimeout; d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		job, err := h.Wait(ctx)
		if err == nil {
			writeJSON(w, http.StatusOK, job)
			return
		}
		svc.Log.Info("wait ended before job finished", "job_id", h.ID(), "err", err)
	}

	writeJSON(w, http.StatusAccepted, createResponse{
		JobID:     h.ID(),
		StatusURL: path.Join(common.PathGenerations, h.ID()),
	})
}

// parseCreate reads a multipart or JSON request into an orchestrator input.
func (svc *Service) parseCreate(r *http.Request) (processor.Input, int, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get(common.HeaderContentType))
	if mediaType == common.ContentTypeJSON {
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return processor.Input{}, http.StatusBadRequest, errors.New("invalid json body")
		}
		return processor.Input{
			Backend:    strings.TrimSpace(req.Backend),
			InputKind:  jobs.InputKind(strings.TrimSpace(req.InputKind)),
			TemplateID: req.TemplateID,
			Prompt:     req.Prompt,
		}, 0, nil
	}

	if err := r.ParseMultipartForm(safeInt64(svc.Cfg.Server.MaxUploadSize)); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return processor.Input{}, http.StatusRequestEntityTooLarge, storage.ErrTooLarge
		}
		return processor.Input{}, http.StatusBadRequest, errors.New("invalid form: " + err.Error())
	}
	in := processor.Input{
		Backend:    strings.TrimSpace(r.FormValue("backend")),
		InputKind:  jobs.InputKind(strings.TrimSpace(r.FormValue("inputKind"))),
		TemplateID: r.FormValue("templateId"),
		Prompt:     r.FormValue("prompt"),
	}
	if files := r.MultipartForm.File["image"]; len(files) > 0 {
		img, err := svc.Uploader.ReadMultipartImage(files[0], safeInt64(svc.Cfg.Server.MaxUploadSize))
		if errors.Is(err, storage.ErrTooLarge) {
			return processor.Input{}, http.StatusRequestEntityTooLarge, err
		}
		if err != nil {
			return processor.Input{}, http.StatusBadRequest, errors.New("upload failed: " + err.Error())
		}
		in.Image = img
	}
	return in, 0, nil
}

func submitErrorStatus(err error) int {
	switch {
	case errors.Is(err, processor.ErrUnknownBackend),
		errors.Is(err, processor.ErrInvalidInput),
		errors.Is(err, backend.ErrUnsupportedInput):
		return http.StatusBadRequest
	case errors.Is(err, processor.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (svc *Service) handleList(w http.ResponseWriter, r *http.Request) {
	all := svc.Store.All()
	if all == nil {
		all = []jobs.GenerationJob{}
	}
	writeJSON(w, http.StatusOK, all)
}

func (svc *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := svc.Store.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (svc *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !svc.Orchestrator.Remove(id) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	svc.Log.Info("job removed", "job_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (svc *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := svc.Store.Get(id); !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !svc.Orchestrator.CancelJob(id) {
		writeError(w, http.StatusConflict, "job is not being polled")
		return
	}
	svc.Log.Info("polling cancelled by request", "job_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (svc *Service) handleMedia(w http.ResponseWriter, r *http.Request) {
	job, ok := svc.Store.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if job.Status != jobs.StatusFinished || job.ResultURL == nil {
		writeError(w, http.StatusConflict, "job has no result yet")
		return
	}
	p, err := svc.Cache.FetchAndCache(r.Context(), *job.ResultURL)
	if err != nil {
		svc.Log.Warn("media fetch failed", "job_id", job.ID, "err", err)
		writeError(w, http.StatusBadGateway, "media unavailable")
		return
	}
	http.ServeFile(w, r, p)
}

type cacheSize struct {
	Bytes int64  `json:"bytes"`
	Human string `json:"human"`
}

func (svc *Service) handleCacheSize(w http.ResponseWriter, r *http.Request) {
	n, err := svc.Cache.SizeInBytes()
	if err != nil {
		svc.Log.Warn("cache size failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	human, _ := svc.Cache.SizeString()
	writeJSON(w, http.StatusOK, cacheSize{Bytes: n, Human: human})
}

func (svc *Service) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := svc.Cache.Clear(); err != nil {
		svc.Log.Warn("cache clear failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type backendOut struct {
	Name string    `json:"name"`
	Kind jobs.Kind `json:"kind"`
}

func (svc *Service) handleBackends(w http.ResponseWriter, r *http.Request) {
	out := []backendOut{}
	for _, name := range svc.Backends.Names() {
		a, _ := svc.Backends.Get(name)
		out = append(out, backendOut{Name: name, Kind: a.Kind()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (svc *Service) handleTemplates(w http.ResponseWriter, r *http.Request) {
	a, ok := svc.Backends.Get(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown backend")
		return
	}
	data, err := svc.Catalog.Templates(r.Context(), a, svc.Identity)
	if err != nil {
		writeBackendError(w, svc.Log, err)
		return
	}
	w.Header().Set(common.HeaderContentType, common.ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type quotaOut struct {
	Backend              string `json:"backend"`
	AvailableGenerations int    `json:"availableGenerations"`
}

func (svc *Service) handleQuota(w http.ResponseWriter, r *http.Request) {
	a, ok := svc.Backends.Get(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown backend")
		return
	}
	q, ok := a.(backend.QuotaReporter)
	if !ok {
		writeError(w, http.StatusNotFound, "backend does not report quota")
		return
	}
	n, err := q.AvailableGenerations(r.Context(), svc.Identity)
	if err != nil {
		writeBackendError(w, svc.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaOut{Backend: a.Name(), AvailableGenerations: n})
}

func writeBackendError(w http.ResponseWriter, log *slog.Logger, err error) {
	var be *backend.BackendError
	switch {
	case errors.Is(err, backend.ErrNoCatalog):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &be):
		writeError(w, http.StatusBadGateway, be.Message)
	default:
		log.Warn("backend request failed", "err", err)
		writeError(w, http.StatusBadGateway, "backend unavailable")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(common.HeaderContentType, common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic in handler", "panic", rec, "path", r.URL.Path)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
