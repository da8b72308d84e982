package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/foundry/repos/internal/core/models"
	"github.com/foundry/repos/internal/core/services"
	"github.com/foundry/repos/internal/util/logging"
)

const defaultContentType = "application/octet-stream"

// Handler holds all HTTP handlers and their dependencies.
type Handler struct {
	repo   *services.Repository
	auth   services.Authenticator
	basic  services.CredentialChecker
	logger zerolog.Logger
}

// New creates a new Handler. auth guards admin routes, basic guards reads.
func New(repo *services.Repository, auth services.Authenticator, basic services.CredentialChecker, logger zerolog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		auth:   auth,
		basic:  basic,
		logger: logger,
	}
}

// Router returns the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requestIDMiddleware)
	r.Use(h.loggingMiddleware)

	// The artifact key is the credential.
	r.Get("/artifacts/{key}", h.RetrieveByKey)

	r.Group(func(r chi.Router) {
		r.Use(h.basicAuthMiddleware)
		r.Get("/packages", h.ListPackages)
		r.Get("/packages/{name}", h.Retrieve)
		r.Get("/packages/{name}/info", h.Info)
		r.Get("/packages/{name}/artifacts", h.ListArtifacts)
		r.Get("/identifiers/{identifier}", h.RetrieveByIdentifier)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.adminMiddleware)
		r.Post("/packages", h.Publish)
		r.Delete("/packages/{name}", h.DeletePackage)
		r.Delete("/packages/{name}/artifacts", h.DeleteArtifact)
		r.Post("/artifacts/{key}/tags", h.AddTag)
		r.Delete("/artifacts/{key}/tags/{tag}", h.RemoveTag)
		r.Put("/artifacts/{key}/branch", h.SetBranch)
		r.Post("/artifacts/{key}/sync-timestamp", h.SyncTimestamp)
		r.Get("/compress", h.Compress)
		r.Post("/expand", h.Expand)
		r.Post("/gc", h.GarbageCollect)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// requestIDMiddleware adds a unique request ID to each request.
func (h *Handler) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ctx := logging.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each request.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logging.LogRequest(h.logger, r.Context(), r.Method, r.URL.Path, rw.status, rw.written, time.Since(start))
	})
}

// adminMiddleware validates the bearer token.
func (h *Handler) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or invalid authorization header")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if !h.auth.ValidateToken(token) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// basicAuthMiddleware enforces the configured read credentials, if any.
func (h *Handler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.basic.Enabled() {
			user, pass, ok := r.BasicAuth()
			if !ok || !h.basic.Check(user, pass) {
				w.Header().Set("WWW-Authenticate", `Basic realm="default"`)
				writeError(w, http.StatusUnauthorized, "authentication failed")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Publish handles POST /packages
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, err := publishRequest(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	published, err := h.repo.Publish(req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.logger.Info().
		Str("request_id", logging.RequestID(r.Context())).
		Str("package", published.Artifact.Package).
		Str("version", published.Artifact.Version).
		Int64("size", published.Artifact.Size).
		Dur("publish_latency", time.Since(start)).
		Msg("publish completed")

	writeJSON(w, http.StatusOK, models.PublishResponse{
		Key:         published.Artifact.Key,
		Package:     published.Artifact.Package,
		Version:     published.Artifact.Version,
		FileName:    published.FileName(),
		ContentType: published.Artifact.ContentType,
	})
}

// Retrieve handles GET /packages/{name}
func (h *Handler) Retrieve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.retrieve(w, r, services.RetrieveQuery{
		Name:    chi.URLParam(r, "name"),
		Version: q.Get("version"),
		Branch:  q.Get("branch"),
		Tag:     q.Get("tag"),
	})
}

// RetrieveByIdentifier handles GET /identifiers/{identifier}
func (h *Handler) RetrieveByIdentifier(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.retrieve(w, r, services.RetrieveQuery{
		Identifier: chi.URLParam(r, "identifier"),
		Version:    q.Get("version"),
		Branch:     q.Get("branch"),
		Tag:        q.Get("tag"),
	})
}

// RetrieveByKey handles GET /artifacts/{key}
func (h *Handler) RetrieveByKey(w http.ResponseWriter, r *http.Request) {
	h.retrieve(w, r, services.RetrieveQuery{
		Key: chi.URLParam(r, "key"),
		Tag: r.URL.Query().Get("tag"),
	})
}

func (h *Handler) retrieve(w http.ResponseWriter, r *http.Request, query services.RetrieveQuery) {
	payload, err := h.repo.Retrieve(query)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if payload.IsRemote() {
		http.Redirect(w, r, payload.URL, http.StatusFound)
		return
	}

	contentType := payload.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(payload.Data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": payload.FileName}))
	if payload.Artifact.Digest != "" {
		w.Header().Set("X-Artifact-Digest", payload.Artifact.Digest)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload.Data); err != nil {
		h.logger.Error().
			Err(err).
			Str("request_id", logging.RequestID(r.Context())).
			Str("package", payload.Artifact.Package).
			Str("version", payload.Artifact.Version).
			Msg("writing artifact response")
	}
}

// Info handles GET /packages/{name}/info
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	info, err := h.repo.Info(chi.URLParam(r, "name"), r.URL.Query().Get("version"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ListPackages handles GET /packages
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	query, err := packageQuery(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	pkgs, err := h.repo.ListPackages(query)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if pkgs == nil {
		pkgs = []models.Package{}
	}
	writeJSON(w, http.StatusOK, pkgs)
}

// artifactView keeps an empty but requested info map in the output while
// still omitting info entirely when nothing was requested.
type artifactView struct {
	models.Artifact
	Info *map[string]any `json:"info,omitempty"`
}

// ListArtifacts handles GET /packages/{name}/artifacts
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := pageParams(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	q := r.URL.Query()
	var fields []string
	for _, f := range strings.Split(q.Get("expand_info"), ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}

	artifacts, err := h.repo.ListArtifacts(models.ArtifactFilter{
		Package: chi.URLParam(r, "name"),
		Version: q.Get("version"),
		Branch:  q.Get("branch"),
		Skip:    skip,
		Limit:   limit,
	}, fields)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	views := make([]artifactView, 0, len(artifacts))
	for _, a := range artifacts {
		v := artifactView{Artifact: a}
		if a.Info != nil {
			info := a.Info
			v.Info = &info
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// DeletePackage handles DELETE /packages/{name}
func (h *Handler) DeletePackage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := h.repo.GetPackage(name); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	removed, err := h.repo.DeletePackage(name)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "artifacts": removed})
}

// DeleteArtifact handles DELETE /packages/{name}/artifacts
func (h *Handler) DeleteArtifact(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	artifact, err := h.repo.DeleteArtifact(models.ArtifactFilter{
		Package: chi.URLParam(r, "name"),
		Version: q.Get("version"),
		Branch:  q.Get("branch"),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// AddTag handles POST /artifacts/{key}/tags
func (h *Handler) AddTag(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	artifact, err := h.repo.AddTag(chi.URLParam(r, "key"), strings.TrimSpace(r.FormValue("tag")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// RemoveTag handles DELETE /artifacts/{key}/tags/{tag}
func (h *Handler) RemoveTag(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.repo.RemoveTag(chi.URLParam(r, "key"), chi.URLParam(r, "tag"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// SetBranch handles PUT /artifacts/{key}/branch
func (h *Handler) SetBranch(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	artifact, err := h.repo.SetBranch(chi.URLParam(r, "key"), strings.TrimSpace(r.FormValue("branch")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// SyncTimestamp handles POST /artifacts/{key}/sync-timestamp
func (h *Handler) SyncTimestamp(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.repo.SyncTimestamp(chi.URLParam(r, "key"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// Compress handles GET /compress
func (h *Handler) Compress(w http.ResponseWriter, r *http.Request) {
	path, err := h.repo.Archive()
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("opening archive: %w", err))
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("stating archive: %w", err))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Length", strconv.FormatInt(stat.Size(), 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": "repo.zip"}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		h.logger.Error().
			Err(err).
			Str("request_id", logging.RequestID(r.Context())).
			Msg("streaming archive response")
	}
}

// Expand handles POST /expand
func (h *Handler) Expand(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	wipe, err := formBool(r, "empty", false)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("%w: file is required", services.ErrValidation))
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "repos-expand-*.zip")
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("creating temp file: %w", err))
		return
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, file)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("buffering archive: %w", err))
		return
	}

	if err := h.repo.Restore(tmp.Name(), wipe); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "expanded"})
}

// GarbageCollect handles POST /gc
func (h *Handler) GarbageCollect(w http.ResponseWriter, r *http.Request) {
	result, err := h.repo.GarbageCollect()
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, services.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrDuplicateArtifact), errors.Is(err, services.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrEmptyPayload):
		h.logger.Error().Err(err).Str("request_id", logging.RequestID(r.Context())).Msg("empty payload")
		writeError(w, http.StatusInternalServerError, services.ErrEmptyPayload.Error())
	default:
		h.logger.Error().Err(err).Str("request_id", logging.RequestID(r.Context())).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: msg,
	})
}

// responseWriter wraps http.ResponseWriter to capture status and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}
