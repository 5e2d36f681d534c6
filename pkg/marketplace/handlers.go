package marketplace

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plughub/pkg/contextkeys"
	"github.com/platinummonkey/plughub/pkg/httputil"
)

// Listing defaults applied when query parameters are absent
const (
	DefaultOrderBy = string(SortByDate)
	DefaultPage    = 1
	DefaultPerPage = 10
)

// Handlers provides HTTP handlers for the marketplace API
type Handlers struct {
	service        *Service
	logger         logrus.FieldLogger
	defaultPerPage int
	defaultOrderBy string
}

// NewHandlers creates new marketplace handlers
func NewHandlers(service *Service, logger logrus.FieldLogger) *Handlers {
	return &Handlers{
		service:        service,
		logger:         logger,
		defaultPerPage: DefaultPerPage,
		defaultOrderBy: DefaultOrderBy,
	}
}

// WithDefaultPerPage overrides the page size used when perPage is absent
func (h *Handlers) WithDefaultPerPage(perPage int) *Handlers {
	if perPage > 0 {
		h.defaultPerPage = perPage
	}
	return h
}

// WithDefaultOrderBy overrides the sort key used when orderBy is absent
func (h *Handlers) WithDefaultOrderBy(key string) *Handlers {
	if key != "" {
		h.defaultOrderBy = key
	}
	return h
}

// RegisterRoutes registers all marketplace routes. requireActor guards routes that
// need an authenticated actor, requireAdmin guards the moderation routes.
func (h *Handlers) RegisterRoutes(r *mux.Router, requireActor, requireAdmin mux.MiddlewareFunc) {
	// Public discovery
	r.HandleFunc("/api/extensions", h.FindAll).Methods("GET")
	r.HandleFunc("/api/extensions/featured", h.FindFeatured).Methods("GET")
	r.HandleFunc("/api/extensions/{id:[0-9]+}", h.FindByID).Methods("GET")
	r.HandleFunc("/api/extensions/{id:[0-9]+}/download", h.IncreaseDownloadCount).Methods("POST")
	r.HandleFunc("/api/extensions/{id:[0-9]+}/artifact", h.DownloadArtifact).Methods("GET")

	// Owner operations (authenticated)
	owner := r.PathPrefix("/api/extensions").Subrouter()
	owner.Use(requireActor)
	owner.HandleFunc("", h.Create).Methods("POST")
	owner.HandleFunc("/{id:[0-9]+}", h.Update).Methods("PUT")
	owner.HandleFunc("/{id:[0-9]+}", h.Delete).Methods("DELETE")
	owner.HandleFunc("/{id:[0-9]+}/artifact", h.UploadArtifact).Methods("PUT")

	// Moderation (admin)
	admin := r.PathPrefix("/api/admin/extensions").Subrouter()
	admin.Use(requireActor, requireAdmin)
	admin.HandleFunc("/pending", h.FindPending).Methods("GET")
	admin.HandleFunc("/{id:[0-9]+}/status/{state}", h.SetPublishedState).Methods("PATCH")
	admin.HandleFunc("/{id:[0-9]+}/featured/{state}", h.SetFeaturedState).Methods("PATCH")
	admin.HandleFunc("/{id:[0-9]+}/metadata", h.FetchMetadata).Methods("POST")
}

// FindAll handles GET /api/extensions
func (h *Handlers) FindAll(w http.ResponseWriter, r *http.Request) {
	page, err := httputil.ParseQueryInt(r, "page", DefaultPage)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	perPage, err := httputil.ParseQueryInt(r, "perPage", h.defaultPerPage)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.service.FindAll(r.Context(),
		r.URL.Query().Get("name"),
		httputil.ParseQueryString(r, "orderBy", h.defaultOrderBy),
		page, perPage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// FindFeatured handles GET /api/extensions/featured
func (h *Handlers) FindFeatured(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.FindFeatured(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, views)
}

// FindByID handles GET /api/extensions/{id}
func (h *Handlers) FindByID(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	view, err := h.service.FindByID(r.Context(), id, RequesterFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

// IncreaseDownloadCount handles POST /api/extensions/{id}/download
func (h *Handlers) IncreaseDownloadCount(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	view, err := h.service.IncreaseDownloadCount(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

// DownloadArtifact handles GET /api/extensions/{id}/artifact
func (h *Handlers) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	view, artifact, body, err := h.service.DownloadArtifact(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer body.Close()

	contentType := artifact.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if artifact.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(artifact.SizeBytes, 10))
	}
	if artifact.Checksum != "" {
		w.Header().Set("X-Checksum-Sha256", artifact.Checksum)
	}
	w.Header().Set("X-Times-Downloaded", strconv.FormatInt(view.TimesDownloaded, 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		h.requestLogger(r).WithError(err).Warn("extension package transfer interrupted")
	}
}

// Create handles POST /api/extensions
func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var spec ExtensionSpec
	if !httputil.ParseJSONOrError(w, r, &spec) {
		return
	}

	view, err := h.service.Create(r.Context(), spec, actor.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, view)
}

// Update handles PUT /api/extensions/{id}
func (h *Handlers) Update(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var spec ExtensionSpec
	if !httputil.ParseJSONOrError(w, r, &spec) {
		return
	}

	view, err := h.service.Update(r.Context(), id, spec, actor.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

// Delete handles DELETE /api/extensions/{id}
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), id, actor.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// UploadArtifact handles PUT /api/extensions/{id}/artifact. The request body is the package.
func (h *Handlers) UploadArtifact(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	view, err := h.service.UploadArtifact(r.Context(), id, actor.ID, r.Body, contentType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

// FindPending handles GET /api/admin/extensions/pending
func (h *Handlers) FindPending(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.FindPending(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, views)
}

// SetPublishedState handles PATCH /api/admin/extensions/{id}/status/{state}
func (h *Handlers) SetPublishedState(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.SetPublishedState)
}

// SetFeaturedState handles PATCH /api/admin/extensions/{id}/featured/{state}
func (h *Handlers) SetFeaturedState(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.SetFeaturedState)
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id int64, command string) (ExtensionView, error)) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	state, err := httputil.ParsePathString(r, "state")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	view, err := apply(r.Context(), id, state)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

// FetchMetadata handles POST /api/admin/extensions/{id}/metadata
func (h *Handlers) FetchMetadata(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	view, err := h.service.FetchMetadata(r.Context(), id, actor.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

// requireActor returns the authenticated actor. Route middleware normally rejects
// anonymous requests first; this covers handlers mounted without it.
func (h *Handlers) requireActor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	actor, ok := RequesterFromContext(r.Context()).Actor()
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return Actor{}, false
	}
	return actor, true
}

// StatusCode maps an error kind to its HTTP status
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrUnavailable):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidParameter):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.requestLogger(r).WithError(err).Error("request failed")
		message = "internal server error"
	}
	httputil.WriteCodedError(w, status, ErrorCode(err), message)
}

func (h *Handlers) requestLogger(r *http.Request) logrus.FieldLogger {
	if l, ok := r.Context().Value(contextkeys.LoggerKey).(logrus.FieldLogger); ok {
		return l
	}
	return h.logger.WithField("request_id", contextkeys.GetRequestID(r.Context()))
}
