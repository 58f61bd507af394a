package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/5-logic/the-sync-cache/internal/cache"
	"github.com/5-logic/the-sync-cache/internal/domain"
	"github.com/5-logic/the-sync-cache/internal/middleware"
	"github.com/5-logic/the-sync-cache/internal/usecases"
)

const maxPatchBytes = 1 << 20

// CollectionHandler handles HTTP requests for collections and their caches
type CollectionHandler struct {
	usecase  *usecases.CollectionUsecase
	registry *cache.Registry
	logger   *zap.Logger
}

// NewCollectionHandler creates a new collection handler
func NewCollectionHandler(usecase *usecases.CollectionUsecase, registry *cache.Registry, logger *zap.Logger) *CollectionHandler {
	return &CollectionHandler{
		usecase:  usecase,
		registry: registry,
		logger:   logger,
	}
}

// Register mounts the collection and cache routes on r
func (h *CollectionHandler) Register(r chi.Router) {
	r.Route("/collections/{resource}", func(r chi.Router) {
		r.Get("/", h.ListCollection)     // GET /collections/{resource}
		r.Put("/filter", h.SetFilter)    // PUT /collections/{resource}/filter
		r.Post("/refresh", h.Refresh)    // POST /collections/{resource}/refresh
		r.Patch("/{id}", h.ToggleRecord) // PATCH /collections/{resource}/{id}
	})
	r.Route("/caches", func(r chi.Router) {
		r.Get("/", h.ListCaches)               // GET /caches
		r.Get("/{name}/stats", h.CacheStats)   // GET /caches/{name}/stats
		r.Delete("/{name}", h.InvalidateCache) // DELETE /caches/{name}
	})
}

// ListCollection handles GET /collections/{resource}
func (h *CollectionHandler) ListCollection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	resource := chi.URLParam(r, "resource")

	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "force must be a boolean", requestID)
			return
		}
		force = parsed
	}

	view, err := h.usecase.List(ctx, resource, force)
	if err != nil {
		h.logger.Error("failed to list collection",
			zap.String("request_id", requestID),
			zap.String("resource", resource),
			zap.Error(err),
		)
		h.respondError(w, upstreamStatus(err), "failed to load collection", requestID)
		return
	}

	h.respondJSON(w, http.StatusOK, domain.Envelope{Success: true, Data: view}, requestID)
}

// SetFilter handles PUT /collections/{resource}/filter
func (h *CollectionHandler) SetFilter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	resource := chi.URLParam(r, "resource")

	var filter usecases.Filter
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPatchBytes)).Decode(&filter); err != nil {
		h.logger.Warn("failed to decode filter",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		h.respondError(w, http.StatusBadRequest, "invalid request body", requestID)
		return
	}

	view, err := h.usecase.SetFilter(ctx, resource, filter)
	if err != nil {
		h.logger.Error("failed to apply filter",
			zap.String("request_id", requestID),
			zap.String("resource", resource),
			zap.Error(err),
		)
		h.respondError(w, upstreamStatus(err), "failed to load collection", requestID)
		return
	}

	h.respondJSON(w, http.StatusOK, domain.Envelope{Success: true, Data: view}, requestID)
}

// Refresh handles POST /collections/{resource}/refresh
func (h *CollectionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	resource := chi.URLParam(r, "resource")

	view, err := h.usecase.Refresh(ctx, resource)
	if err != nil {
		h.logger.Error("failed to refresh collection",
			zap.String("request_id", requestID),
			zap.String("resource", resource),
			zap.Error(err),
		)
		h.respondError(w, upstreamStatus(err), "failed to refresh collection", requestID)
		return
	}

	h.respondJSON(w, http.StatusOK, domain.Envelope{Success: true, Data: view}, requestID)
}

// ToggleRecord handles PATCH /collections/{resource}/{id}.
// The response is written once the change is confirmed, rolled back or
// superseded by a newer request for the same record.
func (h *CollectionHandler) ToggleRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	resource := chi.URLParam(r, "resource")
	id := chi.URLParam(r, "id")

	var patch domain.Patch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPatchBytes)).Decode(&patch); err != nil {
		h.logger.Warn("failed to decode patch",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		h.respondError(w, http.StatusBadRequest, "invalid request body", requestID)
		return
	}
	if len(patch) == 0 {
		h.respondError(w, http.StatusBadRequest, "patch must not be empty", requestID)
		return
	}
	if _, ok := patch[domain.IDField]; ok {
		h.respondError(w, http.StatusBadRequest, "patch must not change the record id", requestID)
		return
	}

	ok, err := h.usecase.Toggle(ctx, resource, id, patch)
	if err != nil {
		h.logger.Error("failed to toggle record",
			zap.String("request_id", requestID),
			zap.String("resource", resource),
			zap.String("id", id),
			zap.Error(err),
		)
		h.respondError(w, upstreamStatus(err), "failed to apply change", requestID)
		return
	}
	if !ok {
		h.respondJSON(w, http.StatusConflict, domain.Envelope{
			Success: false,
			Error:   "change rejected by upstream and rolled back",
		}, requestID)
		return
	}

	h.respondJSON(w, http.StatusOK, domain.Envelope{Success: true}, requestID)
}

// ListCaches handles GET /caches
func (h *CollectionHandler) ListCaches(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	h.respondJSON(w, http.StatusOK, domain.Envelope{Success: true, Data: h.registry.Names()}, requestID)
}

// CacheStats handles GET /caches/{name}/stats
func (h *CollectionHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	name := chi.URLParam(r, "name")

	stats, ok := h.registry.Stats(name)
	if !ok {
		h.respondError(w, http.StatusNotFound, "cache not found", requestID)
		return
	}

	h.respondJSON(w, http.StatusOK, domain.Envelope{Success: true, Data: stats}, requestID)
}

// InvalidateCache handles DELETE /caches/{name}
func (h *CollectionHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	name := chi.URLParam(r, "name")

	if h.registry.Cache(name) == nil {
		h.respondError(w, http.StatusNotFound, "cache not found", requestID)
		return
	}
	h.usecase.Invalidate(name)

	h.logger.Info("cache invalidated",
		zap.String("request_id", requestID),
		zap.String("cache", name),
	)
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusNoContent)
}

// upstreamStatus maps a usecase error to an HTTP status
func upstreamStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// respondJSON sends a JSON response
func (h *CollectionHandler) respondJSON(w http.ResponseWriter, status int, data interface{}, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
}

// respondError sends an error response
func (h *CollectionHandler) respondError(w http.ResponseWriter, status int, message, requestID string) {
	h.respondJSON(w, status, map[string]interface{}{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	}, requestID)
}
