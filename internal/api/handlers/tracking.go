package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mailmerge/internal/core"
	"mailmerge/internal/tracking"
)

// TrackingService is the subset of *tracking.Aggregator used by TrackingHandler.
type TrackingService interface {
	CreateLinks(ctx context.Context, ids []string) ([]tracking.TrackingLink, error)
	SetIdentifiers(ids []string) error
	Identifiers() ([]tracking.Identifier, error)
	GetCounts(ctx context.Context) ([]tracking.Count, error)
}

// identifiersRequest carries one identifier per recipient. Empty strings are
// null placeholders and keep their position.
type identifiersRequest struct {
	Identifiers []string `json:"identifiers" validate:"required"`
}

// CountView pairs a working-list position with its hit count.
type CountView struct {
	Identifier string         `json:"identifier"`
	Count      tracking.Count `json:"count"`
}

type TrackingHandler struct {
	service   TrackingService
	validator *core.Validator
	logger    *slog.Logger
}

func NewTrackingHandler(svc TrackingService, val *core.Validator, logger *slog.Logger) *TrackingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrackingHandler{service: svc, validator: val, logger: logger}
}

// RegisterRoutes mounts the tracking endpoints, normally under /v1/tracking.
func (h *TrackingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/links", h.HandleCreateLinks)
	r.Get("/identifiers", h.HandleListIdentifiers)
	r.Put("/identifiers", h.HandleSetIdentifiers)
	r.Get("/counts", h.HandleGetCounts)
}

// HandleCreateLinks handles POST /v1/tracking/links. Per-identifier failures
// come back as fallback links, never as an error status.
func (h *TrackingHandler) HandleCreateLinks(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeIdentifiers(w, r)
	if !ok {
		return
	}

	links, err := h.service.CreateLinks(r.Context(), req.Identifiers)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	fallbacks := 0
	for _, l := range links {
		if l.Fallback {
			fallbacks++
		}
	}
	if fallbacks > 0 {
		h.logger.Warn("tracking links degraded",
			"total", len(links),
			"fallbacks", fallbacks,
		)
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: links})
}

// HandleSetIdentifiers handles PUT /v1/tracking/identifiers.
func (h *TrackingHandler) HandleSetIdentifiers(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeIdentifiers(w, r)
	if !ok {
		return
	}
	if err := h.service.SetIdentifiers(req.Identifiers); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListIdentifiers handles GET /v1/tracking/identifiers.
func (h *TrackingHandler) HandleListIdentifiers(w http.ResponseWriter, r *http.Request) {
	ids, err := h.service.Identifiers()
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ids})
}

// HandleGetCounts handles GET /v1/tracking/counts. A refresh already in
// progress answers 409.
func (h *TrackingHandler) HandleGetCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.GetCounts(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	// Read after the poll so its retirements are visible. A concurrent
	// SetIdentifiers can change the list in between; positions past the end
	// are left without an identifier.
	ids, err := h.service.Identifiers()
	if err != nil {
		core.Error(w, r, err)
		return
	}

	views := make([]CountView, len(counts))
	for i, c := range counts {
		views[i].Count = c
		if i < len(ids) {
			views[i].Identifier = ids[i].ID
		}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: views})
}

func (h *TrackingHandler) decodeIdentifiers(w http.ResponseWriter, r *http.Request) (identifiersRequest, bool) {
	var req identifiersRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return req, false
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return req, false
	}
	return req, true
}
