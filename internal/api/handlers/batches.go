// Package handlers exposes the mail merge operations over HTTP for the UI.
package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mailmerge/internal/core"
	"mailmerge/internal/dispatch"
	"mailmerge/internal/types"
)

// BatchService is the subset of *dispatch.Dispatcher used by BatchHandler.
type BatchService interface {
	SubmitBatch(cred dispatch.Credential, msgs []dispatch.Message) error
	Cancel() error
	AllowNextBatch() error
	Results() []dispatch.Result
	Status() dispatch.Status
}

// DefaultMaxBatchSize applies when NewBatchHandler is given a non-positive limit.
const DefaultMaxBatchSize = 5000

type messageRequest struct {
	Recipient string `json:"recipient" validate:"required,email"`
	Subject   string `json:"subject" validate:"single_line"`
	Body      string `json:"body"`
}

type submitBatchRequest struct {
	Messages []messageRequest `json:"messages" validate:"required,min=1,dive"`
}

// BatchView is the body returned by the batch endpoints.
type BatchView struct {
	Status  dispatch.Status   `json:"status"`
	Results []dispatch.Result `json:"results,omitempty"`
}

// BatchHandler drives the dispatcher with the service's sending credential.
type BatchHandler struct {
	service      BatchService
	credential   dispatch.Credential
	maxBatchSize int
	validator    *core.Validator
	logger       *slog.Logger
}

func NewBatchHandler(
	svc BatchService,
	cred dispatch.Credential,
	maxBatchSize int,
	val *core.Validator,
	logger *slog.Logger,
) *BatchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	return &BatchHandler{
		service:      svc,
		credential:   cred,
		maxBatchSize: maxBatchSize,
		validator:    val,
		logger:       logger,
	}
}

// RegisterRoutes mounts the batch endpoints, normally under /v1/batches.
func (h *BatchHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.HandleSubmit)
	r.Get("/current", h.HandleCurrent)
	r.Post("/current/cancel", h.HandleCancel)
	r.Post("/current/release", h.HandleRelease)
}

// HandleSubmit handles POST /v1/batches. An accepted batch answers 202 with
// the initial status; refusals answer 409 with the advisory notice.
func (h *BatchHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if len(req.Messages) > h.maxBatchSize {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationBatchSize,
			fmt.Sprintf("batch size exceeds maximum of %d messages", h.maxBatchSize),
			nil,
		))
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	msgs := make([]dispatch.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = dispatch.Message{Recipient: m.Recipient, Subject: m.Subject, Body: m.Body}
	}

	if err := h.service.SubmitBatch(h.credential, msgs); err != nil {
		h.logger.Info("batch submission refused",
			"error", err.Error(),
			"request_id", types.GetRequestID(r.Context()),
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusAccepted, core.APIResponse{
		Data: BatchView{Status: h.service.Status()},
	})
}

// HandleCurrent handles GET /v1/batches/current. Results are readable while
// the batch is still sending.
func (h *BatchHandler) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: BatchView{
			Status:  h.service.Status(),
			Results: h.service.Results(),
		},
	})
}

// HandleCancel handles POST /v1/batches/current/cancel.
func (h *BatchHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Cancel(); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data:   BatchView{Status: h.service.Status()},
		Notice: dispatch.CancelledNotice,
	})
}

// HandleRelease handles POST /v1/batches/current/release.
func (h *BatchHandler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	if err := h.service.AllowNextBatch(); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: BatchView{Status: h.service.Status()},
	})
}
