package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/batch"
	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// SyncEnqueuer schedules a batch synchronization run.
type SyncEnqueuer interface {
	EnqueueSync(ctx context.Context, batchID string, ratios costing.RestoreRatios) error
}

// BatchReader loads import batch records for status reads.
type BatchReader interface {
	Get(ctx context.Context, id string) (batch.ImportBatch, error)
}

// Handler wires the synchronization HTTP endpoints.
type Handler struct {
	logger   *slog.Logger
	enqueuer SyncEnqueuer
	batches  BatchReader
	defaults costing.RestoreRatios
	validate *validator.Validate
}

// NewHandler constructs the costing handler.
func NewHandler(logger *slog.Logger, enqueuer SyncEnqueuer, batches BatchReader, defaults costing.RestoreRatios) *Handler {
	return &Handler{
		logger:   logger,
		enqueuer: enqueuer,
		batches:  batches,
		defaults: defaults,
		validate: validator.New(),
	}
}

// MountRoutes registers sync batch routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/sync-batches/{batchID}/run", h.handleRun)
	r.Get("/sync-batches/{batchID}", h.handleGet)
}

type runRequest struct {
	ReturnRatio     *int `json:"returnRatio" validate:"omitempty,gte=0,lte=100"`
	CreditRatio     *int `json:"creditRatio" validate:"omitempty,gte=0,lte=100"`
	ChargebackRatio *int `json:"chargebackRatio" validate:"omitempty,gte=0,lte=100"`
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if batchID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "batch id required")
		return
	}

	var req runRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
			return
		}
		if err := h.validate.Struct(req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "ratios must be within 0..100")
			return
		}
	}

	ratios := h.defaults
	if req.ReturnRatio != nil {
		ratios.Return = *req.ReturnRatio
	}
	if req.CreditRatio != nil {
		ratios.Credit = *req.CreditRatio
	}
	if req.ChargebackRatio != nil {
		ratios.Chargeback = *req.ChargebackRatio
	}

	if _, err := h.batches.Get(r.Context(), batchID); err != nil {
		if errors.Is(err, batch.ErrBatchNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "batch not found")
			return
		}
		h.logger.Error("load batch", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	if err := h.enqueuer.EnqueueSync(r.Context(), batchID, ratios); err != nil {
		h.logger.Error("enqueue sync", slog.String("batch_id", batchID), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{
		"batchId": batchID,
		"status":  "queued",
		"ratios":  ratios,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	b, err := h.batches.Get(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		if errors.Is(err, batch.ErrBatchNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "batch not found")
			return
		}
		h.logger.Error("load batch", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"batchId": b.ID,
		"status":  b.Status,
		"stage":   b.Stage,
		"stats":   b.Stats,
	})
}
