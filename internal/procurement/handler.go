package procurement

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler wires the goods-receipt endpoint.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs procurement handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receipts", h.handleReceive)
}

type receiveRequest struct {
	OrderID    int64   `json:"orderId"`
	SKU        string  `json:"sku"`
	Qty        int64   `json:"qty"`
	UnitCost   string  `json:"unitCost"`
	LandedCost *string `json:"landedCost"`
	ReceivedAt string  `json:"receivedAt"`
	Note       string  `json:"note"`
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}

	unitCost, err := decimal.NewFromString(req.UnitCost)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unitCost must be a decimal number")
		return
	}
	input := ReceiveInput{
		OrderID:  req.OrderID,
		SKU:      req.SKU,
		Qty:      req.Qty,
		UnitCost: unitCost,
		Note:     req.Note,
	}
	if req.LandedCost != nil {
		landed, err := decimal.NewFromString(*req.LandedCost)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "landedCost must be a decimal number")
			return
		}
		input.LandedCost = decimal.NewNullDecimal(landed)
	}
	if req.ReceivedAt != "" {
		at, err := time.Parse(time.RFC3339, req.ReceivedAt)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "receivedAt must be RFC3339")
			return
		}
		input.ReceivedAt = at
	}

	layerID, err := h.service.PostReceive(r.Context(), input)
	if err != nil {
		if !errors.Is(err, httpx.ErrValidation) {
			h.logger.Error("post receive", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"layerId": layerID})
}
