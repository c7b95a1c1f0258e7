package valuation

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler wires the snapshot endpoint.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rateLimit func(http.Handler) http.Handler
}

// NewHandler constructs the valuation handler. Snapshot reads are rate
// limited per client IP.
func NewHandler(logger *slog.Logger, service *Service, limit int, window time.Duration) *Handler {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Handler{
		logger:    logger,
		service:   service,
		rateLimit: httprate.LimitByIP(limit, window),
	}
}

// MountRoutes registers valuation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Get("/inventory/snapshot", h.handleSnapshot)
	})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be YYYY-MM-DD")
			return
		}
		// Value the full day: snapshot at end of the requested date.
		asOf = parsed.Add(24*time.Hour - time.Nanosecond)
	}

	snap, err := h.service.InventorySnapshot(r.Context(), asOf)
	if err != nil {
		h.logger.Error("inventory snapshot", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}
