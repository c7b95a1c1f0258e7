package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/batch"
	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/observability"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// BatchStore is the subset of the batch repository the sync job needs.
type BatchStore interface {
	Get(ctx context.Context, id string) (batch.ImportBatch, error)
	Events(ctx context.Context, id string) ([]costing.SourceSalesEvent, error)
	MarkRunning(ctx context.Context, id, stage string) error
	MarkDone(ctx context.Context, id, stage string, stats costing.SyncStats) error
	MarkFailed(ctx context.Context, id, stage string) error
}

// AuditPort records batch runs.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Invalidator drops cached valuation results after layer mutations.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// SyncHandler executes FIFO sync tasks against the engine and reports
// the outcome into the batch record.
type SyncHandler struct {
	engine  *costing.Engine
	batches BatchStore
	audit   AuditPort
	metrics *observability.Metrics
	cache   Invalidator
	logger  *slog.Logger
}

// NewSyncHandler constructs SyncHandler. Audit, metrics and cache are
// optional.
func NewSyncHandler(engine *costing.Engine, batches BatchStore, audit AuditPort, metrics *observability.Metrics, cache Invalidator, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncHandler{engine: engine, batches: batches, audit: audit, metrics: metrics, cache: cache, logger: logger}
}

// HandleFifoSyncTask processes TaskFifoSync tasks. A missing batch or an
// unresolvable date range is a terminal "done" with zero counts and an
// explanatory stage, never a retry loop. Retries after partial runs are
// safe: already-processed events skip on their ref keys.
func (h *SyncHandler) HandleFifoSyncTask(ctx context.Context, t *asynq.Task) error {
	var payload FifoSyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	b, err := h.batches.Get(ctx, payload.BatchID)
	if err != nil {
		if errors.Is(err, batch.ErrBatchNotFound) {
			h.logger.Warn("sync batch not found", slog.String("batch_id", payload.BatchID))
			h.recordBatch("not_found")
			return asynq.SkipRetry
		}
		return err
	}
	if !b.HasDateRange() {
		h.recordBatch("done")
		return h.batches.MarkDone(ctx, b.ID, "no date range resolvable, nothing processed", costing.SyncStats{})
	}

	if err := h.batches.MarkRunning(ctx, b.ID, "synchronizing cost layers"); err != nil {
		return err
	}

	events, err := h.batches.Events(ctx, b.ID)
	if err != nil {
		_ = h.batches.MarkFailed(ctx, b.ID, fmt.Sprintf("loading events: %v", err))
		h.recordBatch("failed")
		return err
	}

	stats, err := h.engine.SyncBatch(ctx, events, payload.Ratios)
	if err != nil {
		_ = h.batches.MarkFailed(ctx, b.ID, fmt.Sprintf("sync aborted: %v", err))
		h.recordBatch("failed")
		return asynq.SkipRetry
	}

	stage := fmt.Sprintf("processed %d events: %d out, %d restored, %d skipped",
		len(events), stats.OutCount, stats.ReturnCount, stats.SkippedCount)
	if err := h.batches.MarkDone(ctx, b.ID, stage, stats); err != nil {
		return err
	}

	h.recordBatch("done")
	if h.metrics != nil {
		h.metrics.ObserveSync(stats)
	}
	if h.cache != nil {
		if err := h.cache.Bump(ctx); err != nil {
			h.logger.Warn("cache invalidation failed", slog.Any("error", err))
		}
	}
	if h.audit != nil {
		_ = h.audit.Record(ctx, shared.AuditLog{
			Action:   "costing:fifo_sync",
			Entity:   "import_batch",
			EntityID: b.ID,
			Meta: map[string]any{
				"out_count":     stats.OutCount,
				"return_count":  stats.ReturnCount,
				"skipped_count": stats.SkippedCount,
				"error_count":   len(stats.Errors),
			},
		})
	}
	h.logger.Info("fifo sync finished",
		slog.String("batch_id", b.ID),
		slog.Int64("out", stats.OutCount),
		slog.Int64("restored", stats.ReturnCount),
		slog.Int64("skipped", stats.SkippedCount),
		slog.Int("errors", len(stats.Errors)),
	)
	return nil
}

func (h *SyncHandler) recordBatch(status string) {
	if h.metrics != nil {
		h.metrics.IncSyncBatch(status)
	}
}
