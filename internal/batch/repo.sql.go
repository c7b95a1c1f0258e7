package batch

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/costing"
)

// Repository persists import batch records and reads staged events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get loads one batch record.
func (r *Repository) Get(ctx context.Context, id string) (ImportBatch, error) {
	var b ImportBatch
	err := r.pool.QueryRow(ctx, `SELECT id, range_from, range_to, status, stage,
COALESCE(out_count, 0), COALESCE(return_count, 0), COALESCE(skipped_count, 0), COALESCE(errors, '{}'),
created_at, updated_at
FROM import_batches WHERE id=$1`, id).
		Scan(&b.ID, &b.RangeFrom, &b.RangeTo, &b.Status, &b.Stage,
			&b.Stats.OutCount, &b.Stats.ReturnCount, &b.Stats.SkippedCount, &b.Stats.Errors,
			&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ImportBatch{}, ErrBatchNotFound
		}
		return ImportBatch{}, err
	}
	return b, nil
}

// Events reads the cleaned events staged for a batch, ordered by
// occurrence time.
func (r *Repository) Events(ctx context.Context, id string) ([]costing.SourceSalesEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT seller, order_number, item_id, action, sku, effective_qty, occurred_at
FROM import_batch_events WHERE batch_id=$1 ORDER BY occurred_at ASC, id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []costing.SourceSalesEvent
	for rows.Next() {
		var ev costing.SourceSalesEvent
		var action string
		if err := rows.Scan(&ev.Seller, &ev.OrderNumber, &ev.ItemID, &action, &ev.SKU,
			&ev.EffectiveQuantity, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.Action = costing.ActionCode(action)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkRunning transitions the batch into the running state.
func (r *Repository) MarkRunning(ctx context.Context, id, stage string) error {
	return r.setStatus(ctx, id, StatusRunning, stage, costing.SyncStats{})
}

// MarkDone records the terminal stats. Fatal pre-conditions (missing date
// range) also end here, with zero counts and an explanatory stage.
func (r *Repository) MarkDone(ctx context.Context, id, stage string, stats costing.SyncStats) error {
	return r.setStatus(ctx, id, StatusDone, stage, stats)
}

// MarkFailed records an unexpected terminal failure.
func (r *Repository) MarkFailed(ctx context.Context, id, stage string) error {
	return r.setStatus(ctx, id, StatusFailed, stage, costing.SyncStats{})
}

func (r *Repository) setStatus(ctx context.Context, id string, status Status, stage string, stats costing.SyncStats) error {
	errs := stats.Errors
	if errs == nil {
		errs = []string{}
	}
	tag, err := r.pool.Exec(ctx, `UPDATE import_batches
SET status=$2, stage=$3, out_count=$4, return_count=$5, skipped_count=$6, errors=$7, updated_at=NOW()
WHERE id=$1`, id, string(status), stage, stats.OutCount, stats.ReturnCount, stats.SkippedCount, errs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}
