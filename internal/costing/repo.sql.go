package costing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository persists cost layers and the allocation ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("costing repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const layerColumns = `id, sku, in_date, COALESCE(receive_id, 0), qty_in, qty_remaining, unit_cost, landed_cost, closed_at`

func scanLayer(row pgx.Row) (CostLayer, error) {
	var layer CostLayer
	err := row.Scan(&layer.ID, &layer.SKU, &layer.InDate, &layer.ReceiveID, &layer.QtyIn,
		&layer.QtyRemaining, &layer.UnitCost, &layer.LandedCost, &layer.ClosedAt)
	return layer, err
}

func (r *txRepository) TransactionByRefKey(ctx context.Context, refKey string) (FifoTransaction, error) {
	var txn FifoTransaction
	err := r.tx.QueryRow(ctx, `SELECT id, sku, tx_date, qty, direction, kind, ref_key, note, created_at
FROM fifo_transactions WHERE ref_key=$1`, refKey).
		Scan(&txn.ID, &txn.SKU, &txn.TransactionDate, &txn.Quantity, &txn.Direction, &txn.Kind,
			&txn.RefKey, &txn.Note, &txn.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FifoTransaction{}, ErrTransactionNotFound
		}
		return FifoTransaction{}, err
	}
	return txn, nil
}

func (r *txRepository) AllocationsForTransaction(ctx context.Context, txID int64) ([]FifoAllocation, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, transaction_id, layer_id, sku, alloc_date, qty_allocated, unit_cost, cost_allocated
FROM fifo_allocations WHERE transaction_id=$1 ORDER BY id ASC`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var allocs []FifoAllocation
	for rows.Next() {
		var a FifoAllocation
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.LayerID, &a.SKU, &a.Date,
			&a.QtyAllocated, &a.UnitCost, &a.CostAllocated); err != nil {
			return nil, err
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

func (r *txRepository) OpenLayersForSale(ctx context.Context, sku string) ([]CostLayer, error) {
	// The id tie-break keeps consumption deterministic when two layers
	// share an identical in_date.
	return r.queryLayers(ctx, `SELECT `+layerColumns+` FROM fifo_layers
WHERE sku=$1 AND qty_remaining > 0
ORDER BY in_date ASC, id ASC
FOR UPDATE`, sku)
}

func (r *txRepository) LayersWithHeadroom(ctx context.Context, sku string) ([]CostLayer, error) {
	return r.queryLayers(ctx, `SELECT `+layerColumns+` FROM fifo_layers
WHERE sku=$1 AND qty_remaining < qty_in
ORDER BY unit_cost DESC, id ASC
FOR UPDATE`, sku)
}

func (r *txRepository) queryLayers(ctx context.Context, query, sku string) ([]CostLayer, error) {
	rows, err := r.tx.Query(ctx, query, sku)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var layers []CostLayer
	for rows.Next() {
		layer, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, rows.Err()
}

func (r *txRepository) LayerForUpdate(ctx context.Context, layerID int64) (CostLayer, error) {
	layer, err := scanLayer(r.tx.QueryRow(ctx, `SELECT `+layerColumns+` FROM fifo_layers
WHERE id=$1 FOR UPDATE`, layerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CostLayer{}, ErrLayerNotFound
		}
		return CostLayer{}, err
	}
	return layer, nil
}

func (r *txRepository) UpdateLayerRemaining(ctx context.Context, layerID, qtyRemaining int64, closedAt *time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE fifo_layers SET qty_remaining=$2, closed_at=$3 WHERE id=$1`,
		layerID, qtyRemaining, closedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLayerNotFound
	}
	return nil
}

func (r *txRepository) InsertTransaction(ctx context.Context, txn FifoTransaction) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO fifo_transactions (sku, tx_date, qty, direction, kind, ref_key, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW()) RETURNING id`,
		txn.SKU, txn.TransactionDate, txn.Quantity, string(txn.Direction), string(txn.Kind), txn.RefKey, txn.Note).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateRefKey
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepository) InsertAllocations(ctx context.Context, allocs []FifoAllocation) error {
	for _, a := range allocs {
		if _, err := r.tx.Exec(ctx, `INSERT INTO fifo_allocations (transaction_id, layer_id, sku, alloc_date, qty_allocated, unit_cost, cost_allocated)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			a.TransactionID, a.LayerID, a.SKU, a.Date, a.QtyAllocated, a.UnitCost, a.CostAllocated); err != nil {
			return err
		}
	}
	return nil
}

// LayersAsOf lists layers received at or before the cut-off, ordered for
// per-SKU FIFO iteration. Used by the valuation engine; read-only.
func (r *Repository) LayersAsOf(ctx context.Context, asOf time.Time) ([]CostLayer, error) {
	if r == nil {
		return nil, errors.New("costing repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT `+layerColumns+` FROM fifo_layers
WHERE in_date <= $1
ORDER BY sku ASC, in_date ASC, id ASC`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var layers []CostLayer
	for rows.Next() {
		layer, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
