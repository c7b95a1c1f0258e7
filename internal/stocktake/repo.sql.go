package stocktake

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads stocktake records from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LatestCount returns the most recent physical count at or before the
// cut-off date. The zero Count is returned when none exists.
func (r *Repository) LatestCount(ctx context.Context, asOf time.Time) (Count, error) {
	var count Count
	err := r.pool.QueryRow(ctx, `SELECT id, count_date FROM stocktakes
WHERE count_date <= $1 ORDER BY count_date DESC, id DESC LIMIT 1`, asOf).
		Scan(&count.ID, &count.CountDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Count{}, nil
		}
		return Count{}, err
	}

	rows, err := r.pool.Query(ctx, `SELECT sku, qty FROM stocktake_lines WHERE stocktake_id=$1`, count.ID)
	if err != nil {
		return Count{}, err
	}
	defer rows.Close()
	count.Quantities = make(map[string]int64)
	for rows.Next() {
		var sku string
		var qty int64
		if err := rows.Scan(&sku, &qty); err != nil {
			return Count{}, err
		}
		count.Quantities[sku] = qty
	}
	return count, rows.Err()
}
