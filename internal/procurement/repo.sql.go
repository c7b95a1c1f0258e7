package procurement

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository reads purchasing data and posts goods receipts.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// OpenLinesAsOf lists purchase-order lines of still-open orders placed at
// or before the cut-off date.
func (r *Repository) OpenLinesAsOf(ctx context.Context, asOf time.Time) ([]OrderLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT po.id, po.number, l.sku, po.order_date, l.qty, l.unit_price, po.currency, COALESCE(l.exchange_rate, 1)
FROM purchase_orders po
JOIN purchase_order_lines l ON l.order_id = po.id
WHERE po.order_date <= $1 AND po.status NOT IN ('CLOSED','CANCELLED')
ORDER BY l.sku ASC, po.id ASC`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []OrderLine
	for rows.Next() {
		var line OrderLine
		if err := rows.Scan(&line.OrderID, &line.OrderNumber, &line.SKU, &line.OrderDate,
			&line.Qty, &line.UnitPrice, &line.Currency, &line.ExchangeRate); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// ShippedByOrderSKU sums shipped quantities per (order, sku).
func (r *Repository) ShippedByOrderSKU(ctx context.Context) (map[OrderSKU]int64, error) {
	return r.sumByOrderSKU(ctx, `SELECT order_id, sku, COALESCE(SUM(qty), 0) FROM shipment_lines GROUP BY order_id, sku`)
}

// ReceivedByOrderSKU sums received quantities per (order, sku).
func (r *Repository) ReceivedByOrderSKU(ctx context.Context) (map[OrderSKU]int64, error) {
	return r.sumByOrderSKU(ctx, `SELECT order_id, sku, COALESCE(SUM(qty), 0) FROM receive_lines GROUP BY order_id, sku`)
}

func (r *Repository) sumByOrderSKU(ctx context.Context, query string) (map[OrderSKU]int64, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sums := make(map[OrderSKU]int64)
	for rows.Next() {
		var key OrderSKU
		var qty int64
		if err := rows.Scan(&key.OrderID, &key.SKU, &qty); err != nil {
			return nil, err
		}
		sums[key] = qty
	}
	return sums, rows.Err()
}

// LandedPrices loads the landed-price table keyed by layer and receive
// surrogate ids.
func (r *Repository) LandedPrices(ctx context.Context) (PriceBook, error) {
	rows, err := r.pool.Query(ctx, `SELECT COALESCE(layer_id, 0), COALESCE(receive_id, 0), price FROM landed_prices`)
	if err != nil {
		return PriceBook{}, err
	}
	defer rows.Close()
	byLayer := make(map[int64]decimal.Decimal)
	byReceive := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var layerID, receiveID int64
		var price decimal.Decimal
		if err := rows.Scan(&layerID, &receiveID, &price); err != nil {
			return PriceBook{}, err
		}
		if layerID != 0 {
			byLayer[layerID] = price
		}
		if receiveID != 0 {
			byReceive[receiveID] = price
		}
	}
	if err := rows.Err(); err != nil {
		return PriceBook{}, err
	}
	return NewPriceBook(byLayer, byReceive), nil
}

// OrderLandedPrices lists landed price observations per (order, sku) for
// quantity-weighted on-order valuation.
func (r *Repository) OrderLandedPrices(ctx context.Context) (map[OrderSKU][]QtyPrice, error) {
	rows, err := r.pool.Query(ctx, `SELECT lp.order_id, lp.sku, lp.qty, lp.price
FROM landed_prices lp WHERE lp.order_id IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	prices := make(map[OrderSKU][]QtyPrice)
	for rows.Next() {
		var key OrderSKU
		var qp QtyPrice
		if err := rows.Scan(&key.OrderID, &key.SKU, &qp.Qty, &qp.Price); err != nil {
			return nil, err
		}
		prices[key] = append(prices[key], qp)
	}
	return prices, rows.Err()
}

// PostReceive records a goods receipt and creates the matching cost layer
// in one transaction. Returns the new layer id.
func (r *Repository) PostReceive(ctx context.Context, input ReceiveInput) (int64, error) {
	var layerID int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var receiveID int64
		err := tx.QueryRow(ctx, `INSERT INTO receive_lines (order_id, sku, ref_id, qty, received_at, note)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
			nullInt(input.OrderID), input.SKU, input.RefID, input.Qty, input.ReceivedAt, input.Note).Scan(&receiveID)
		if err != nil {
			return err
		}
		return tx.QueryRow(ctx, `INSERT INTO fifo_layers (sku, in_date, receive_id, qty_in, qty_remaining, unit_cost, landed_cost)
VALUES ($1,$2,$3,$4,$4,$5,$6) RETURNING id`,
			input.SKU, input.ReceivedAt, receiveID, input.Qty, input.UnitCost, input.LandedCost).Scan(&layerID)
	})
	if err != nil {
		return 0, err
	}
	return layerID, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
