package valuation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/procurement"
	"github.com/meridian-erp/meridian-erp/internal/stocktake"
)

// LayerSource provides cost layers for valuation.
type LayerSource interface {
	LayersAsOf(ctx context.Context, asOf time.Time) ([]costing.CostLayer, error)
}

// CountSource provides the physical counts.
type CountSource interface {
	LatestCount(ctx context.Context, asOf time.Time) (stocktake.Count, error)
}

// OrderSource provides purchasing data for on-order and in-transit
// valuation.
type OrderSource interface {
	OpenLinesAsOf(ctx context.Context, asOf time.Time) ([]procurement.OrderLine, error)
	ShippedByOrderSKU(ctx context.Context) (map[procurement.OrderSKU]int64, error)
	ReceivedByOrderSKU(ctx context.Context) (map[procurement.OrderSKU]int64, error)
	LandedPrices(ctx context.Context) (procurement.PriceBook, error)
	OrderLandedPrices(ctx context.Context) (map[procurement.OrderSKU][]procurement.QtyPrice, error)
}

// Service computes per-SKU inventory snapshots. It is read-only over the
// ledger and safe to call concurrently; identical concurrent queries
// collapse into one computation and repeated ones are served from cache
// until a sync run bumps the version.
type Service struct {
	layers LayerSource
	counts CountSource
	orders OrderSource
	cache  *Cache
	group  singleflight.Group
}

// NewService builds Service. The cache may be nil.
func NewService(layers LayerSource, counts CountSource, orders OrderSource, cache *Cache) *Service {
	return &Service{layers: layers, counts: counts, orders: orders, cache: cache}
}

// InventorySnapshot produces one row per SKU seen in cost layers or open
// purchase orders as of the given date. Missing data never errors: absent
// SKUs and counts default to zero.
func (s *Service) InventorySnapshot(ctx context.Context, asOf time.Time) (Snapshot, error) {
	key := asOf.UTC().Format("2006-01-02T15:04:05")
	result, err, _ := s.group.Do(key, func() (any, error) {
		cacheKey, err := s.cache.BuildKey(ctx, "valuation", "snapshot", key)
		if err != nil {
			return s.buildSnapshot(ctx, asOf)
		}
		var snap Snapshot
		err = s.cache.FetchJSON(ctx, cacheKey, &snap, func(ctx context.Context) (any, error) {
			return s.buildSnapshot(ctx, asOf)
		})
		return snap, err
	})
	if err != nil {
		return Snapshot{}, err
	}
	return result.(Snapshot), nil
}

type skuPosition struct {
	theoryQty      int64
	value          decimal.Decimal
	currentCost    decimal.Decimal
	haveCurrent    bool
	onOrderQty     int64
	onOrderValue   decimal.Decimal
	inTransitQty   int64
	inTransitValue decimal.Decimal
}

func (s *Service) buildSnapshot(ctx context.Context, asOf time.Time) (Snapshot, error) {
	layers, err := s.layers.LayersAsOf(ctx, asOf)
	if err != nil {
		return Snapshot{}, fmt.Errorf("valuation: load layers: %w", err)
	}
	prices, err := s.orders.LandedPrices(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("valuation: load landed prices: %w", err)
	}
	count, err := s.counts.LatestCount(ctx, asOf)
	if err != nil {
		return Snapshot{}, fmt.Errorf("valuation: load stocktake: %w", err)
	}

	positions := make(map[string]*skuPosition)
	at := func(sku string) *skuPosition {
		pos, ok := positions[sku]
		if !ok {
			pos = &skuPosition{
				value:          decimal.Zero,
				onOrderValue:   decimal.Zero,
				inTransitValue: decimal.Zero,
			}
			positions[sku] = pos
		}
		return pos
	}

	// Layers arrive ordered (sku, in_date, id), so the first open layer
	// per SKU is the FIFO front of the queue.
	for _, layer := range layers {
		pos := at(layer.SKU)
		cost := effectiveCost(layer, prices)
		pos.theoryQty += layer.QtyRemaining
		pos.value = pos.value.Add(cost.Mul(decimal.NewFromInt(layer.QtyRemaining)))
		if !pos.haveCurrent && layer.QtyRemaining > 0 {
			pos.currentCost = cost
			pos.haveCurrent = true
		}
	}

	if err := s.addOrderPositions(ctx, asOf, at); err != nil {
		return Snapshot{}, err
	}

	skus := make([]string, 0, len(positions))
	for sku := range positions {
		skus = append(skus, sku)
	}
	sort.Strings(skus)

	rows := make([]SnapshotRow, 0, len(skus))
	for _, sku := range skus {
		pos := positions[sku]
		avg := decimal.Zero
		if pos.theoryQty > 0 {
			avg = pos.value.Div(decimal.NewFromInt(pos.theoryQty))
		}
		current := decimal.Zero
		if pos.haveCurrent {
			current = pos.currentCost
		}
		rows = append(rows, SnapshotRow{
			SKU:            sku,
			ActualQty:      count.Qty(sku),
			TheoryQty:      pos.theoryQty,
			AvgCost:        avg.Round(costScale),
			CurrentCost:    current.Round(costScale),
			InventoryValue: pos.value.Round(moneyScale),
			OnOrderQty:     pos.onOrderQty,
			OnOrderValue:   pos.onOrderValue.Round(moneyScale),
			InTransitQty:   pos.inTransitQty,
			InTransitValue: pos.inTransitValue.Round(moneyScale),
		})
	}

	snap := Snapshot{AsOf: asOf, Rows: rows}
	if !count.IsZero() {
		d := count.CountDate
		snap.CountDate = &d
	}
	return snap, nil
}

func (s *Service) addOrderPositions(ctx context.Context, asOf time.Time, at func(string) *skuPosition) error {
	lines, err := s.orders.OpenLinesAsOf(ctx, asOf)
	if err != nil {
		return fmt.Errorf("valuation: load order lines: %w", err)
	}
	if len(lines) == 0 {
		return nil
	}
	shipped, err := s.orders.ShippedByOrderSKU(ctx)
	if err != nil {
		return fmt.Errorf("valuation: load shipments: %w", err)
	}
	received, err := s.orders.ReceivedByOrderSKU(ctx)
	if err != nil {
		return fmt.Errorf("valuation: load receipts: %w", err)
	}
	orderPrices, err := s.orders.OrderLandedPrices(ctx)
	if err != nil {
		return fmt.Errorf("valuation: load order prices: %w", err)
	}

	for _, line := range lines {
		key := procurement.OrderSKU{OrderID: line.OrderID, SKU: line.SKU}
		sent := shipped[key]
		rcvd := received[key]
		onOrder := max64(0, line.Qty-sent)
		inTransit := max64(0, sent-rcvd)
		pos := at(line.SKU)
		if onOrder == 0 && inTransit == 0 {
			continue
		}

		price := procurement.WeightedAverage(orderPrices[key])
		if price.IsZero() {
			price = line.BasePrice()
		}
		pos.onOrderQty += onOrder
		pos.onOrderValue = pos.onOrderValue.Add(price.Mul(decimal.NewFromInt(onOrder)))
		pos.inTransitQty += inTransit
		pos.inTransitValue = pos.inTransitValue.Add(price.Mul(decimal.NewFromInt(inTransit)))
	}
	return nil
}

// effectiveCost resolves a layer's valuation cost: landed price recorded
// against the layer, then against its receive line, then the layer's own
// landed cost, then the base unit cost.
func effectiveCost(layer costing.CostLayer, prices procurement.PriceBook) decimal.Decimal {
	if p, ok := prices.LayerPrice(layer.ID); ok {
		return p
	}
	if p, ok := prices.ReceivePrice(layer.ReceiveID); ok {
		return p
	}
	return layer.EffectiveCost()
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
