package costing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// RepositoryPort abstracts repository usage for the engine. Each callback
// runs inside one all-or-nothing transaction: the ref-key check, the layer
// mutations and the allocation inserts commit together or not at all.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the per-event operations used by the engine.
type TxRepository interface {
	TransactionByRefKey(ctx context.Context, refKey string) (FifoTransaction, error)
	AllocationsForTransaction(ctx context.Context, txID int64) ([]FifoAllocation, error)
	// OpenLayersForSale returns layers with remaining quantity ordered by
	// (in_date ASC, id ASC), locked for update.
	OpenLayersForSale(ctx context.Context, sku string) ([]CostLayer, error)
	// LayersWithHeadroom returns layers with consumed capacity ordered by
	// (unit_cost DESC, id ASC), locked for update.
	LayersWithHeadroom(ctx context.Context, sku string) ([]CostLayer, error)
	LayerForUpdate(ctx context.Context, layerID int64) (CostLayer, error)
	UpdateLayerRemaining(ctx context.Context, layerID, qtyRemaining int64, closedAt *time.Time) error
	InsertTransaction(ctx context.Context, txn FifoTransaction) (int64, error)
	InsertAllocations(ctx context.Context, allocs []FifoAllocation) error
}

// Engine converts cleaned sales events into cost-layer consumption and
// restoration, keeping the allocation ledger replayable.
type Engine struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewEngine builds the synchronization engine.
func NewEngine(repo RepositoryPort, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{repo: repo, logger: logger}
}

// SyncBatch processes one bounded window of events. Outbound sales run
// before any restoration so returns resolve against existing allocations;
// within each group events run in transaction-date order. A failing event
// is recorded and skipped, it never aborts the batch.
func (e *Engine) SyncBatch(ctx context.Context, events []SourceSalesEvent, ratios RestoreRatios) (SyncStats, error) {
	var stats SyncStats
	if err := ratios.Validate(); err != nil {
		return stats, err
	}

	sales := make([]SourceSalesEvent, 0, len(events))
	restores := make([]SourceSalesEvent, 0)
	for _, ev := range events {
		if ev.Action == ActionSale {
			sales = append(sales, ev)
		} else {
			restores = append(restores, ev)
		}
	}
	byDate := func(list []SourceSalesEvent) {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].OccurredAt.Before(list[j].OccurredAt)
		})
	}
	byDate(sales)
	byDate(restores)

	for _, ev := range sales {
		e.runEvent(ctx, ev, ratios, &stats)
	}
	for _, ev := range restores {
		e.runEvent(ctx, ev, ratios, &stats)
	}
	return stats, nil
}

// runEvent executes one event in its own transaction and converts any
// failure into a batch error entry.
func (e *Engine) runEvent(ctx context.Context, ev SourceSalesEvent, ratios RestoreRatios, stats *SyncStats) {
	var err error
	switch ev.Action {
	case ActionSale:
		err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return e.consume(ctx, tx, ev, stats)
		})
	case ActionCancel:
		err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return e.cancel(ctx, tx, ev, stats)
		})
	case ActionReturn, ActionCredit, ActionChargeback:
		ratio, _ := ratios.For(ev.Action)
		err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return e.restore(ctx, tx, ev, ratio, "", stats)
		})
	case ActionDispute:
		stats.SkippedCount += ev.EffectiveQuantity
		return
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownAction, ev.Action)
	}
	if errors.Is(err, ErrDuplicateRefKey) {
		// Lost a race with a concurrent replay; the row exists, so skip.
		stats.SkippedCount += ev.EffectiveQuantity
		return
	}
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", ev.OrderNumber, err))
	}
}

// consume sells oldest stock first, writing one allocation per touched
// layer at that layer's own cost.
func (e *Engine) consume(ctx context.Context, tx TxRepository, ev SourceSalesEvent, stats *SyncStats) error {
	refKey := ev.RefKey()
	if done, err := e.alreadyProcessed(ctx, tx, refKey); err != nil {
		return err
	} else if done {
		stats.SkippedCount += ev.EffectiveQuantity
		return nil
	}

	layers, err := tx.OpenLayersForSale(ctx, ev.SKU)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	remaining := ev.EffectiveQuantity
	type draw struct {
		layer CostLayer
		qty   int64
	}
	var draws []draw
	for _, layer := range layers {
		if remaining == 0 {
			break
		}
		take := min64(remaining, layer.QtyRemaining)
		if take == 0 {
			continue
		}
		newRemaining := layer.QtyRemaining - take
		var closedAt *time.Time
		if newRemaining == 0 {
			closedAt = &now
		}
		if err := tx.UpdateLayerRemaining(ctx, layer.ID, newRemaining, closedAt); err != nil {
			return err
		}
		draws = append(draws, draw{layer: layer, qty: take})
		remaining -= take
	}

	note := fmt.Sprintf("sale %s item %s", ev.OrderNumber, ev.ItemID)
	if remaining > 0 {
		note += fmt.Sprintf(" (short %d units)", remaining)
	}
	txID, err := tx.InsertTransaction(ctx, FifoTransaction{
		SKU:             ev.SKU,
		TransactionDate: ev.OccurredAt,
		Quantity:        ev.EffectiveQuantity,
		Direction:       DirectionOut,
		Kind:            KindSale,
		RefKey:          refKey,
		Note:            note,
	})
	if err != nil {
		return err
	}
	allocs := make([]FifoAllocation, 0, len(draws))
	for _, d := range draws {
		allocs = append(allocs, NewAllocation(txID, d.layer, ev.OccurredAt, d.qty, d.layer.EffectiveCost()))
	}
	if err := tx.InsertAllocations(ctx, allocs); err != nil {
		return err
	}

	stats.OutCount += ev.EffectiveQuantity - remaining
	if remaining > 0 {
		stats.Errors = append(stats.Errors, fmt.Sprintf(
			"%s: insufficient stock for %s, %d of %d units unallocated",
			ev.OrderNumber, ev.SKU, remaining, ev.EffectiveQuantity))
	}
	return nil
}

// cancel puts units back into exactly the layers the original sale drew
// them from. Without a matching sale it degrades to the generic
// restoration path; that approximation is surfaced, not silent.
func (e *Engine) cancel(ctx context.Context, tx TxRepository, ev SourceSalesEvent, stats *SyncStats) error {
	refKey := ev.RefKey()
	if done, err := e.alreadyProcessed(ctx, tx, refKey); err != nil {
		return err
	} else if done {
		stats.SkippedCount += ev.EffectiveQuantity
		return nil
	}

	saleKey := BuildRefKey(ev.Seller, ev.OrderNumber, ev.ItemID, ActionSale)
	origin, err := tx.TransactionByRefKey(ctx, saleKey)
	if err != nil && !errors.Is(err, ErrTransactionNotFound) {
		return err
	}
	var originAllocs []FifoAllocation
	if err == nil {
		originAllocs, err = tx.AllocationsForTransaction(ctx, origin.ID)
		if err != nil {
			return err
		}
	}
	if len(originAllocs) == 0 {
		e.logger.Warn("cancellation without original sale, using generic restoration",
			slog.String("ref_key", refKey), slog.String("sku", ev.SKU))
		stats.Errors = append(stats.Errors, fmt.Sprintf(
			"%s: no original sale for cancellation, restored by cost order", ev.OrderNumber))
		return e.restore(ctx, tx, ev, 100, "(no matching sale)", stats)
	}

	var restored int64
	type refill struct {
		layer CostLayer
		qty   int64
		cost  FifoAllocation
	}
	var refills []refill
	for _, alloc := range originAllocs {
		layer, err := tx.LayerForUpdate(ctx, alloc.LayerID)
		if err != nil {
			return err
		}
		back := alloc.QtyAllocated
		if headroom := layer.Headroom(); back > headroom {
			stats.Errors = append(stats.Errors, fmt.Sprintf(
				"%s: layer %d cannot absorb %d units, %d unrestored",
				ev.OrderNumber, layer.ID, back, back-headroom))
			back = headroom
		}
		if back == 0 {
			continue
		}
		if err := tx.UpdateLayerRemaining(ctx, layer.ID, layer.QtyRemaining+back, nil); err != nil {
			return err
		}
		refills = append(refills, refill{layer: layer, qty: back, cost: alloc})
		restored += back
	}
	if restored == 0 {
		stats.SkippedCount += ev.EffectiveQuantity
		return nil
	}

	txID, err := tx.InsertTransaction(ctx, FifoTransaction{
		SKU:             ev.SKU,
		TransactionDate: ev.OccurredAt,
		Quantity:        restored,
		Direction:       DirectionIn,
		Kind:            KindReturn,
		RefKey:          refKey,
		Note:            fmt.Sprintf("cancellation of %s item %s", ev.OrderNumber, ev.ItemID),
	})
	if err != nil {
		return err
	}
	allocs := make([]FifoAllocation, 0, len(refills))
	for _, rf := range refills {
		allocs = append(allocs, NewAllocation(txID, rf.layer, ev.OccurredAt, rf.qty, rf.cost.UnitCost))
	}
	if err := tx.InsertAllocations(ctx, allocs); err != nil {
		return err
	}
	stats.ReturnCount += restored
	return nil
}

// restore puts floor(qty*ratio/100) units back into consumed headroom,
// most expensive layers first. The order is the reverse of consumption on
// purpose: it is the business policy for partial restorations and changes
// the reported average cost.
func (e *Engine) restore(ctx context.Context, tx TxRepository, ev SourceSalesEvent, ratio int, noteSuffix string, stats *SyncStats) error {
	restoreQty := ev.EffectiveQuantity * int64(ratio) / 100
	if restoreQty == 0 {
		stats.SkippedCount += ev.EffectiveQuantity
		return nil
	}

	refKey := ev.RefKey()
	if done, err := e.alreadyProcessed(ctx, tx, refKey); err != nil {
		return err
	} else if done {
		stats.SkippedCount += ev.EffectiveQuantity
		return nil
	}

	layers, err := tx.LayersWithHeadroom(ctx, ev.SKU)
	if err != nil {
		return err
	}

	remaining := restoreQty
	type refill struct {
		layer CostLayer
		qty   int64
	}
	var refills []refill
	for _, layer := range layers {
		if remaining == 0 {
			break
		}
		back := min64(remaining, layer.Headroom())
		if back == 0 {
			continue
		}
		if err := tx.UpdateLayerRemaining(ctx, layer.ID, layer.QtyRemaining+back, nil); err != nil {
			return err
		}
		refills = append(refills, refill{layer: layer, qty: back})
		remaining -= back
	}
	restored := restoreQty - remaining
	if restored == 0 {
		stats.SkippedCount += ev.EffectiveQuantity
		stats.Errors = append(stats.Errors, fmt.Sprintf(
			"%s: no open capacity to restore %d units of %s", ev.OrderNumber, restoreQty, ev.SKU))
		return nil
	}

	note := fmt.Sprintf("%s %s item %s (ratio %d%%)", restorationLabel(ev.Action), ev.OrderNumber, ev.ItemID, ratio)
	if noteSuffix != "" {
		note += " " + noteSuffix
	}
	txID, err := tx.InsertTransaction(ctx, FifoTransaction{
		SKU:             ev.SKU,
		TransactionDate: ev.OccurredAt,
		Quantity:        restored,
		Direction:       DirectionIn,
		Kind:            KindReturn,
		RefKey:          refKey,
		Note:            note,
	})
	if err != nil {
		return err
	}
	allocs := make([]FifoAllocation, 0, len(refills))
	for _, rf := range refills {
		allocs = append(allocs, NewAllocation(txID, rf.layer, ev.OccurredAt, rf.qty, rf.layer.EffectiveCost()))
	}
	if err := tx.InsertAllocations(ctx, allocs); err != nil {
		return err
	}
	stats.ReturnCount += restored
	if remaining > 0 {
		stats.Errors = append(stats.Errors, fmt.Sprintf(
			"%s: %d of %d units of %s left unrestored, no open capacity",
			ev.OrderNumber, remaining, restoreQty, ev.SKU))
	}
	return nil
}

// alreadyProcessed reports whether a transaction with the ref key exists.
// The row itself is the single source of truth for dedup; the unique
// constraint backs it up under concurrent replays.
func (e *Engine) alreadyProcessed(ctx context.Context, tx TxRepository, refKey string) (bool, error) {
	_, err := tx.TransactionByRefKey(ctx, refKey)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrTransactionNotFound) {
		return false, nil
	}
	return false, err
}

func restorationLabel(action ActionCode) string {
	switch action {
	case ActionReturn:
		return "return"
	case ActionCredit:
		return "claim credit"
	case ActionChargeback:
		return "chargeback"
	case ActionCancel:
		return "cancellation"
	default:
		return "restoration"
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
