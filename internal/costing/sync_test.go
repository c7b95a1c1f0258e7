package costing

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	layers      map[int64]*CostLayer
	txnsByKey   map[string]FifoTransaction
	allocations map[int64][]FifoAllocation
	nextLayerID int64
	nextTxnID   int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		layers:      make(map[int64]*CostLayer),
		txnsByKey:   make(map[string]FifoTransaction),
		allocations: make(map[int64][]FifoAllocation),
	}
}

func (r *memoryRepo) addLayer(sku string, inDate time.Time, qty int64, unitCost string) int64 {
	r.nextLayerID++
	r.layers[r.nextLayerID] = &CostLayer{
		ID:           r.nextLayerID,
		SKU:          sku,
		InDate:       inDate,
		QtyIn:        qty,
		QtyRemaining: qty,
		UnitCost:     decimal.RequireFromString(unitCost),
	}
	return r.nextLayerID
}

func (r *memoryRepo) totalRemaining(sku string) int64 {
	var total int64
	for _, l := range r.layers {
		if l.SKU == sku {
			total += l.QtyRemaining
		}
	}
	return total
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (tx *memoryTx) TransactionByRefKey(ctx context.Context, refKey string) (FifoTransaction, error) {
	if txn, ok := tx.repo.txnsByKey[refKey]; ok {
		return txn, nil
	}
	return FifoTransaction{}, ErrTransactionNotFound
}

func (tx *memoryTx) AllocationsForTransaction(ctx context.Context, txID int64) ([]FifoAllocation, error) {
	return tx.repo.allocations[txID], nil
}

func (tx *memoryTx) OpenLayersForSale(ctx context.Context, sku string) ([]CostLayer, error) {
	var layers []CostLayer
	for _, l := range tx.repo.layers {
		if l.SKU == sku && l.QtyRemaining > 0 {
			layers = append(layers, *l)
		}
	}
	sort.Slice(layers, func(i, j int) bool {
		if !layers[i].InDate.Equal(layers[j].InDate) {
			return layers[i].InDate.Before(layers[j].InDate)
		}
		return layers[i].ID < layers[j].ID
	})
	return layers, nil
}

func (tx *memoryTx) LayersWithHeadroom(ctx context.Context, sku string) ([]CostLayer, error) {
	var layers []CostLayer
	for _, l := range tx.repo.layers {
		if l.SKU == sku && l.QtyRemaining < l.QtyIn {
			layers = append(layers, *l)
		}
	}
	sort.Slice(layers, func(i, j int) bool {
		if !layers[i].UnitCost.Equal(layers[j].UnitCost) {
			return layers[i].UnitCost.GreaterThan(layers[j].UnitCost)
		}
		return layers[i].ID < layers[j].ID
	})
	return layers, nil
}

func (tx *memoryTx) LayerForUpdate(ctx context.Context, layerID int64) (CostLayer, error) {
	if l, ok := tx.repo.layers[layerID]; ok {
		return *l, nil
	}
	return CostLayer{}, ErrLayerNotFound
}

func (tx *memoryTx) UpdateLayerRemaining(ctx context.Context, layerID, qtyRemaining int64, closedAt *time.Time) error {
	l, ok := tx.repo.layers[layerID]
	if !ok {
		return ErrLayerNotFound
	}
	l.QtyRemaining = qtyRemaining
	l.ClosedAt = closedAt
	return nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, txn FifoTransaction) (int64, error) {
	if _, ok := tx.repo.txnsByKey[txn.RefKey]; ok {
		return 0, ErrDuplicateRefKey
	}
	tx.repo.nextTxnID++
	txn.ID = tx.repo.nextTxnID
	tx.repo.txnsByKey[txn.RefKey] = txn
	return txn.ID, nil
}

func (tx *memoryTx) InsertAllocations(ctx context.Context, allocs []FifoAllocation) error {
	for _, a := range allocs {
		tx.repo.allocations[a.TransactionID] = append(tx.repo.allocations[a.TransactionID], a)
	}
	return nil
}

func testEngine(repo *memoryRepo) *Engine {
	return NewEngine(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func saleEvent(order, sku string, qty int64, at time.Time) SourceSalesEvent {
	return SourceSalesEvent{
		Seller:            "S1",
		OrderNumber:       order,
		ItemID:            "1",
		Action:            ActionSale,
		SKU:               sku,
		EffectiveQuantity: qty,
		OccurredAt:        at,
	}
}

func eventWithAction(order, sku string, qty int64, action ActionCode, at time.Time) SourceSalesEvent {
	ev := saleEvent(order, sku, qty, at)
	ev.Action = action
	return ev
}

var (
	jan1 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	jan2 = time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	jan5 = time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)
	jan6 = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
)

func TestConsumeOldestLayerFirst(t *testing.T) {
	repo := newMemoryRepo()
	l1 := repo.addLayer("SKU-A", jan1, 5, "10")
	l2 := repo.addLayer("SKU-A", jan2, 5, "12")
	engine := testEngine(repo)

	stats, err := engine.SyncBatch(context.Background(), []SourceSalesEvent{
		saleEvent("ORD-1", "SKU-A", 7, jan5),
	}, DefaultRestoreRatios())
	require.NoError(t, err)
	require.Empty(t, stats.Errors)
	require.EqualValues(t, 7, stats.OutCount)

	require.EqualValues(t, 0, repo.layers[l1].QtyRemaining)
	require.NotNil(t, repo.layers[l1].ClosedAt)
	require.EqualValues(t, 3, repo.layers[l2].QtyRemaining)
	require.Nil(t, repo.layers[l2].ClosedAt)

	txn := repo.txnsByKey[BuildRefKey("S1", "ORD-1", "1", ActionSale)]
	allocs := repo.allocations[txn.ID]
	require.Len(t, allocs, 2)
	require.EqualValues(t, 5, allocs[0].QtyAllocated)
	require.True(t, allocs[0].CostAllocated.Equal(decimal.RequireFromString("50")))
	require.EqualValues(t, 2, allocs[1].QtyAllocated)
	require.True(t, allocs[1].CostAllocated.Equal(decimal.RequireFromString("24")))
}

func TestReplayIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLayer("SKU-A", jan1, 10, "10")
	engine := testEngine(repo)

	events := []SourceSalesEvent{saleEvent("ORD-1", "SKU-A", 4, jan5)}
	_, err := engine.SyncBatch(context.Background(), events, DefaultRestoreRatios())
	require.NoError(t, err)
	require.EqualValues(t, 6, repo.totalRemaining("SKU-A"))
	txnCount := len(repo.txnsByKey)

	stats, err := engine.SyncBatch(context.Background(), events, DefaultRestoreRatios())
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.OutCount)
	require.EqualValues(t, 4, stats.SkippedCount)
	require.EqualValues(t, 6, repo.totalRemaining("SKU-A"))
	require.Len(t, repo.txnsByKey, txnCount)
}

func TestCancelRestoresExactLayers(t *testing.T) {
	repo := newMemoryRepo()
	l1 := repo.addLayer("SKU-A", jan1, 3, "10")
	l2 := repo.addLayer("SKU-A", jan2, 5, "12")
	engine := testEngine(repo)

	_, err := engine.SyncBatch(context.Background(), []SourceSalesEvent{
		saleEvent("ORD-1", "SKU-A", 5, jan5),
	}, DefaultRestoreRatios())
	require.NoError(t, err)
	require.EqualValues(t, 0, repo.layers[l1].QtyRemaining)
	require.EqualValues(t, 3, repo.layers[l2].QtyRemaining)

	stats, err := engine.SyncBatch(context.Background(), []SourceSalesEvent{
		eventWithAction("ORD-1", "SKU-A", 5, ActionCancel, jan6),
	}, DefaultRestoreRatios())
	require.NoError(t, err)
	require.Empty(t, stats.Errors)
	require.EqualValues(t, 5, stats.ReturnCount)

	// Units go back to the layers they came from, not the cheapest ones.
	require.EqualValues(t, 3, repo.layers[l1].QtyRemaining)
	require.Nil(t, repo.layers[l1].ClosedAt)
	require.EqualValues(t, 5, repo.layers[l2].QtyRemaining)
	require.EqualValues(t, 8, repo.totalRemaining("SKU-A"))
}

func TestCancelFallsBackWithoutOriginalSale(t *testing.T) {
	repo := newMemoryRepo()
	id := repo.addLayer("SKU-A", jan1, 10, "10")
	repo.layers[id].QtyRemaining = 4
	engine := testEngine(repo)

	stats, err := engine.SyncBatch(context.Background(), []SourceSalesEvent{
		eventWithAction("ORD-OLD", "SKU-A", 5, ActionCancel, jan6),
	}, DefaultRestoreRatios())
	require.NoError(t, err)
	require.EqualValues(t, 5, stats.ReturnCount)
	require.EqualValues(t, 9, repo.layers[id].QtyRemaining)
	require.Len(t, stats.Errors, 1)
	require.Contains(t, stats.Errors[0], "no original sale")
}

func TestPartialRestoreTruncates(t *testing.T) {
	repo := newMemoryRepo()
	id := repo.addLayer("SKU-A", jan1, 10, "10")
	repo.layers[id].QtyRemaining = 0
	engine := testEngine(repo)

	// floor(5*70/100) = 3, where rounding would give 4.
	stats, err := engine.SyncBatch(context.Background(), []SourceSalesEvent{
		eventWithAction("ORD-1", "SKU-A", 5, ActionReturn, jan6),
	}, RestoreRatios{Return: 70, Credit: 50, Chargeback: 30})
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.ReturnCount)
	require.EqualValues(t, 3, repo.layers[id].QtyRemaining)
}

func TestZeroRestorationSkipsEvent(t *testing.T) {
	repo := newMemoryRepo()
	id := repo.addLayer("SKU-A", jan1, 10, "10")
	repo.layers[id].QtyRemaining = 0
	engine := testEngine(repo)

	// floor(1*60/100) = 0: counted as skipped, no transaction written.
	stats, err := engine.SyncBatch(context.Background(), []SourceSalesEvent{
		eventWithAction("ORD-1", "SKU-A", 1, ActionReturn, jan6),
	}, DefaultRestoreRatios())
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.ReturnCount)
	require.EqualValues(t, 1, stats.SkippedCount)
	require.Empty(t, repo.txnsByKey)
}

func TestRestoreTargetsMostExpensiveHeadroomFirst(t *testing.T) {
	repo := newMemoryRepo()
	cheap := repo.addLayer("SKU-A", jan1, 10, "8")
	dear := repo.addLayer("SKU-A", jan2, 10, "14")
	repo.layers[cheap].QtyRemaining = 7
	repo.layers[dear].QtyRemaining = 8
	engine := testEngine(repo)

	// floor(10*50/100) = 5: 2 fit into the expensive layer, 3 spill over.
	stats, err := engine.SyncBatch(context.Background(), []SourceSalesEvent{
		eventWithAction("ORD-1", "SKU-A", 10, ActionCredit, jan6),
	}, DefaultRestoreRatios())
	require.NoError(t, err)
	require.EqualValues(t, 5, stats.ReturnCount)
	require.EqualValues(t, 10, repo.layers[dear].QtyRemaining)
	require.EqualValues(t, 10, repo.layers[cheap].QtyRemaining)
}

func TestRestoreNeverExceedsOriginalInbound(t *testing.T) {
	repo := newMemoryRepo()
	id := repo.addLayer("SKU-A", jan1, 5, "10")
	repo.layers[id].QtyRemaining = 3
	engine := testEngine(repo)

	stats, err := engine.SyncBatch(context.Background(), []SourceSalesEvent{
		eventWithAction("ORD-1", "SKU-A", 10, ActionReturn, jan6),
	}, DefaultRestoreRatios())
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.ReturnCount)
	require.EqualValues(t, 5, repo.layers[id].QtyRemaining)
	require.Len(t, stats.Errors, 1)
	require.Contains(t, stats.Errors[0], "unrestored")
}

func TestInsufficientStockAllocatesPartially(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLayer("SKU-A", jan1, 4, "10")
	engine := testEngine(repo)

	stats, err := engine.SyncBatch(context.Background(), []SourceSalesEvent{
		saleEvent("ORD-1", "SKU-A", 10, jan5),
	}, DefaultRestoreRatios())
	require.NoError(t, err)
	require.EqualValues(t, 4, stats.OutCount)
	require.EqualValues(t, 0, repo.totalRemaining("SKU-A"))
	require.Len(t, stats.Errors, 1)
	require.Contains(t, stats.Errors[0], "insufficient stock")

	txn := repo.txnsByKey[BuildRefKey("S1", "ORD-1", "1", ActionSale)]
	allocs := repo.allocations[txn.ID]
	require.Len(t, allocs, 1)
	require.EqualValues(t, 4, allocs[0].QtyAllocated)
}

func TestDisputesAreCountedNotAllocated(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLayer("SKU-A", jan1, 10, "10")
	engine := testEngine(repo)

	stats, err := engine.SyncBatch(context.Background(), []SourceSalesEvent{
		eventWithAction("ORD-1", "SKU-A", 2, ActionDispute, jan5),
	}, DefaultRestoreRatios())
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.SkippedCount)
	require.Empty(t, repo.txnsByKey)
	require.EqualValues(t, 10, repo.totalRemaining("SKU-A"))
}

func TestSalesRunBeforeRestorations(t *testing.T) {
	repo := newMemoryRepo()
	l1 := repo.addLayer("SKU-A", jan1, 5, "10")
	engine := testEngine(repo)

	// The cancellation is listed first and dated earlier; it must still
	// resolve against the sale's allocations.
	stats, err := engine.SyncBatch(context.Background(), []SourceSalesEvent{
		eventWithAction("ORD-1", "SKU-A", 5, ActionCancel, jan5),
		saleEvent("ORD-1", "SKU-A", 5, jan6),
	}, DefaultRestoreRatios())
	require.NoError(t, err)
	require.Empty(t, stats.Errors)
	require.EqualValues(t, 5, stats.OutCount)
	require.EqualValues(t, 5, stats.ReturnCount)
	require.EqualValues(t, 5, repo.layers[l1].QtyRemaining)
	require.Nil(t, repo.layers[l1].ClosedAt)
}

func TestConservationAfterCancellingSales(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLayer("SKU-A", jan1, 5, "10")
	repo.addLayer("SKU-A", jan2, 7, "12")
	engine := testEngine(repo)

	events := []SourceSalesEvent{
		saleEvent("ORD-1", "SKU-A", 6, jan5),
		saleEvent("ORD-2", "SKU-A", 3, jan5.Add(time.Hour)),
		eventWithAction("ORD-1", "SKU-A", 6, ActionCancel, jan6),
		eventWithAction("ORD-2", "SKU-A", 3, ActionCancel, jan6),
	}
	_, err := engine.SyncBatch(context.Background(), events, DefaultRestoreRatios())
	require.NoError(t, err)
	require.EqualValues(t, 12, repo.totalRemaining("SKU-A"))
	for _, l := range repo.layers {
		require.Nil(t, l.ClosedAt)
		require.EqualValues(t, l.QtyIn, l.QtyRemaining)
	}
}

func TestInvalidRatioRejected(t *testing.T) {
	engine := testEngine(newMemoryRepo())
	_, err := engine.SyncBatch(context.Background(), nil, RestoreRatios{Return: 120})
	require.ErrorIs(t, err, ErrInvalidRatio)
}
