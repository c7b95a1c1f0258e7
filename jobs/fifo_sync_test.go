package jobs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/batch"
	"github.com/meridian-erp/meridian-erp/internal/costing"
)

type fakeBatchStore struct {
	batches map[string]batch.ImportBatch
	events  map[string][]costing.SourceSalesEvent

	running   []string
	doneStage string
	doneStats costing.SyncStats
	failStage string
}

func newFakeBatchStore() *fakeBatchStore {
	return &fakeBatchStore{
		batches: make(map[string]batch.ImportBatch),
		events:  make(map[string][]costing.SourceSalesEvent),
	}
}

func (s *fakeBatchStore) Get(ctx context.Context, id string) (batch.ImportBatch, error) {
	b, ok := s.batches[id]
	if !ok {
		return batch.ImportBatch{}, batch.ErrBatchNotFound
	}
	return b, nil
}

func (s *fakeBatchStore) Events(ctx context.Context, id string) ([]costing.SourceSalesEvent, error) {
	return s.events[id], nil
}

func (s *fakeBatchStore) MarkRunning(ctx context.Context, id, stage string) error {
	s.running = append(s.running, id)
	return nil
}

func (s *fakeBatchStore) MarkDone(ctx context.Context, id, stage string, stats costing.SyncStats) error {
	s.doneStage = stage
	s.doneStats = stats
	return nil
}

func (s *fakeBatchStore) MarkFailed(ctx context.Context, id, stage string) error {
	s.failStage = stage
	return nil
}

// noopRepo satisfies costing.RepositoryPort without touching storage; good
// enough for events that never reach a layer.
type noopRepo struct{}

type noopTx struct{}

func (noopRepo) WithTx(ctx context.Context, fn func(context.Context, costing.TxRepository) error) error {
	return fn(ctx, noopTx{})
}

func (noopTx) TransactionByRefKey(ctx context.Context, refKey string) (costing.FifoTransaction, error) {
	return costing.FifoTransaction{}, costing.ErrTransactionNotFound
}

func (noopTx) AllocationsForTransaction(ctx context.Context, txID int64) ([]costing.FifoAllocation, error) {
	return nil, nil
}

func (noopTx) OpenLayersForSale(ctx context.Context, sku string) ([]costing.CostLayer, error) {
	return nil, nil
}

func (noopTx) LayersWithHeadroom(ctx context.Context, sku string) ([]costing.CostLayer, error) {
	return nil, nil
}

func (noopTx) LayerForUpdate(ctx context.Context, layerID int64) (costing.CostLayer, error) {
	return costing.CostLayer{}, costing.ErrLayerNotFound
}

func (noopTx) UpdateLayerRemaining(ctx context.Context, layerID, qtyRemaining int64, closedAt *time.Time) error {
	return nil
}

func (noopTx) InsertTransaction(ctx context.Context, txn costing.FifoTransaction) (int64, error) {
	return 1, nil
}

func (noopTx) InsertAllocations(ctx context.Context, allocs []costing.FifoAllocation) error {
	return nil
}

type fakeInvalidator struct {
	bumps int
}

func (f *fakeInvalidator) Bump(ctx context.Context) error {
	f.bumps++
	return nil
}

func testHandler(store *fakeBatchStore) *SyncHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := costing.NewEngine(noopRepo{}, logger)
	return NewSyncHandler(engine, store, nil, nil, nil, logger)
}

func syncTask(t *testing.T, payload FifoSyncPayload) *asynq.Task {
	t.Helper()
	task, err := NewFifoSyncTask(payload)
	require.NoError(t, err)
	return task
}

func TestFifoSyncPayloadRoundTrip(t *testing.T) {
	task, err := NewFifoSyncTask(FifoSyncPayload{
		BatchID: "batch-7",
		Ratios:  costing.RestoreRatios{Return: 70, Credit: 40, Chargeback: 20},
	})
	require.NoError(t, err)
	require.Equal(t, TaskFifoSync, task.Type())

	var got FifoSyncPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &got))
	require.Equal(t, "batch-7", got.BatchID)
	require.Equal(t, 70, got.Ratios.Return)
	require.Equal(t, 20, got.Ratios.Chargeback)
}

func TestHandleFifoSyncTaskProcessesBatch(t *testing.T) {
	store := newFakeBatchStore()
	store.batches["b1"] = batch.ImportBatch{
		ID:        "b1",
		RangeFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		RangeTo:   time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		Status:    batch.StatusPending,
	}
	store.events["b1"] = []costing.SourceSalesEvent{{
		Seller:            "S1",
		OrderNumber:       "ORD-1",
		ItemID:            "1",
		Action:            costing.ActionDispute,
		SKU:               "SKU-A",
		EffectiveQuantity: 2,
		OccurredAt:        time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
	}}
	h := testHandler(store)

	err := h.HandleFifoSyncTask(context.Background(),
		syncTask(t, FifoSyncPayload{BatchID: "b1", Ratios: costing.DefaultRestoreRatios()}))
	require.NoError(t, err)
	require.Equal(t, []string{"b1"}, store.running)
	require.Equal(t, "processed 1 events: 0 out, 0 restored, 2 skipped", store.doneStage)
	require.EqualValues(t, 2, store.doneStats.SkippedCount)
}

func TestHandleFifoSyncTaskMissingBatchSkipsRetry(t *testing.T) {
	h := testHandler(newFakeBatchStore())

	err := h.HandleFifoSyncTask(context.Background(),
		syncTask(t, FifoSyncPayload{BatchID: "nope", Ratios: costing.DefaultRestoreRatios()}))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleFifoSyncTaskInvalidatesSnapshotCache(t *testing.T) {
	store := newFakeBatchStore()
	store.batches["b1"] = batch.ImportBatch{
		ID:        "b1",
		RangeFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		RangeTo:   time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inv := &fakeInvalidator{}
	h := NewSyncHandler(costing.NewEngine(noopRepo{}, logger), store, nil, nil, inv, logger)

	err := h.HandleFifoSyncTask(context.Background(),
		syncTask(t, FifoSyncPayload{BatchID: "b1", Ratios: costing.DefaultRestoreRatios()}))
	require.NoError(t, err)
	require.Equal(t, 1, inv.bumps)

	// A missing batch mutates nothing, so the cache keeps its version.
	err = h.HandleFifoSyncTask(context.Background(),
		syncTask(t, FifoSyncPayload{BatchID: "gone", Ratios: costing.DefaultRestoreRatios()}))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Equal(t, 1, inv.bumps)
}

func TestHandleFifoSyncTaskWithoutDateRange(t *testing.T) {
	store := newFakeBatchStore()
	store.batches["b1"] = batch.ImportBatch{ID: "b1", Status: batch.StatusPending}
	h := testHandler(store)

	err := h.HandleFifoSyncTask(context.Background(),
		syncTask(t, FifoSyncPayload{BatchID: "b1", Ratios: costing.DefaultRestoreRatios()}))
	require.NoError(t, err)
	require.Empty(t, store.running)
	require.Equal(t, "no date range resolvable, nothing processed", store.doneStage)
}

func TestHandleFifoSyncTaskInvalidRatiosFailsBatch(t *testing.T) {
	store := newFakeBatchStore()
	store.batches["b1"] = batch.ImportBatch{
		ID:        "b1",
		RangeFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		RangeTo:   time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	h := testHandler(store)

	err := h.HandleFifoSyncTask(context.Background(),
		syncTask(t, FifoSyncPayload{BatchID: "b1", Ratios: costing.RestoreRatios{Return: 400}}))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Contains(t, store.failStage, "sync aborted")
}

func TestHandleFifoSyncTaskRejectsBadPayload(t *testing.T) {
	h := testHandler(newFakeBatchStore())
	err := h.HandleFifoSyncTask(context.Background(), asynq.NewTask(TaskFifoSync, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestClientEnqueueSync(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	defer client.Close()

	err := client.EnqueueSync(context.Background(), "b1", costing.DefaultRestoreRatios())
	require.NoError(t, err)
	require.NotEmpty(t, mr.Keys())
}
