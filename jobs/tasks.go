package jobs

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/costing"
)

const (
	// QueueCosting carries batch synchronization runs. The queue is
	// drained with concurrency 1 so batches never interleave: outbound
	// sales must land before the returns that reference them, across
	// batch boundaries too.
	QueueCosting = "costing"
	// TaskFifoSync runs one batch through the FIFO sync engine.
	TaskFifoSync = "costing:fifo_sync"
)

// FifoSyncPayload identifies the batch to process and the restoration
// percentages to apply.
type FifoSyncPayload struct {
	BatchID string                `json:"batch_id"`
	Ratios  costing.RestoreRatios `json:"ratios"`
}

// NewFifoSyncTask constructs an Asynq task for one batch run.
func NewFifoSyncTask(payload FifoSyncPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFifoSync, body, asynq.Queue(QueueCosting)), nil
}

// Client enqueues costing tasks. It satisfies costing.SyncEnqueuer.
type Client struct {
	inner *asynq.Client
}

// NewClient wraps an asynq client.
func NewClient(opts asynq.RedisClientOpt) *Client {
	return &Client{inner: asynq.NewClient(opts)}
}

// EnqueueSync schedules one batch synchronization run.
func (c *Client) EnqueueSync(ctx context.Context, batchID string, ratios costing.RestoreRatios) error {
	task, err := NewFifoSyncTask(FifoSyncPayload{BatchID: batchID, Ratios: ratios})
	if err != nil {
		return err
	}
	_, err = c.inner.EnqueueContext(ctx, task)
	return err
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.inner.Close()
}
