// Package batch tracks sales import batches handed over by the ETL
// pipeline. The sync engine reports its terminal status, stage message
// and stats into the batch record; that record is the sole caller-facing
// surface of a run.
package batch

import (
	"errors"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/costing"
)

// Status is the lifecycle state of an import batch.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

// ImportBatch is one upload of cleaned sales events with a known date
// range.
type ImportBatch struct {
	ID        string
	RangeFrom time.Time
	RangeTo   time.Time
	Status    Status
	Stage     string
	Stats     costing.SyncStats
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasDateRange reports whether the batch resolves to a usable range.
func (b ImportBatch) HasDateRange() bool {
	return !b.RangeFrom.IsZero() && !b.RangeTo.IsZero() && !b.RangeTo.Before(b.RangeFrom)
}

// ErrBatchNotFound indicates a missing batch record.
var ErrBatchNotFound = errors.New("batch: not found")
