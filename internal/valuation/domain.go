package valuation

import (
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotRow is the per-SKU inventory position as of a date.
type SnapshotRow struct {
	SKU            string          `json:"sku"`
	ActualQty      int64           `json:"actualQty"`
	TheoryQty      int64           `json:"theoryQty"`
	AvgCost        decimal.Decimal `json:"avgCost"`
	CurrentCost    decimal.Decimal `json:"currentCost"`
	InventoryValue decimal.Decimal `json:"inventoryValue"`
	OnOrderQty     int64           `json:"onOrderQty"`
	OnOrderValue   decimal.Decimal `json:"onOrderValue"`
	InTransitQty   int64           `json:"inTransitQty"`
	InTransitValue decimal.Decimal `json:"inTransitValue"`
}

// Snapshot is the full valuation result plus the stocktake it matched.
type Snapshot struct {
	AsOf      time.Time     `json:"asOf"`
	CountDate *time.Time    `json:"countDate,omitempty"`
	Rows      []SnapshotRow `json:"rows"`
}

// Rounding scales: money to cents, unit costs to four places.
const (
	moneyScale = 2
	costScale  = 4
)
