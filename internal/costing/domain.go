package costing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ActionCode classifies a cleaned sales event.
type ActionCode string

const (
	// ActionSale is a normal outbound sale.
	ActionSale ActionCode = "NN"
	// ActionCancel is a full cancellation of a prior sale.
	ActionCancel ActionCode = "CA"
	// ActionReturn is a customer return.
	ActionReturn ActionCode = "RE"
	// ActionCredit is a claim settled by credit.
	ActionCredit ActionCode = "CR"
	// ActionChargeback is a claim settled by chargeback.
	ActionChargeback ActionCode = "CC"
	// ActionDispute is a payment dispute; never restores stock.
	ActionDispute ActionCode = "PD"
)

// Direction marks whether a movement leaves or re-enters stock.
type Direction string

const (
	DirectionOut Direction = "OUT"
	DirectionIn  Direction = "IN"
)

// MovementKind distinguishes sales from restorations.
type MovementKind string

const (
	KindSale   MovementKind = "SALE"
	KindReturn MovementKind = "RETURN"
)

// CostLayer is one inbound lot of a SKU. Layers are created by the
// receiving subsystem and mutated only by the sync engine; they are never
// deleted, exhausted layers stay behind for audit.
type CostLayer struct {
	ID           int64
	SKU          string
	InDate       time.Time
	ReceiveID    int64 // receive line that created the layer, 0 when unknown
	QtyIn        int64
	QtyRemaining int64
	UnitCost     decimal.Decimal
	LandedCost   decimal.NullDecimal
	ClosedAt     *time.Time
}

// EffectiveCost prefers the landed cost over the base unit cost.
func (l CostLayer) EffectiveCost() decimal.Decimal {
	if l.LandedCost.Valid {
		return l.LandedCost.Decimal
	}
	return l.UnitCost
}

// Headroom is how many previously consumed units fit back into the layer.
func (l CostLayer) Headroom() int64 {
	return l.QtyIn - l.QtyRemaining
}

// FifoTransaction is one logical sales-driven movement. RefKey is unique:
// replaying the same source event is a no-op, not a duplicate.
type FifoTransaction struct {
	ID              int64
	SKU             string
	TransactionDate time.Time
	Quantity        int64
	Direction       Direction
	Kind            MovementKind
	RefKey          string
	Note            string
	CreatedAt       time.Time
}

// FifoAllocation records how much of a transaction was satisfied by one
// layer, at that layer's own cost.
type FifoAllocation struct {
	ID            int64
	TransactionID int64
	LayerID       int64
	SKU           string
	Date          time.Time
	QtyAllocated  int64
	UnitCost      decimal.Decimal
	CostAllocated decimal.Decimal
}

// allocationScale is the fixed precision for allocated cost amounts.
const allocationScale = 5

// NewAllocation builds an allocation row priced at the given layer cost.
func NewAllocation(txID int64, layer CostLayer, date time.Time, qty int64, unitCost decimal.Decimal) FifoAllocation {
	return FifoAllocation{
		TransactionID: txID,
		LayerID:       layer.ID,
		SKU:           layer.SKU,
		Date:          date,
		QtyAllocated:  qty,
		UnitCost:      unitCost,
		CostAllocated: unitCost.Mul(decimal.NewFromInt(qty)).Round(allocationScale),
	}
}

// SourceSalesEvent is one cleaned, deduplicated sales line handed over by
// the ETL collaborator. EffectiveQuantity is already scaled by the
// line-item multiplier.
type SourceSalesEvent struct {
	Seller            string
	OrderNumber       string
	ItemID            string
	Action            ActionCode
	SKU               string
	EffectiveQuantity int64
	OccurredAt        time.Time
}

// RefKey derives the deterministic identity key for the event.
func (e SourceSalesEvent) RefKey() string {
	return BuildRefKey(e.Seller, e.OrderNumber, e.ItemID, e.Action)
}

// BuildRefKey composes the dedup key from the stable identity fields. Two
// events sharing all four components are the same logical event.
func BuildRefKey(seller, orderNumber, itemID string, action ActionCode) string {
	return fmt.Sprintf("SALES:%s:%s:%s:%s", seller, orderNumber, itemID, action)
}

// RestoreRatios holds the configurable restoration percentages for the
// partial-restoration actions. CA is fixed at 100 and PD at 0.
type RestoreRatios struct {
	Return     int `json:"returnRatio" validate:"gte=0,lte=100"`
	Credit     int `json:"creditRatio" validate:"gte=0,lte=100"`
	Chargeback int `json:"chargebackRatio" validate:"gte=0,lte=100"`
}

// DefaultRestoreRatios returns the stock defaults RE=60, CR=50, CC=30.
func DefaultRestoreRatios() RestoreRatios {
	return RestoreRatios{Return: 60, Credit: 50, Chargeback: 30}
}

// Validate checks all percentages are within [0,100].
func (r RestoreRatios) Validate() error {
	for _, v := range []int{r.Return, r.Credit, r.Chargeback} {
		if v < 0 || v > 100 {
			return ErrInvalidRatio
		}
	}
	return nil
}

// For resolves the percentage for a restoration action.
func (r RestoreRatios) For(action ActionCode) (int, bool) {
	switch action {
	case ActionCancel:
		return 100, true
	case ActionReturn:
		return r.Return, true
	case ActionCredit:
		return r.Credit, true
	case ActionChargeback:
		return r.Chargeback, true
	case ActionDispute:
		return 0, true
	default:
		return 0, false
	}
}

// SyncStats is the running result of one batch synchronization. OutCount
// and ReturnCount are unit counters; SkippedCount counts units of events
// that produced no movement (duplicates, disputes, zero restorations).
type SyncStats struct {
	OutCount     int64    `json:"outCount"`
	ReturnCount  int64    `json:"returnCount"`
	SkippedCount int64    `json:"skippedCount"`
	Errors       []string `json:"errors,omitempty"`
}

var (
	// ErrTransactionNotFound indicates no transaction matches a ref key.
	ErrTransactionNotFound = errors.New("costing: transaction not found")
	// ErrDuplicateRefKey indicates the ref key was already processed.
	ErrDuplicateRefKey = errors.New("costing: ref key already processed")
	// ErrLayerNotFound indicates a referenced layer is missing.
	ErrLayerNotFound = errors.New("costing: cost layer not found")
	// ErrInvalidRatio indicates a restoration percentage outside [0,100].
	ErrInvalidRatio = errors.New("costing: restore ratio must be within 0..100")
	// ErrUnknownAction indicates an unrecognised action code.
	ErrUnknownAction = errors.New("costing: unknown action code")
)
