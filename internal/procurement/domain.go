package procurement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// OrderLine is one purchase-order line as the purchasing subsystem stores
// it. Prices are in the order currency; ExchangeRate converts to the base
// currency.
type OrderLine struct {
	OrderID      int64
	OrderNumber  string
	SKU          string
	OrderDate    time.Time
	Qty          int64
	UnitPrice    decimal.Decimal
	Currency     string
	ExchangeRate decimal.Decimal
	Closed       bool
}

// BasePrice is the line price normalized to the base currency.
func (l OrderLine) BasePrice() decimal.Decimal {
	if l.ExchangeRate.IsZero() {
		return l.UnitPrice
	}
	return l.UnitPrice.Mul(l.ExchangeRate)
}

// OrderSKU keys shipment/receive aggregates per order line item.
type OrderSKU struct {
	OrderID int64
	SKU     string
}

// QtyPrice is one landed price observation with its quantity, used for
// quantity-weighted averaging.
type QtyPrice struct {
	Qty   int64
	Price decimal.Decimal
}

// WeightedAverage returns the quantity-weighted average price of the
// observations, zero when there are none.
func WeightedAverage(prices []QtyPrice) decimal.Decimal {
	var qty int64
	total := decimal.Zero
	for _, p := range prices {
		qty += p.Qty
		total = total.Add(p.Price.Mul(decimal.NewFromInt(p.Qty)))
	}
	if qty == 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(qty))
}

// PriceBook resolves landed prices by surrogate id. Keying by layer or
// receive identity is deliberate: a compound (order, sku) key collapses
// multiple logistics batches into one last-write-wins price.
type PriceBook struct {
	byLayer   map[int64]decimal.Decimal
	byReceive map[int64]decimal.Decimal
}

// NewPriceBook builds a PriceBook from the id-keyed maps.
func NewPriceBook(byLayer, byReceive map[int64]decimal.Decimal) PriceBook {
	return PriceBook{byLayer: byLayer, byReceive: byReceive}
}

// LayerPrice looks up the landed price recorded against a layer.
func (b PriceBook) LayerPrice(layerID int64) (decimal.Decimal, bool) {
	p, ok := b.byLayer[layerID]
	return p, ok
}

// ReceivePrice looks up the landed price recorded against a receive line.
func (b PriceBook) ReceivePrice(receiveID int64) (decimal.Decimal, bool) {
	if receiveID == 0 {
		return decimal.Decimal{}, false
	}
	p, ok := b.byReceive[receiveID]
	return p, ok
}

// ReceiveInput describes goods arriving against a purchase order. Posting
// it creates the cost layer the sync engine will consume from.
type ReceiveInput struct {
	OrderID    int64
	SKU        string
	RefID      string // deterministic posting reference, derived when empty
	Qty        int64
	UnitCost   decimal.Decimal
	LandedCost decimal.NullDecimal
	ReceivedAt time.Time
	Note       string
}

var (
	// ErrValidation indicates invalid input.
	ErrValidation = fmt.Errorf("procurement: invalid input: %w", httpx.ErrValidation)
	// ErrNotFound indicates record missing.
	ErrNotFound = fmt.Errorf("procurement: %w", httpx.ErrNotFound)
)
