// Package stocktake reads physical inventory counts recorded by the
// warehouse team. The valuation engine treats them as the "actual"
// quantities to report next to the ledger-derived ones.
package stocktake

import "time"

// Count is one physical stocktake: the count date plus counted quantity
// per SKU. SKUs absent from Quantities counted zero, not unknown.
type Count struct {
	ID         int64
	CountDate  time.Time
	Quantities map[string]int64
}

// Qty returns the counted quantity for a SKU, zero when absent.
func (c Count) Qty(sku string) int64 {
	return c.Quantities[sku]
}

// IsZero reports whether no count was found.
func (c Count) IsZero() bool {
	return c.ID == 0
}
