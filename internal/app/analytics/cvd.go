// Package analytics derives trade-flow statistics and alerts from the event stream.
package analytics

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/sentinel/internal/domain/schema"
)

// CVD tracks cumulative volume delta per product: buy aggressor volume minus
// sell aggressor volume. Sums are kept in decimal so long sessions do not
// accumulate float drift.
type CVD struct {
	mu     sync.RWMutex
	values map[string]decimal.Decimal
	total  decimal.Decimal
}

// NewCVD constructs an empty tracker.
func NewCVD() *CVD {
	return &CVD{values: make(map[string]decimal.Decimal)}
}

// Process folds the trade into the product's running delta and returns the
// new value. Trades with an unknown side leave the delta unchanged.
func (c *CVD) Process(trade schema.Trade) float64 {
	size := decimal.NewFromFloat(trade.Size)
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.values[trade.Product]
	switch trade.Side {
	case schema.SideBid:
		current = current.Add(size)
		c.total = c.total.Add(size)
	case schema.SideAsk:
		current = current.Sub(size)
		c.total = c.total.Sub(size)
	}
	c.values[trade.Product] = current
	return current.InexactFloat64()
}

// Value returns the product's current delta.
func (c *CVD) Value(product string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[product].InexactFloat64()
}

// Total returns the delta summed across every product.
func (c *CVD) Total() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total.InexactFloat64()
}

// Reset clears every product's delta.
func (c *CVD) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[string]decimal.Decimal)
	c.total = decimal.Zero
}
