package cache

import (
	"github.com/gammazero/deque"

	"github.com/coachpo/sentinel/internal/domain/schema"
)

// DefaultTradeRingCapacity bounds the number of trades retained per product.
const DefaultTradeRingCapacity = 1000

// TradeRing is a bounded FIFO of trades. The oldest entry is evicted on overflow.
type TradeRing struct {
	capacity int
	trades   deque.Deque[schema.Trade]
}

// NewTradeRing constructs a ring holding at most capacity trades.
func NewTradeRing(capacity int) *TradeRing {
	if capacity <= 0 {
		capacity = DefaultTradeRingCapacity
	}
	return &TradeRing{capacity: capacity}
}

// Push appends a trade, evicting the oldest when full. It reports whether an
// entry was evicted.
func (r *TradeRing) Push(trade schema.Trade) bool {
	r.trades.PushBack(trade)
	if r.trades.Len() > r.capacity {
		r.trades.PopFront()
		return true
	}
	return false
}

// Len returns the number of retained trades.
func (r *TradeRing) Len() int { return r.trades.Len() }

// Cap returns the ring capacity.
func (r *TradeRing) Cap() int { return r.capacity }

// All copies the ring in insertion order.
func (r *TradeRing) All() []schema.Trade {
	n := r.trades.Len()
	out := make([]schema.Trade, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.trades.At(i))
	}
	return out
}

// Since returns the trades strictly after the first occurrence of lastID,
// skipping entries that repeat lastID. An empty or unknown id yields the whole ring.
func (r *TradeRing) Since(lastID string) []schema.Trade {
	if lastID == "" {
		return r.All()
	}
	n := r.trades.Len()
	for i := 0; i < n; i++ {
		if r.trades.At(i).TradeID != lastID {
			continue
		}
		out := make([]schema.Trade, 0, n-i-1)
		for j := i + 1; j < n; j++ {
			t := r.trades.At(j)
			if t.TradeID == lastID {
				continue
			}
			out = append(out, t)
		}
		return out
	}
	return r.All()
}
