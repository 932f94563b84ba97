package schema

import (
	"strings"
	"time"
)

// Side identifies the book side of a level or the aggressor side of a trade.
type Side uint8

const (
	// SideBid is the buy side.
	SideBid Side = iota + 1
	// SideAsk is the sell side.
	SideAsk
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "bid"
	case SideAsk:
		return "ask"
	default:
		return "unknown"
	}
}

// ParseSide normalizes a venue side token. "offer" maps to the ask side.
func ParseSide(raw string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "bid", "buy":
		return SideBid, true
	case "ask", "offer", "sell":
		return SideAsk, true
	default:
		return 0, false
	}
}

// PriceLevel is an aggregated price level.
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// LevelUpdate sets the quantity resting at a price. Zero removes the level.
type LevelUpdate struct {
	Side     Side
	Price    float64
	Quantity float64
}

// Delta records a single level mutation with the quantity it replaced.
type Delta struct {
	Side Side
	// Price of the level.
	Price float64
	// Prev is the quantity immediately before the mutation, zero when absent.
	Prev float64
	// New is the quantity after the mutation, zero when removed.
	New float64
}

// Trade is a single executed trade.
type Trade struct {
	Product    string
	TradeID    string
	Price      float64
	Size       float64
	Side       Side
	ExchangeTS time.Time
	ArrivalTS  time.Time
}

// Type implements Event.
func (Trade) Type() EventType { return EventTypeTrade }

// ProductID implements Event.
func (t Trade) ProductID() string { return t.Product }

// Clone implements Event.
func (t Trade) Clone() Event { return t }

// Latency returns the arrival delay relative to the exchange timestamp.
func (t Trade) Latency() time.Duration {
	if t.ExchangeTS.IsZero() || t.ArrivalTS.IsZero() {
		return 0
	}
	return t.ArrivalTS.Sub(t.ExchangeTS)
}
