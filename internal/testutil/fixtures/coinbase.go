// Package fixtures builds venue frames for tests.
package fixtures

import (
	"strconv"

	json "github.com/goccy/go-json"
)

// Default timestamps used by the fixtures.
const (
	TradeTime    = "2025-10-09T12:34:56.789123456Z"
	SnapshotTime = "2023-02-09T20:32:50.714964855Z"
	UpdateTime   = "2025-10-09T12:34:57.123Z"
)

// Level is a price/quantity pair.
type Level struct {
	Price    float64
	Quantity float64
}

// SideLevel is a level update with its wire side token.
type SideLevel struct {
	Side     string
	Price    float64
	Quantity float64
}

// TradeSpec describes one trade in a multi-trade frame.
type TradeSpec struct {
	ID    string
	Price float64
	Size  float64
	Side  string
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// Trade builds a market_trades frame with one trade at the root level.
func Trade(product string, price, size float64, side, tradeID string) []byte {
	return MultiTrade(product, TradeSpec{ID: tradeID, Price: price, Size: size, Side: side})
}

// MultiTrade builds a market_trades frame with several trades.
func MultiTrade(product string, trades ...TradeSpec) []byte {
	items := make([]map[string]any, 0, len(trades))
	for _, t := range trades {
		items = append(items, map[string]any{
			"trade_id":   t.ID,
			"product_id": product,
			"price":      num(t.Price),
			"size":       num(t.Size),
			"side":       t.Side,
			"time":       TradeTime,
		})
	}
	return mustMarshal(map[string]any{
		"channel":      "market_trades",
		"client_id":    "",
		"timestamp":    TradeTime,
		"sequence_num": 0,
		"trades":       items,
	})
}

// L2Snapshot builds an l2_data snapshot frame. Bids use "bid", asks "offer".
func L2Snapshot(product string, bids, asks []Level) []byte {
	return L2SnapshotAt(product, bids, asks, SnapshotTime)
}

// L2SnapshotAt is L2Snapshot with an explicit root timestamp.
func L2SnapshotAt(product string, bids, asks []Level, ts string) []byte {
	updates := make([]map[string]any, 0, len(bids)+len(asks))
	for _, l := range bids {
		updates = append(updates, level("bid", l.Price, l.Quantity, "1970-01-01T00:00:00Z"))
	}
	for _, l := range asks {
		updates = append(updates, level("offer", l.Price, l.Quantity, "1970-01-01T00:00:00Z"))
	}
	return l2Frame("snapshot", product, updates, ts, 0)
}

// L2Update builds an l2_data update frame.
func L2Update(product string, levels ...SideLevel) []byte {
	return L2UpdateAt(product, UpdateTime, levels...)
}

// L2UpdateAt is L2Update with an explicit root timestamp.
func L2UpdateAt(product, ts string, levels ...SideLevel) []byte {
	updates := make([]map[string]any, 0, len(levels))
	for _, l := range levels {
		updates = append(updates, level(l.Side, l.Price, l.Quantity, ts))
	}
	return l2Frame("update", product, updates, ts, 1)
}

func level(side string, price, qty float64, ts string) map[string]any {
	return map[string]any{
		"side":         side,
		"event_time":   ts,
		"price_level":  num(price),
		"new_quantity": num(qty),
	}
}

func l2Frame(typ, product string, updates []map[string]any, ts string, seq int) []byte {
	return mustMarshal(map[string]any{
		"channel":      "l2_data",
		"client_id":    "",
		"timestamp":    ts,
		"sequence_num": seq,
		"events": []map[string]any{{
			"type":       typ,
			"product_id": product,
			"updates":    updates,
		}},
	})
}

// SubscriptionAck builds a subscriptions frame with root-level product ids.
func SubscriptionAck(products ...string) []byte {
	return mustMarshal(map[string]any{
		"channel":      "subscriptions",
		"client_id":    "",
		"timestamp":    "2025-10-09T12:34:56.000Z",
		"sequence_num": 0,
		"product_ids":  products,
	})
}

// Error builds a root-level error frame.
func Error(message, reason string) []byte {
	return mustMarshal(map[string]any{
		"type":      "error",
		"message":   message,
		"reason":    reason,
		"timestamp": "2025-10-09T12:34:56.000Z",
	})
}

// Malformed is a well-formed JSON object that matches no known message.
func Malformed() []byte {
	return []byte(`{"unknown_field":"unexpected_value"}`)
}
