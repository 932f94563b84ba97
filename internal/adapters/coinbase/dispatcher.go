// Package coinbase adapts the Coinbase Advanced Trade websocket feed: token
// issuance, subscription frames, and message decoding.
package coinbase

import (
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/sentinel/errs"
	"github.com/coachpo/sentinel/internal/domain/schema"
)

// Inbound channel names.
const (
	ChannelMarketTrades  = "market_trades"
	ChannelL2Data        = "l2_data"
	ChannelSubscriptions = "subscriptions"
	ChannelHeartbeats    = "heartbeats"
)

// Result is the outcome of decoding one frame.
type Result struct {
	Channel string
	// Sequence is the venue sequence number, when present.
	Sequence    uint64
	HasSequence bool
	Events      []schema.Event
	// Skipped counts malformed sub-elements that were dropped.
	Skipped int
}

type envelope struct {
	Channel     string            `json:"channel"`
	Type        string            `json:"type"`
	Timestamp   string            `json:"timestamp"`
	SequenceNum *uint64           `json:"sequence_num"`
	Message     string            `json:"message"`
	Reason      string            `json:"reason"`
	ProductIDs  []string          `json:"product_ids"`
	Trades      []json.RawMessage `json:"trades"`
	Events      []json.RawMessage `json:"events"`
}

type tradeWire struct {
	TradeID   string `json:"trade_id"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Time      string `json:"time"`
}

type tradesEvent struct {
	Type   string            `json:"type"`
	Trades []json.RawMessage `json:"trades"`
}

type l2Event struct {
	Type      string            `json:"type"`
	ProductID string            `json:"product_id"`
	Updates   []json.RawMessage `json:"updates"`
}

type l2Level struct {
	Side        string `json:"side"`
	EventTime   string `json:"event_time"`
	PriceLevel  string `json:"price_level"`
	NewQuantity string `json:"new_quantity"`
}

type subscriptionsEvent struct {
	Subscriptions map[string][]string `json:"subscriptions"`
}

// Dispatcher decodes venue frames into typed events. It holds no state and is
// safe for concurrent use.
type Dispatcher struct{}

// NewDispatcher constructs a dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Parse decodes one frame. arrival is used for missing or unparsable
// timestamps. A frame that is not a JSON object or matches no known shape
// yields a parse error; message-level missing fields yield a ProviderError
// event; malformed sub-elements are skipped and counted.
func (d *Dispatcher) Parse(frame []byte, arrival time.Time) (Result, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Result{}, errs.New("coinbase/dispatch", errs.CodeParse,
			errs.WithMessage("decode frame"), errs.WithCause(err))
	}

	res := Result{Channel: env.Channel}
	if env.SequenceNum != nil {
		res.Sequence = *env.SequenceNum
		res.HasSequence = true
	}

	if strings.EqualFold(env.Type, "error") {
		msg := env.Message
		if msg == "" {
			msg = env.Reason
		}
		if msg == "" {
			msg = "unspecified provider error"
		}
		res.Events = append(res.Events, schema.ProviderError{Code: errs.CodeExchange, Message: msg})
		return res, nil
	}

	ts := parseTimestamp(env.Timestamp, arrival)
	switch env.Channel {
	case ChannelMarketTrades:
		d.parseTrades(&res, env, ts, arrival)
	case ChannelL2Data:
		d.parseL2(&res, env, ts)
	case ChannelSubscriptions:
		d.parseSubscriptions(&res, env)
	case "":
		return Result{}, errs.New("coinbase/dispatch", errs.CodeParse,
			errs.WithMessage("frame has neither channel nor error type"))
	default:
		// Channels we never subscribe to (heartbeats, ticker, status) are ignored.
	}
	return res, nil
}

func (d *Dispatcher) parseTrades(res *Result, env envelope, ts, arrival time.Time) {
	raw := env.Trades
	for _, rawEvt := range env.Events {
		var evt tradesEvent
		if err := json.Unmarshal(rawEvt, &evt); err != nil {
			res.Skipped++
			continue
		}
		raw = append(raw, evt.Trades...)
	}
	if env.Trades == nil && env.Events == nil {
		res.Events = append(res.Events, missingField(ChannelMarketTrades, "", "trades"))
		return
	}
	for _, item := range raw {
		trade, ok := decodeTrade(item, ts, arrival)
		if !ok {
			res.Skipped++
			continue
		}
		res.Events = append(res.Events, trade)
	}
}

func decodeTrade(raw json.RawMessage, ts, arrival time.Time) (schema.Trade, bool) {
	var w tradeWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return schema.Trade{}, false
	}
	if w.TradeID == "" || w.ProductID == "" {
		return schema.Trade{}, false
	}
	price, ok := parseDecimal(w.Price)
	if !ok || price <= 0 {
		return schema.Trade{}, false
	}
	size, ok := parseDecimal(w.Size)
	if !ok || size <= 0 {
		return schema.Trade{}, false
	}
	side, ok := schema.ParseSide(w.Side)
	if !ok {
		return schema.Trade{}, false
	}
	return schema.Trade{
		Product:    w.ProductID,
		TradeID:    w.TradeID,
		Price:      price,
		Size:       size,
		Side:       side,
		ExchangeTS: parseTimestamp(w.Time, ts),
		ArrivalTS:  arrival,
	}, true
}

func (d *Dispatcher) parseL2(res *Result, env envelope, ts time.Time) {
	if env.Events == nil {
		res.Events = append(res.Events, missingField(ChannelL2Data, "", "events"))
		return
	}
	for _, rawEvt := range env.Events {
		var evt l2Event
		if err := json.Unmarshal(rawEvt, &evt); err != nil {
			res.Skipped++
			continue
		}
		if evt.ProductID == "" {
			res.Events = append(res.Events, missingField(ChannelL2Data, "", "product_id"))
			continue
		}
		switch evt.Type {
		case "snapshot":
			res.Events = append(res.Events, decodeSnapshot(res, evt, ts))
		case "update":
			res.Events = append(res.Events, decodeUpdate(res, evt, ts))
		default:
			res.Skipped++
		}
	}
}

func decodeSnapshot(res *Result, evt l2Event, ts time.Time) schema.BookSnapshot {
	snap := schema.BookSnapshot{Product: evt.ProductID, Timestamp: ts}
	for _, raw := range evt.Updates {
		lvl, ok := decodeLevel(raw)
		if !ok {
			res.Skipped++
			continue
		}
		if lvl.Quantity == 0 {
			continue
		}
		pl := schema.PriceLevel{Price: lvl.Price, Quantity: lvl.Quantity}
		if lvl.Side == schema.SideBid {
			snap.Bids = append(snap.Bids, pl)
		} else {
			snap.Asks = append(snap.Asks, pl)
		}
	}
	return snap
}

func decodeUpdate(res *Result, evt l2Event, ts time.Time) schema.BookUpdate {
	upd := schema.BookUpdate{Product: evt.ProductID, Timestamp: ts, Updates: make([]schema.LevelUpdate, 0, len(evt.Updates))}
	for _, raw := range evt.Updates {
		lvl, ok := decodeLevel(raw)
		if !ok {
			res.Skipped++
			continue
		}
		upd.Updates = append(upd.Updates, lvl)
	}
	return upd
}

func decodeLevel(raw json.RawMessage) (schema.LevelUpdate, bool) {
	var w l2Level
	if err := json.Unmarshal(raw, &w); err != nil {
		return schema.LevelUpdate{}, false
	}
	side, ok := schema.ParseSide(w.Side)
	if !ok {
		return schema.LevelUpdate{}, false
	}
	price, ok := parseDecimal(w.PriceLevel)
	if !ok || price <= 0 {
		return schema.LevelUpdate{}, false
	}
	qty, ok := parseDecimal(w.NewQuantity)
	if !ok || qty < 0 {
		return schema.LevelUpdate{}, false
	}
	return schema.LevelUpdate{Side: side, Price: price, Quantity: qty}, true
}

func (d *Dispatcher) parseSubscriptions(res *Result, env envelope) {
	products := append([]string(nil), env.ProductIDs...)
	seen := make(map[string]struct{}, len(products))
	for _, p := range products {
		seen[p] = struct{}{}
	}
	for _, rawEvt := range env.Events {
		var evt subscriptionsEvent
		if err := json.Unmarshal(rawEvt, &evt); err != nil {
			res.Skipped++
			continue
		}
		channels := make([]string, 0, len(evt.Subscriptions))
		for ch := range evt.Subscriptions {
			channels = append(channels, ch)
		}
		sort.Strings(channels)
		for _, ch := range channels {
			for _, p := range evt.Subscriptions[ch] {
				if _, dup := seen[p]; dup || p == "" {
					continue
				}
				seen[p] = struct{}{}
				products = append(products, p)
			}
		}
	}
	res.Events = append(res.Events, schema.SubscriptionAck{Products: products})
}

func missingField(channel, product, field string) schema.ProviderError {
	return schema.ProviderError{
		Code:    errs.CodeProtocol,
		Product: product,
		Message: channel + " message missing " + field,
	}
}

func parseDecimal(raw string) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, false
	}
	f, _ := d.Float64()
	return f, true
}

func parseTimestamp(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fallback
	}
	return ts
}
