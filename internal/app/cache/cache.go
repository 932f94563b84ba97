// Package cache holds the latest book replica and recent trades per product.
package cache

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/sentinel/errs"
	"github.com/coachpo/sentinel/internal/domain/orderbook"
	"github.com/coachpo/sentinel/internal/domain/schema"
	"github.com/coachpo/sentinel/internal/infra/telemetry"
	"github.com/coachpo/sentinel/internal/observability"
)

// DefaultPendingLimit bounds the updates buffered for a product before its first snapshot.
const DefaultPendingLimit = 64

// ErrPendingOverflow reports an update dropped because the pre-snapshot buffer was full.
var ErrPendingOverflow = errors.New("cache: pending update buffer full")

// Config configures the cache.
type Config struct {
	TradeRingCapacity int
	PendingLimit      int
	StaleJump         time.Duration
	Logger            observability.Logger
}

func (c Config) normalize() Config {
	if c.TradeRingCapacity <= 0 {
		c.TradeRingCapacity = DefaultTradeRingCapacity
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = DefaultPendingLimit
	}
	if c.StaleJump <= 0 {
		c.StaleJump = orderbook.DefaultStaleJump
	}
	if c.Logger == nil {
		c.Logger = observability.Log()
	}
	return c
}

// BookView is the read-only surface of a live replica handed to ViewLiveOrderBook.
type BookView interface {
	Product() string
	BestBid() (schema.PriceLevel, bool)
	BestAsk() (schema.PriceLevel, bool)
	Bids(depth int) []schema.PriceLevel
	Asks(depth int) []schema.PriceLevel
	Depth() (bids, asks int)
	Quantity(side schema.Side, price float64) (float64, bool)
	Timestamp() time.Time
	Stale() bool
	NonMonotonic() uint64
}

type pendingBook struct {
	updates    []schema.BookUpdate
	overflowed bool
}

// Cache owns per-product trade rings and live order-book replicas. Mutations
// come from a single writer; readers may call from any goroutine.
type Cache struct {
	cfg    Config
	logger observability.Logger

	tradesMu sync.RWMutex
	trades   map[string]*TradeRing

	booksMu sync.RWMutex
	books   map[string]*orderbook.Replica
	pending map[string]*pendingBook

	evictedCounter metric.Int64Counter
	pendingCounter metric.Int64Counter
}

// New constructs an empty cache.
func New(cfg Config) *Cache {
	cfg = cfg.normalize()
	c := &Cache{
		cfg:     cfg,
		logger:  observability.With(cfg.Logger, observability.F("component", "cache")),
		trades:  make(map[string]*TradeRing),
		books:   make(map[string]*orderbook.Replica),
		pending: make(map[string]*pendingBook),
	}

	meter := otel.Meter("cache")
	c.evictedCounter, _ = meter.Int64Counter("cache.trades.evicted",
		metric.WithDescription("Trades evicted from full trade rings"),
		metric.WithUnit("{trade}"))
	c.pendingCounter, _ = meter.Int64Counter("cache.pending.updates",
		metric.WithDescription("Book updates received before a snapshot, by outcome"),
		metric.WithUnit("{update}"))
	return c
}

// StoreTrade appends the trade to its product ring, evicting the oldest entry when full.
func (c *Cache) StoreTrade(trade schema.Trade) {
	c.tradesMu.Lock()
	ring, ok := c.trades[trade.Product]
	if !ok {
		ring = NewTradeRing(c.cfg.TradeRingCapacity)
		c.trades[trade.Product] = ring
	}
	evicted := ring.Push(trade)
	c.tradesMu.Unlock()

	if evicted && c.evictedCounter != nil {
		c.evictedCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), string(schema.EventTypeTrade), trade.Product)...))
	}
}

// RecentTrades returns a copy of the product's ring in insertion order.
func (c *Cache) RecentTrades(product string) []schema.Trade {
	c.tradesMu.RLock()
	defer c.tradesMu.RUnlock()
	ring, ok := c.trades[product]
	if !ok {
		return nil
	}
	return ring.All()
}

// NewTrades returns the trades after the first occurrence of lastSeenID,
// excluding repeats of that id. An empty or unknown id returns the whole ring.
func (c *Cache) NewTrades(product, lastSeenID string) []schema.Trade {
	c.tradesMu.RLock()
	defer c.tradesMu.RUnlock()
	ring, ok := c.trades[product]
	if !ok {
		return nil
	}
	return ring.Since(lastSeenID)
}

// InitializeLiveOrderBook installs a fresh replica from a snapshot. Updates
// buffered before the snapshot whose timestamp is not before it are replayed;
// their deltas are returned as one batch. A crossed snapshot is still
// installed and reported as a protocol error.
func (c *Cache) InitializeLiveOrderBook(product string, bids, asks []schema.PriceLevel, ts time.Time) ([]schema.Delta, error) {
	replica := orderbook.New(product, orderbook.WithStaleJump(c.cfg.StaleJump))
	snapErr := replica.ApplySnapshot(bids, asks, ts)

	c.booksMu.Lock()
	defer c.booksMu.Unlock()

	var replayed []schema.Delta
	if p, ok := c.pending[product]; ok {
		delete(c.pending, product)
		for _, u := range p.updates {
			if !u.Timestamp.IsZero() && u.Timestamp.Before(ts) {
				c.recordPending(product, "discarded")
				continue
			}
			deltas, _ := replica.ApplyUpdate(u.Updates, u.Timestamp)
			replayed = append(replayed, deltas...)
			c.recordPending(product, "replayed")
		}
	}
	c.books[product] = replica

	if snapErr != nil {
		c.logger.Warn("snapshot violates top-of-book ordering", observability.F("product", product))
		return replayed, errs.New("cache/snapshot", errs.CodeProtocol,
			errs.WithProduct(product),
			errs.WithMessage("crossed snapshot"),
			errs.WithCause(snapErr))
	}
	if replica.Crossed() {
		return replayed, errs.New("cache/snapshot", errs.CodeProtocol,
			errs.WithProduct(product),
			errs.WithMessage("crossed book after replaying pending updates"),
			errs.WithCause(orderbook.ErrCrossedBook))
	}
	return replayed, nil
}

// ApplyLiveOrderBookUpdates applies an update to the product's replica and
// returns the delta batch. Before the first snapshot the update is buffered
// while the buffer has room. The first update beyond that discards the whole
// buffer; it and every later update until the snapshot are dropped, the
// product is marked stale and a protocol error is returned.
func (c *Cache) ApplyLiveOrderBookUpdates(product string, updates []schema.LevelUpdate, ts time.Time) ([]schema.Delta, error) {
	c.booksMu.Lock()
	defer c.booksMu.Unlock()

	replica, ok := c.books[product]
	if !ok {
		p, exists := c.pending[product]
		if !exists {
			p = &pendingBook{}
			c.pending[product] = p
		}
		if !p.overflowed && len(p.updates) < c.cfg.PendingLimit {
			p.updates = append(p.updates, schema.BookUpdate{Product: product, Updates: slices.Clone(updates), Timestamp: ts})
			c.recordPending(product, "buffered")
			return nil, nil
		}
		// A gapped buffer cannot be replayed; drop it and wait for the snapshot.
		for range p.updates {
			c.recordPending(product, "dropped")
		}
		p.updates = nil
		p.overflowed = true
		c.recordPending(product, "dropped")
		return nil, errs.New("cache/apply", errs.CodeProtocol,
			errs.WithProduct(product),
			errs.WithMessage("update before snapshot beyond pending buffer"),
			errs.WithCause(ErrPendingOverflow))
	}

	deltas, err := replica.ApplyUpdate(updates, ts)
	if err != nil {
		c.logger.Warn("update crossed the book", observability.F("product", product))
		return deltas, errs.New("cache/apply", errs.CodeProtocol,
			errs.WithProduct(product),
			errs.WithMessage("crossed book"),
			errs.WithCause(err))
	}
	return deltas, nil
}

func (c *Cache) recordPending(product, outcome string) {
	if c.pendingCounter == nil {
		return
	}
	attrs := telemetry.EventAttributes(telemetry.Environment(), string(schema.EventTypeBookUpdate), product)
	attrs = append(attrs, telemetry.AttrResult.String(outcome))
	c.pendingCounter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// LiveOrderBook returns an immutable copy of the product's book.
func (c *Cache) LiveOrderBook(product string) (orderbook.Book, bool) {
	c.booksMu.RLock()
	defer c.booksMu.RUnlock()
	replica, ok := c.books[product]
	if !ok {
		return orderbook.Book{}, false
	}
	return replica.Snapshot(0), true
}

// ViewLiveOrderBook runs fn with a read guard held on the product's replica.
// The view must not be retained after fn returns.
func (c *Cache) ViewLiveOrderBook(product string, fn func(BookView)) bool {
	c.booksMu.RLock()
	defer c.booksMu.RUnlock()
	replica, ok := c.books[product]
	if !ok {
		return false
	}
	fn(replica)
	return true
}

// Stale reports whether the product's book is stale: crossed, regressed in
// time, or starved of a snapshot after its pending buffer overflowed.
func (c *Cache) Stale(product string) bool {
	c.booksMu.RLock()
	defer c.booksMu.RUnlock()
	if replica, ok := c.books[product]; ok {
		return replica.Stale()
	}
	if p, ok := c.pending[product]; ok {
		return p.overflowed
	}
	return false
}

// MarkAllStale flags every live replica stale, typically when the feed drops.
func (c *Cache) MarkAllStale() {
	c.booksMu.Lock()
	defer c.booksMu.Unlock()
	for _, replica := range c.books {
		replica.MarkStale()
	}
}

// ResetBooks discards every replica and pending buffer so the next updates
// wait for fresh snapshots.
func (c *Cache) ResetBooks() {
	c.booksMu.Lock()
	defer c.booksMu.Unlock()
	c.books = make(map[string]*orderbook.Replica)
	c.pending = make(map[string]*pendingBook)
}

// RemoveProduct drops the product's replica and pending updates. Trades are kept.
func (c *Cache) RemoveProduct(product string) {
	c.booksMu.Lock()
	defer c.booksMu.Unlock()
	delete(c.books, product)
	delete(c.pending, product)
}

// Products returns the products with a live replica, sorted.
func (c *Cache) Products() []string {
	c.booksMu.RLock()
	defer c.booksMu.RUnlock()
	out := make([]string, 0, len(c.books))
	for product := range c.books {
		out = append(out, product)
	}
	sort.Strings(out)
	return out
}
