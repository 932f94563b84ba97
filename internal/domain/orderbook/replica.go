// Package orderbook maintains per-product level-2 book replicas.
package orderbook

import (
	"errors"
	"slices"
	"time"

	"github.com/google/btree"

	"github.com/coachpo/sentinel/internal/domain/schema"
)

// DefaultStaleJump is the backward timestamp jump that marks a replica stale.
const DefaultStaleJump = time.Second

const ladderDegree = 32

// ErrCrossedBook reports that best bid is not below best ask after an apply.
var ErrCrossedBook = errors.New("orderbook: crossed book")

// Book is an immutable copy of a replica.
type Book struct {
	Product   string
	Bids      []schema.PriceLevel
	Asks      []schema.PriceLevel
	Timestamp time.Time
	Stale     bool
}

// BestBid returns the highest bid.
func (b Book) BestBid() (schema.PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return schema.PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask.
func (b Book) BestAsk() (schema.PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return schema.PriceLevel{}, false
	}
	return b.Asks[0], true
}

type ladder struct {
	tree *btree.BTreeG[schema.PriceLevel]
}

// newLadder orders levels best-first: descending for bids, ascending for asks.
func newLadder(side schema.Side) *ladder {
	less := func(a, b schema.PriceLevel) bool { return a.Price < b.Price }
	if side == schema.SideBid {
		less = func(a, b schema.PriceLevel) bool { return a.Price > b.Price }
	}
	return &ladder{tree: btree.NewG(ladderDegree, less)}
}

func (l *ladder) get(price float64) (float64, bool) {
	lvl, ok := l.tree.Get(schema.PriceLevel{Price: price})
	return lvl.Quantity, ok
}

func (l *ladder) set(price, qty float64) {
	l.tree.ReplaceOrInsert(schema.PriceLevel{Price: price, Quantity: qty})
}

func (l *ladder) remove(price float64) {
	l.tree.Delete(schema.PriceLevel{Price: price})
}

func (l *ladder) best() (schema.PriceLevel, bool) {
	return l.tree.Min()
}

func (l *ladder) levels(depth int) []schema.PriceLevel {
	n := l.tree.Len()
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]schema.PriceLevel, 0, n)
	l.tree.Ascend(func(lvl schema.PriceLevel) bool {
		out = append(out, lvl)
		return len(out) < n
	})
	return out
}

// Replica holds the bid and ask ladders for one product. It is not safe for
// concurrent use; the cache serializes access.
type Replica struct {
	product      string
	bids         *ladder
	asks         *ladder
	timestamp    time.Time
	stale        bool
	nonMonotonic uint64
	staleJump    time.Duration

	// scratch is reused across applies; callers only ever see clones of it.
	scratch []schema.Delta
}

// Option configures a replica.
type Option func(*Replica)

// WithStaleJump overrides the backward timestamp jump that marks the replica stale.
func WithStaleJump(d time.Duration) Option {
	return func(r *Replica) {
		if d > 0 {
			r.staleJump = d
		}
	}
}

// New constructs an empty replica for the product.
func New(product string, opts ...Option) *Replica {
	r := &Replica{
		product:   product,
		bids:      newLadder(schema.SideBid),
		asks:      newLadder(schema.SideAsk),
		staleJump: DefaultStaleJump,
		scratch:   make([]schema.Delta, 0, 64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Product returns the product the replica tracks.
func (r *Replica) Product() string { return r.product }

// ApplySnapshot replaces both ladders with the positive levels provided and
// resets staleness. It returns ErrCrossedBook when the new baseline is crossed;
// the replica then holds the snapshot but reports itself stale.
func (r *Replica) ApplySnapshot(bids, asks []schema.PriceLevel, ts time.Time) error {
	r.bids.tree.Clear(false)
	r.asks.tree.Clear(false)
	for _, lvl := range bids {
		if lvl.Price > 0 && lvl.Quantity > 0 {
			r.bids.set(lvl.Price, lvl.Quantity)
		}
	}
	for _, lvl := range asks {
		if lvl.Price > 0 && lvl.Quantity > 0 {
			r.asks.set(lvl.Price, lvl.Quantity)
		}
	}
	r.timestamp = ts
	r.stale = false
	r.nonMonotonic = 0
	r.scratch = r.scratch[:0]

	if r.Crossed() {
		r.stale = true
		return ErrCrossedBook
	}
	return nil
}

// ApplyUpdate applies a batch of level updates and returns the owned delta
// batch. Removing an absent level and re-setting an unchanged quantity are
// dropped. Invalid levels are skipped. When the batch leaves the book crossed
// the deltas are still returned together with ErrCrossedBook.
func (r *Replica) ApplyUpdate(updates []schema.LevelUpdate, ts time.Time) ([]schema.Delta, error) {
	r.observeTimestamp(ts)

	r.scratch = r.scratch[:0]
	for _, u := range updates {
		side := r.ladder(u.Side)
		if side == nil || u.Price <= 0 || u.Quantity < 0 {
			continue
		}
		prev, ok := side.get(u.Price)
		if u.Quantity == 0 {
			if !ok {
				continue
			}
			side.remove(u.Price)
			r.scratch = append(r.scratch, schema.Delta{Side: u.Side, Price: u.Price, Prev: prev, New: 0})
			continue
		}
		if ok && prev == u.Quantity {
			continue
		}
		side.set(u.Price, u.Quantity)
		r.scratch = append(r.scratch, schema.Delta{Side: u.Side, Price: u.Price, Prev: prev, New: u.Quantity})
	}

	deltas := slices.Clone(r.scratch)
	if r.Crossed() {
		r.stale = true
		return deltas, ErrCrossedBook
	}
	return deltas, nil
}

// observeTimestamp keeps the replica timestamp monotonic and counts regressions.
func (r *Replica) observeTimestamp(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if r.timestamp.IsZero() || ts.After(r.timestamp) {
		r.timestamp = ts
		return
	}
	r.nonMonotonic++
	if r.timestamp.Sub(ts) > r.staleJump {
		r.stale = true
	}
}

func (r *Replica) ladder(side schema.Side) *ladder {
	switch side {
	case schema.SideBid:
		return r.bids
	case schema.SideAsk:
		return r.asks
	default:
		return nil
	}
}

// BestBid returns the highest resting bid.
func (r *Replica) BestBid() (schema.PriceLevel, bool) { return r.bids.best() }

// BestAsk returns the lowest resting ask.
func (r *Replica) BestAsk() (schema.PriceLevel, bool) { return r.asks.best() }

// Crossed reports whether best bid is at or above best ask.
func (r *Replica) Crossed() bool {
	bid, okBid := r.bids.best()
	ask, okAsk := r.asks.best()
	return okBid && okAsk && bid.Price >= ask.Price
}

// Quantity returns the quantity resting at price on side.
func (r *Replica) Quantity(side schema.Side, price float64) (float64, bool) {
	l := r.ladder(side)
	if l == nil {
		return 0, false
	}
	return l.get(price)
}

// Bids returns up to depth bids best-first; depth <= 0 returns all.
func (r *Replica) Bids(depth int) []schema.PriceLevel { return r.bids.levels(depth) }

// Asks returns up to depth asks best-first; depth <= 0 returns all.
func (r *Replica) Asks(depth int) []schema.PriceLevel { return r.asks.levels(depth) }

// Depth returns the number of levels on each side.
func (r *Replica) Depth() (bids, asks int) { return r.bids.tree.Len(), r.asks.tree.Len() }

// Timestamp returns the latest exchange timestamp applied.
func (r *Replica) Timestamp() time.Time { return r.timestamp }

// Stale reports whether the replica is crossed or saw a large timestamp regression.
func (r *Replica) Stale() bool { return r.stale }

// MarkStale flags the replica stale until the next snapshot.
func (r *Replica) MarkStale() { r.stale = true }

// NonMonotonic returns how many updates carried a timestamp not after the latest.
func (r *Replica) NonMonotonic() uint64 { return r.nonMonotonic }

// Snapshot copies the replica into an immutable Book.
func (r *Replica) Snapshot(depth int) Book {
	return Book{
		Product:   r.product,
		Bids:      r.bids.levels(depth),
		Asks:      r.asks.levels(depth),
		Timestamp: r.timestamp,
		Stale:     r.stale,
	}
}
