// Package marketdata orchestrates the venue session: connection state machine,
// reconnect policy, subscription replay and event publication.
package marketdata

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/sentinel/errs"
	"github.com/coachpo/sentinel/internal/adapters/coinbase"
	"github.com/coachpo/sentinel/internal/app/cache"
	"github.com/coachpo/sentinel/internal/domain/schema"
	"github.com/coachpo/sentinel/internal/infra/bus/eventbus"
	"github.com/coachpo/sentinel/internal/infra/transport"
	"github.com/coachpo/sentinel/internal/observability"
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 60 * time.Second
	defaultJitterMax      = 250 * time.Millisecond
	signalBuffer          = 1024
	logPayloadLimit       = 256
)

// ErrAlreadyRunning is returned by Start when the core is already running.
var ErrAlreadyRunning = errs.New("marketdata/start", errs.CodeInvalid, errs.WithMessage("already running"))

// TokenSource issues the token attached to subscription frames.
type TokenSource interface {
	Token() (string, error)
}

// validator is implemented by token sources that can check their
// credentials up front.
type validator interface {
	Validate() error
}

// TransportFactory builds a fresh transport for each connect attempt.
type TransportFactory func() (transport.Transport, error)

// Config wires the core's collaborators and reconnect policy.
type Config struct {
	NewTransport TransportFactory
	Tokens       TokenSource

	Cache    cache.Config
	Bus      eventbus.MemoryConfig
	Channels []string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// JitterMax bounds the uniform jitter added to every backoff; negative disables it.
	JitterMax time.Duration

	Clock  func() time.Time
	Logger observability.Logger
	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

func (c Config) normalize() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.JitterMax == 0 {
		c.JitterMax = defaultJitterMax
	}
	if c.JitterMax < 0 {
		c.JitterMax = 0
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.MeterProvider == nil {
		c.MeterProvider = otel.GetMeterProvider()
	}
	if c.Logger == nil {
		c.Logger = observability.Log()
	}
	if c.Cache.Logger == nil {
		c.Cache.Logger = c.Logger
	}
	if c.Bus.Logger == nil {
		c.Bus.Logger = c.Logger
	}
	return c
}

type opKind int

const (
	opSubscribe opKind = iota
	opUnsubscribe
)

type op struct {
	kind     opKind
	products []string
}

type signalKind int

const (
	sigMessage signalKind = iota
	sigStatus
	sigError
)

// signal carries one transport callback onto the worker, tagged with the
// connection generation that produced it.
type signal struct {
	gen     uint64
	kind    signalKind
	payload []byte
	up      bool
	err     error
	at      time.Time
}

// Core is the market-data orchestrator. A single worker goroutine owns the
// transport, the reconnect timer and all book mutation; the public API only
// posts work to it.
type Core struct {
	cfg        Config
	log        observability.Logger
	cache      *cache.Cache
	bus        *eventbus.MemoryBus
	subs       *coinbase.SubscriptionManager
	dispatcher *coinbase.Dispatcher
	backoff    *backoff.ExponentialBackOff

	lifecycle sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        conc.WaitGroup

	opsMu        sync.Mutex
	workerActive bool
	ops          []op
	wake         chan struct{}

	signals chan signal
	state   atomic.Int32

	// Worker-owned session state.
	tr        transport.Transport
	gen       uint64
	genDone   chan struct{}
	timer     *time.Timer
	resyncing map[string]struct{}
	lastSeq   uint64
	haveSeq   bool

	counters counters
	metrics  *coreMetrics
}

type counters struct {
	messages        atomic.Uint64
	trades          atomic.Uint64
	snapshots       atomic.Uint64
	deltas          atomic.Uint64
	parseErrors     atomic.Uint64
	skipped         atomic.Uint64
	protocolErrors  atomic.Uint64
	transportErrors atomic.Uint64
	authErrors      atomic.Uint64
	reconnects      atomic.Uint64
	resyncs         atomic.Uint64
	sequenceGaps    atomic.Uint64
	lastBackoff     atomic.Int64
}

// New constructs an idle core.
func New(cfg Config) *Core {
	cfg = cfg.normalize()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	bo.MaxInterval = cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	c := &Core{
		cfg:        cfg,
		log:        observability.With(cfg.Logger, observability.F("component", "marketdata")),
		cache:      cache.New(cfg.Cache),
		bus:        eventbus.NewMemoryBus(cfg.Bus),
		subs:       coinbase.NewSubscriptionManager(cfg.Channels...),
		dispatcher: coinbase.NewDispatcher(),
		backoff:    bo,
		wake:       make(chan struct{}, 1),
		resyncing:  make(map[string]struct{}),
	}
	c.metrics = newCoreMetrics(cfg.MeterProvider)
	return c
}

// Start validates credentials and launches the worker, which begins
// connecting immediately. Fatal misconfiguration is returned here; every
// other failure is retried. Cancelling ctx ends the worker and returns the
// core to Idle; Stop is still required before the core can be started again.
func (c *Core) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}
	if c.cfg.NewTransport == nil {
		return errs.New("marketdata/start", errs.CodeFatal, errs.WithMessage("transport factory required"))
	}
	if c.cfg.Tokens == nil {
		return errs.New("marketdata/start", errs.CodeFatal, errs.WithMessage("token source required"))
	}
	if v, ok := c.cfg.Tokens.(validator); ok {
		if err := v.Validate(); err != nil {
			if errs.CodeOf(err) == errs.CodeFatal {
				return err
			}
			return errs.New("marketdata/start", errs.CodeFatal, errs.WithMessage("invalid credentials"), errs.WithCause(err))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.signals = make(chan signal, signalBuffer)
	c.backoff.Reset()

	c.opsMu.Lock()
	c.workerActive = true
	c.opsMu.Unlock()

	c.metrics.observeState(c.State)
	c.wg.Go(func() { c.run(runCtx) })
	c.log.Info("market data core started", observability.F("products", c.subs.Desired()))
	return nil
}

// Stop cancels the reconnect timer, closes the transport and waits for the
// worker. Every consumer stream is closed before Stop returns. Stop is
// idempotent.
func (c *Core) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.running {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	c.running = false
	c.metrics.stopObserving()

	c.bus.DisconnectAll()
	c.log.Info("market data core stopped")
	return nil
}

// Subscribe adds products to the desired set. While connected, subscribe
// frames for the newly added products are sent; otherwise the change is
// staged for the next connection.
func (c *Core) Subscribe(products ...string) {
	c.post(op{kind: opSubscribe, products: slices.Clone(products)})
}

// Unsubscribe removes products from the desired set and drops their books.
func (c *Core) Unsubscribe(products ...string) {
	c.post(op{kind: opUnsubscribe, products: slices.Clone(products)})
}

func (c *Core) post(o op) {
	c.opsMu.Lock()
	if !c.workerActive {
		c.opsMu.Unlock()
		c.stage(o)
		return
	}
	c.ops = append(c.ops, o)
	c.opsMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// stage applies an op with no worker running.
func (c *Core) stage(o op) {
	switch o.kind {
	case opSubscribe:
		c.subs.Add(o.products...)
	case opUnsubscribe:
		for _, p := range c.subs.Remove(o.products...) {
			c.cache.RemoveProduct(p)
		}
	}
}

// Desired returns the desired product set in insertion order.
func (c *Core) Desired() []string { return c.subs.Desired() }

// Events registers a consumer stream. The stream ends when ctx is cancelled,
// the subscription is closed, or the core stops.
func (c *Core) Events(ctx context.Context, opts ...eventbus.SubscribeOption) (*eventbus.Subscription, error) {
	return c.bus.Subscribe(ctx, opts...)
}

// Cache exposes the read side of the trade and book cache.
func (c *Core) Cache() *cache.Cache { return c.cache }

// State returns the current connection state.
func (c *Core) State() State { return State(c.state.Load()) }

// Stats returns a snapshot of the health counters.
func (c *Core) Stats() Stats {
	return Stats{
		State:           c.State(),
		Messages:        c.counters.messages.Load(),
		Trades:          c.counters.trades.Load(),
		BookSnapshots:   c.counters.snapshots.Load(),
		BookDeltas:      c.counters.deltas.Load(),
		ParseErrors:     c.counters.parseErrors.Load(),
		SkippedElements: c.counters.skipped.Load(),
		ProtocolErrors:  c.counters.protocolErrors.Load(),
		TransportErrors: c.counters.transportErrors.Load(),
		AuthErrors:      c.counters.authErrors.Load(),
		Reconnects:      c.counters.reconnects.Load(),
		Resyncs:         c.counters.resyncs.Load(),
		SequenceGaps:    c.counters.sequenceGaps.Load(),
		LastBackoff:     time.Duration(c.counters.lastBackoff.Load()),
	}
}

func (c *Core) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.log.Info("connection state changed", observability.F("from", prev.String()), observability.F("to", s.String()))
	}
}

func (c *Core) run(ctx context.Context) {
	defer c.teardown()
	c.connect(ctx)
	for {
		var timerC <-chan time.Time
		if c.timer != nil {
			timerC = c.timer.C
		}
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			c.drainOps(ctx)
		case sig := <-c.signals:
			c.handleSignal(ctx, sig)
		case <-timerC:
			c.timer = nil
			c.counters.reconnects.Add(1)
			c.metrics.reconnect(ctx)
			c.connect(ctx)
		}
	}
}

// teardown runs when the worker exits, either from Stop or because the
// Start context ended. Ops still queued are folded into the desired set.
func (c *Core) teardown() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.closeTransport()

	c.opsMu.Lock()
	c.workerActive = false
	pending := c.ops
	c.ops = nil
	c.opsMu.Unlock()
	for _, o := range pending {
		c.stage(o)
	}
	c.setState(StateIdle)
}

func (c *Core) connect(ctx context.Context) {
	c.setState(StateConnecting)
	c.haveSeq = false
	c.gen++
	gen := c.gen

	tr, err := c.cfg.NewTransport()
	if err != nil {
		c.connectFailed(ctx, errs.New("marketdata/connect", errs.CodeTransport, errs.WithMessage("build transport"), errs.WithCause(err)))
		return
	}

	done := make(chan struct{})
	post := func(s signal) {
		s.gen = gen
		select {
		case c.signals <- s:
			return
		default:
		}
		select {
		case c.signals <- s:
		case <-done:
		}
	}
	tr.OnMessage(func(payload []byte) { post(signal{kind: sigMessage, payload: payload, at: c.cfg.Clock()}) })
	tr.OnStatus(func(up bool) { post(signal{kind: sigStatus, up: up}) })
	tr.OnError(func(err error) { post(signal{kind: sigError, err: err}) })

	c.tr = tr
	c.genDone = done
	if err := tr.Connect(ctx); err != nil {
		c.connectFailed(ctx, errs.New("marketdata/connect", errs.CodeTransport, errs.WithMessage("start connect"), errs.WithCause(err)))
	}
}

func (c *Core) connectFailed(ctx context.Context, err error) {
	c.counters.transportErrors.Add(1)
	c.metrics.transportError(ctx)
	c.log.Error("connect failed", observability.F("error", err))
	c.publish(ctx, schema.ProviderErrorFrom(err))
	c.closeTransport()
	c.scheduleBackoff()
}

// closeTransport abandons the current session. Callbacks still in flight
// are released through genDone and ignored by generation.
func (c *Core) closeTransport() {
	if c.genDone != nil {
		close(c.genDone)
		c.genDone = nil
	}
	if c.tr != nil {
		_ = c.tr.Close()
		c.tr = nil
	}
}

func (c *Core) handleSignal(ctx context.Context, sig signal) {
	if sig.gen != c.gen {
		return
	}
	if c.tr == nil {
		// The cause reported after a session dropped.
		if sig.kind == sigError {
			c.counters.transportErrors.Add(1)
			c.metrics.transportError(ctx)
			c.publish(ctx, schema.ProviderErrorFrom(sig.err))
		}
		return
	}
	switch sig.kind {
	case sigStatus:
		if sig.up {
			if c.State() == StateConnecting {
				c.onUp(ctx)
			}
			return
		}
		if c.State() == StateUp {
			c.onDown(ctx)
		}
	case sigError:
		c.counters.transportErrors.Add(1)
		c.metrics.transportError(ctx)
		c.publish(ctx, schema.ProviderErrorFrom(sig.err))
		switch c.State() {
		case StateConnecting:
			c.log.Error("connect failed", observability.F("error", sig.err))
			c.closeTransport()
			c.scheduleBackoff()
		case StateUp:
			c.onDown(ctx)
		}
	case sigMessage:
		if c.State() == StateUp {
			c.handleMessage(ctx, sig.payload, sig.at)
		}
	}
}

// onUp replays the full desired set before any queued subscription change
// is processed, then announces the connection.
func (c *Core) onUp(ctx context.Context) {
	c.cache.ResetBooks()
	clear(c.resyncing)

	token, err := c.cfg.Tokens.Token()
	if err != nil {
		c.authFailed(ctx, err)
		return
	}
	c.backoff.Reset()
	c.setState(StateUp)
	c.publish(ctx, schema.ConnectionStatus{Up: true})
	c.sendFrames(ctx, c.subs.SubscribeFrames(token))
}

func (c *Core) authFailed(ctx context.Context, err error) {
	if errs.CodeOf(err) != errs.CodeAuth {
		err = errs.New("marketdata/token", errs.CodeAuth, errs.WithMessage("issue token"), errs.WithCause(err))
	}
	c.counters.authErrors.Add(1)
	c.log.Error("token issuance failed", observability.F("error", err))
	c.publish(ctx, schema.ProviderErrorFrom(err))
	wasUp := c.State() == StateUp
	c.closeTransport()
	if wasUp {
		c.publish(ctx, schema.ConnectionStatus{Up: false})
		c.cache.MarkAllStale()
	}
	c.scheduleBackoff()
}

func (c *Core) onDown(ctx context.Context) {
	c.closeTransport()
	c.publish(ctx, schema.ConnectionStatus{Up: false})
	c.cache.MarkAllStale()
	c.scheduleBackoff()
}

func (c *Core) scheduleBackoff() {
	delay := c.nextDelay()
	c.counters.lastBackoff.Store(int64(delay))
	c.setState(StateBackoff)
	c.log.Info("reconnect scheduled", observability.F("delay", delay.String()))
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.NewTimer(delay)
}

// nextDelay is min(initial·2^(n-1), max) plus U(0, jitter) for the nth
// consecutive attempt.
func (c *Core) nextDelay() time.Duration {
	delay := c.backoff.NextBackOff()
	if c.cfg.JitterMax > 0 {
		delay += time.Duration(rand.Int64N(int64(c.cfg.JitterMax) + 1))
	}
	return delay
}

func (c *Core) drainOps(ctx context.Context) {
	c.opsMu.Lock()
	pending := c.ops
	c.ops = nil
	c.opsMu.Unlock()

	for i, o := range pending {
		var (
			frameType string
			changed   []string
		)
		switch o.kind {
		case opSubscribe:
			frameType, changed = coinbase.FrameSubscribe, c.subs.Add(o.products...)
		case opUnsubscribe:
			frameType, changed = coinbase.FrameUnsubscribe, c.subs.Remove(o.products...)
			for _, p := range changed {
				c.cache.RemoveProduct(p)
				delete(c.resyncing, p)
			}
		}
		if len(changed) == 0 || c.State() != StateUp {
			continue
		}
		if err := c.sendWithToken(ctx, frameType, changed); err != nil {
			c.abandonOps(ctx, pending[i+1:], err)
			return
		}
	}
}

// sendWithToken issues a token and sends frameType frames for products.
func (c *Core) sendWithToken(ctx context.Context, frameType string, products []string) error {
	token, err := c.cfg.Tokens.Token()
	if err != nil {
		return err
	}
	c.sendFrames(ctx, c.subs.Frames(frameType, products, token))
	return nil
}

// abandonOps tears the session down after a token failure. The ops not yet
// handled, and any queued since, still update the desired set; the next
// connection replays it so they need no frames.
func (c *Core) abandonOps(ctx context.Context, rest []op, err error) {
	for _, o := range rest {
		c.stage(o)
	}
	c.drainStaged()
	c.authFailed(ctx, err)
}

// drainStaged applies queued ops to the desired set without sending frames.
func (c *Core) drainStaged() {
	c.opsMu.Lock()
	pending := c.ops
	c.ops = nil
	c.opsMu.Unlock()
	for _, o := range pending {
		c.stage(o)
	}
}

func (c *Core) sendFrames(ctx context.Context, frames []coinbase.Frame) {
	for _, f := range frames {
		data, err := f.Marshal()
		if err != nil {
			c.log.Error("encode frame failed", observability.F("error", err))
			continue
		}
		if c.tr == nil {
			return
		}
		if err := c.tr.Send(data); err != nil {
			c.counters.transportErrors.Add(1)
			c.log.Warn("send frame failed", observability.F("error", err), observability.F("type", f.Type), observability.F("channel", f.Channel))
			c.publish(ctx, schema.ProviderErrorFrom(err))
			return
		}
		c.log.Debug("frame sent", observability.F("type", f.Type), observability.F("channel", f.Channel), observability.F("products", f.ProductIDs))
	}
}

func (c *Core) handleMessage(ctx context.Context, payload []byte, arrival time.Time) {
	c.counters.messages.Add(1)
	res, err := c.dispatcher.Parse(payload, arrival)
	if err != nil {
		c.counters.parseErrors.Add(1)
		c.metrics.parseError(ctx)
		c.log.Debug("dropping unparsable message", observability.F("error", err), observability.F("payload", truncate(payload)))
		return
	}
	c.metrics.message(ctx, res.Channel)
	if res.Skipped > 0 {
		c.counters.skipped.Add(uint64(res.Skipped))
		c.log.Debug("skipped malformed elements", observability.F("channel", res.Channel), observability.F("count", res.Skipped))
	}
	if res.HasSequence {
		if c.haveSeq && res.Sequence > c.lastSeq+1 {
			c.counters.sequenceGaps.Add(1)
			c.log.Debug("sequence gap", observability.F("expected", c.lastSeq+1), observability.F("got", res.Sequence))
		}
		if !c.haveSeq || res.Sequence > c.lastSeq {
			c.lastSeq = res.Sequence
		}
		c.haveSeq = true
	}

	for _, evt := range res.Events {
		switch e := evt.(type) {
		case schema.Trade:
			c.handleTrade(ctx, e)
		case schema.BookSnapshot:
			c.handleSnapshot(ctx, e)
		case schema.BookUpdate:
			c.handleUpdate(ctx, e)
		case schema.SubscriptionAck:
			c.log.Debug("subscriptions acknowledged", observability.F("products", e.Products))
			c.publish(ctx, e)
		case schema.ProviderError:
			c.handleProviderError(ctx, e)
		}
	}
}

func (c *Core) handleTrade(ctx context.Context, trade schema.Trade) {
	if !c.subs.Contains(trade.Product) {
		return
	}
	c.cache.StoreTrade(trade)
	c.counters.trades.Add(1)
	c.metrics.tradeLatency(ctx, trade)
	c.publish(ctx, trade)
}

func (c *Core) handleSnapshot(ctx context.Context, snap schema.BookSnapshot) {
	if !c.subs.Contains(snap.Product) {
		return
	}
	replayed, err := c.cache.InitializeLiveOrderBook(snap.Product, snap.Bids, snap.Asks, snap.Timestamp)
	c.counters.snapshots.Add(1)
	c.metrics.bookLatency(ctx, snap.Product, snap.Timestamp, c.cfg.Clock())

	published := schema.BookSnapshot{
		Product:   snap.Product,
		Bids:      sortedLevels(snap.Bids, schema.SideBid),
		Asks:      sortedLevels(snap.Asks, schema.SideAsk),
		Timestamp: snap.Timestamp,
	}
	c.publish(ctx, published)
	if len(replayed) > 0 {
		c.counters.deltas.Add(1)
		c.publish(ctx, schema.BookDelta{Product: snap.Product, Deltas: replayed, Timestamp: snap.Timestamp})
	}

	if err != nil {
		c.protocolError(ctx, snap.Product, err)
		return
	}
	delete(c.resyncing, snap.Product)
}

func (c *Core) handleUpdate(ctx context.Context, upd schema.BookUpdate) {
	if !c.subs.Contains(upd.Product) {
		return
	}
	deltas, err := c.cache.ApplyLiveOrderBookUpdates(upd.Product, upd.Updates, upd.Timestamp)
	c.metrics.bookLatency(ctx, upd.Product, upd.Timestamp, c.cfg.Clock())
	if len(deltas) > 0 {
		c.counters.deltas.Add(1)
		c.publish(ctx, schema.BookDelta{Product: upd.Product, Deltas: deltas, Timestamp: upd.Timestamp})
	}
	if err != nil {
		c.protocolError(ctx, upd.Product, err)
	}
}

func (c *Core) handleProviderError(ctx context.Context, perr schema.ProviderError) {
	if perr.Code == errs.CodeProtocol {
		c.protocolError(ctx, perr.Product, errs.New("marketdata/dispatch", errs.CodeProtocol,
			errs.WithProduct(perr.Product), errs.WithMessage(perr.Message)))
		return
	}
	c.log.Warn("provider error", observability.F("code", string(perr.Code)), observability.F("message", perr.Message))
	c.publish(ctx, perr)
}

// protocolError surfaces the first protocol error of a product and
// resubscribes it once; later errors are only counted until the next clean
// snapshot.
func (c *Core) protocolError(ctx context.Context, product string, err error) {
	c.counters.protocolErrors.Add(1)
	c.metrics.protocolError(ctx, product)
	if product != "" {
		if _, busy := c.resyncing[product]; busy {
			c.log.Debug("protocol error while resyncing", observability.F("product", product), observability.F("error", err))
			return
		}
	}
	c.log.Warn("protocol error", observability.F("product", product), observability.F("error", err))
	c.publish(ctx, schema.ProviderErrorFrom(err))
	if product == "" || !c.subs.Contains(product) {
		return
	}

	c.resyncing[product] = struct{}{}
	token, tokErr := c.cfg.Tokens.Token()
	if tokErr != nil {
		delete(c.resyncing, product)
		c.authFailed(ctx, tokErr)
		return
	}
	c.counters.resyncs.Add(1)
	products := []string{product}
	frames := c.subs.Frames(coinbase.FrameUnsubscribe, products, token)
	frames = append(frames, c.subs.Frames(coinbase.FrameSubscribe, products, token)...)
	c.sendFrames(ctx, frames)
}

func (c *Core) publish(ctx context.Context, evt schema.Event) {
	if err := c.bus.Publish(ctx, evt); err != nil && ctx.Err() == nil {
		c.log.Warn("publish failed", observability.F("error", err), observability.F("event_type", string(evt.Type())))
	}
}

func sortedLevels(levels []schema.PriceLevel, side schema.Side) []schema.PriceLevel {
	out := slices.Clone(levels)
	slices.SortStableFunc(out, func(a, b schema.PriceLevel) int {
		switch {
		case a.Price == b.Price:
			return 0
		case (a.Price > b.Price) == (side == schema.SideBid):
			return -1
		default:
			return 1
		}
	})
	return out
}

func truncate(payload []byte) string {
	if len(payload) <= logPayloadLimit {
		return string(payload)
	}
	return string(payload[:logPayloadLimit]) + "..."
}
