package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/sentinel/errs"
	"github.com/coachpo/sentinel/internal/adapters/coinbase"
	"github.com/coachpo/sentinel/internal/domain/schema"
	"github.com/coachpo/sentinel/internal/infra/bus/eventbus"
	"github.com/coachpo/sentinel/internal/infra/transport"
	"github.com/coachpo/sentinel/internal/testutil/fixtures"
)

const waitTimeout = 5 * time.Second

type fakeTransport struct {
	mu        sync.Mutex
	onMessage transport.MessageHandler
	onStatus  transport.StatusHandler
	onError   transport.ErrorHandler
	failWith  error

	sent   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan []byte, 64), closed: make(chan struct{})}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	failWith := f.failWith
	onStatus, onError := f.onStatus, f.onError
	f.mu.Unlock()
	go func() {
		if failWith != nil {
			onError(failWith)
			return
		}
		onStatus(true)
	}()
	return nil
}

func (f *fakeTransport) Send(payload []byte) error {
	select {
	case <-f.closed:
		return transport.ErrNotConnected
	default:
	}
	f.sent <- append([]byte(nil), payload...)
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) OnMessage(h transport.MessageHandler) { f.mu.Lock(); f.onMessage = h; f.mu.Unlock() }
func (f *fakeTransport) OnStatus(h transport.StatusHandler)   { f.mu.Lock(); f.onStatus = h; f.mu.Unlock() }
func (f *fakeTransport) OnError(h transport.ErrorHandler)     { f.mu.Lock(); f.onError = h; f.mu.Unlock() }

func (f *fakeTransport) deliver(payload []byte) {
	f.mu.Lock()
	h := f.onMessage
	f.mu.Unlock()
	h(payload)
}

// drop simulates the server closing an established session.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	onStatus, onError := f.onStatus, f.onError
	f.mu.Unlock()
	onStatus(false)
	onError(errs.New("transport/read", errs.CodeTransport, errs.WithMessage("connection reset")))
}

func (f *fakeTransport) frame(t *testing.T) coinbase.Frame {
	t.Helper()
	select {
	case raw := <-f.sent:
		var frame coinbase.Frame
		require.NoError(t, json.Unmarshal(raw, &frame))
		return frame
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for outbound frame")
		return coinbase.Frame{}
	}
}

func (f *fakeTransport) noFrame(t *testing.T) {
	t.Helper()
	select {
	case raw := <-f.sent:
		t.Fatalf("unexpected outbound frame %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeTokens struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (f *fakeTokens) Token() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return "", errs.New("coinbase/auth", errs.CodeAuth, errs.WithMessage("key unreadable"))
	}
	return "test-jwt", nil
}

type harness struct {
	core       *Core
	events     *eventbus.Subscription
	transports chan *fakeTransport
	tokens     *fakeTokens

	mu       sync.Mutex
	failNext int
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{transports: make(chan *fakeTransport, 16), tokens: &fakeTokens{}}
	cfg := Config{
		Tokens:         h.tokens,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
		JitterMax:      -1,
		NewTransport: func() (transport.Transport, error) {
			ft := newFakeTransport()
			h.mu.Lock()
			if h.failNext > 0 {
				h.failNext--
				ft.failWith = errs.New("transport/connect", errs.CodeTransport, errs.WithMessage("connection refused"))
			}
			h.mu.Unlock()
			h.transports <- ft
			return ft, nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.core = New(cfg)
	sub, err := h.core.Events(context.Background(), eventbus.WithBuffer(256))
	require.NoError(t, err)
	h.events = sub
	t.Cleanup(func() { _ = h.core.Stop() })
	return h
}

func (h *harness) transport(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case ft := <-h.transports:
		return ft
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for transport")
		return nil
	}
}

func (h *harness) event(t *testing.T) schema.Event {
	t.Helper()
	select {
	case evt, ok := <-h.events.C():
		require.True(t, ok, "event stream closed")
		return evt
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (h *harness) noEvent(t *testing.T) {
	t.Helper()
	select {
	case evt := <-h.events.C():
		t.Fatalf("unexpected event %#v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

// up starts the core and waits for the first session to be established.
func (h *harness) up(t *testing.T) *fakeTransport {
	t.Helper()
	require.NoError(t, h.core.Start(context.Background()))
	ft := h.transport(t)
	require.Equal(t, schema.ConnectionStatus{Up: true}, h.event(t))
	return ft
}

func requireSubscribeFrames(t *testing.T, ft *fakeTransport, frameType string, products ...string) {
	t.Helper()
	for _, channel := range []string{coinbase.ChannelLevel2, coinbase.ChannelTrades} {
		require.Equal(t, coinbase.Frame{Type: frameType, ProductIDs: products, Channel: channel, JWT: "test-jwt"}, ft.frame(t))
	}
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.core.Start(context.Background()))
	require.ErrorIs(t, h.core.Start(context.Background()), ErrAlreadyRunning)
	require.NoError(t, h.core.Stop())
	require.NoError(t, h.core.Stop())
	require.Equal(t, StateIdle, h.core.State())
}

type rejectingTokens struct{ fakeTokens }

func (*rejectingTokens) Validate() error { return errors.New("no key") }

func TestStartRejectsInvalidCredentials(t *testing.T) {
	core := New(Config{
		Tokens:       &rejectingTokens{},
		NewTransport: func() (transport.Transport, error) { return newFakeTransport(), nil },
	})
	err := core.Start(context.Background())
	require.True(t, errs.Is(err, errs.CodeFatal))
	require.Equal(t, StateIdle, core.State())

	require.True(t, errs.Is(New(Config{}).Start(context.Background()), errs.CodeFatal))
}

func TestSnapshotThenUpdate(t *testing.T) {
	h := newHarness(t, nil)
	h.core.Subscribe("BTC-USD")
	ft := h.up(t)
	requireSubscribeFrames(t, ft, coinbase.FrameSubscribe, "BTC-USD")

	ft.deliver(fixtures.L2Snapshot("BTC-USD",
		[]fixtures.Level{{Price: 50000, Quantity: 1.0}, {Price: 49999, Quantity: 2.0}},
		[]fixtures.Level{{Price: 50001, Quantity: 0.5}}))

	snap, ok := h.event(t).(schema.BookSnapshot)
	require.True(t, ok)
	require.Equal(t, []schema.PriceLevel{{Price: 50000, Quantity: 1}, {Price: 49999, Quantity: 2}}, snap.Bids)

	book, ok := h.core.Cache().LiveOrderBook("BTC-USD")
	require.True(t, ok)
	bid, _ := book.BestBid()
	ask, _ := book.BestAsk()
	require.Equal(t, 50000.0, bid.Price)
	require.Equal(t, 50001.0, ask.Price)

	ft.deliver(fixtures.L2Update("BTC-USD",
		fixtures.SideLevel{Side: "bid", Price: 50000, Quantity: 0},
		fixtures.SideLevel{Side: "offer", Price: 50001, Quantity: 1.5}))

	delta, ok := h.event(t).(schema.BookDelta)
	require.True(t, ok)
	require.Equal(t, []schema.Delta{
		{Side: schema.SideBid, Price: 50000, Prev: 1.0, New: 0},
		{Side: schema.SideAsk, Price: 50001, Prev: 0.5, New: 1.5},
	}, delta.Deltas)

	book, _ = h.core.Cache().LiveOrderBook("BTC-USD")
	bid, _ = book.BestBid()
	require.Equal(t, 49999.0, bid.Price)
}

func TestTradesArePublishedAndCached(t *testing.T) {
	h := newHarness(t, nil)
	h.core.Subscribe("BTC-USD")
	ft := h.up(t)
	requireSubscribeFrames(t, ft, coinbase.FrameSubscribe, "BTC-USD")

	ft.deliver(fixtures.Trade("BTC-USD", 50000.5, 0.25, "BUY", "42"))
	ft.deliver(fixtures.Trade("BTC-USD", 50000.5, 0.25, "BUY", "42"))
	ft.deliver(fixtures.Trade("DOGE-USD", 0.1, 10, "SELL", "7"))

	for i := 0; i < 2; i++ {
		trade, ok := h.event(t).(schema.Trade)
		require.True(t, ok)
		require.Equal(t, "42", trade.TradeID)
		require.Equal(t, schema.SideBid, trade.Side)
	}
	h.noEvent(t)

	cached := h.core.Cache()
	require.Len(t, cached.NewTrades("BTC-USD", ""), 2)
	require.Empty(t, cached.NewTrades("BTC-USD", "42"))
	require.Empty(t, cached.NewTrades("BTC-USD", "42"))
	require.Empty(t, cached.RecentTrades("DOGE-USD"))
	require.EqualValues(t, 2, h.core.Stats().Trades)
}

func TestReconnectReplaysDesiredSet(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.InitialBackoff = 100 * time.Millisecond })
	h.core.Subscribe("BTC-USD", "ETH-USD")
	ft := h.up(t)
	requireSubscribeFrames(t, ft, coinbase.FrameSubscribe, "BTC-USD", "ETH-USD")

	ft.deliver(fixtures.L2Snapshot("BTC-USD", []fixtures.Level{{Price: 100, Quantity: 1}}, nil))
	_ = h.event(t)

	ft.drop()
	require.Equal(t, schema.ConnectionStatus{Up: false}, h.event(t))
	perr, ok := h.event(t).(schema.ProviderError)
	require.True(t, ok)
	require.Equal(t, errs.CodeTransport, perr.Code)
	require.True(t, h.core.Cache().Stale("BTC-USD"))

	next := h.transport(t)
	require.Equal(t, schema.ConnectionStatus{Up: true}, h.event(t))
	requireSubscribeFrames(t, next, coinbase.FrameSubscribe, "BTC-USD", "ETH-USD")

	_, ok = h.core.Cache().LiveOrderBook("BTC-USD")
	require.False(t, ok, "books must wait for fresh snapshots after reconnect")
	require.EqualValues(t, 1, h.core.Stats().Reconnects)
	require.Equal(t, StateUp, h.core.State())
}

func TestChangesWhileDisconnectedAreReplayed(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.InitialBackoff = 50 * time.Millisecond })
	h.core.Subscribe("BTC-USD")
	ft := h.up(t)
	requireSubscribeFrames(t, ft, coinbase.FrameSubscribe, "BTC-USD")

	ft.drop()
	require.Equal(t, schema.ConnectionStatus{Up: false}, h.event(t))
	h.core.Subscribe("ETH-USD")
	h.core.Unsubscribe("BTC-USD")

	next := h.transport(t)
	requireSubscribeFrames(t, next, coinbase.FrameSubscribe, "ETH-USD")
	next.noFrame(t)
}

func TestMalformedMessageIsCountedNotPublished(t *testing.T) {
	h := newHarness(t, nil)
	h.core.Subscribe("BTC-USD")
	ft := h.up(t)
	requireSubscribeFrames(t, ft, coinbase.FrameSubscribe, "BTC-USD")

	ft.deliver(fixtures.Malformed())
	ft.deliver(fixtures.Trade("BTC-USD", 1, 1, "SELL", "1"))

	_, ok := h.event(t).(schema.Trade)
	require.True(t, ok, "the first event after a malformed message is the next trade")
	stats := h.core.Stats()
	require.EqualValues(t, 1, stats.ParseErrors)
	require.EqualValues(t, 2, stats.Messages)
	require.Equal(t, StateUp, stats.State)
}

func TestSubscribeAndUnsubscribeWhileUp(t *testing.T) {
	h := newHarness(t, nil)
	h.core.Subscribe("BTC-USD")
	ft := h.up(t)
	requireSubscribeFrames(t, ft, coinbase.FrameSubscribe, "BTC-USD")

	h.core.Subscribe("BTC-USD", "ETH-USD")
	requireSubscribeFrames(t, ft, coinbase.FrameSubscribe, "ETH-USD")

	ft.deliver(fixtures.L2Snapshot("ETH-USD", []fixtures.Level{{Price: 10, Quantity: 1}}, nil))
	_ = h.event(t)

	h.core.Unsubscribe("ETH-USD", "SOL-USD")
	requireSubscribeFrames(t, ft, coinbase.FrameUnsubscribe, "ETH-USD")
	h.core.Unsubscribe("ETH-USD")
	ft.noFrame(t)

	_, ok := h.core.Cache().LiveOrderBook("ETH-USD")
	require.False(t, ok)
	require.Equal(t, []string{"BTC-USD"}, h.core.Desired())
}

func TestCrossedUpdateResubscribesOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.core.Subscribe("BTC-USD")
	ft := h.up(t)
	requireSubscribeFrames(t, ft, coinbase.FrameSubscribe, "BTC-USD")

	ft.deliver(fixtures.L2Snapshot("BTC-USD",
		[]fixtures.Level{{Price: 100, Quantity: 1}},
		[]fixtures.Level{{Price: 101, Quantity: 1}}))
	_ = h.event(t)

	ft.deliver(fixtures.L2Update("BTC-USD", fixtures.SideLevel{Side: "bid", Price: 102, Quantity: 1}))
	_, ok := h.event(t).(schema.BookDelta)
	require.True(t, ok)
	perr, ok := h.event(t).(schema.ProviderError)
	require.True(t, ok)
	require.Equal(t, errs.CodeProtocol, perr.Code)
	require.Equal(t, "BTC-USD", perr.Product)

	requireSubscribeFrames(t, ft, coinbase.FrameUnsubscribe, "BTC-USD")
	requireSubscribeFrames(t, ft, coinbase.FrameSubscribe, "BTC-USD")

	ft.deliver(fixtures.L2Update("BTC-USD", fixtures.SideLevel{Side: "bid", Price: 103, Quantity: 1}))
	_, ok = h.event(t).(schema.BookDelta)
	require.True(t, ok)
	h.noEvent(t)
	ft.noFrame(t)

	stats := h.core.Stats()
	require.EqualValues(t, 2, stats.ProtocolErrors)
	require.EqualValues(t, 1, stats.Resyncs)

	ft.deliver(fixtures.L2Snapshot("BTC-USD",
		[]fixtures.Level{{Price: 100, Quantity: 1}},
		[]fixtures.Level{{Price: 101, Quantity: 1}}))
	_ = h.event(t)
	require.False(t, h.core.Cache().Stale("BTC-USD"))
}

func TestVenueErrorIsPublished(t *testing.T) {
	h := newHarness(t, nil)
	ft := h.up(t)

	ft.deliver(fixtures.Error("Invalid product_id", "INVALID_ARGUMENT"))
	require.Equal(t, schema.ProviderError{Code: errs.CodeExchange, Message: "Invalid product_id"}, h.event(t))
	require.Equal(t, StateUp, h.core.State())
}

func TestTokenFailureBacksOff(t *testing.T) {
	h := newHarness(t, nil)
	h.tokens.fails = 1
	h.core.Subscribe("BTC-USD")
	require.NoError(t, h.core.Start(context.Background()))

	first := h.transport(t)
	perr, ok := h.event(t).(schema.ProviderError)
	require.True(t, ok)
	require.Equal(t, errs.CodeAuth, perr.Code)
	<-first.closed

	next := h.transport(t)
	require.Equal(t, schema.ConnectionStatus{Up: true}, h.event(t))
	requireSubscribeFrames(t, next, coinbase.FrameSubscribe, "BTC-USD")
	require.EqualValues(t, 1, h.core.Stats().AuthErrors)
}

func TestTokenFailureKeepsQueuedSubscriptionChanges(t *testing.T) {
	h := newHarness(t, nil)
	h.core.Subscribe("BTC-USD")
	ft := h.up(t)
	requireSubscribeFrames(t, ft, coinbase.FrameSubscribe, "BTC-USD")

	h.tokens.mu.Lock()
	h.tokens.fails = 1
	h.tokens.mu.Unlock()

	// Both changes land in one batch; the first one needs a token.
	h.core.opsMu.Lock()
	h.core.ops = append(h.core.ops,
		op{kind: opSubscribe, products: []string{"ETH-USD"}},
		op{kind: opUnsubscribe, products: []string{"BTC-USD"}})
	h.core.opsMu.Unlock()
	select {
	case h.core.wake <- struct{}{}:
	default:
	}

	perr, ok := h.event(t).(schema.ProviderError)
	require.True(t, ok)
	require.Equal(t, errs.CodeAuth, perr.Code)
	require.Equal(t, schema.ConnectionStatus{Up: false}, h.event(t))
	require.Equal(t, []string{"ETH-USD"}, h.core.Desired())

	next := h.transport(t)
	require.Equal(t, schema.ConnectionStatus{Up: true}, h.event(t))
	requireSubscribeFrames(t, next, coinbase.FrameSubscribe, "ETH-USD")
	next.noFrame(t)
}

func TestConnectFailureRetriesWithoutStatusEdge(t *testing.T) {
	h := newHarness(t, nil)
	h.failNext = 2
	require.NoError(t, h.core.Start(context.Background()))

	for i := 0; i < 2; i++ {
		_ = h.transport(t)
		perr, ok := h.event(t).(schema.ProviderError)
		require.True(t, ok)
		require.Equal(t, errs.CodeTransport, perr.Code)
	}
	_ = h.transport(t)
	require.Equal(t, schema.ConnectionStatus{Up: true}, h.event(t))

	stats := h.core.Stats()
	require.EqualValues(t, 2, stats.Reconnects)
	require.EqualValues(t, 2, stats.TransportErrors)
	require.Equal(t, 10*time.Millisecond, stats.LastBackoff)
}

func TestStopEndsConsumerStreams(t *testing.T) {
	h := newHarness(t, nil)
	h.core.Subscribe("BTC-USD")
	ft := h.up(t)
	requireSubscribeFrames(t, ft, coinbase.FrameSubscribe, "BTC-USD")

	require.NoError(t, h.core.Stop())
	select {
	case <-ft.closed:
	default:
		t.Fatal("transport must be closed when Stop returns")
	}
	select {
	case _, ok := <-h.events.C():
		require.False(t, ok)
	case <-time.After(waitTimeout):
		t.Fatal("consumer stream not closed")
	}
	require.Equal(t, StateIdle, h.core.State())

	// Subscriptions after stop are staged and replayed on restart.
	h.core.Subscribe("ETH-USD")
	sub, err := h.core.Events(context.Background())
	require.NoError(t, err)
	h.events = sub
	next := h.up(t)
	requireSubscribeFrames(t, next, coinbase.FrameSubscribe, "BTC-USD", "ETH-USD")
}

func TestCancelledStartContextReturnsToIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.core.Subscribe("BTC-USD")
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.core.Start(ctx))
	ft := h.transport(t)
	require.Equal(t, schema.ConnectionStatus{Up: true}, h.event(t))
	requireSubscribeFrames(t, ft, coinbase.FrameSubscribe, "BTC-USD")

	cancel()
	select {
	case <-ft.closed:
	case <-time.After(waitTimeout):
		t.Fatal("transport not closed after the start context ended")
	}
	require.Eventually(t, func() bool { return h.core.State() == StateIdle }, waitTimeout, 5*time.Millisecond)

	h.core.Unsubscribe("BTC-USD")
	require.Empty(t, h.core.Desired())
	require.ErrorIs(t, h.core.Start(context.Background()), ErrAlreadyRunning)
	require.NoError(t, h.core.Stop())
	require.NoError(t, h.core.Start(context.Background()))
}

func TestBackoffGrowth(t *testing.T) {
	core := New(Config{})
	for n := 1; n <= 9; n++ {
		base := time.Duration(1<<(n-1)) * time.Second
		if base > 60*time.Second {
			base = 60 * time.Second
		}
		delay := core.nextDelay()
		require.GreaterOrEqual(t, delay, base, "attempt %d", n)
		require.LessOrEqual(t, delay, base+250*time.Millisecond, "attempt %d", n)
	}
	core.backoff.Reset()
	require.Less(t, core.nextDelay(), 2*time.Second)
}

func TestSortedLevels(t *testing.T) {
	levels := []schema.PriceLevel{{Price: 1}, {Price: 3}, {Price: 2}}
	require.Equal(t, []schema.PriceLevel{{Price: 3}, {Price: 2}, {Price: 1}}, sortedLevels(levels, schema.SideBid))
	require.Equal(t, []schema.PriceLevel{{Price: 1}, {Price: 2}, {Price: 3}}, sortedLevels(levels, schema.SideAsk))
	require.Equal(t, 1.0, levels[0].Price)
}
