package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/sentinel/errs"
	"github.com/coachpo/sentinel/internal/domain/schema"
	"github.com/coachpo/sentinel/internal/infra/telemetry"
	"github.com/coachpo/sentinel/internal/observability"
)

// MemoryBus is an in-memory implementation of the event bus.
type MemoryBus struct {
	cfg    MemoryConfig
	logger observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*Subscription
	shutdownOnce sync.Once

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
	deliveryDroppedCounter metric.Int64Counter
}

// Subscription is a consumer's handle on the event stream.
type Subscription struct {
	id     SubscriptionID
	policy Policy
	types  map[schema.EventType]struct{}
	bus    *MemoryBus

	ch   chan schema.Event
	done chan struct{}

	// sendMu serializes delivery against close so ch is never sent on after close.
	sendMu  sync.Mutex
	closed  bool
	once    sync.Once
	dropped atomic.Uint64
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:         cfg,
		logger:      observability.With(cfg.Logger, observability.F("component", "eventbus")),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[SubscriptionID]*Subscription),
	}

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	bus.deliveryDroppedCounter, _ = meter.Int64Counter("eventbus.delivery.dropped",
		metric.WithDescription("Number of events dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))

	return bus
}

// Publish delivers a copy of evt to every matching subscriber. It returns once
// every subscriber has either accepted or dropped its copy, so successive
// publishes reach each subscriber in order.
func (b *MemoryBus) Publish(ctx context.Context, evt schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil {
		return nil
	}
	if b.ctx.Err() != nil {
		return ErrClosed
	}

	eventType := string(evt.Type())
	product := evt.ProductID()
	start := time.Now()
	result := "success"
	defer func() {
		if b.publishDuration != nil {
			attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "eventbus.publish", result)
			attrs = append(attrs, telemetry.AttrEventType.String(eventType))
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
		}
	}()

	b.mu.RLock()
	subscribers := make([]*Subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.wants(evt.Type()) {
			subscribers = append(subscribers, sub)
		}
	}
	b.mu.RUnlock()

	n := len(subscribers)
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(n), metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), eventType, product)...))
	}
	if n == 0 {
		result = "no_subscribers"
		return nil
	}

	if err := b.dispatch(ctx, subscribers, evt); err != nil {
		result = "dispatch_failed"
		return err
	}

	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), eventType, product)...))
	}
	return nil
}

func (b *MemoryBus) dispatch(ctx context.Context, subs []*Subscription, evt schema.Event) error {
	if len(subs) == 1 {
		return b.deliver(ctx, subs[0], evt.Clone())
	}

	p := concpool.New().WithErrors().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		clone := evt.Clone()
		p.Go(func() error {
			return b.deliver(ctx, sub, clone)
		})
	}
	return p.Wait()
}

func (b *MemoryBus) deliver(ctx context.Context, sub *Subscription, evt schema.Event) error {
	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()
	if sub.closed {
		return nil
	}

	if sub.policy == Block {
		select {
		case sub.ch <- evt:
			return nil
		case <-sub.done:
			return nil
		case <-b.ctx.Done():
			return ErrClosed
		case <-ctx.Done():
			return fmt.Errorf("deliver context: %w", ctx.Err())
		}
	}

	select {
	case sub.ch <- evt:
		return nil
	default:
	}
	select {
	case <-sub.ch:
		b.recordDrop(ctx, sub, evt, "buffer_full")
	default:
	}
	select {
	case sub.ch <- evt:
	default:
		// The consumer cannot have refilled the buffer while we hold sendMu,
		// so this only triggers for zero-capacity channels.
		b.recordDrop(ctx, sub, evt, "no_capacity")
	}
	return nil
}

func (b *MemoryBus) recordDrop(ctx context.Context, sub *Subscription, evt schema.Event, reason string) {
	total := sub.dropped.Add(1)
	if total == 1 || total%1000 == 0 {
		b.logger.Warn("subscriber buffer full; dropped oldest event",
			observability.F("subscription", string(sub.id)),
			observability.F("event_type", string(evt.Type())),
			observability.F("dropped_total", total))
	}
	if b.deliveryDroppedCounter != nil {
		attrs := telemetry.EventAttributes(telemetry.Environment(), string(evt.Type()), evt.ProductID())
		attrs = append(attrs, telemetry.AttrReason.String(reason), telemetry.AttrPolicy.String(sub.policy.String()))
		b.deliveryDroppedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// Subscribe registers a consumer. The subscription ends when ctx is cancelled,
// Close is called, or the bus disconnects all subscribers.
func (b *MemoryBus) Subscribe(ctx context.Context, opts ...SubscribeOption) (*Subscription, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	options := subscribeOptions{policy: DropOldest, buffer: b.cfg.BufferSize}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.policy != DropOldest && options.policy != Block {
		return nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("unknown backpressure policy"))
	}

	sub := &Subscription{
		id:     SubscriptionID(uuid.NewString()),
		policy: options.policy,
		bus:    b,
		ch:     make(chan schema.Event, options.buffer),
		done:   make(chan struct{}),
	}
	if len(options.types) > 0 {
		sub.types = make(map[schema.EventType]struct{}, len(options.types))
		for _, typ := range options.types {
			sub.types[typ] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrPolicy.String(sub.policy.String())))
	}

	go b.observe(ctx, sub)
	return sub, nil
}

func (b *MemoryBus) observe(ctx context.Context, sub *Subscription) {
	select {
	case <-ctx.Done():
		b.Unsubscribe(sub.id)
	case <-sub.done:
	}
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.release(sub)
}

// DisconnectAll closes every current subscription. The bus stays usable.
func (b *MemoryBus) DisconnectAll() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subscribers))
	for id, sub := range b.subscribers {
		subs = append(subs, sub)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		b.release(sub)
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.DisconnectAll()
	})
}

// Len returns the number of active subscriptions.
func (b *MemoryBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *MemoryBus) release(sub *Subscription) {
	if sub.close() && b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrPolicy.String(sub.policy.String())))
	}
}

// close ends the stream. Undelivered events are discarded so a receive after
// close observes end-of-stream immediately.
func (s *Subscription) close() bool {
	closed := false
	s.once.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		s.closed = true
		for drained := false; !drained; {
			select {
			case <-s.ch:
			default:
				drained = true
			}
		}
		close(s.ch)
		s.sendMu.Unlock()
		closed = true
	})
	return closed
}

func (s *Subscription) wants(typ schema.EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

// ID returns the subscription identifier.
func (s *Subscription) ID() SubscriptionID { return s.id }

// Policy returns the backpressure policy.
func (s *Subscription) Policy() Policy { return s.policy }

// C returns the event stream. It is closed when the subscription ends.
func (s *Subscription) C() <-chan schema.Event { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped returns how many events were discarded for this consumer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close ends the subscription.
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s.id)
}
