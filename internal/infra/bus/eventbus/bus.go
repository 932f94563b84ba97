// Package eventbus fans typed market-data events out to in-process consumers.
package eventbus

import (
	"context"

	"github.com/coachpo/sentinel/errs"
	"github.com/coachpo/sentinel/internal/domain/schema"
	"github.com/coachpo/sentinel/internal/observability"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Policy selects what happens when a consumer's buffer is full.
type Policy int

const (
	// DropOldest discards the oldest undelivered event and counts it.
	DropOldest Policy = iota
	// Block suspends the publisher until the consumer has room.
	Block
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// ErrClosed is returned once the bus has been closed.
var ErrClosed = errs.New("eventbus", errs.CodeUnavailable, errs.WithMessage("bus closed"))

// Bus delivers events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt schema.Event) error
	Subscribe(ctx context.Context, opts ...SubscribeOption) (*Subscription, error)
	Unsubscribe(id SubscriptionID)
	DisconnectAll()
	Close()
}

// MemoryConfig configures the in-memory bus.
type MemoryConfig struct {
	// BufferSize is the default per-subscriber channel capacity.
	BufferSize    int
	FanoutWorkers int
	Logger        observability.Logger
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if c.Logger == nil {
		c.Logger = observability.Log()
	}
	return c
}

type subscribeOptions struct {
	policy Policy
	buffer int
	types  []schema.EventType
}

// SubscribeOption customises a subscription.
type SubscribeOption func(*subscribeOptions)

// WithPolicy selects the backpressure policy. DropOldest is the default.
func WithPolicy(p Policy) SubscribeOption {
	return func(o *subscribeOptions) {
		o.policy = p
	}
}

// WithBuffer overrides the channel capacity for this subscription.
func WithBuffer(size int) SubscribeOption {
	return func(o *subscribeOptions) {
		if size > 0 {
			o.buffer = size
		}
	}
}

// WithTypes restricts delivery to the given event types.
func WithTypes(types ...schema.EventType) SubscribeOption {
	return func(o *subscribeOptions) {
		o.types = append(o.types, types...)
	}
}
