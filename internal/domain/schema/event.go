// Package schema defines the typed events and value types shared across the market-data core.
package schema

import (
	"errors"
	"slices"
	"time"

	"github.com/coachpo/sentinel/errs"
)

// EventType classifies events for routing and telemetry.
type EventType string

const (
	EventTypeTrade            EventType = "trade"
	EventTypeBookSnapshot     EventType = "book_snapshot"
	EventTypeBookUpdate       EventType = "book_update"
	EventTypeBookDelta        EventType = "book_delta"
	EventTypeSubscriptionAck  EventType = "subscription_ack"
	EventTypeConnectionStatus EventType = "connection_status"
	EventTypeProviderError    EventType = "provider_error"
)

// Event is a typed market-data event. Clone returns a copy that shares no
// backing arrays with the receiver.
type Event interface {
	Type() EventType
	ProductID() string
	Clone() Event
}

// BookSnapshot is a full book baseline. Bids are best-first descending, asks
// best-first ascending.
type BookSnapshot struct {
	Product   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

func (BookSnapshot) Type() EventType     { return EventTypeBookSnapshot }
func (s BookSnapshot) ProductID() string { return s.Product }

func (s BookSnapshot) Clone() Event {
	s.Bids = slices.Clone(s.Bids)
	s.Asks = slices.Clone(s.Asks)
	return s
}

// BookUpdate is an incremental batch as decoded from the wire. It is consumed
// by the cache and never published to consumers; they receive BookDelta.
type BookUpdate struct {
	Product   string
	Updates   []LevelUpdate
	Timestamp time.Time
}

func (BookUpdate) Type() EventType     { return EventTypeBookUpdate }
func (u BookUpdate) ProductID() string { return u.Product }

func (u BookUpdate) Clone() Event {
	u.Updates = slices.Clone(u.Updates)
	return u
}

// BookDelta is the batch of level mutations produced by applying one update.
type BookDelta struct {
	Product   string
	Deltas    []Delta
	Timestamp time.Time
}

func (BookDelta) Type() EventType     { return EventTypeBookDelta }
func (d BookDelta) ProductID() string { return d.Product }

func (d BookDelta) Clone() Event {
	d.Deltas = slices.Clone(d.Deltas)
	return d
}

// SubscriptionAck lists the products the venue confirmed.
type SubscriptionAck struct {
	Products []string
}

func (SubscriptionAck) Type() EventType   { return EventTypeSubscriptionAck }
func (SubscriptionAck) ProductID() string { return "" }

func (a SubscriptionAck) Clone() Event {
	a.Products = slices.Clone(a.Products)
	return a
}

// ConnectionStatus reports a transport edge.
type ConnectionStatus struct {
	Up bool
}

func (ConnectionStatus) Type() EventType   { return EventTypeConnectionStatus }
func (ConnectionStatus) ProductID() string { return "" }
func (c ConnectionStatus) Clone() Event    { return c }

// ProviderError surfaces a venue-reported, protocol, auth or transport error.
type ProviderError struct {
	Code    errs.Code
	Product string
	Message string
}

func (ProviderError) Type() EventType     { return EventTypeProviderError }
func (e ProviderError) ProductID() string { return e.Product }
func (e ProviderError) Clone() Event      { return e }

// ProviderErrorFrom converts an error envelope into a consumer event.
func ProviderErrorFrom(err error) ProviderError {
	var product string
	msg := err.Error()
	var e *errs.E
	if errors.As(err, &e) {
		product = e.Product
		if e.Message != "" {
			msg = e.Message
		}
	}
	return ProviderError{Code: errs.CodeOf(err), Product: product, Message: msg}
}
