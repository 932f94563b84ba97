package coinbase

import (
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

// Outbound channel names, in the order frames are emitted.
const (
	ChannelLevel2 = "level2"
	ChannelTrades = "market_trades"
)

// Frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// DefaultChannels lists the channels subscribed for every product.
var DefaultChannels = []string{ChannelLevel2, ChannelTrades}

// Frame is an outbound subscription control message.
type Frame struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channel    string   `json:"channel"`
	JWT        string   `json:"jwt,omitempty"`
}

// Marshal encodes the frame as sent on the wire.
func (f Frame) Marshal() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", f.Type, err)
	}
	return data, nil
}

// SubscriptionManager holds the desired product set in insertion order and
// builds subscription frames from it. It never reacts to wire activity.
type SubscriptionManager struct {
	channels []string

	mu      sync.RWMutex
	desired []string
	index   map[string]struct{}
}

// NewSubscriptionManager constructs a manager for the given channels, or
// DefaultChannels when none are given.
func NewSubscriptionManager(channels ...string) *SubscriptionManager {
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	return &SubscriptionManager{
		channels: append([]string(nil), channels...),
		index:    make(map[string]struct{}),
	}
}

// Add appends products not already desired and returns the ones added.
func (m *SubscriptionManager) Add(products ...string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := make([]string, 0, len(products))
	for _, p := range products {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := m.index[p]; ok {
			continue
		}
		m.index[p] = struct{}{}
		m.desired = append(m.desired, p)
		added = append(added, p)
	}
	return added
}

// Remove drops desired products and returns the ones removed.
func (m *SubscriptionManager) Remove(products ...string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := make([]string, 0, len(products))
	for _, p := range products {
		p = strings.TrimSpace(p)
		if _, ok := m.index[p]; !ok {
			continue
		}
		delete(m.index, p)
		removed = append(removed, p)
	}
	if len(removed) == 0 {
		return removed
	}
	kept := m.desired[:0]
	for _, p := range m.desired {
		if _, ok := m.index[p]; ok {
			kept = append(kept, p)
		}
	}
	m.desired = kept
	return removed
}

// Desired returns a copy of the desired set in insertion order.
func (m *SubscriptionManager) Desired() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.desired...)
}

// Contains reports whether product is desired.
func (m *SubscriptionManager) Contains(product string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.index[product]
	return ok
}

// SubscribeFrames builds subscribe frames for the whole desired set.
func (m *SubscriptionManager) SubscribeFrames(jwt string) []Frame {
	return m.Frames(FrameSubscribe, m.Desired(), jwt)
}

// UnsubscribeFrames builds unsubscribe frames for the whole desired set.
func (m *SubscriptionManager) UnsubscribeFrames(jwt string) []Frame {
	return m.Frames(FrameUnsubscribe, m.Desired(), jwt)
}

// Frames builds one frame per channel for products. No products yields no frames.
func (m *SubscriptionManager) Frames(frameType string, products []string, jwt string) []Frame {
	if len(products) == 0 {
		return nil
	}
	frames := make([]Frame, 0, len(m.channels))
	for _, ch := range m.channels {
		frames = append(frames, Frame{
			Type:       frameType,
			ProductIDs: append([]string(nil), products...),
			Channel:    ch,
			JWT:        jwt,
		})
	}
	return frames
}
