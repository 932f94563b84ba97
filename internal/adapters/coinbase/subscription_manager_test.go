package coinbase

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestEmptyDesiredSetYieldsNoFrames(t *testing.T) {
	m := NewSubscriptionManager()
	require.Empty(t, m.SubscribeFrames("jwt"))
	require.Empty(t, m.UnsubscribeFrames("jwt"))
}

func TestFramesFollowChannelOrderAndInsertionOrder(t *testing.T) {
	m := NewSubscriptionManager()
	require.Equal(t, []string{"ETH-USD", "BTC-USD"}, m.Add("ETH-USD", "BTC-USD", "ETH-USD", " "))

	frames := m.SubscribeFrames("token")
	require.Equal(t, []Frame{
		{Type: FrameSubscribe, ProductIDs: []string{"ETH-USD", "BTC-USD"}, Channel: ChannelLevel2, JWT: "token"},
		{Type: FrameSubscribe, ProductIDs: []string{"ETH-USD", "BTC-USD"}, Channel: ChannelTrades, JWT: "token"},
	}, frames)
}

func TestFrameWireShapeIsStable(t *testing.T) {
	m := NewSubscriptionManager()
	m.Add("BTC-USD")
	first, err := m.SubscribeFrames("abc")[0].Marshal()
	require.NoError(t, err)
	second, err := m.SubscribeFrames("abc")[0].Marshal()
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.JSONEq(t, `{"type":"subscribe","product_ids":["BTC-USD"],"channel":"level2","jwt":"abc"}`, string(first))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(first, &decoded))
	require.Len(t, decoded, 4)
}

func TestAddRemoveAreIdempotent(t *testing.T) {
	m := NewSubscriptionManager()
	m.Add("BTC-USD", "ETH-USD", "SOL-USD")
	require.Equal(t, []string{"ETH-USD"}, m.Remove("ETH-USD", "DOGE-USD"))
	require.Empty(t, m.Remove("ETH-USD"))
	require.Empty(t, m.Add("BTC-USD"))
	require.Equal(t, []string{"BTC-USD", "SOL-USD"}, m.Desired())
	require.True(t, m.Contains("SOL-USD"))
	require.False(t, m.Contains("ETH-USD"))
}

func TestFramesDoNotAliasDesiredSet(t *testing.T) {
	m := NewSubscriptionManager()
	m.Add("BTC-USD")
	frames := m.SubscribeFrames("")
	frames[0].ProductIDs[0] = "MUTATED"
	require.Equal(t, []string{"BTC-USD"}, m.Desired())
}

func TestCustomChannels(t *testing.T) {
	m := NewSubscriptionManager(ChannelTrades)
	frames := m.Frames(FrameUnsubscribe, []string{"BTC-USD"}, "t")
	require.Len(t, frames, 1)
	require.Equal(t, ChannelTrades, frames[0].Channel)
	require.Equal(t, FrameUnsubscribe, frames[0].Type)
}
