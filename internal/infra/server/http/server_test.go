package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/sentinel/internal/app/cache"
	"github.com/coachpo/sentinel/internal/app/marketdata"
	"github.com/coachpo/sentinel/internal/domain/schema"
	"github.com/coachpo/sentinel/internal/infra/config"
)

type stubCore struct {
	mu      sync.Mutex
	state   marketdata.State
	stats   marketdata.Stats
	desired []string
	cache   *cache.Cache
}

func newStubCore() *stubCore {
	return &stubCore{state: marketdata.StateUp, cache: cache.New(cache.Config{})}
}

func (s *stubCore) State() marketdata.State { return s.state }
func (s *stubCore) Stats() marketdata.Stats { return s.stats }
func (s *stubCore) Cache() *cache.Cache     { return s.cache }

func (s *stubCore) Desired() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.desired...)
}

func (s *stubCore) Subscribe(products ...string) {
	s.mu.Lock()
	s.desired = append(s.desired, products...)
	s.mu.Unlock()
}

func (s *stubCore) Unsubscribe(products ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.desired[:0]
	for _, d := range s.desired {
		drop := false
		for _, p := range products {
			drop = drop || d == p
		}
		if !drop {
			kept = append(kept, d)
		}
	}
	s.desired = kept
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealthReflectsConnectionState(t *testing.T) {
	core := newStubCore()
	h := NewHandler(config.EnvDev, core)

	rec, body := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "up", body["state"])
	require.Equal(t, "dev", body["environment"])

	core.state = marketdata.StateBackoff
	rec, body = do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "degraded", body["status"])
}

func TestStats(t *testing.T) {
	core := newStubCore()
	core.stats = marketdata.Stats{State: marketdata.StateUp, Trades: 3, ParseErrors: 1, LastBackoff: 2 * time.Second}
	rec, body := do(t, NewHandler(config.EnvDev, core), http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "up", body["state"])
	require.EqualValues(t, 3, body["trades"])
	require.EqualValues(t, 1, body["parseErrors"])
	require.EqualValues(t, 2000, body["lastBackoffMs"])
}

func TestProductsLifecycle(t *testing.T) {
	core := newStubCore()
	h := NewHandler(config.EnvDev, core)

	rec, body := do(t, h, http.MethodGet, "/products", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []any{}, body["desired"])

	rec, body = do(t, h, http.MethodPost, "/products", `{"products":[" btc-usd ","","ETH-USD"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []any{"BTC-USD", "ETH-USD"}, body["products"])
	require.Equal(t, []string{"BTC-USD", "ETH-USD"}, core.Desired())

	rec, _ = do(t, h, http.MethodDelete, "/products/btc-usd", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"ETH-USD"}, core.Desired())

	rec, _ = do(t, h, http.MethodPost, "/products", `{"products":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/products", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/products", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodPut, "/products", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, "GET, POST", rec.Header().Get("Allow"))
}

func TestBookEndpoint(t *testing.T) {
	core := newStubCore()
	ts := time.Date(2025, 10, 9, 12, 0, 0, 0, time.UTC)
	_, err := core.cache.InitializeLiveOrderBook("BTC-USD",
		[]schema.PriceLevel{{Price: 99, Quantity: 2}, {Price: 100, Quantity: 1}},
		[]schema.PriceLevel{{Price: 101, Quantity: 3}}, ts)
	require.NoError(t, err)
	h := NewHandler(config.EnvDev, core)

	rec, body := do(t, h, http.MethodGet, "/books/btc-usd?depth=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "BTC-USD", body["product"])
	require.Equal(t, []any{map[string]any{"price": 100.0, "quantity": 1.0}}, body["bids"])
	require.Equal(t, "2025-10-09T12:00:00Z", body["timestamp"])
	require.Equal(t, false, body["stale"])

	rec, _ = do(t, h, http.MethodGet, "/books/ETH-USD", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, h, http.MethodGet, "/books/BTC-USD?depth=0", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTradesEndpointThreadsLastSeenID(t *testing.T) {
	core := newStubCore()
	for _, id := range []string{"1", "2", "3"} {
		core.cache.StoreTrade(schema.Trade{Product: "BTC-USD", TradeID: id, Price: 100, Size: 1, Side: schema.SideBid})
	}
	h := NewHandler(config.EnvDev, core)

	rec, body := do(t, h, http.MethodGet, "/trades/BTC-USD", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["trades"], 3)

	_, body = do(t, h, http.MethodGet, "/trades/BTC-USD?since=2", "")
	trades := body["trades"].([]any)
	require.Len(t, trades, 1)
	require.Equal(t, "3", trades[0].(map[string]any)["tradeId"])
	require.Equal(t, "bid", trades[0].(map[string]any)["side"])
}

func TestCORSPreflight(t *testing.T) {
	rec, _ := do(t, NewHandler(config.EnvDev, newStubCore()), http.MethodOptions, "/stats", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
