// Package httpserver exposes HTTP handlers for inspecting the live stream and
// managing the desired product set.
package httpserver

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/sentinel/internal/app/cache"
	"github.com/coachpo/sentinel/internal/app/marketdata"
	"github.com/coachpo/sentinel/internal/domain/schema"
	"github.com/coachpo/sentinel/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath = "/health"
	statsPath  = "/stats"

	productsPath        = "/products"
	productDetailPrefix = productsPath + "/"

	booksPrefix  = "/books/"
	tradesPrefix = "/trades/"

	maxBookDepth = 1000
)

// MarketData is the part of the core the API reads and steers.
type MarketData interface {
	State() marketdata.State
	Stats() marketdata.Stats
	Desired() []string
	Subscribe(products ...string)
	Unsubscribe(products ...string)
	Cache() *cache.Cache
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	core        MarketData
	clock       func() time.Time
}

// NewHandler builds the API mux.
func NewHandler(environment config.Environment, core MarketData) http.Handler {
	server := &httpServer{environment: environment, core: core, clock: time.Now}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))
	mux.Handle(statsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStats,
	}))
	mux.Handle(productsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listProducts,
		http.MethodPost: server.subscribeProducts,
	}))
	mux.Handle(productDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodDelete: server.unsubscribeProduct,
	}))
	mux.Handle(booksPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getBook,
	}))
	mux.Handle(tradesPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getTrades,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

type healthPayload struct {
	Status      string `json:"status"`
	State       string `json:"state"`
	Environment string `json:"environment"`
	Time        string `json:"time"`
}

// getHealth reports 200 only while the session is up.
func (s *httpServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.core.State()
	payload := healthPayload{
		Status:      "ok",
		State:       state.String(),
		Environment: string(s.environment),
		Time:        s.clock().UTC().Format(time.RFC3339Nano),
	}
	status := http.StatusOK
	if state != marketdata.StateUp {
		payload.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

type statsPayload struct {
	State           string `json:"state"`
	Messages        uint64 `json:"messages"`
	Trades          uint64 `json:"trades"`
	BookSnapshots   uint64 `json:"bookSnapshots"`
	BookDeltas      uint64 `json:"bookDeltas"`
	ParseErrors     uint64 `json:"parseErrors"`
	SkippedElements uint64 `json:"skippedElements"`
	ProtocolErrors  uint64 `json:"protocolErrors"`
	TransportErrors uint64 `json:"transportErrors"`
	AuthErrors      uint64 `json:"authErrors"`
	Reconnects      uint64 `json:"reconnects"`
	Resyncs         uint64 `json:"resyncs"`
	SequenceGaps    uint64 `json:"sequenceGaps"`
	LastBackoffMS   int64  `json:"lastBackoffMs"`
}

func (s *httpServer) getStats(w http.ResponseWriter, _ *http.Request) {
	st := s.core.Stats()
	writeJSON(w, http.StatusOK, statsPayload{
		State:           st.State.String(),
		Messages:        st.Messages,
		Trades:          st.Trades,
		BookSnapshots:   st.BookSnapshots,
		BookDeltas:      st.BookDeltas,
		ParseErrors:     st.ParseErrors,
		SkippedElements: st.SkippedElements,
		ProtocolErrors:  st.ProtocolErrors,
		TransportErrors: st.TransportErrors,
		AuthErrors:      st.AuthErrors,
		Reconnects:      st.Reconnects,
		Resyncs:         st.Resyncs,
		SequenceGaps:    st.SequenceGaps,
		LastBackoffMS:   st.LastBackoff.Milliseconds(),
	})
}

type productsPayload struct {
	Products []string `json:"products"`
}

func (s *httpServer) listProducts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"desired": nonNil(s.core.Desired()),
		"books":   nonNil(s.core.Cache().Products()),
	})
}

func (s *httpServer) subscribeProducts(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload productsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	products := normalizeProducts(payload.Products)
	if len(products) == 0 {
		writeError(w, http.StatusBadRequest, "products required")
		return
	}
	s.core.Subscribe(products...)
	writeJSON(w, http.StatusAccepted, productsPayload{Products: products})
}

func (s *httpServer) unsubscribeProduct(w http.ResponseWriter, r *http.Request) {
	product := pathProduct(r, productDetailPrefix)
	if product == "" {
		writeError(w, http.StatusNotFound, "product required")
		return
	}
	s.core.Unsubscribe(product)
	writeJSON(w, http.StatusAccepted, productsPayload{Products: []string{product}})
}

type levelPayload struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

type bookPayload struct {
	Product   string         `json:"product"`
	Bids      []levelPayload `json:"bids"`
	Asks      []levelPayload `json:"asks"`
	Timestamp string         `json:"timestamp"`
	Stale     bool           `json:"stale"`
}

func (s *httpServer) getBook(w http.ResponseWriter, r *http.Request) {
	product := pathProduct(r, booksPrefix)
	depth, err := parseDepth(r.URL.Query().Get("depth"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var payload bookPayload
	found := s.core.Cache().ViewLiveOrderBook(product, func(view cache.BookView) {
		payload = bookPayload{
			Product:   view.Product(),
			Bids:      levels(view.Bids(depth)),
			Asks:      levels(view.Asks(depth)),
			Timestamp: view.Timestamp().UTC().Format(time.RFC3339Nano),
			Stale:     view.Stale(),
		}
	})
	if !found {
		writeError(w, http.StatusNotFound, "book not found")
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type tradePayload struct {
	TradeID    string  `json:"tradeId"`
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
	Side       string  `json:"side"`
	ExchangeTS string  `json:"exchangeTs"`
}

func (s *httpServer) getTrades(w http.ResponseWriter, r *http.Request) {
	product := pathProduct(r, tradesPrefix)
	if product == "" {
		writeError(w, http.StatusNotFound, "product required")
		return
	}
	trades := s.core.Cache().NewTrades(product, strings.TrimSpace(r.URL.Query().Get("since")))
	out := make([]tradePayload, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradePayload{
			TradeID:    t.TradeID,
			Price:      t.Price,
			Size:       t.Size,
			Side:       t.Side.String(),
			ExchangeTS: t.ExchangeTS.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product, "trades": out})
}

func levels(in []schema.PriceLevel) []levelPayload {
	out := make([]levelPayload, 0, len(in))
	for _, l := range in {
		out = append(out, levelPayload{Price: l.Price, Quantity: l.Quantity})
	}
	return out
}

// parseDepth accepts an empty value (full book) or 1..maxBookDepth.
func parseDepth(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	depth, err := strconv.Atoi(raw)
	if err != nil || depth < 1 || depth > maxBookDepth {
		return 0, errors.New("depth must be between 1 and " + strconv.Itoa(maxBookDepth))
	}
	return depth, nil
}

func pathProduct(r *http.Request, prefix string) string {
	return strings.ToUpper(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/ "))
}

func normalizeProducts(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "request body required")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid JSON payload")
}

func isRequestTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
