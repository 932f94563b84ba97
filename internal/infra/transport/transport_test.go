package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/sentinel/errs"
)

var kinds = []string{KindCoder, KindGorilla}

type wsServer struct {
	srv      *httptest.Server
	received chan string
	outgoing chan string
	conns    chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		received: make(chan string, 128),
		outgoing: make(chan string, 128),
		conns:    make(chan *websocket.Conn, 4),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			for {
				select {
				case msg := <-s.outgoing:
					if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			s.received <- string(data)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func toWebsocketURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

type recorder struct {
	events chan string
	errs   chan error
}

func attach(tr Transport) *recorder {
	rec := &recorder{events: make(chan string, 128), errs: make(chan error, 8)}
	tr.OnMessage(func(payload []byte) { rec.events <- "msg:" + string(payload) })
	tr.OnStatus(func(up bool) { rec.events <- fmt.Sprintf("status:%v", up) })
	tr.OnError(func(err error) {
		rec.errs <- err
		rec.events <- "error"
	})
	return rec
}

func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case evt := <-r.events:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return ""
	}
}

func (r *recorder) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case evt := <-r.events:
		t.Fatalf("unexpected event %q", evt)
	case <-time.After(d):
	}
}

func newTransport(t *testing.T, kind, url string, mutate func(*Config)) Transport {
	t.Helper()
	cfg := Config{URL: url, ServerName: "127.0.0.1", PingInterval: time.Hour}
	if mutate != nil {
		mutate(&cfg)
	}
	tr, err := New(kind, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestRoundTrip(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			srv := newWSServer(t)
			tr := newTransport(t, kind, toWebsocketURL(srv.srv.URL), nil)
			rec := attach(tr)

			require.ErrorIs(t, tr.Send([]byte("early")), ErrNotConnected)
			require.NoError(t, tr.Connect(context.Background()))
			require.Equal(t, "status:true", rec.next(t))

			srv.outgoing <- `{"channel":"market_trades"}`
			require.Equal(t, `msg:{"channel":"market_trades"}`, rec.next(t))

			for i := 0; i < 20; i++ {
				require.NoError(t, tr.Send([]byte(fmt.Sprintf("frame-%02d", i))))
			}
			for i := 0; i < 20; i++ {
				select {
				case got := <-srv.received:
					require.Equal(t, fmt.Sprintf("frame-%02d", i), got)
				case <-time.After(5 * time.Second):
					t.Fatalf("frame %d not received", i)
				}
			}
		})
	}
}

func TestServerCloseSignalsDownOnceThenError(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			srv := newWSServer(t)
			tr := newTransport(t, kind, toWebsocketURL(srv.srv.URL), nil)
			rec := attach(tr)
			require.NoError(t, tr.Connect(context.Background()))
			require.Equal(t, "status:true", rec.next(t))

			conn := <-srv.conns
			_ = conn.CloseNow()

			require.Equal(t, "status:false", rec.next(t))
			require.Equal(t, "error", rec.next(t))
			require.True(t, errs.Is(<-rec.errs, errs.CodeTransport))
			rec.quiet(t, 100*time.Millisecond)
			require.ErrorIs(t, tr.Send([]byte("late")), ErrNotConnected)
		})
	}
}

func TestConnectFailureReportsErrorOnly(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := toWebsocketURL(dead.URL)
	dead.Close()

	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			tr := newTransport(t, kind, url, func(cfg *Config) { cfg.ConnectTimeout = 2 * time.Second })
			rec := attach(tr)
			require.NoError(t, tr.Connect(context.Background()))
			require.Equal(t, "error", rec.next(t))
			err := <-rec.errs
			require.True(t, errs.Is(err, errs.CodeTransport))
			require.ErrorIs(t, tr.Connect(context.Background()), ErrAlreadyConnected)
		})
	}
}

func TestCloseSilencesHandlers(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			srv := newWSServer(t)
			tr := newTransport(t, kind, toWebsocketURL(srv.srv.URL), nil)
			rec := attach(tr)
			require.NoError(t, tr.Connect(context.Background()))
			require.Equal(t, "status:true", rec.next(t))

			require.NoError(t, tr.Close())
			require.NoError(t, tr.Close())
			srv.outgoing <- "after-close"
			rec.quiet(t, 150*time.Millisecond)
			require.ErrorIs(t, tr.Send([]byte("x")), ErrNotConnected)
		})
	}
}

func TestCloseBeforeConnect(t *testing.T) {
	tr := NewCoderTransport(Config{URL: "ws://127.0.0.1:1"})
	require.NoError(t, tr.Close())
	err := tr.Connect(context.Background())
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestPingKeepsSessionAlive(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			srv := newWSServer(t)
			tr := newTransport(t, kind, toWebsocketURL(srv.srv.URL), func(cfg *Config) {
				cfg.PingInterval = 20 * time.Millisecond
				cfg.PingTimeout = time.Second
			})
			rec := attach(tr)
			require.NoError(t, tr.Connect(context.Background()))
			require.Equal(t, "status:true", rec.next(t))
			rec.quiet(t, 200*time.Millisecond)
		})
	}
}

func TestSendQueueFull(t *testing.T) {
	s := newSession(KindCoder, Config{SendQueueSize: 1}, nil)
	s.up.Store(true)
	s.ctx = context.Background()
	require.NoError(t, s.Send([]byte("a")))
	require.ErrorIs(t, s.Send([]byte("b")), ErrSendQueueFull)
}

func TestUnknownKind(t *testing.T) {
	_, err := New("carrier-pigeon", Config{})
	require.True(t, errs.Is(err, errs.CodeFatal))
}

func TestTLSConfigCarriesServerName(t *testing.T) {
	cfg := Config{ServerName: "advanced-trade-ws.coinbase.com"}.tlsConfig()
	require.Equal(t, "advanced-trade-ws.coinbase.com", cfg.ServerName)
	require.False(t, cfg.InsecureSkipVerify)
	require.NotZero(t, cfg.MinVersion)
}
