// Package transport provides the duplex websocket channel used to talk to the
// venue. Two implementations share one session engine: CoderTransport on
// github.com/coder/websocket and GorillaTransport on github.com/gorilla/websocket.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/sentinel/errs"
	"github.com/coachpo/sentinel/internal/infra/telemetry"
	"github.com/coachpo/sentinel/internal/observability"
)

// Implementation names accepted by New.
const (
	KindCoder   = "coder"
	KindGorilla = "gorilla"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultPingInterval   = 25 * time.Second
	defaultPingTimeout    = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultReadLimit      = 16 << 20
	defaultSendQueue      = 256
)

var (
	// ErrNotConnected is returned by Send before the handshake completes or after the session ends.
	ErrNotConnected = errs.New("transport/send", errs.CodeTransport, errs.WithMessage("not connected"))
	// ErrSendQueueFull is returned by Send when the outbound queue cannot take another frame.
	ErrSendQueueFull = errs.New("transport/send", errs.CodeTransport, errs.WithMessage("send queue full"))
	// ErrAlreadyConnected is returned by a second Connect on the same transport.
	ErrAlreadyConnected = errs.New("transport/connect", errs.CodeInvalid, errs.WithMessage("transport already used"))
)

// MessageHandler receives one complete inbound payload. The slice is owned by the callee.
type MessageHandler func(payload []byte)

// StatusHandler receives connection edges: true once after the handshake,
// false once when an established session goes down.
type StatusHandler func(up bool)

// ErrorHandler receives the failure that ended a session or a connect attempt.
type ErrorHandler func(err error)

// Transport is a single-use duplex channel. Connect returns immediately; the
// outcome is reported through the registered handlers. No handler is invoked
// after Close returns.
type Transport interface {
	Connect(ctx context.Context) error
	Send(payload []byte) error
	Close() error
	OnMessage(MessageHandler)
	OnStatus(StatusHandler)
	OnError(ErrorHandler)
}

// Config describes the endpoint and session timing.
type Config struct {
	URL string
	// ServerName is used for SNI and certificate verification.
	ServerName string
	// TLSConfig, when set, is cloned and used as the base TLS configuration.
	TLSConfig *tls.Config

	ConnectTimeout time.Duration
	PingInterval   time.Duration
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64

	SendQueueSize int
	// SendRate limits outbound frames per second; zero disables pacing.
	SendRate  float64
	SendBurst int

	Logger observability.Logger
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueue
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	if c.Logger == nil {
		c.Logger = observability.Log()
	}
	return c
}

func (c Config) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.ServerName
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// New builds a transport of the named kind. An empty kind selects coder.
func New(kind string, cfg Config) (Transport, error) {
	switch kind {
	case "", KindCoder:
		return NewCoderTransport(cfg), nil
	case KindGorilla:
		return NewGorillaTransport(cfg), nil
	default:
		return nil, errs.New("transport/new", errs.CodeFatal, errs.WithMessage(fmt.Sprintf("unknown transport %q", kind)))
	}
}

// wire is one established websocket connection.
type wire interface {
	read(ctx context.Context) ([]byte, error)
	write(ctx context.Context, payload []byte) error
	ping(ctx context.Context) error
	close(graceful bool)
}

type dialFunc func(ctx context.Context, cfg Config) (wire, error)

type metrics struct {
	received   metric.Int64Counter
	sent       metric.Int64Counter
	failures   metric.Int64Counter
	sessions   metric.Int64Counter
	queueDepth metric.Int64UpDownCounter
}

func newMetrics() metrics {
	meter := otel.Meter("sentinel/transport")
	var m metrics
	m.received, _ = meter.Int64Counter("transport.messages.received",
		metric.WithDescription("Inbound websocket messages"),
		metric.WithUnit("{message}"))
	m.sent, _ = meter.Int64Counter("transport.frames.sent",
		metric.WithDescription("Outbound frames written"),
		metric.WithUnit("{frame}"))
	m.failures, _ = meter.Int64Counter("transport.errors",
		metric.WithDescription("Connect, read, write and ping failures"),
		metric.WithUnit("{error}"))
	m.sessions, _ = meter.Int64Counter("transport.connections",
		metric.WithDescription("Connection state edges"),
		metric.WithUnit("{edge}"))
	m.queueDepth, _ = meter.Int64UpDownCounter("transport.send.queue",
		metric.WithDescription("Frames waiting in the send queue"),
		metric.WithUnit("{frame}"))
	return m
}

// session drives one websocket connection: a single reader, a single writer
// draining the send queue FIFO, and a ping loop.
type session struct {
	kind string
	cfg  Config
	dial dialFunc
	id   string
	log  observability.Logger

	handlersMu sync.RWMutex
	onMessage  MessageHandler
	onStatus   StatusHandler
	onError    ErrorHandler

	lifecycle sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc

	started atomic.Bool
	up      atomic.Bool
	closed  atomic.Bool

	outbox  chan []byte
	limiter *rate.Limiter

	wireMu sync.Mutex
	conn   wire

	endOnce sync.Once
	wg      conc.WaitGroup
	metrics metrics
}

func newSession(kind string, cfg Config, dial dialFunc) *session {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	return &session{
		kind:    kind,
		cfg:     cfg,
		dial:    dial,
		id:      id,
		log:     observability.With(cfg.Logger, observability.F("component", "transport"), observability.F("transport", kind), observability.F("session", id)),
		outbox:  make(chan []byte, cfg.SendQueueSize),
		limiter: rate.NewLimiter(limit, cfg.SendBurst),
		metrics: newMetrics(),
	}
}

// SessionID identifies this transport in logs.
func (s *session) SessionID() string { return s.id }

// OnMessage registers the inbound payload handler.
func (s *session) OnMessage(h MessageHandler) {
	s.handlersMu.Lock()
	s.onMessage = h
	s.handlersMu.Unlock()
}

// OnStatus registers the connection edge handler.
func (s *session) OnStatus(h StatusHandler) {
	s.handlersMu.Lock()
	s.onStatus = h
	s.handlersMu.Unlock()
}

// OnError registers the failure handler.
func (s *session) OnError(h ErrorHandler) {
	s.handlersMu.Lock()
	s.onError = h
	s.handlersMu.Unlock()
}

func (s *session) handlers() (MessageHandler, StatusHandler, ErrorHandler) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return s.onMessage, s.onStatus, s.onError
}

// Connect starts the handshake in the background.
func (s *session) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.closed.Load() {
		return errs.New("transport/connect", errs.CodeUnavailable, errs.WithMessage("transport closed"))
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Go(s.run)
	return nil
}

func (s *session) run() {
	dialCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	conn, err := s.dial(dialCtx, s.cfg)
	cancel()
	if err != nil {
		s.end(errs.New("transport/connect", errs.CodeTransport,
			errs.WithMessage("connect "+s.cfg.URL), errs.WithCause(err)))
		return
	}

	s.wireMu.Lock()
	if s.closed.Load() {
		s.wireMu.Unlock()
		conn.close(false)
		return
	}
	s.conn = conn
	s.wireMu.Unlock()

	s.up.Store(true)
	s.metrics.sessions.Add(s.ctx, 1, metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.Environment(), s.kind, "up")...))
	s.log.Info("websocket connected", observability.F("url", s.cfg.URL))
	if _, onStatus, _ := s.handlers(); onStatus != nil && !s.closed.Load() {
		onStatus(true)
	}

	s.wg.Go(s.writeLoop)
	s.wg.Go(s.pingLoop)
	s.readLoop(conn)
}

func (s *session) readLoop(conn wire) {
	for {
		payload, err := conn.read(s.ctx)
		if err != nil {
			s.end(errs.New("transport/read", errs.CodeTransport, errs.WithMessage("read"), errs.WithCause(err)))
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		s.metrics.received.Add(s.ctx, 1)
		if onMessage, _, _ := s.handlers(); onMessage != nil {
			onMessage(payload)
		}
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case payload := <-s.outbox:
			s.metrics.queueDepth.Add(s.ctx, -1)
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
			writeCtx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
			err := s.current().write(writeCtx, payload)
			cancel()
			if err != nil {
				s.end(errs.New("transport/write", errs.CodeTransport, errs.WithMessage("write"), errs.WithCause(err)))
				return
			}
			s.metrics.sent.Add(s.ctx, 1)
		}
	}
}

func (s *session) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, s.cfg.PingTimeout)
			err := s.current().ping(pingCtx)
			cancel()
			if err != nil {
				s.end(errs.New("transport/ping", errs.CodeTransport, errs.WithMessage("ping"), errs.WithCause(err)))
				return
			}
		}
	}
}

func (s *session) current() wire {
	s.wireMu.Lock()
	defer s.wireMu.Unlock()
	return s.conn
}

// end tears the session down once. An established session reports
// status false before the error; a failed connect reports only the error.
func (s *session) end(cause error) {
	s.endOnce.Do(func() {
		userClosed := s.closed.Load()
		s.cancel()
		wasUp := s.up.Swap(false)
		if conn := s.current(); conn != nil {
			conn.close(userClosed)
		}
		if userClosed {
			return
		}

		s.metrics.failures.Add(context.Background(), 1, metric.WithAttributes(telemetry.ErrorAttributes(telemetry.Environment(), string(errs.CodeOf(cause)), s.kind)...))
		s.log.Error("websocket session ended", observability.F("error", cause), observability.F("was_up", wasUp))

		_, onStatus, onError := s.handlers()
		if wasUp {
			s.metrics.sessions.Add(context.Background(), 1, metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.Environment(), s.kind, "down")...))
			if onStatus != nil {
				onStatus(false)
			}
		}
		if onError != nil && cause != nil {
			onError(cause)
		}
	})
}

// Send queues payload for the writer. The payload is copied.
func (s *session) Send(payload []byte) error {
	if !s.up.Load() || s.closed.Load() {
		return ErrNotConnected
	}
	frame := append([]byte(nil), payload...)
	select {
	case s.outbox <- frame:
		s.metrics.queueDepth.Add(s.ctx, 1)
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops the session and waits for its goroutines. No handler runs after
// Close returns. Close is idempotent.
func (s *session) Close() error {
	s.lifecycle.Lock()
	first := s.closed.CompareAndSwap(false, true)
	started := s.started.Load()
	s.lifecycle.Unlock()
	if !first || !started {
		return nil
	}
	s.end(nil)
	s.wg.Wait()
	s.log.Debug("websocket closed")
	return nil
}
