package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// GorillaTransport is the event-driven variant built on github.com/gorilla/websocket.
type GorillaTransport struct {
	*session
}

// NewGorillaTransport constructs an unconnected transport.
func NewGorillaTransport(cfg Config) *GorillaTransport {
	return &GorillaTransport{session: newSession(KindGorilla, cfg, dialGorilla)}
}

func dialGorilla(ctx context.Context, cfg Config) (wire, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.ConnectTimeout,
		TLSClientConfig:  cfg.tlsConfig(),
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(cfg.ReadLimit)
	w := &gorillaWire{conn: conn, pongs: make(chan struct{}, 1)}
	conn.SetPongHandler(func(string) error {
		select {
		case w.pongs <- struct{}{}:
		default:
		}
		return nil
	})
	return w, nil
}

type gorillaWire struct {
	conn  *websocket.Conn
	pongs chan struct{}

	closeOnce sync.Once
}

// read blocks until a message arrives; it is unblocked by close.
func (w *gorillaWire) read(context.Context) ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (w *gorillaWire) write(ctx context.Context, payload []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(deadline)
	}
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// ping sends a control frame and waits for the pong observed by the read loop.
func (w *gorillaWire) ping(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultPingTimeout)
	}
	select {
	case <-w.pongs:
	default:
	}
	if err := w.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return err
	}
	select {
	case <-w.pongs:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await pong: %w", ctx.Err())
	}
}

func (w *gorillaWire) close(graceful bool) {
	w.closeOnce.Do(func() {
		if graceful {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
			_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = w.conn.Close()
	})
}
