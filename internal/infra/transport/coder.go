package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// CoderTransport is the primary transport, built on github.com/coder/websocket.
type CoderTransport struct {
	*session
}

// NewCoderTransport constructs an unconnected transport.
func NewCoderTransport(cfg Config) *CoderTransport {
	return &CoderTransport{session: newSession(KindCoder, cfg, dialCoder)}
}

func dialCoder(ctx context.Context, cfg Config) (wire, error) {
	httpTransport := http.DefaultTransport.(*http.Transport).Clone()
	httpTransport.TLSClientConfig = cfg.tlsConfig()

	conn, resp, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: httpTransport},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(cfg.ReadLimit)
	return &coderWire{conn: conn}, nil
}

type coderWire struct {
	conn *websocket.Conn
}

func (w *coderWire) read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (w *coderWire) write(ctx context.Context, payload []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, payload)
}

// ping requires the concurrent read loop to observe the pong.
func (w *coderWire) ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

func (w *coderWire) close(graceful bool) {
	if graceful {
		_ = w.conn.Close(websocket.StatusNormalClosure, "shutdown")
		return
	}
	_ = w.conn.CloseNow()
}
