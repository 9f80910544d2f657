package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// webSocketTransport sends the request as one JSON text frame and treats the
// concatenated payload of every received frame as the event stream.
type webSocketTransport struct {
	endpoint *url.URL
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

func newWebSocketTransport(u *url.URL, logger *slog.Logger) *webSocketTransport {
	return &webSocketTransport{
		endpoint: u,
		dialer:   websocket.DefaultDialer,
		logger:   logger,
	}
}

func (t *webSocketTransport) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	conn, resp, err := t.dialer.DialContext(ctx, withCollection(t.endpoint, req.Collection), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			return nil, &ProtocolError{StatusCode: resp.StatusCode}
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}

	if err := conn.WriteJSON(newRequestBody(req)); err != nil {
		conn.Close()
		return nil, &TransportError{Op: "write", Err: fmt.Errorf("failed to write request: %w", err)}
	}

	t.logger.Debug("opened websocket chat stream", "url", t.endpoint.Host)
	return &wsBody{conn: conn}, nil
}

// wsBody adapts a websocket connection to io.ReadCloser
type wsBody struct {
	conn *websocket.Conn
	cur  io.Reader
	once sync.Once
}

func (b *wsBody) Read(p []byte) (int, error) {
	for {
		if b.cur == nil {
			_, r, err := b.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			b.cur = r
		}
		n, err := b.cur.Read(p)
		if errors.Is(err, io.EOF) {
			b.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Close sends a normal closure frame and closes the connection
func (b *wsBody) Close() error {
	var err error
	b.once.Do(func() {
		deadline := time.Now().Add(time.Second)
		b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = b.conn.Close()
	})
	return err
}
