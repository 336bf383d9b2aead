package syncclient

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// DefaultReadLimit bounds a single inbound frame. Train data payloads can be
// large, so this is well above the websocket library default.
const DefaultReadLimit = 16 << 20

// Transport carries whole text frames. Read is only called from the receive
// loop; Write may be called concurrently.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an established websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
		// Binary frames are not part of the protocol.
	}
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

// Dial opens a websocket connection to url and starts a client on it.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	limit := opts.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)

	return New(NewWebSocketTransport(conn), opts), nil
}
