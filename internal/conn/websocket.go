package conn

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bloops-games/rapbattle/internal/errs"
	"github.com/coder/websocket"
)

// WSDialer dials a websocket endpoint of the arena.
type WSDialer struct {
	URL    string
	Header http.Header
	Client *http.Client
}

func (d WSDialer) Dial(ctx context.Context) (Transport, error) {
	c, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPHeader: d.Header,
		HTTPClient: d.Client,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %v", d.URL, errs.ErrTransientNetwork, err)
	}
	c.SetReadLimit(1 << 20)

	return &wsTransport{conn: c}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}
