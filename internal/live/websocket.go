package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Transport opens connections to the push server.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one open push connection. Send may be called concurrently with
// Read; Close unblocks a pending Read.
type Conn interface {
	Send(ctx context.Context, frame ClientFrame) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

const maxFrameBytes = 1 << 20

// WebSocketTransport dials the push server over a websocket and presents the
// bearer token on the upgrade request.
type WebSocketTransport struct {
	URL        string
	Token      string
	HTTPClient *http.Client
}

func NewWebSocketTransport(url, token string, httpClient *http.Client) *WebSocketTransport {
	return &WebSocketTransport{
		URL:        strings.TrimSpace(url),
		Token:      strings.TrimSpace(token),
		HTTPClient: httpClient,
	}
}

func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	if t.URL == "" {
		return nil, errors.New("websocket url is required")
	}
	header := http.Header{}
	if t.Token != "" {
		header.Set("Authorization", "Bearer "+t.Token)
	}
	conn, resp, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", t.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, frame ClientFrame) error {
	return wsjson.Write(ctx, c.conn, frame)
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
