// Package transport dials the backend's per-room chat socket.
package transport

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/pelusa-v/natachat/internal/chat"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

// WebsocketBase maps an http(s) base URL onto its ws(s) counterpart.
func WebsocketBase(apiBase string) string {
	base := strings.TrimRight(apiBase, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// Dialer opens {BaseURL}/ws/chat/{roomID}/{identity}.
type Dialer struct {
	BaseURL      string
	WriteTimeout time.Duration
	ws           *websocket.Dialer
}

func NewDialer(baseURL string, handshakeTimeout time.Duration) *Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &Dialer{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		WriteTimeout: DefaultWriteTimeout,
		ws: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *Dialer) URL(roomID, identity string) string {
	return d.BaseURL + "/ws/chat/" + url.PathEscape(roomID) + "/" + url.PathEscape(identity)
}

func (d *Dialer) Dial(ctx context.Context, roomID, identity string) (chat.ConnLike, error) {
	u := d.URL(roomID, identity)
	conn, resp, err := d.ws.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: handshake status %d", u, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", u)
	}
	log.Debug().Str("component", "transport").Str("url", u).Msg("socket connected")
	return &Conn{Conn: conn, writeTimeout: d.WriteTimeout}, nil
}

// Conn bounds every write with a deadline.
type Conn struct {
	*websocket.Conn
	writeTimeout time.Duration
}

func (c *Conn) WriteMessage(messageType int, data []byte) error {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.Conn.WriteMessage(messageType, data)
}
