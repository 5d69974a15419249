// internal/push/websocket.go
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub protocol framing: JSON messages terminated by the record separator.
const recordSeparator = 0x1e

const (
	frameInvocation = 1
	framePing       = 6
	frameClose      = 7
)

var ErrHandshake = errors.New("hub handshake failed")

type hubFrame struct {
	Type      int               `json:"type"`
	Target    string            `json:"target,omitempty"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// WebSocketTransport speaks the hub's JSON protocol over a websocket.
type WebSocketTransport struct {
	URL          string
	Header       http.Header
	Dialer       *websocket.Dialer
	PingInterval time.Duration
}

func NewWebSocketTransport(hubURL string) *WebSocketTransport {
	return &WebSocketTransport{
		URL: hubURL,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		PingInterval: 15 * time.Second,
	}
}

func (t *WebSocketTransport) endpoint() (string, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("parse hub url: unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	endpoint, err := t.endpoint()
	if err != nil {
		return nil, err
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, _, err := dialer.DialContext(ctx, endpoint, t.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &wsConn{ws: ws, done: make(chan struct{})}
	if err := c.handshake(ctx); err != nil {
		ws.Close()
		return nil, err
	}
	if t.PingInterval > 0 {
		go c.pingLoop(t.PingInterval)
	}
	return c, nil
}

type wsConn struct {
	ws *websocket.Conn

	wmu sync.Mutex

	// pending holds frames already read but not yet returned.
	pending [][]byte

	done chan struct{}
	once sync.Once
}

func (c *wsConn) handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.ws.SetReadDeadline(deadline)
		defer c.ws.SetReadDeadline(time.Time{})
	}
	if err := c.writeFrame(map[string]any{"protocol": "json", "version": 1}); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	raw, err := c.nextFrame()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("%w: %s", ErrHandshake, resp.Error)
	}
	return nil
}

func (c *wsConn) nextFrame() ([]byte, error) {
	for len(c.pending) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		for _, part := range bytes.Split(data, []byte{recordSeparator}) {
			if len(bytes.TrimSpace(part)) > 0 {
				c.pending = append(c.pending, part)
			}
		}
	}
	frame := c.pending[0]
	c.pending = c.pending[1:]
	return frame, nil
}

func (c *wsConn) Read(ctx context.Context) (Message, error) {
	stop := context.AfterFunc(ctx, func() {
		c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		raw, err := c.nextFrame()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Message{}, ctxErr
			}
			return Message{}, fmt.Errorf("%w: %w", ErrConnDropped, err)
		}
		var f hubFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return Message{}, fmt.Errorf("%w: bad frame: %w", ErrConnDropped, err)
		}
		switch f.Type {
		case frameInvocation:
			payload := json.RawMessage("null")
			if len(f.Arguments) > 0 {
				payload = f.Arguments[0]
			}
			return Message{Target: f.Target, Payload: payload}, nil
		case frameClose:
			if f.Error != "" {
				return Message{}, fmt.Errorf("%w: server closed: %s", ErrConnDropped, f.Error)
			}
			return Message{}, fmt.Errorf("%w: server closed", ErrConnDropped)
		default:
			// Pings, completions and stream frames carry nothing for us.
		}
	}
}

func (c *wsConn) Write(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	args := []json.RawMessage{msg.Payload}
	if msg.Payload == nil {
		args = nil
	}
	return c.writeFrame(hubFrame{Type: frameInvocation, Target: msg.Target, Arguments: args})
}

func (c *wsConn) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, recordSeparator)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) pingLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeFrame(hubFrame{Type: framePing}); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// HubURL joins a hub route onto a base URL.
func HubURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
