// internal/push/memhub.go
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var ErrDialRefused = errors.New("hub refused connection")

// MemoryHub is an in-process hub. Clients dial it through the Transport
// interface; tests and chaos runs drive it directly.
type MemoryHub struct {
	mu        sync.Mutex
	conns     map[*memConn]struct{}
	refuse    bool
	dials     int
	published []Message
	relay     map[string]string
}

// NewMemoryHub creates a hub. relay maps an outbound invocation target to
// the event the hub rebroadcasts to every client, as the marketplace hub
// does for BroadcastListing* invocations.
func NewMemoryHub(relay map[string]string) *MemoryHub {
	return &MemoryHub{conns: make(map[*memConn]struct{}), relay: relay}
}

func (h *MemoryHub) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dials++
	if h.refuse {
		return nil, ErrDialRefused
	}
	c := &memConn{hub: h, inbox: make(chan Message, 1024), closed: make(chan struct{})}
	h.conns[c] = struct{}{}
	return c, nil
}

// Refuse makes subsequent dials fail until called with false.
func (h *MemoryHub) Refuse(refuse bool) {
	h.mu.Lock()
	h.refuse = refuse
	h.mu.Unlock()
}

// DropAll severs every live connection.
func (h *MemoryHub) DropAll() {
	h.mu.Lock()
	conns := make([]*memConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Broadcast delivers target(payload) to every connected client.
func (h *MemoryHub) Broadcast(target string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", target, err)
	}
	h.broadcast(Message{Target: target, Payload: raw})
	return nil
}

func (h *MemoryHub) broadcast(msg Message) {
	h.mu.Lock()
	conns := make([]*memConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.deliver(msg)
	}
}

// Connections returns the number of live connections.
func (h *MemoryHub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Dials returns the number of dial attempts, refused ones included.
func (h *MemoryHub) Dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

// Published returns every message clients wrote, in arrival order.
func (h *MemoryHub) Published() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.published...)
}

func (h *MemoryHub) receive(msg Message) {
	h.mu.Lock()
	h.published = append(h.published, msg)
	target, ok := h.relay[msg.Target]
	h.mu.Unlock()
	if ok {
		h.broadcast(Message{Target: target, Payload: msg.Payload})
	}
}

func (h *MemoryHub) remove(c *memConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

type memConn struct {
	hub    *MemoryHub
	inbox  chan Message
	closed chan struct{}
	once   sync.Once
}

// deliver drops the connection when the client falls too far behind.
func (c *memConn) deliver(msg Message) {
	select {
	case <-c.closed:
	case c.inbox <- msg:
	default:
		c.Close()
	}
}

func (c *memConn) Read(ctx context.Context) (Message, error) {
	// Drain before reporting closure so nothing queued is lost on a clean read.
	select {
	case msg := <-c.inbox:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.closed:
		return Message{}, ErrConnDropped
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *memConn) Write(ctx context.Context, msg Message) error {
	select {
	case <-c.closed:
		return ErrConnDropped
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.hub.receive(msg)
	return nil
}

func (c *memConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.hub.remove(c)
	})
	return nil
}
