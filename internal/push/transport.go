// internal/push/transport.go
package push

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrConnDropped = errors.New("push connection dropped")

// Message is one named hub invocation. Payload is the single argument.
type Message struct {
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// Transport opens connections to the hub. The Channel owns reconnection, so
// implementations must not reconnect on their own.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live hub connection. Read blocks until a message arrives, the
// connection fails or ctx is done. Write may be called concurrently with Read.
type Conn interface {
	Read(ctx context.Context) (Message, error)
	Write(ctx context.Context, msg Message) error
	Close() error
}

// TransportFunc adapts a dial function into a Transport.
type TransportFunc func(ctx context.Context) (Conn, error)

func (f TransportFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }
