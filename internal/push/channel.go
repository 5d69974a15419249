// internal/push/channel.go
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrNotConnected   = errors.New("push channel not connected")
	ErrClosed         = errors.New("push channel closed")
	ErrConnectionLost = errors.New("push connection lost")
)

// Listener receives the payload of every message whose target it subscribed
// to. Implementations must be comparable; registration is keyed on
// (target, listener).
type Listener interface {
	OnMessage(target string, payload json.RawMessage)
}

// FuncListener wraps a function as a Listener. Each NewListener call yields
// a distinct identity.
type FuncListener struct {
	fn func(target string, payload json.RawMessage)
}

func NewListener(fn func(target string, payload json.RawMessage)) *FuncListener {
	return &FuncListener{fn: fn}
}

func (l *FuncListener) OnMessage(target string, payload json.RawMessage) { l.fn(target, payload) }

// Hooks observe the connection lifecycle. All are optional and must be safe
// for concurrent use.
type Hooks struct {
	OnStateChange func(from, to State)
	// OnReconnected fires after a connection is re-established, not after the
	// first successful connect.
	OnReconnected func()
	// OnConnectionLost fires once per outage after CeilingAlertAfter
	// consecutive attempts at the ceiling delay.
	OnConnectionLost func(err error)
}

type Option func(*Channel)

func WithSchedule(s Schedule) Option {
	return func(c *Channel) {
		if len(s) > 0 {
			c.schedule = s
		}
	}
}

// WithPublishLimiter throttles outbound Publish calls.
func WithPublishLimiter(l *rate.Limiter) Option {
	return func(c *Channel) { c.limiter = l }
}

// WithCeilingAlert sets how many failed attempts at the ceiling delay are
// tolerated before ConnectionLost is surfaced. Zero disables the alert.
func WithCeilingAlert(n int) Option {
	return func(c *Channel) { c.ceilingAlertAfter = n }
}

func WithHooks(h Hooks) Option {
	return func(c *Channel) { c.hooks = h }
}

// Channel is a persistent, self-healing connection to the hub. It owns the
// reconnect loop and fans inbound messages out to listeners.
type Channel struct {
	transport         Transport
	schedule          Schedule
	limiter           *rate.Limiter
	ceilingAlertAfter int
	hooks             Hooks

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     State
	conn      Conn
	started   bool
	listeners map[string][]Listener

	logger     *zap.Logger
	tracer     trace.Tracer
	reconnects metric.Int64Counter
}

func NewChannel(logger *zap.Logger, transport Transport, opts ...Option) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	reconnects, _ := otel.Meter("marketsync/push").Int64Counter("push.reconnect.attempts")
	c := &Channel{
		transport:         transport,
		schedule:          DefaultSchedule,
		ceilingAlertAfter: 5,
		ctx:               ctx,
		cancel:            cancel,
		done:              make(chan struct{}),
		listeners:         make(map[string][]Listener),
		logger:            logger.Named("push"),
		tracer:            otel.Tracer("marketsync/push"),
		reconnects:        reconnects,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection loop has exited after Close.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Connect dials the hub. On failure the error is returned and the channel
// keeps retrying in the background on its schedule; the caller does not have
// to call Connect again. Calling Connect on a started channel is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "push.connect")
	defer span.End()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.setState(StateConnecting)
	conn, err := c.transport.Dial(ctx)
	if err != nil {
		span.RecordError(err)
		c.logger.Warn("initial connect failed, retrying in background", zap.Error(err))
		if c.setState(StateReconnecting) {
			go c.run(nil)
		} else {
			close(c.done)
		}
		return fmt.Errorf("connect: %w", err)
	}
	if !c.attach(conn) {
		conn.Close()
		close(c.done)
		return ErrClosed
	}
	c.setState(StateConnected)
	c.logger.Info("push channel connected")
	go c.run(conn)
	return nil
}

// attach installs conn unless the channel was closed meanwhile.
func (c *Channel) attach(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.conn = conn
	return true
}

func (c *Channel) detach(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// setState records a transition and reports false if the channel is closed.
func (c *Channel) setState(to State) bool {
	c.mu.Lock()
	from := c.state
	if from == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()

	if from != to {
		c.logger.Info("push state changed", zap.Stringer("from", from), zap.Stringer("to", to))
		if c.hooks.OnStateChange != nil {
			c.hooks.OnStateChange(from, to)
		}
	}
	return true
}

// run owns the connection for the channel's lifetime: it reads until the
// connection drops, then walks the schedule until a dial succeeds.
func (c *Channel) run(conn Conn) {
	defer close(c.done)

	attempt := 0
	ceilingFailures := 0
	alerted := false

	for {
		if conn != nil {
			err := c.readLoop(conn)
			c.detach(conn)
			conn = nil
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("push connection dropped", zap.Error(err))
			if !c.setState(StateReconnecting) {
				return
			}
			attempt = 0
			ceilingFailures = 0
			alerted = false
		}

		delay := c.schedule.Delay(attempt)
		c.logger.Debug("reconnect scheduled", zap.Int("attempt", attempt+1), zap.Duration("delay", delay))
		if !c.sleep(delay) {
			return
		}

		c.reconnects.Add(c.ctx, 1)
		next, err := c.transport.Dial(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if c.schedule.AtCeiling(attempt) {
				ceilingFailures++
			}
			if !alerted && c.ceilingAlertAfter > 0 && ceilingFailures >= c.ceilingAlertAfter {
				alerted = true
				lost := fmt.Errorf("%w: %d attempts at %s: %w", ErrConnectionLost, ceilingFailures, delay, err)
				c.logger.Error("push connection lost", zap.Error(lost))
				if c.hooks.OnConnectionLost != nil {
					c.hooks.OnConnectionLost(lost)
				}
			}
			attempt++
			continue
		}

		if !c.attach(next) {
			next.Close()
			return
		}
		if !c.setState(StateConnected) {
			c.detach(next)
			return
		}
		c.logger.Info("push channel reconnected", zap.Int("attempts", attempt+1))
		if c.hooks.OnReconnected != nil {
			c.hooks.OnReconnected()
		}
		conn = next
	}
}

func (c *Channel) sleep(d time.Duration) bool {
	if d <= 0 {
		return c.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Channel) readLoop(conn Conn) error {
	for {
		msg, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg Message) {
	c.mu.Lock()
	ls := append([]Listener(nil), c.listeners[msg.Target]...)
	c.mu.Unlock()

	if len(ls) == 0 {
		c.logger.Debug("no listener for message", zap.String("target", msg.Target))
		return
	}
	for _, l := range ls {
		c.deliver(l, msg)
	}
}

func (c *Channel) deliver(l Listener, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("push listener panicked",
				zap.String("target", msg.Target),
				zap.Any("panic", r),
			)
		}
	}()
	l.OnMessage(msg.Target, msg.Payload)
}

// Subscribe registers l for target. Registering the same listener twice for
// the same target is a no-op.
func (c *Channel) Subscribe(target string, l Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrClosed
	}
	for _, existing := range c.listeners[target] {
		if existing == l {
			return nil
		}
	}
	c.listeners[target] = append(c.listeners[target], l)
	return nil
}

// Unsubscribe removes l from target. Removing the last listener of the
// channel closes it.
func (c *Channel) Unsubscribe(target string, l Listener) {
	c.mu.Lock()
	ls := c.listeners[target]
	removed := false
	for i, existing := range ls {
		if existing == l {
			ls = append(ls[:i:i], ls[i+1:]...)
			removed = true
			break
		}
	}
	if len(ls) == 0 {
		delete(c.listeners, target)
	} else {
		c.listeners[target] = ls
	}
	last := removed && len(c.listeners) == 0 && c.state != StateClosed
	c.mu.Unlock()

	if last {
		c.logger.Info("last listener removed, closing push channel")
		c.Close()
	}
}

// Publish sends one outbound invocation. It fails with ErrNotConnected
// unless the channel is Connected.
func (c *Channel) Publish(ctx context.Context, target string, payload any) error {
	ctx, span := c.tracer.Start(ctx, "push.publish", trace.WithAttributes(attribute.String("target", target)))
	defer span.End()

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", target, err)
	}

	if _, err := c.connected(); err != nil {
		return err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("publish %s: %w", target, err)
		}
	}
	conn, err := c.connected()
	if err != nil {
		return err
	}

	if err := conn.Write(ctx, Message{Target: target, Payload: raw}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish %s: %w", target, err)
	}
	return nil
}

func (c *Channel) connected() (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateClosed:
		return nil, ErrClosed
	case c.state != StateConnected || c.conn == nil:
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Close tears down the connection, aborts any pending reconnect and drops
// every listener. It is safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	from := c.state
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	c.listeners = make(map[string][]Listener)
	started := c.started
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	if !started {
		close(c.done)
	}

	c.logger.Info("push channel closed", zap.Stringer("from", from))
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(from, StateClosed)
	}
	return nil
}
