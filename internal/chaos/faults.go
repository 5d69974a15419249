// internal/chaos/faults.go
package chaos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"marketsync/internal/feed"
	"marketsync/internal/push"
)

var ErrInjectedFault = errors.New("injected fault")

// FlakySource wraps a feed source with switchable outage, random failures
// and latency.
type FlakySource struct {
	inner feed.Source

	mu       sync.Mutex
	down     bool
	failRate float64
	latency  time.Duration
	rng      *rand.Rand
	calls    int
	failures int
}

func NewFlakySource(inner feed.Source, seed uint64) *FlakySource {
	return &FlakySource{inner: inner, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *FlakySource) Name() string { return s.inner.Name() }

func (s *FlakySource) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// SetFailureRate makes each fetch fail with probability p.
func (s *FlakySource) SetFailureRate(p float64) {
	s.mu.Lock()
	s.failRate = p
	s.mu.Unlock()
}

func (s *FlakySource) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// Stats returns the number of fetches and injected failures so far.
func (s *FlakySource) Stats() (calls, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.failures
}

func (s *FlakySource) Fetch(ctx context.Context) ([]json.RawMessage, error) {
	s.mu.Lock()
	s.calls++
	latency := s.latency
	fail := s.down || (s.failRate > 0 && s.rng.Float64() < s.failRate)
	if fail {
		s.failures++
	}
	s.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, fmt.Errorf("%w: source %s unavailable", ErrInjectedFault, s.inner.Name())
	}
	return s.inner.Fetch(ctx)
}

// Faults configures what a FaultyTransport does to inbound messages.
type Faults struct {
	// Duplicate delivers every message twice.
	Duplicate bool
	// ReorderWindow shuffles messages in groups of this size. A partial group
	// is released after ReorderFlush without new messages.
	ReorderWindow int
	ReorderFlush  time.Duration
	// DropEvery severs the connection on every Nth message read over it; that
	// message is lost.
	DropEvery int
}

// FaultyTransport wraps a transport and corrupts the delivery of inbound
// messages. Reordering relies on Read honouring a context deadline without
// losing the connection, which holds for the in-memory hub.
type FaultyTransport struct {
	inner push.Transport

	mu     sync.Mutex
	faults Faults
	rng    *rand.Rand
	drops  int
	dupes  int
}

func NewFaultyTransport(inner push.Transport, seed uint64) *FaultyTransport {
	return &FaultyTransport{inner: inner, rng: rand.New(rand.NewPCG(seed, seed+1))}
}

func (t *FaultyTransport) Set(f Faults) {
	if f.ReorderWindow > 1 && f.ReorderFlush <= 0 {
		f.ReorderFlush = 20 * time.Millisecond
	}
	t.mu.Lock()
	t.faults = f
	t.mu.Unlock()
}

func (t *FaultyTransport) current() Faults {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.faults
}

// Drops returns how many connections were severed on purpose.
func (t *FaultyTransport) Drops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drops
}

// Duplicates returns how many extra copies were delivered.
func (t *FaultyTransport) Duplicates() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dupes
}

func (t *FaultyTransport) shuffle(msgs []push.Message) {
	t.mu.Lock()
	t.rng.Shuffle(len(msgs), func(i, j int) { msgs[i], msgs[j] = msgs[j], msgs[i] })
	t.mu.Unlock()
}

func (t *FaultyTransport) Dial(ctx context.Context) (push.Conn, error) {
	conn, err := t.inner.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyConn{t: t, inner: conn}, nil
}

type faultyConn struct {
	t     *FaultyTransport
	inner push.Conn

	// Read is only called from the channel's read loop.
	ready []push.Message
	held  []push.Message
	read  int
}

func (c *faultyConn) Read(ctx context.Context) (push.Message, error) {
	for len(c.ready) == 0 {
		f := c.t.current()

		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if len(c.held) > 0 {
			readCtx, cancel = context.WithTimeout(ctx, f.ReorderFlush)
		}
		msg, err := c.inner.Read(readCtx)
		cancel()
		if err != nil {
			if len(c.held) > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				c.release()
				continue
			}
			return push.Message{}, err
		}

		c.read++
		if f.DropEvery > 0 && c.read%f.DropEvery == 0 {
			c.t.mu.Lock()
			c.t.drops++
			c.t.mu.Unlock()
			c.inner.Close()
			return push.Message{}, fmt.Errorf("%w: %w after %d messages", push.ErrConnDropped, ErrInjectedFault, c.read)
		}

		batch := []push.Message{msg}
		if f.Duplicate {
			batch = append(batch, msg)
			c.t.mu.Lock()
			c.t.dupes++
			c.t.mu.Unlock()
		}
		if f.ReorderWindow <= 1 {
			c.ready = append(c.ready, batch...)
			continue
		}
		c.held = append(c.held, batch...)
		if len(c.held) >= f.ReorderWindow {
			c.release()
		}
	}
	msg := c.ready[0]
	c.ready = c.ready[1:]
	return msg, nil
}

func (c *faultyConn) release() {
	c.t.shuffle(c.held)
	c.ready = append(c.ready, c.held...)
	c.held = nil
}

func (c *faultyConn) Write(ctx context.Context, msg push.Message) error {
	return c.inner.Write(ctx, msg)
}

func (c *faultyConn) Close() error {
	return c.inner.Close()
}
