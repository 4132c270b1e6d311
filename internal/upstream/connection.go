// Package upstream owns the single push-stream connection to the build
// server: the SSE wire format, the HTTP transport, and the connection state
// machine driven by the broker.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateErroring
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateErroring:
		return "erroring"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateClosed, StateConnecting, StateOpen, StateErroring} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("upstream: unknown state %q", b)
}

// Listener receives connection transitions on the owner's loop.
type Listener interface {
	UpstreamOpened()
	UpstreamEvent(Event)
	// UpstreamFailed is called after the connection has been released. The
	// connection does not retry; the owner decides when to Open again.
	UpstreamFailed(error)
}

// Connection is the Closed -> Connecting -> Open -> Erroring -> Closed state
// machine around a Transport. It is not safe for concurrent use: every
// method must be called from the owner's loop, and the reader goroutine
// only reaches the owner through post.
type Connection struct {
	transport Transport
	post      func(func())
	listener  Listener
	logger    *slog.Logger

	state  State
	gen    uint64
	cancel context.CancelFunc
}

// NewConnection returns a closed connection. post must schedule fn on the
// owner's loop, preserving order, and drop it if the owner has exited.
func NewConnection(t Transport, post func(fn func()), l Listener, logger *slog.Logger) *Connection {
	return &Connection{
		transport: t,
		post:      post,
		listener:  l,
		logger:    logger,
	}
}

func (c *Connection) State() State { return c.state }

// Open starts a connection attempt. It is a no-op while Connecting or Open
// and reports whether an attempt was started.
func (c *Connection) Open() bool {
	if c.state == StateConnecting || c.state == StateOpen {
		return false
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = StateConnecting
	c.logger.Debug("upstream: connecting", "generation", gen)

	go c.run(ctx, gen)
	return true
}

// Close releases the connection. Callbacks still in flight from the
// released stream are discarded. Safe to call in any state.
func (c *Connection) Close() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.state != StateClosed {
		c.logger.Debug("upstream: closed", "generation", c.gen)
	}
	c.gen++
	c.state = StateClosed
}

func (c *Connection) run(ctx context.Context, gen uint64) {
	err := c.transport.Stream(ctx,
		func() { c.post(func() { c.opened(gen) }) },
		func(ev Event) { c.post(func() { c.event(gen, ev) }) },
	)
	if err == nil {
		err = ErrStreamEnded
	}
	c.post(func() { c.failed(gen, err) })
}

func (c *Connection) opened(gen uint64) {
	if gen != c.gen || c.state != StateConnecting {
		return
	}
	c.state = StateOpen
	c.listener.UpstreamOpened()
}

func (c *Connection) event(gen uint64, ev Event) {
	if gen != c.gen || c.state != StateOpen {
		return
	}
	c.listener.UpstreamEvent(ev)
}

func (c *Connection) failed(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.state = StateErroring
	c.Close()
	c.listener.UpstreamFailed(err)
}
