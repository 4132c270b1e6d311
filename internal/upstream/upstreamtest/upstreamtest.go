// Package upstreamtest provides a scripted upstream.Transport for tests.
package upstreamtest

import (
	"context"
	"sync"
	"time"

	"github.com/zsprackett/reload-relay/internal/upstream"
)

// Transport hands every Stream call to the test as a Session.
type Transport struct {
	sessions chan *Session

	mu    sync.Mutex
	dials int
}

func NewTransport() *Transport {
	return &Transport{sessions: make(chan *Session, 32)}
}

func (t *Transport) Stream(ctx context.Context, opened func(), emit func(upstream.Event)) error {
	s := &Session{
		ctx:    ctx,
		opened: opened,
		emit:   emit,
		ops:    make(chan func() error, 32),
	}
	t.mu.Lock()
	t.dials++
	t.mu.Unlock()
	t.sessions <- s

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-s.ops:
			if err := op(); err != nil {
				return err
			}
		}
	}
}

// Dials returns how many times Stream has been called.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// Accept waits for the next Stream call.
func (t *Transport) Accept(timeout time.Duration) (*Session, bool) {
	select {
	case s := <-t.sessions:
		return s, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Session is one scripted stream. Open, Emit and Fail are applied in call
// order on the Stream goroutine.
type Session struct {
	ctx    context.Context
	opened func()
	emit   func(upstream.Event)
	ops    chan func() error
}

func (s *Session) do(op func() error) {
	select {
	case s.ops <- op:
	case <-s.ctx.Done():
	}
}

func (s *Session) Open() {
	s.do(func() error { s.opened(); return nil })
}

func (s *Session) Emit(name, data string) {
	s.do(func() error {
		s.emit(upstream.Event{Name: name, Data: data})
		return nil
	})
}

// Fail ends the stream with err.
func (s *Session) Fail(err error) {
	s.do(func() error { return err })
}

// Canceled is closed once the owner releases the stream.
func (s *Session) Canceled() <-chan struct{} { return s.ctx.Done() }
