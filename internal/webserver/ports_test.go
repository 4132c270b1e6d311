package webserver

import (
	"errors"
	"testing"

	"github.com/zsprackett/reload-relay/internal/events"
)

func isClosed(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func TestWSPortClosesWhenBufferFull(t *testing.T) {
	p := newWSPort(nil, 1)
	if err := p.Send(events.Event{Type: events.TypeReload}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := p.Send(events.Event{Type: events.TypeReload}); !errors.Is(err, errSlowConsumer) {
		t.Fatalf("second send = %v, want errSlowConsumer", err)
	}
	if !isClosed(p.done) {
		t.Fatal("port still open after overflowing its buffer")
	}
	if err := p.Send(events.Event{Type: events.TypeReload}); !errors.Is(err, errPortClosed) {
		t.Fatalf("send after close = %v, want errPortClosed", err)
	}
}

func TestSSEPortClosesWhenBufferFull(t *testing.T) {
	p := newSSEPort(1)
	p.Send(events.Event{Type: events.TypeReload})
	if err := p.Send(events.Event{Type: events.TypeReload}); !errors.Is(err, errSlowConsumer) {
		t.Fatalf("second send = %v, want errSlowConsumer", err)
	}
	if !isClosed(p.done) {
		t.Fatal("port still open after overflowing its buffer")
	}
	if err := p.Send(events.Event{Type: events.TypeReload}); !errors.Is(err, errPortClosed) {
		t.Fatalf("send after close = %v, want errPortClosed", err)
	}
}
