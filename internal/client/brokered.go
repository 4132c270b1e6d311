package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/reload-relay/internal/events"
)

const writeWait = 5 * time.Second

// Brokered is a tab attached to the relay over a WebSocket.
type Brokered struct {
	conn *websocket.Conn

	closed    atomic.Bool
	broken    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func DialBrokered(ctx context.Context, url string) (*Brokered, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial relay: %w", err)
	}
	return &Brokered{conn: conn}, nil
}

// Next blocks for the next event. Canceling ctx interrupts the read with an
// expired deadline, which the socket cannot recover from: after a canceled
// Next every later call returns ErrClosed.
func (b *Brokered) Next(ctx context.Context) (events.Event, error) {
	if b.broken.Load() {
		return events.Event{}, ErrClosed
	}
	stop := context.AfterFunc(ctx, func() {
		b.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var e events.Event
	if err := b.conn.ReadJSON(&e); err != nil {
		if ctx.Err() != nil {
			b.broken.Store(true)
			return events.Event{}, ctx.Err()
		}
		if b.closed.Load() {
			return events.Event{}, ErrClosed
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
			errors.Is(err, websocket.ErrCloseSent) {
			return events.Event{}, ErrClosed
		}
		return events.Event{}, fmt.Errorf("client: read: %w", err)
	}
	return e, nil
}

// Close tells the relay this tab is leaving, then closes the socket.
func (b *Brokered) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		deadline := time.Now().Add(writeWait)
		b.conn.SetWriteDeadline(deadline)
		if err := b.conn.WriteMessage(websocket.TextMessage, []byte("disconnect")); err == nil {
			b.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
		b.closeErr = b.conn.Close()
	})
	return b.closeErr
}
