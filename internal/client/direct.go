package client

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/zsprackett/reload-relay/internal/events"
	"github.com/zsprackett/reload-relay/internal/upstream"
)

// Direct streams from the build server without a relay. It does not
// reconnect: when the stream ends Next reports the error.
type Direct struct {
	events chan events.Event
	result chan error
	cancel context.CancelFunc

	once sync.Once
	err  error
}

// DialDirect returns once the stream is open or has failed to open.
func DialDirect(ctx context.Context, url string, client *http.Client) (*Direct, error) {
	t := upstream.NewHTTPTransport(url, client)
	sctx, cancel := context.WithCancel(context.Background())
	d := &Direct{
		events: make(chan events.Event),
		result: make(chan error, 1),
		cancel: cancel,
	}

	opened := make(chan struct{})
	go func() {
		d.result <- t.Stream(sctx,
			func() { close(opened) },
			func(ev upstream.Event) {
				msg, ok := events.FromUpstream(ev.Name, ev.Data)
				if !ok {
					return
				}
				select {
				case d.events <- msg:
				case <-sctx.Done():
				}
			})
	}()

	select {
	case <-opened:
		return d, nil
	case err := <-d.result:
		cancel()
		return nil, err
	case <-ctx.Done():
		cancel()
		<-d.result
		return nil, ctx.Err()
	}
}

func (d *Direct) Next(ctx context.Context) (events.Event, error) {
	select {
	case e := <-d.events:
		return e, nil
	case err := <-d.result:
		d.finish(err)
		return events.Event{}, d.err
	case <-ctx.Done():
		return events.Event{}, ctx.Err()
	}
}

func (d *Direct) finish(err error) {
	d.once.Do(func() {
		if errors.Is(err, context.Canceled) {
			err = ErrClosed
		}
		d.err = err
		close(d.result)
	})
}

func (d *Direct) Close() error {
	d.cancel()
	return nil
}
