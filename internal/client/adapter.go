package client

import (
	"context"
	"errors"
	"log/slog"

	"github.com/zsprackett/reload-relay/internal/events"
)

// Handlers are called from Adapter.Run, one event at a time. Nil handlers
// are skipped.
type Handlers struct {
	Reload      func()
	BuildFailed func(events.BuildFailed)
}

// Adapter turns a Connection's wire events into handler calls.
type Adapter struct {
	conn     Connection
	handlers Handlers
	logger   *slog.Logger
}

func NewAdapter(conn Connection, h Handlers, logger *slog.Logger) *Adapter {
	return &Adapter{conn: conn, handlers: h, logger: logger}
}

// Run dispatches events until ctx is canceled or the connection fails. It
// closes the connection before returning and reports nil on cancellation.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.conn.Close()
	for {
		e, err := a.conn.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		a.dispatch(e)
	}
}

func (a *Adapter) dispatch(e events.Event) {
	msg, err := events.Decode(e)
	if err != nil {
		a.logger.Debug("client: ignoring event", "err", err)
		return
	}
	switch m := msg.(type) {
	case events.Reload:
		if a.handlers.Reload != nil {
			a.handlers.Reload()
		}
	case events.BuildFailed:
		a.logger.Debug("client: build failed", "error", m.Error, "command", m.Command)
		if a.handlers.BuildFailed != nil {
			a.handlers.BuildFailed(m)
		}
	}
}
