// Package client is the tab side of the relay. A tab reads wire events from
// a Connection, which is either brokered through the relay or, when no relay
// is reachable, a direct stream from the build server.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/zsprackett/reload-relay/internal/events"
)

// ErrClosed is returned by Next once the connection has been closed by
// either side.
var ErrClosed = errors.New("client: connection closed")

type Connection interface {
	// Next blocks for the next wire event.
	Next(ctx context.Context) (events.Event, error)
	Close() error
}

type Mode string

const (
	ModeBrokered Mode = "brokered"
	ModeDirect   Mode = "direct"
)

const defaultDialTimeout = 2 * time.Second

type Options struct {
	// RelayURL is the relay's WebSocket endpoint. Empty skips the relay.
	RelayURL string
	// UpstreamURL is the build server's SSE endpoint used for fallback.
	UpstreamURL string
	HTTPClient  *http.Client
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Dial connects through the relay when it answers and falls back to a
// direct upstream stream otherwise.
func Dial(ctx context.Context, opts Options) (Connection, Mode, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	if opts.RelayURL != "" {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := DialBrokered(dctx, opts.RelayURL)
		cancel()
		if err == nil {
			logger.Debug("client: attached to relay", "url", opts.RelayURL)
			return conn, ModeBrokered, nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		logger.Info("client: relay unavailable, connecting directly", "err", err)
	}

	if opts.UpstreamURL == "" {
		return nil, "", errors.New("client: no relay and no upstream URL")
	}
	conn, err := DialDirect(ctx, opts.UpstreamURL, opts.HTTPClient)
	if err != nil {
		return nil, "", fmt.Errorf("client: direct connect: %w", err)
	}
	return conn, ModeDirect, nil
}
