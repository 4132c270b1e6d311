package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrStreamEnded is returned when the server closes an established stream.
	ErrStreamEnded = errors.New("upstream: stream ended")
	// ErrNotEventStream is returned when the endpoint answers with something
	// other than text/event-stream.
	ErrNotEventStream = errors.New("upstream: response is not an event stream")
)

// StatusError reports a non-200 answer from the stream endpoint.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: unexpected status %d", e.StatusCode)
}

// Transport runs one push-stream session. Stream calls opened once the
// stream is established, then emit for every event in order, and returns
// when the stream fails or ctx is canceled. It always returns a non-nil
// error.
type Transport interface {
	Stream(ctx context.Context, opened func(), emit func(Event)) error
}

// HTTPTransport consumes a server-sent events endpoint.
type HTTPTransport struct {
	URL    string
	Client *http.Client
}

// DefaultHeaderTimeout bounds the wait for response headers on the stream
// endpoint. The body itself may stay open indefinitely.
const DefaultHeaderTimeout = 10 * time.Second

// NewStreamClient returns an HTTP client for long-lived event streams: no
// overall timeout, but connecting and waiting for response headers are
// bounded so a server that accepts and never answers fails the attempt.
func NewStreamClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = DefaultHeaderTimeout
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: headerTimeout}).DialContext,
			ResponseHeaderTimeout: headerTimeout,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// NewHTTPTransport streams from url. A nil client uses NewStreamClient with
// DefaultHeaderTimeout.
func NewHTTPTransport(url string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = NewStreamClient(DefaultHeaderTimeout)
	}
	return &HTTPTransport{URL: url, Client: client}
}

func (t *HTTPTransport) Stream(ctx context.Context, opened func(), emit func(Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode}
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return ErrNotEventStream
	}

	opened()

	dec := NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, io.EOF) {
				return ErrStreamEnded
			}
			return fmt.Errorf("upstream: read: %w", err)
		}
		emit(ev)
	}
}
