package webserver

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/zsprackett/reload-relay/internal/events"
	"github.com/zsprackett/reload-relay/internal/metrics"
	"github.com/zsprackett/reload-relay/internal/upstream"
)

// ssePort is a tab attached through EventSource.
type ssePort struct {
	ch   chan events.Event
	done chan struct{}
	once sync.Once
}

func newSSEPort(buffer int) *ssePort {
	return &ssePort{
		ch:   make(chan events.Event, buffer),
		done: make(chan struct{}),
	}
}

func (p *ssePort) Send(e events.Event) error {
	select {
	case <-p.done:
		return errPortClosed
	default:
	}
	select {
	case p.ch <- e:
		return nil
	default:
		p.close()
		return errSlowConsumer
	}
}

func (p *ssePort) close() {
	p.once.Do(func() { close(p.done) })
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	if !s.allowAttach() {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	p := newSSEPort(s.cfg.SendBuffer)
	defer p.close()
	b, err := s.attach(p)
	if err != nil {
		metrics.AttachRejected.WithLabelValues("terminated").Inc()
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	defer b.Disconnect(p)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := s.clk.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-p.done:
			return
		case e := <-p.ch:
			if err := upstream.Encode(w, upstream.Event{Name: string(e.Type), Data: e.Data}); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
