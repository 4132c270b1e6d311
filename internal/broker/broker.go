// Package broker implements the shared connection broker: one goroutine
// that owns the attached ports, the single upstream connection, the
// reconnect backoff and the idle-termination timer.
//
// Tabs reach the broker only through Attach and Disconnect. Everything else
// happens on the broker loop in reaction to those calls, upstream callbacks
// and timer fires, each handled to completion before the next.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsprackett/reload-relay/internal/backoff"
	"github.com/zsprackett/reload-relay/internal/clock"
	"github.com/zsprackett/reload-relay/internal/events"
	"github.com/zsprackett/reload-relay/internal/metrics"
	"github.com/zsprackett/reload-relay/internal/upstream"
)

// ErrTerminated is returned by Attach once the broker has shut down.
var ErrTerminated = errors.New("broker: terminated")

const DefaultIdleGrace = 3 * time.Second

// Journal records lifecycle events. A nil Journal is allowed.
type Journal interface {
	Record(kind, detail string)
}

type Config struct {
	IdleGrace time.Duration
	Backoff   backoff.Policy
	Journal   Journal
}

func DefaultConfig() Config {
	return Config{IdleGrace: DefaultIdleGrace, Backoff: backoff.Default()}
}

// Stats is a point-in-time view of the broker, taken on its loop.
type Stats struct {
	Ports            int            `json:"ports"`
	Upstream         upstream.State `json:"upstream"`
	Attempts         int            `json:"attempts"`
	NextDelay        time.Duration  `json:"next_delay_ns"`
	IdlePending      bool           `json:"idle_pending"`
	ReconnectPending bool           `json:"reconnect_pending"`
}

type Broker struct {
	cfg    Config
	logger *slog.Logger

	inbox     chan func()
	done      chan struct{}
	startOnce sync.Once

	// Owned by the loop.
	registry   *Registry
	conn       *upstream.Connection
	retry      *backoff.State
	idle       *task
	reconnect  *task
	terminated bool
}

func New(t upstream.Transport, cfg Config, logger *slog.Logger) *Broker {
	return NewWithClock(t, cfg, logger, clock.Real())
}

// NewWithClock creates a Broker with an injectable clock. Used in tests.
func NewWithClock(t upstream.Transport, cfg Config, logger *slog.Logger, clk clock.Clock) *Broker {
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = DefaultIdleGrace
	}
	cfg.Backoff = cfg.Backoff.Normalize()

	b := &Broker{
		cfg:      cfg,
		logger:   logger,
		inbox:    make(chan func()),
		done:     make(chan struct{}),
		registry: NewRegistry(logger),
		retry:    backoff.NewState(cfg.Backoff),
	}
	enqueue := func(fn func()) { b.post(fn) }
	b.conn = upstream.NewConnection(t, enqueue, listener{b}, logger)
	b.idle = newTask(clk, enqueue)
	b.reconnect = newTask(clk, enqueue)
	return b
}

// Start runs the broker loop in a new goroutine. Extra calls are no-ops.
func (b *Broker) Start() {
	b.startOnce.Do(func() { go b.loop() })
}

// Done is closed when the broker has terminated.
func (b *Broker) Done() <-chan struct{} { return b.done }

// Attach registers p. The first attachment (or the first after the
// registry emptied) cancels a pending idle termination and makes sure the
// upstream connection is open or about to reopen.
func (b *Broker) Attach(p Port) error {
	ack := make(chan struct{})
	if !b.post(func() { b.attach(p); close(ack) }) {
		return ErrTerminated
	}
	<-ack
	return nil
}

// Disconnect handles the "disconnect" control message from p. Unknown
// ports and calls after termination are ignored.
func (b *Broker) Disconnect(p Port) {
	b.post(func() { b.detach(p) })
}

// Stats returns a snapshot of the broker state.
func (b *Broker) Stats() (Stats, error) {
	out := make(chan Stats, 1)
	if !b.post(func() { out <- b.stats() }) {
		return Stats{}, ErrTerminated
	}
	return <-out, nil
}

// Stop terminates the broker immediately, closing the upstream and
// canceling timers. Attached ports are left to their owners. A broker that
// was never started is started first so Stop always returns.
func (b *Broker) Stop() {
	b.Start()
	b.post(func() {
		b.conn.Close()
		b.idle.Cancel()
		b.reconnect.Cancel()
		b.terminate("stopped")
	})
	<-b.done
}

func (b *Broker) loop() {
	for fn := range b.inbox {
		fn()
		if b.terminated {
			close(b.done)
			return
		}
	}
}

// post queues fn on the loop. It reports false if the broker has exited.
func (b *Broker) post(fn func()) bool {
	select {
	case b.inbox <- fn:
		return true
	case <-b.done:
		return false
	}
}

func (b *Broker) attach(p Port) {
	if b.registry.Contains(p) {
		return
	}
	id := uuid.NewString()
	activated := b.registry.Register(p, id)
	b.logger.Debug("broker: port attached", "port", id, "ports", b.registry.Len())
	metrics.PortsAttached.Set(float64(b.registry.Len()))
	b.record("attached", id)

	if !activated {
		return
	}
	// Cancel the pending termination before deciding anything about the
	// upstream.
	if b.idle.Cancel() {
		b.logger.Debug("broker: idle termination canceled")
	}
	b.ensureUpstream()
}

func (b *Broker) detach(p Port) {
	id, emptied := b.registry.Unregister(p)
	if id == "" {
		return
	}
	b.logger.Debug("broker: port detached", "port", id, "ports", b.registry.Len())
	metrics.PortsAttached.Set(float64(b.registry.Len()))
	b.record("detached", id)
	if emptied {
		b.scheduleIdle()
	}
}

// ensureUpstream opens the connection unless it is already open, already
// connecting, or waiting on a scheduled reconnect.
func (b *Broker) ensureUpstream() {
	if b.reconnect.Pending() {
		return
	}
	b.conn.Open()
}

func (b *Broker) scheduleIdle() {
	if b.idle.Schedule(b.cfg.IdleGrace, b.expire) {
		b.logger.Debug("broker: idle termination scheduled", "grace", b.cfg.IdleGrace)
	}
}

func (b *Broker) expire() {
	b.logger.Info("broker: idle grace elapsed, shutting down")
	b.conn.Close()
	b.reconnect.Cancel()
	b.terminate("idle")
}

func (b *Broker) terminate(reason string) {
	if b.terminated {
		return
	}
	b.terminated = true
	metrics.PortsAttached.Set(0)
	metrics.UpstreamOpen.Set(0)
	metrics.BrokerTerminations.WithLabelValues(reason).Inc()
	b.record("terminated", reason)
}

func (b *Broker) retryUpstream() {
	if b.registry.Len() == 0 {
		b.logger.Debug("broker: reconnect abandoned, no ports attached")
		b.record("reconnect_abandoned", fmt.Sprintf("attempts=%d", b.retry.Attempts()))
		return
	}
	b.logger.Debug("broker: reconnecting", "attempts", b.retry.Attempts())
	b.conn.Open()
}

func (b *Broker) stats() Stats {
	return Stats{
		Ports:            b.registry.Len(),
		Upstream:         b.conn.State(),
		Attempts:         b.retry.Attempts(),
		NextDelay:        b.retry.Next(),
		IdlePending:      b.idle.Pending(),
		ReconnectPending: b.reconnect.Pending(),
	}
}

func (b *Broker) record(kind, detail string) {
	if b.cfg.Journal != nil {
		b.cfg.Journal.Record(kind, detail)
	}
}

// listener receives upstream callbacks on the loop without exposing them
// on Broker.
type listener struct{ b *Broker }

func (l listener) UpstreamOpened() {
	b := l.b
	b.retry.Reset()
	b.logger.Info("broker: upstream connected")
	metrics.UpstreamOpen.Set(1)
	b.record("upstream_open", "")
}

func (l listener) UpstreamEvent(ev upstream.Event) {
	b := l.b
	msg, ok := events.FromUpstream(ev.Name, ev.Data)
	if !ok {
		b.logger.Debug("broker: ignoring upstream event", "event", ev.Name)
		return
	}
	b.record("event", string(msg.Type))
	metrics.EventsRelayed.WithLabelValues(string(msg.Type)).Inc()

	pruned, emptied := b.registry.Broadcast(msg)
	for _, id := range pruned {
		b.record("pruned", id)
	}
	if len(pruned) > 0 {
		b.logger.Debug("broker: pruned dead ports", "count", len(pruned), "ports", b.registry.Len())
		metrics.PortsPruned.Add(float64(len(pruned)))
		metrics.PortsAttached.Set(float64(b.registry.Len()))
	}
	if emptied {
		b.scheduleIdle()
	}
}

func (l listener) UpstreamFailed(err error) {
	b := l.b
	delay := b.retry.Failure()
	b.logger.Warn("broker: upstream failed", "err", err, "attempts", b.retry.Attempts(), "retry_in", delay)
	b.record("upstream_failed", err.Error())
	metrics.UpstreamOpen.Set(0)
	metrics.UpstreamFailures.Inc()
	metrics.ReconnectDelay.Observe(delay.Seconds())
	b.reconnect.Schedule(delay, b.retryUpstream)
}
