package broker_test

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsprackett/reload-relay/internal/backoff"
	"github.com/zsprackett/reload-relay/internal/broker"
	"github.com/zsprackett/reload-relay/internal/clock"
	"github.com/zsprackett/reload-relay/internal/events"
	"github.com/zsprackett/reload-relay/internal/upstream"
	"github.com/zsprackett/reload-relay/internal/upstream/upstreamtest"
)

const wait = 2 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errDead = errors.New("port closed")

type fakePort struct {
	ch   chan events.Event
	dead atomic.Bool
}

func newPort() *fakePort { return &fakePort{ch: make(chan events.Event, 16)} }

func (p *fakePort) Send(e events.Event) error {
	if p.dead.Load() {
		return errDead
	}
	select {
	case p.ch <- e:
		return nil
	default:
		return errors.New("port backlogged")
	}
}

func (p *fakePort) expect(t *testing.T, want events.Event) {
	t.Helper()
	select {
	case got := <-p.ch:
		if got != want {
			t.Fatalf("received %+v, want %+v", got, want)
		}
	case <-time.After(wait):
		t.Fatalf("did not receive %+v", want)
	}
}

func (p *fakePort) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case got := <-p.ch:
		t.Fatalf("unexpected message %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

type memJournal struct {
	mu    sync.Mutex
	kinds []string
}

func (j *memJournal) Record(kind, _ string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.kinds = append(j.kinds, kind)
}

func (j *memJournal) count(kind string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, k := range j.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

type harness struct {
	b       *broker.Broker
	clk     *clock.FakeClock
	tr      *upstreamtest.Transport
	journal *memJournal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := upstreamtest.NewTransport()
	journal := &memJournal{}
	cfg := broker.Config{
		IdleGrace: 3 * time.Second,
		Backoff:   backoff.Default(),
		Journal:   journal,
	}
	b := broker.NewWithClock(tr, cfg, discardLogger(), clk)
	b.Start()
	t.Cleanup(b.Stop)
	return &harness{b: b, clk: clk, tr: tr, journal: journal}
}

func (h *harness) attach(t *testing.T, p broker.Port) {
	t.Helper()
	if err := h.b.Attach(p); err != nil {
		t.Fatalf("attach: %v", err)
	}
}

func (h *harness) accept(t *testing.T) *upstreamtest.Session {
	t.Helper()
	s, ok := h.tr.Accept(wait)
	if !ok {
		t.Fatal("upstream was not dialed")
	}
	return s
}

func (h *harness) stats(t *testing.T) broker.Stats {
	t.Helper()
	st, err := h.b.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	return st
}

// waitFor polls the broker until cond holds. Upstream callbacks reach the
// loop asynchronously, so assertions about them need to poll.
func (h *harness) waitFor(t *testing.T, what string, cond func(broker.Stats) bool) broker.Stats {
	t.Helper()
	deadline := time.Now().Add(wait)
	for {
		st := h.stats(t)
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; stats %+v", what, st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) open(t *testing.T) *upstreamtest.Session {
	t.Helper()
	s := h.accept(t)
	s.Open()
	h.waitFor(t, "upstream open", func(st broker.Stats) bool { return st.Upstream == upstream.StateOpen })
	return s
}

func TestThreeTabsShareOneUpstream(t *testing.T) {
	h := newHarness(t)
	ports := []*fakePort{newPort(), newPort(), newPort()}
	for _, p := range ports {
		h.attach(t, p)
	}
	s := h.open(t)

	if h.tr.Dials() != 1 {
		t.Fatalf("dials = %d, want 1", h.tr.Dials())
	}

	s.Emit("reload", "")
	for _, p := range ports {
		p.expect(t, events.Event{Type: events.TypeReload})
	}
	for _, p := range ports {
		p.expectNothing(t)
	}
}

func TestAttachSamePortTwice(t *testing.T) {
	h := newHarness(t)
	p := newPort()
	h.attach(t, p)
	h.attach(t, p)
	if st := h.stats(t); st.Ports != 1 {
		t.Fatalf("ports = %d, want 1", st.Ports)
	}
	if h.journal.count("attached") != 1 {
		t.Fatalf("attached recorded %d times", h.journal.count("attached"))
	}
}

func TestBuildFailedCarriesRawPayload(t *testing.T) {
	h := newHarness(t)
	p := newPort()
	h.attach(t, p)
	s := h.open(t)

	raw := `{"error":"exit status 1","command":"go build","output":"oops"}`
	s.Emit("build-failed", raw)
	s.Emit("ping", "ignored")
	s.Emit("reload", "null")

	p.expect(t, events.Event{Type: events.TypeBuildFailed, Data: raw})
	p.expect(t, events.Event{Type: events.TypeReload})
}

func TestIdleTerminationAfterGrace(t *testing.T) {
	h := newHarness(t)
	ports := []*fakePort{newPort(), newPort(), newPort()}
	for _, p := range ports {
		h.attach(t, p)
	}
	s := h.open(t)

	for _, p := range ports {
		h.b.Disconnect(p)
	}
	st := h.stats(t)
	if st.Ports != 0 || !st.IdlePending {
		t.Fatalf("after detach: %+v", st)
	}

	h.clk.Advance(2999 * time.Millisecond)
	select {
	case <-h.b.Done():
		t.Fatal("terminated before grace period")
	default:
	}
	if st := h.stats(t); st.Upstream != upstream.StateOpen {
		t.Fatalf("upstream closed early: %v", st.Upstream)
	}

	h.clk.Advance(time.Millisecond)
	select {
	case <-h.b.Done():
	case <-time.After(wait):
		t.Fatal("broker did not terminate after grace period")
	}
	select {
	case <-s.Canceled():
	case <-time.After(wait):
		t.Fatal("upstream not closed on termination")
	}
	if err := h.b.Attach(newPort()); !errors.Is(err, broker.ErrTerminated) {
		t.Fatalf("attach after termination: %v", err)
	}
	if h.journal.count("terminated") != 1 {
		t.Fatal("termination not journaled")
	}
}

func TestReattachWithinGraceKeepsUpstream(t *testing.T) {
	h := newHarness(t)
	first := newPort()
	h.attach(t, first)
	s := h.open(t)

	h.b.Disconnect(first)
	h.stats(t)
	h.clk.Advance(2 * time.Second)

	second := newPort()
	h.attach(t, second)
	st := h.stats(t)
	if st.IdlePending {
		t.Fatal("attach did not cancel idle termination")
	}
	if h.clk.PendingCount() != 0 {
		t.Fatalf("pending timers = %d, want 0", h.clk.PendingCount())
	}

	h.clk.Advance(10 * time.Second)
	select {
	case <-h.b.Done():
		t.Fatal("terminated despite reattachment")
	default:
	}
	if h.tr.Dials() != 1 {
		t.Fatalf("dials = %d, want 1 (upstream reused)", h.tr.Dials())
	}

	s.Emit("reload", "")
	second.expect(t, events.Event{Type: events.TypeReload})
	first.expectNothing(t)
}

func TestDetachUnknownPortIsIgnored(t *testing.T) {
	h := newHarness(t)
	p := newPort()
	h.attach(t, p)
	h.b.Disconnect(newPort())
	h.b.Disconnect(p)
	h.b.Disconnect(p)
	st := h.stats(t)
	if st.Ports != 0 || !st.IdlePending {
		t.Fatalf("stats %+v", st)
	}
	if h.clk.PendingCount() != 1 {
		t.Fatalf("idle armed %d times", h.clk.PendingCount())
	}
}

func TestReconnectBackoffAndReset(t *testing.T) {
	h := newHarness(t)
	h.attach(t, newPort())
	h.attach(t, newPort())
	s := h.open(t)

	s.Fail(errors.New("connection reset"))
	st := h.waitFor(t, "reconnect scheduled", func(st broker.Stats) bool { return st.ReconnectPending })
	if st.Attempts != 1 || st.Upstream != upstream.StateClosed {
		t.Fatalf("after first failure: %+v", st)
	}

	// First retry after 1s.
	h.clk.Advance(999 * time.Millisecond)
	h.stats(t)
	if h.tr.Dials() != 1 {
		t.Fatal("reconnected before 1s")
	}
	h.clk.Advance(time.Millisecond)
	s = h.accept(t)

	// It fails too: next delay is 2s.
	s.Fail(errors.New("connection refused"))
	st = h.waitFor(t, "second reconnect scheduled", func(st broker.Stats) bool { return st.ReconnectPending })
	if st.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", st.Attempts)
	}
	h.clk.Advance(1999 * time.Millisecond)
	h.stats(t)
	if h.tr.Dials() != 2 {
		t.Fatal("reconnected before 2s")
	}
	h.clk.Advance(time.Millisecond)
	s = h.accept(t)

	// Third attempt succeeds and resets the count.
	s.Open()
	st = h.waitFor(t, "upstream open", func(st broker.Stats) bool { return st.Upstream == upstream.StateOpen })
	if st.Attempts != 0 || st.NextDelay != time.Second {
		t.Fatalf("after success: %+v", st)
	}
	if h.tr.Dials() != 3 {
		t.Fatalf("dials = %d, want 3", h.tr.Dials())
	}
}

func TestEventDoesNotResetAttempts(t *testing.T) {
	h := newHarness(t)
	p := newPort()
	h.attach(t, p)
	s := h.accept(t)
	s.Fail(errors.New("refused"))
	h.waitFor(t, "reconnect", func(st broker.Stats) bool { return st.ReconnectPending })
	h.clk.Advance(time.Second)
	s = h.accept(t)

	// Events from a stream that never reported Open are not delivered and
	// leave the count alone.
	s.Emit("reload", "")
	p.expectNothing(t)
	if st := h.stats(t); st.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", st.Attempts)
	}
}

func TestReconnectAbandonedWhenNoPorts(t *testing.T) {
	h := newHarness(t)
	p := newPort()
	h.attach(t, p)
	s := h.open(t)

	s.Fail(errors.New("gone"))
	h.waitFor(t, "reconnect", func(st broker.Stats) bool { return st.ReconnectPending })
	h.b.Disconnect(p)
	if st := h.stats(t); !st.IdlePending {
		t.Fatal("idle not armed")
	}

	h.clk.Advance(time.Second)
	st := h.stats(t)
	if st.ReconnectPending || st.Upstream != upstream.StateClosed {
		t.Fatalf("after abandoned reconnect: %+v", st)
	}
	if h.tr.Dials() != 1 {
		t.Fatalf("dials = %d, want 1", h.tr.Dials())
	}
	if h.journal.count("reconnect_abandoned") != 1 {
		t.Fatal("abandon not journaled")
	}

	h.clk.Advance(2 * time.Second)
	select {
	case <-h.b.Done():
	case <-time.After(wait):
		t.Fatal("idle path did not terminate the broker")
	}
}

func TestAttachDuringPendingReconnectDoesNotOpenTwice(t *testing.T) {
	h := newHarness(t)
	p := newPort()
	h.attach(t, p)
	s := h.open(t)

	s.Fail(errors.New("gone"))
	h.waitFor(t, "reconnect", func(st broker.Stats) bool { return st.ReconnectPending })
	h.b.Disconnect(p)
	h.attach(t, newPort())

	st := h.stats(t)
	if st.IdlePending || !st.ReconnectPending || st.Upstream != upstream.StateClosed {
		t.Fatalf("stats %+v", st)
	}
	if h.tr.Dials() != 1 {
		t.Fatalf("opened in parallel with pending reconnect: dials=%d", h.tr.Dials())
	}

	h.clk.Advance(time.Second)
	h.accept(t)
	if h.tr.Dials() != 2 {
		t.Fatalf("dials = %d, want 2", h.tr.Dials())
	}
}

func TestDeadPortPrunedOnBroadcast(t *testing.T) {
	h := newHarness(t)
	alive, dead := newPort(), newPort()
	h.attach(t, alive)
	h.attach(t, dead)
	s := h.open(t)

	dead.dead.Store(true)
	s.Emit("reload", "")
	alive.expect(t, events.Event{Type: events.TypeReload})

	st := h.stats(t)
	if st.Ports != 1 || st.IdlePending {
		t.Fatalf("stats after prune: %+v", st)
	}
	if h.journal.count("pruned") != 1 {
		t.Fatal("prune not journaled")
	}
}

func TestLastDeadPortSchedulesIdle(t *testing.T) {
	h := newHarness(t)
	p := newPort()
	h.attach(t, p)
	s := h.open(t)

	p.dead.Store(true)
	s.Emit("reload", "")
	st := h.waitFor(t, "prune", func(st broker.Stats) bool { return st.Ports == 0 })
	if !st.IdlePending {
		t.Fatal("idle not scheduled after last port was pruned")
	}

	h.clk.Advance(3 * time.Second)
	select {
	case <-h.b.Done():
	case <-time.After(wait):
		t.Fatal("broker did not terminate")
	}
}

func TestEventsDeliveredInOrder(t *testing.T) {
	h := newHarness(t)
	ports := []*fakePort{newPort(), newPort()}
	for _, p := range ports {
		h.attach(t, p)
	}
	s := h.open(t)

	s.Emit("build-failed", "1")
	s.Emit("reload", "")
	s.Emit("build-failed", "2")
	for _, p := range ports {
		p.expect(t, events.Event{Type: events.TypeBuildFailed, Data: "1"})
		p.expect(t, events.Event{Type: events.TypeReload})
		p.expect(t, events.Event{Type: events.TypeBuildFailed, Data: "2"})
	}
}

func TestRepeatedAttachDetachOpensOnce(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 20; i++ {
		p := newPort()
		h.attach(t, p)
		h.attach(t, newPort())
		h.b.Disconnect(p)
	}
	h.stats(t)
	if h.tr.Dials() != 1 {
		t.Fatalf("dials = %d, want 1", h.tr.Dials())
	}
}

func TestStopTerminates(t *testing.T) {
	h := newHarness(t)
	h.attach(t, newPort())
	s := h.accept(t)

	h.b.Stop()
	h.b.Stop()
	select {
	case <-s.Canceled():
	case <-time.After(wait):
		t.Fatal("Stop did not release the upstream")
	}
	if _, err := h.b.Stats(); !errors.Is(err, broker.ErrTerminated) {
		t.Fatalf("stats after stop: %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := broker.NewWithClock(upstreamtest.NewTransport(), broker.Config{}, discardLogger(), clk)

	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(wait):
		t.Fatal("Stop blocked on a broker that was never started")
	}
	if err := b.Attach(newPort()); !errors.Is(err, broker.ErrTerminated) {
		t.Fatalf("attach after stop: %v", err)
	}
	b.Start()
	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}
