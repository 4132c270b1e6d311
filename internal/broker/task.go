package broker

import (
	"time"

	"github.com/zsprackett/reload-relay/internal/clock"
)

// task is a cancelable one-shot timer whose callback runs on the broker
// loop. A fire that was already queued when Cancel ran is dropped by the
// sequence check, so cancel-vs-fire is decided by loop order alone.
type task struct {
	clock clock.Clock
	post  func(func())

	timer *clock.Timer
	seq   uint64
}

func newTask(c clock.Clock, post func(func())) *task {
	return &task{clock: c, post: post}
}

func (t *task) Pending() bool { return t.timer != nil }

// Schedule arms the task. It is a no-op returning false when already armed.
// d must be positive: the fake clock runs non-positive timers inline, which
// would post from inside the loop.
func (t *task) Schedule(d time.Duration, fn func()) bool {
	if t.timer != nil {
		return false
	}
	t.seq++
	seq := t.seq
	t.timer = t.clock.AfterFunc(d, func() {
		t.post(func() {
			if t.timer == nil || t.seq != seq {
				return
			}
			t.timer = nil
			fn()
		})
	})
	return true
}

// Cancel disarms the task. It is a no-op returning false when not armed.
func (t *task) Cancel() bool {
	if t.timer == nil {
		return false
	}
	t.timer.Stop()
	t.timer = nil
	t.seq++
	return true
}
