// Package clock abstracts time so timer-driven code can be tested
// deterministically. Production code uses Real(); tests use Fake() and
// advance time explicitly.
package clock

import "time"

// Clock is the subset of the time package used by the relay.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f after d elapses. The fake clock runs f
	// synchronously inside Advance.
	AfterFunc(d time.Duration, f func()) *Timer

	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancelable AfterFunc registration.
type Timer struct {
	stop func() bool
}

// Stop prevents the timer from firing. It reports whether the call
// stopped a pending timer.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers periodic ticks on C. Ticks are dropped when the reader
// falls behind.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }
