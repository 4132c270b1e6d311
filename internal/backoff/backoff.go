// Package backoff computes reconnect delays for the upstream stream.
package backoff

import "time"

const (
	DefaultBase = 1 * time.Second
	DefaultMax  = 10 * time.Second
)

// Policy is a capped exponential delay: min(Base * 2^attempts, Max).
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Default returns the 1s..10s policy used by the broker.
func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax}
}

// Normalize fills in missing values and keeps Max >= Base.
func (p Policy) Normalize() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

// Delay returns the wait before reconnect attempt number attempts
// (zero-based). It never overflows: doubling stops once Max is reached.
func (p Policy) Delay(attempts int) time.Duration {
	p = p.Normalize()
	delay := p.Base
	for i := 0; i < attempts; i++ {
		if delay >= p.Max/2 {
			return p.Max
		}
		delay *= 2
	}
	if delay > p.Max {
		return p.Max
	}
	return delay
}

// State tracks consecutive failed opens. It is not safe for concurrent
// use; the broker owns it from its event loop.
type State struct {
	policy   Policy
	attempts int
}

func NewState(p Policy) *State {
	return &State{policy: p.Normalize()}
}

// Failure records a failed open and returns how long to wait before the
// next attempt.
func (s *State) Failure() time.Duration {
	d := s.policy.Delay(s.attempts)
	s.attempts++
	return d
}

// Reset is called only after the upstream reaches Open.
func (s *State) Reset() { s.attempts = 0 }

func (s *State) Attempts() int { return s.attempts }

// Next reports the delay the next Failure would return.
func (s *State) Next() time.Duration { return s.policy.Delay(s.attempts) }
