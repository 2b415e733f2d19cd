// Package clock provides the single monotonic clock source the
// Scheduler (C7) depends on, and a virtual clock for deterministic tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the seam the Scheduler reads wall-clock time through.
type Clock interface {
	Now() time.Time
	// After returns a channel that fires once d has elapsed on this clock.
	After(d time.Duration) <-chan time.Time
}

// Real is the production clock, backed by the stdlib.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time  { return time.After(d) }

// Virtual is an injectable clock for scheduler determinism tests: time
// advances only when Advance is called, never on its own.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []virtualWaiter
}

type virtualWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewVirtual creates a Virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) After(d time.Duration) <-chan time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	ch := make(chan time.Time, 1)
	deadline := v.now.Add(d)
	if !deadline.After(v.now) {
		ch <- v.now
		return ch
	}
	v.waiters = append(v.waiters, virtualWaiter{deadline: deadline, ch: ch})
	return ch
}

// Advance moves the virtual clock forward by d, firing any waiters whose
// deadline has passed.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = v.now.Add(d)
	remaining := v.waiters[:0]
	for _, w := range v.waiters {
		if !w.deadline.After(v.now) {
			w.ch <- v.now
		} else {
			remaining = append(remaining, w)
		}
	}
	v.waiters = remaining
}

// SetTime jumps the virtual clock directly to t (for seeding a specific
// trigger instant in tests) without firing waiters scheduled relative to
// prior Advance calls; prefer Advance when waiters must fire.
func (v *Virtual) SetTime(t time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = t
}
