// Package clock abstracts the time operations used by the provisioning
// flow. Production code uses Real(); tests use a FakeClock so that the
// poll delays and the registration cool-down run without sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and delayed wake-ups
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after d
	// elapses. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// FakeClock is a deterministic Clock for tests. Time only moves when
// Advance is called or when a caller waits on After: every After call
// advances the clock by its duration and fires immediately, and the
// requested duration is recorded so tests can assert on it.
//
// FakeClock is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waits   []time.Duration
}

// NewFake returns a FakeClock set to initial
func NewFake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// Now returns the current fake time
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After advances the fake time by d and returns a channel that already
// holds the new time.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.waits = append(c.waits, d)
	if d > 0 {
		c.current = c.current.Add(d)
	}

	ch := make(chan time.Time, 1)
	ch <- c.current
	return ch
}

// Advance moves the fake time forward by d
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Waits returns a copy of every duration passed to After, in call order
func (c *FakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	waits := make([]time.Duration, len(c.waits))
	copy(waits, c.waits)
	return waits
}
