package clock

import "time"

// Clock abstracts time for the session, supervisor and cache code paths.
// Production wiring uses Real(); tests use Fake() and drive time with Advance.
type Clock interface {
	Now() time.Time

	// After behaves like time.After. d <= 0 fires immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc behaves like time.AfterFunc. The returned Timer has a nil C.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker behaves like time.NewTicker and panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable scheduled call.
type Timer struct {
	C <-chan time.Time

	stop func() bool
}

// Stop reports whether the call prevented the timer from firing.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers ticks on C (capacity 1, late ticks are dropped).
type Ticker struct {
	C <-chan time.Time

	stop func()
}

func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}

// OrReal returns c, or Real() when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}
