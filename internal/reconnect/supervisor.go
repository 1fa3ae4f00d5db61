package reconnect

import (
	"math/rand"
	"sync"
	"time"

	"pbx-controlplane/pkg/clock"
)

// Policy configures the backoff schedule.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	StableAfter time.Duration

	// Jitter is a fraction in [0,1]. The scheduled delay is spread by up
	// to ±Jitter of itself, never below 1ms. NextDelay never applies jitter.
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   1 * time.Second,
		MaxDelay:    60 * time.Second,
		StableAfter: 30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.StableAfter <= 0 {
		p.StableAfter = d.StableAfter
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Handle is whatever the supervisor reconnects. It has no transport
// knowledge of its own.
type Handle interface {
	Reconnect()
}

// HandleFunc adapts a func to Handle.
type HandleFunc func()

func (f HandleFunc) Reconnect() { f() }

// Supervisor is the exponential backoff state machine shared by the PBX
// sessions. Delay for attempt n is min(BaseDelay*2^n, MaxDelay); n resets
// to zero once a connection has stayed up for StableAfter.
type Supervisor struct {
	policy Policy
	clock  clock.Clock
	rand   func() float64

	mu          sync.Mutex
	attempt     int
	nextRetryAt time.Time
	retry       *clock.Timer
	stable      *clock.Timer
	stableGen   uint64
	onSchedule  func(attempt int, delay time.Duration)
}

func New(p Policy, c clock.Clock) *Supervisor {
	return &Supervisor{
		policy: p.withDefaults(),
		clock:  clock.OrReal(c),
		rand:   rand.Float64,
	}
}

// OnSchedule registers an observer for every scheduled retry.
func (s *Supervisor) OnSchedule(fn func(attempt int, delay time.Duration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSchedule = fn
}

// Policy returns the effective policy.
func (s *Supervisor) Policy() Policy { return s.policy }

// NextDelay returns the delay for the current attempt and advances it.
func (s *Supervisor) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDelayLocked()
}

func (s *Supervisor) nextDelayLocked() time.Duration {
	d := s.policy.BaseDelay
	for i := 0; i < s.attempt && d < s.policy.MaxDelay; i++ {
		d *= 2
	}
	if d > s.policy.MaxDelay {
		d = s.policy.MaxDelay
	}
	s.attempt++
	return d
}

// ScheduleRetry arms a single timer that calls h.Reconnect. A retry that is
// already pending is replaced. It returns the delay used.
func (s *Supervisor) ScheduleRetry(h Handle) time.Duration {
	s.mu.Lock()
	s.stopStableLocked()
	if s.retry != nil {
		s.retry.Stop()
	}
	d := s.jitter(s.nextDelayLocked())
	attempt := s.attempt
	s.nextRetryAt = s.clock.Now().Add(d)

	var t *clock.Timer
	t = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if s.retry != t {
			s.mu.Unlock()
			return
		}
		s.retry = nil
		s.nextRetryAt = time.Time{}
		s.mu.Unlock()
		h.Reconnect()
	})
	s.retry = t
	observer := s.onSchedule
	s.mu.Unlock()

	if observer != nil {
		observer(attempt, d)
	}
	return d
}

// MarkConnected starts the stability window. Reaching its end resets the
// attempt counter.
func (s *Supervisor) MarkConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
		s.nextRetryAt = time.Time{}
	}
	s.stopStableLocked()
	gen := s.stableGen
	s.stable = s.clock.AfterFunc(s.policy.StableAfter, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stableGen != gen {
			return
		}
		s.attempt = 0
		s.stable = nil
	})
}

// MarkDisconnected aborts the stability window so the counter keeps growing.
func (s *Supervisor) MarkDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopStableLocked()
}

// Cancel stops any pending retry and the stability window.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.nextRetryAt = time.Time{}
	s.stopStableLocked()
}

// Reset forgets previous failures.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
}

// Attempt is the number of delays handed out since the last reset.
func (s *Supervisor) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// NextRetryAt is zero when no retry is pending.
func (s *Supervisor) NextRetryAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRetryAt
}

// Pending reports whether a retry timer is armed.
func (s *Supervisor) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry != nil
}

func (s *Supervisor) stopStableLocked() {
	s.stableGen++
	if s.stable != nil {
		s.stable.Stop()
		s.stable = nil
	}
}

func (s *Supervisor) jitter(d time.Duration) time.Duration {
	if s.policy.Jitter == 0 {
		return d
	}
	spread := float64(d) * s.policy.Jitter
	out := time.Duration(float64(d) + spread*(2*s.rand()-1))
	if out < time.Millisecond {
		return time.Millisecond
	}
	return out
}
