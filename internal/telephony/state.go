package telephony

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"pbx-controlplane/internal/metrics"
	"pbx-controlplane/pkg/clock"
)

// StateTracker holds a session's SessionState and announces every change
// as a SessionStateChanged event on the session's dispatcher.
type StateTracker struct {
	source Source
	disp   *Dispatcher
	clock  clock.Clock
	log    *slog.Logger

	mu    sync.Mutex
	state SessionState

	// emitMu is taken before mu is released so events leave in state order.
	emitMu sync.Mutex
}

func NewStateTracker(source Source, disp *Dispatcher, c clock.Clock, log *slog.Logger) *StateTracker {
	if log == nil {
		log = slog.Default()
	}
	return &StateTracker{
		source: source,
		disp:   disp,
		clock:  clock.OrReal(c),
		log:    log,
		state:  SessionState{Phase: PhaseDisconnected},
	}
}

// State returns a copy of the current state.
func (t *StateTracker) State() SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Phase returns the current phase.
func (t *StateTracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Phase
}

// Transition moves to phase. err, when non-nil, becomes LastError.
// Entering Connected clears the retry bookkeeping.
func (t *StateTracker) Transition(phase Phase, err error) {
	t.update(func(s *SessionState) {
		s.Phase = phase
		if err != nil {
			s.LastError = err.Error()
		}
		if phase == PhaseConnected {
			s.Attempt = 0
			s.NextRetryAt = time.Time{}
			s.LastError = ""
		}
	})
}

// Retrying records a scheduled reconnect.
func (t *StateTracker) Retrying(attempt int, next time.Time, err error) {
	t.update(func(s *SessionState) {
		s.Phase = PhaseReconnectPending
		s.Attempt = attempt
		s.NextRetryAt = next
		if err != nil {
			s.LastError = err.Error()
		}
	})
}

func (t *StateTracker) update(fn func(*SessionState)) {
	t.mu.Lock()
	prev := t.state.Phase
	fn(&t.state)
	cur := t.state
	t.emitMu.Lock()
	t.mu.Unlock()
	defer t.emitMu.Unlock()

	connected := 0.0
	if cur.Phase == PhaseConnected {
		connected = 1
	}
	metrics.SessionConnected.WithLabelValues(string(t.source)).Set(connected)
	metrics.SessionTransitions.WithLabelValues(string(t.source), string(cur.Phase)).Inc()

	if prev != cur.Phase {
		t.log.Info("session phase changed", "from", prev, "to", cur.Phase, "attempt", cur.Attempt, "last_error", cur.LastError)
	}
	if t.disp == nil {
		return
	}
	fields := map[string]string{
		"phase":   string(cur.Phase),
		"attempt": strconv.Itoa(cur.Attempt),
	}
	if !cur.NextRetryAt.IsZero() {
		fields["next_retry_at"] = cur.NextRetryAt.UTC().Format(time.RFC3339Nano)
	}
	if cur.LastError != "" {
		fields["last_error"] = cur.LastError
	}
	t.disp.Dispatch(Event{
		Source:     t.source,
		Type:       EventSessionStateChanged,
		Fields:     fields,
		ReceivedAt: t.clock.Now(),
	})
}
