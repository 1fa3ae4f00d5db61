package correlator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pbx-controlplane/internal/telephony"
	"pbx-controlplane/pkg/clock"

	"github.com/google/uuid"
)

// PendingAction is one in-flight request. It lives from Register until it
// is resolved, rejected or times out, and is never persisted.
type PendingAction[T any] struct {
	ID       string
	IssuedAt time.Time
	Deadline time.Time

	done chan outcome[T]
}

type outcome[T any] struct {
	val T
	err error
}

// Correlator matches asynchronous responses to requests by correlation id.
type Correlator[T any] struct {
	clock clock.Clock
	newID func() string

	mu      sync.Mutex
	pending map[string]*PendingAction[T]
}

func New[T any](c clock.Clock) *Correlator[T] {
	return &Correlator[T]{
		clock:   clock.OrReal(c),
		newID:   uuid.NewString,
		pending: make(map[string]*PendingAction[T]),
	}
}

// Register allocates a correlation id with a deadline timeout from now.
func (c *Correlator[T]) Register(timeout time.Duration) *PendingAction[T] {
	now := c.clock.Now()
	p := &PendingAction[T]{
		ID:       c.newID(),
		IssuedAt: now,
		Deadline: now.Add(timeout),
		done:     make(chan outcome[T], 1),
	}
	c.mu.Lock()
	c.pending[p.ID] = p
	c.mu.Unlock()
	return p
}

// Resolve completes id with v. It reports false for unknown ids, which
// covers late responses after a timeout.
func (c *Correlator[T]) Resolve(id string, v T) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	p.done <- outcome[T]{val: v}
	return true
}

// Reject completes id with err.
func (c *Correlator[T]) Reject(id string, err error) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	p.done <- outcome[T]{err: err}
	return true
}

// RejectAll fails every pending action with err and returns how many there were.
func (c *Correlator[T]) RejectAll(err error) int {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string]*PendingAction[T])
	c.mu.Unlock()

	for _, p := range all {
		p.done <- outcome[T]{err: err}
	}
	return len(all)
}

// Len is the number of in-flight actions.
func (c *Correlator[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Has reports whether id is still in flight.
func (c *Correlator[T]) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// Wait blocks until p completes, its deadline passes or ctx ends. On
// deadline the action is removed and the error wraps telephony.ErrActionTimeout.
func (c *Correlator[T]) Wait(ctx context.Context, p *PendingAction[T]) (T, error) {
	var zero T

	remaining := p.Deadline.Sub(c.clock.Now())
	select {
	case o := <-p.done:
		return o.val, o.err
	case <-c.clock.After(remaining):
		if c.take(p.ID) == nil {
			o := <-p.done
			return o.val, o.err
		}
		return zero, fmt.Errorf("correlator: action %s: %w", p.ID, telephony.ErrActionTimeout)
	case <-ctx.Done():
		if c.take(p.ID) == nil {
			o := <-p.done
			return o.val, o.err
		}
		return zero, ctx.Err()
	}
}

func (c *Correlator[T]) take(id string) *PendingAction[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}
