package telephony

import (
	"log/slog"
	"sync"

	"pbx-controlplane/internal/metrics"
)

// DefaultMailboxSize bounds the per-handler queue.
const DefaultMailboxSize = 1024

// Dispatcher delivers events to registered handlers. Each handler has its
// own bounded mailbox drained by one goroutine, so delivery order is the
// arrival order and a slow handler never stalls the read loop. When a
// mailbox is full the event is dropped for that handler and counted.
type Dispatcher struct {
	source  Source
	log     *slog.Logger
	mailbox int

	mu     sync.RWMutex
	subs   map[string][]*subscriber
	closed bool
}

type subscriber struct {
	h    Handler
	ch   chan Event
	once sync.Once
}

func NewDispatcher(source Source, log *slog.Logger, mailbox int) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if mailbox <= 0 {
		mailbox = DefaultMailboxSize
	}
	return &Dispatcher{
		source:  source,
		log:     log,
		mailbox: mailbox,
		subs:    make(map[string][]*subscriber),
	}
}

// On registers h for eventType (or Wildcard). The returned func removes it.
func (d *Dispatcher) On(eventType string, h Handler) func() {
	s := &subscriber{h: h, ch: make(chan Event, d.mailbox)}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return func() {}
	}
	d.subs[eventType] = append(d.subs[eventType], s)
	d.mu.Unlock()

	go d.run(eventType, s)

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		list := d.subs[eventType]
		for i, cur := range list {
			if cur == s {
				d.subs[eventType] = append(list[:i:i], list[i+1:]...)
				s.close()
				return
			}
		}
	}
}

// Dispatch enqueues ev for every matching handler without blocking.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	d.offer(d.subs[ev.Type], ev)
	if ev.Type != Wildcard {
		d.offer(d.subs[Wildcard], ev)
	}
}

func (d *Dispatcher) offer(list []*subscriber, ev Event) {
	for _, s := range list {
		select {
		case s.ch <- ev:
		default:
			metrics.EventsDropped.WithLabelValues(string(d.source), ev.Type).Inc()
			d.log.Warn("handler mailbox full, event dropped", "type", ev.Type)
		}
	}
}

// Close stops every handler goroutine after its queued events drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, list := range d.subs {
		for _, s := range list {
			s.close()
		}
	}
	d.subs = nil
}

func (d *Dispatcher) run(eventType string, s *subscriber) {
	for ev := range s.ch {
		d.deliver(eventType, s, ev)
	}
}

func (d *Dispatcher) deliver(eventType string, s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event handler panicked", "subscription", eventType, "type", ev.Type, "panic", r)
		}
	}()
	s.h(ev)
}

func (s *subscriber) close() { s.once.Do(func() { close(s.ch) }) }
