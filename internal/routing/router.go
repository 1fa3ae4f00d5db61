package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pbx-controlplane/internal/metrics"
	"pbx-controlplane/internal/status"
	"pbx-controlplane/internal/telephony"
)

// Writer is the part of the status cache the router needs.
type Writer interface {
	Put(ctx context.Context, u status.Update) (status.Record, error)
}

type Options struct {
	Logger *slog.Logger

	// WriteTimeout bounds a single cache write. Default 2s.
	WriteTimeout time.Duration

	// OnConnected runs on its own goroutine each time a session reaches
	// the connected phase, typically to request a fresh state dump.
	OnConnected func(ctx context.Context, source telephony.Source)
}

// Router turns session events into status patches and applies them.
type Router struct {
	cache        Writer
	log          *slog.Logger
	writeTimeout time.Duration
	onConnected  func(ctx context.Context, source telephony.Source)
}

func New(cache Writer, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	return &Router{
		cache:        cache,
		log:          opts.Logger.With("component", "router"),
		writeTimeout: opts.WriteTimeout,
		onConnected:  opts.OnConnected,
	}
}

// Translate maps an event to its variant without side effects.
func Translate(ev telephony.Event) Routed {
	switch ev.Source {
	case telephony.SourceAMI:
		return translateAMI(ev)
	case telephony.SourceARI:
		return translateARI(ev)
	}
	return UnknownEvent{Event: ev}
}

// Route translates ev and writes its patch. Stale patches are expected
// under reordering and are not reported as errors.
func (r *Router) Route(ctx context.Context, ev telephony.Event) (Routed, error) {
	routed := Translate(ev)
	metrics.RoutedEvents.WithLabelValues(string(ev.Source), routed.Variant()).Inc()

	patch := Patch(routed)
	if patch == nil {
		return routed, nil
	}
	if _, err := r.cache.Put(ctx, patch); err != nil {
		if errors.Is(err, status.ErrStaleUpdate) {
			r.log.DebugContext(ctx, "stale event dropped", "source", ev.Source, "type", ev.Type, "key", patch.Key())
			return routed, nil
		}
		return routed, err
	}
	return routed, nil
}

// Handle is the telephony.Handler form of Route.
func (r *Router) Handle(ev telephony.Event) {
	if ev.Type == telephony.EventSessionStateChanged {
		r.sessionChanged(ev)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	if _, err := r.Route(ctx, ev); err != nil {
		r.log.Warn("status write failed", "source", ev.Source, "type", ev.Type, "error", err)
	}
}

func (r *Router) sessionChanged(ev telephony.Event) {
	if r.onConnected == nil || telephony.Phase(ev.Field("phase")) != telephony.PhaseConnected {
		return
	}
	// never block the session's dispatch goroutine on its own action path
	go r.onConnected(context.Background(), ev.Source)
}

// Attach subscribes the router to every event of each session and returns
// a function that detaches it again.
func (r *Router) Attach(sessions ...telephony.Session) func() {
	var unsubs []func()
	for _, s := range sessions {
		unsubs = append(unsubs, s.On(telephony.Wildcard, r.Handle))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
