package ami

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"
)

var (
	ErrMissingChannel     = errors.New("ami: channel is required")
	ErrMissingDestination = errors.New("ami: exten and context, or application, are required")
	ErrMissingInterface   = errors.New("ami: member interface is required")
)

// OriginateRequest describes an outbound call leg.
type OriginateRequest struct {
	Channel     string            `json:"channel"`
	Exten       string            `json:"exten,omitempty"`
	Context     string            `json:"context,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	Application string            `json:"application,omitempty"`
	Data        string            `json:"data,omitempty"`
	CallerID    string            `json:"caller_id,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Async       bool              `json:"async,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

func (r OriginateRequest) fields() ([]Field, error) {
	if r.Channel == "" {
		return nil, ErrMissingChannel
	}
	if r.Application == "" && (r.Exten == "" || r.Context == "") {
		return nil, ErrMissingDestination
	}
	out := []Field{{Key: "Channel", Value: r.Channel}}
	if r.Application != "" {
		out = append(out, Field{Key: "Application", Value: r.Application})
		if r.Data != "" {
			out = append(out, Field{Key: "Data", Value: r.Data})
		}
	} else {
		prio := r.Priority
		if prio <= 0 {
			prio = 1
		}
		out = append(out,
			Field{Key: "Exten", Value: r.Exten},
			Field{Key: "Context", Value: r.Context},
			Field{Key: "Priority", Value: strconv.Itoa(prio)},
		)
	}
	if r.CallerID != "" {
		out = append(out, Field{Key: "CallerID", Value: r.CallerID})
	}
	if r.Timeout > 0 {
		out = append(out, Field{Key: "Timeout", Value: strconv.FormatInt(r.Timeout.Milliseconds(), 10)})
	}
	if r.Async {
		out = append(out, Field{Key: "Async", Value: "true"})
	}
	keys := make([]string, 0, len(r.Variables))
	for k := range r.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, Field{Key: "Variable", Value: k + "=" + r.Variables[k]})
	}
	return out, nil
}

// Originate places a call.
func (s *Session) Originate(ctx context.Context, req OriginateRequest) (Response, error) {
	fields, err := req.fields()
	if err != nil {
		return Response{}, err
	}
	return s.Action(ctx, "Originate", fields...)
}

// Hangup ends a channel. cause is the Q.850 cause code; 0 leaves it unset.
func (s *Session) Hangup(ctx context.Context, channel string, cause int) (Response, error) {
	if channel == "" {
		return Response{}, ErrMissingChannel
	}
	fields := []Field{{Key: "Channel", Value: channel}}
	if cause > 0 {
		fields = append(fields, Field{Key: "Cause", Value: strconv.Itoa(cause)})
	}
	return s.Action(ctx, "Hangup", fields...)
}

// RedirectRequest transfers a channel to a dialplan location.
type RedirectRequest struct {
	Channel  string `json:"channel"`
	Exten    string `json:"exten"`
	Context  string `json:"context"`
	Priority int    `json:"priority,omitempty"`
}

func (s *Session) Redirect(ctx context.Context, req RedirectRequest) (Response, error) {
	if req.Channel == "" {
		return Response{}, ErrMissingChannel
	}
	if req.Exten == "" || req.Context == "" {
		return Response{}, ErrMissingDestination
	}
	prio := req.Priority
	if prio <= 0 {
		prio = 1
	}
	return s.Action(ctx, "Redirect",
		Field{Key: "Channel", Value: req.Channel},
		Field{Key: "Exten", Value: req.Exten},
		Field{Key: "Context", Value: req.Context},
		Field{Key: "Priority", Value: strconv.Itoa(prio)},
	)
}

// QueueStatus lists queue parameters and members. An empty queue means all
// queues. The listed events are also delivered to handlers.
func (s *Session) QueueStatus(ctx context.Context, queue string) (Response, error) {
	var fields []Field
	if queue != "" {
		fields = append(fields, Field{Key: "Queue", Value: queue})
	}
	return s.Action(ctx, "QueueStatus", fields...)
}

// QueueSummary lists per-queue counters.
func (s *Session) QueueSummary(ctx context.Context, queue string) (Response, error) {
	var fields []Field
	if queue != "" {
		fields = append(fields, Field{Key: "Queue", Value: queue})
	}
	return s.Action(ctx, "QueueSummary", fields...)
}

// PeerStatus reports PJSIP endpoint state: one endpoint when peer is set,
// otherwise all of them.
func (s *Session) PeerStatus(ctx context.Context, peer string) (Response, error) {
	if peer == "" {
		return s.Action(ctx, "PJSIPShowEndpoints")
	}
	return s.Action(ctx, "PJSIPShowEndpoint", Field{Key: "Endpoint", Value: peer})
}

// QueuePause pauses or unpauses a member interface, in one queue or all.
func (s *Session) QueuePause(ctx context.Context, queue, iface string, paused bool, reason string) (Response, error) {
	if iface == "" {
		return Response{}, ErrMissingInterface
	}
	fields := []Field{
		{Key: "Interface", Value: iface},
		{Key: "Paused", Value: strconv.FormatBool(paused)},
	}
	if queue != "" {
		fields = append(fields, Field{Key: "Queue", Value: queue})
	}
	if reason != "" {
		fields = append(fields, Field{Key: "Reason", Value: reason})
	}
	return s.Action(ctx, "QueuePause", fields...)
}

func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Action(ctx, "Ping")
	return err
}
