package routing

import (
	"pbx-controlplane/internal/status"
	"pbx-controlplane/internal/telephony"
)

// Routed is the closed set of router outputs: OperatorEvent, ChannelEvent,
// QueueEvent and UnknownEvent.
type Routed interface {
	Variant() string
	routed()
}

// Patch returns the cache update carried by r, or nil for UnknownEvent.
func Patch(r Routed) status.Update {
	switch v := r.(type) {
	case OperatorEvent:
		return v.Update
	case ChannelEvent:
		return v.Update
	case QueueEvent:
		return v.Update
	}
	return nil
}

type OperatorEvent struct {
	Update status.OperatorUpdate
}

type ChannelEvent struct {
	Update status.ChannelUpdate
}

type QueueEvent struct {
	Update status.QueueUpdate
}

// UnknownEvent carries an event with no status impact.
type UnknownEvent struct {
	Event telephony.Event
}

func (OperatorEvent) Variant() string { return "operator" }
func (ChannelEvent) Variant() string  { return "channel" }
func (QueueEvent) Variant() string    { return "queue" }
func (UnknownEvent) Variant() string  { return "unknown" }

func (OperatorEvent) routed() {}
func (ChannelEvent) routed()  {}
func (QueueEvent) routed()    {}
func (UnknownEvent) routed()  {}
