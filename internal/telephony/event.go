package telephony

import (
	"strconv"
	"time"
)

// EventSessionStateChanged is the synthetic event type a session emits on
// every phase transition.
const EventSessionStateChanged = "SessionStateChanged"

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Event is the protocol-neutral shape produced by both frame codecs.
type Event struct {
	Source     Source            `json:"source"`
	Type       string            `json:"type"`
	Fields     map[string]string `json:"fields"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Handler consumes events. It runs on the subscriber's own goroutine.
type Handler func(Event)

// Field returns the named field or "".
func (e Event) Field(key string) string {
	if e.Fields == nil {
		return ""
	}
	return e.Fields[key]
}

// Has reports whether the field is present, even when empty.
func (e Event) Has(key string) bool {
	_, ok := e.Fields[key]
	return ok
}

// Int parses the named field. ok is false when absent or not a number.
func (e Event) Int(key string) (int, bool) {
	v, present := e.Fields[key]
	if !present || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
