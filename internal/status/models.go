package status

import (
	"slices"
	"time"
)

// Kind partitions the cache key space.
type Kind string

const (
	KindOperator Kind = "operator"
	KindChannel  Kind = "channel"
	KindQueue    Kind = "queue"
)

func (k Kind) Valid() bool {
	switch k {
	case KindOperator, KindChannel, KindQueue:
		return true
	}
	return false
}

type OperatorState string

const (
	OperatorIdle    OperatorState = "idle"
	OperatorInCall  OperatorState = "in_call"
	OperatorPaused  OperatorState = "paused"
	OperatorOffline OperatorState = "offline"
)

func (s OperatorState) Valid() bool {
	switch s {
	case OperatorIdle, OperatorInCall, OperatorPaused, OperatorOffline:
		return true
	}
	return false
}

type ChannelState string

const (
	ChannelDown     ChannelState = "down"
	ChannelReserved ChannelState = "reserved"
	ChannelOffHook  ChannelState = "off_hook"
	ChannelDialing  ChannelState = "dialing"
	ChannelRing     ChannelState = "ring"
	ChannelUp       ChannelState = "up"
	ChannelBusy     ChannelState = "busy"
)

func (s ChannelState) Valid() bool {
	switch s {
	case ChannelDown, ChannelReserved, ChannelOffHook, ChannelDialing, ChannelRing, ChannelUp, ChannelBusy:
		return true
	}
	return false
}

// Record is one cached status entry. Stored records are never mutated;
// every write produces a new value.
type Record interface {
	Kind() Kind
	Key() string
	Updated() time.Time
}

// OperatorStatus is a queue member's live state. QueueName is the queue the
// member was last reported in; Queues holds every queue it belongs to.
// Invariants: Status == paused implies Paused; CurrentCallID is only set
// while Status == in_call; a non-empty QueueName is in Queues.
type OperatorStatus struct {
	MemberID      string        `json:"member_id"`
	QueueName     string        `json:"queue_name"`
	Queues        []string      `json:"queues,omitempty"`
	Paused        bool          `json:"paused"`
	PausedReason  string        `json:"paused_reason,omitempty"`
	Status        OperatorState `json:"status"`
	CurrentCallID string        `json:"current_call_id,omitempty"`
	WrapUpTime    *int          `json:"wrap_up_time,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (o *OperatorStatus) Kind() Kind         { return KindOperator }
func (o *OperatorStatus) Key() string        { return o.MemberID }
func (o *OperatorStatus) Updated() time.Time { return o.UpdatedAt }

// InQueue reports whether the operator is a member of queue.
func (o *OperatorStatus) InQueue(queue string) bool {
	return queue != "" && (o.QueueName == queue || slices.Contains(o.Queues, queue))
}

// Memberships returns every queue the operator is indexed under.
func (o *OperatorStatus) Memberships() []string {
	if o.QueueName == "" || slices.Contains(o.Queues, o.QueueName) {
		return o.Queues
	}
	return append(slices.Clone(o.Queues), o.QueueName)
}

// ChannelStatus is a live channel. CallDuration is derived from AnsweredAt
// at read time and only while the channel is up.
type ChannelStatus struct {
	ChannelID    string       `json:"channel_id"`
	Name         string       `json:"name,omitempty"`
	State        ChannelState `json:"state"`
	Extension    string       `json:"extension,omitempty"`
	Context      string       `json:"context,omitempty"`
	Priority     *int         `json:"priority,omitempty"`
	AnsweredAt   *time.Time   `json:"answered_at,omitempty"`
	CallDuration *int64       `json:"call_duration,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (c *ChannelStatus) Kind() Kind         { return KindChannel }
func (c *ChannelStatus) Key() string        { return c.ChannelID }
func (c *ChannelStatus) Updated() time.Time { return c.UpdatedAt }

// WithDuration returns a copy carrying the call duration in seconds as of
// now, or none when the channel is not up.
func (c *ChannelStatus) WithDuration(now time.Time) *ChannelStatus {
	out := *c
	out.CallDuration = nil
	if out.State == ChannelUp && out.AnsweredAt != nil {
		secs := int64(now.Sub(*out.AnsweredAt) / time.Second)
		if secs < 0 {
			secs = 0
		}
		out.CallDuration = &secs
	}
	return &out
}

// QueueStatus aggregates one queue. ActiveMembers never exceeds TotalMembers.
type QueueStatus struct {
	QueueName       string    `json:"queue_name"`
	TotalMembers    int       `json:"total_members"`
	ActiveMembers   int       `json:"active_members"`
	CallsWaiting    int       `json:"calls_waiting"`
	LongestWaitTime *int      `json:"longest_wait_time,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (q *QueueStatus) Kind() Kind         { return KindQueue }
func (q *QueueStatus) Key() string        { return q.QueueName }
func (q *QueueStatus) Updated() time.Time { return q.UpdatedAt }

// Snapshot is a point-in-time view of all kinds. Reads across kinds are
// not atomic.
type Snapshot struct {
	Operators []*OperatorStatus `json:"operators"`
	Channels  []*ChannelStatus  `json:"channels"`
	Queues    []*QueueStatus    `json:"queues"`
	TakenAt   time.Time         `json:"taken_at"`
}

// Expired reports whether r is older than ttl at now.
func Expired(r Record, now time.Time, ttl time.Duration) bool {
	return now.Sub(r.Updated()) > ttl
}
