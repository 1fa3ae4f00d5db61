package status

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrStaleUpdate means the stored record is newer than the update.
	ErrStaleUpdate = errors.New("status: update older than stored record")

	ErrInvalidUpdate = errors.New("status: invalid update")
)

// Update is a keyed partial write. Apply merges it onto prev (nil when the
// key is absent or expired) and returns the new record. Fields the update
// leaves nil keep their previous value.
type Update interface {
	Kind() Kind
	Key() string
	Apply(prev Record, now time.Time) (Record, error)
}

// observed returns the merge timestamp: the event time, or now when unset.
func observed(at, now time.Time) time.Time {
	if at.IsZero() {
		return now
	}
	return at
}

// checkStale enforces monotonic merges and returns the new UpdatedAt.
func checkStale(prev Record, at time.Time) (time.Time, error) {
	if prev == nil {
		return at, nil
	}
	if at.Before(prev.Updated()) {
		return time.Time{}, fmt.Errorf("%w: %s %s at %s < %s",
			ErrStaleUpdate, prev.Kind(), prev.Key(), at.Format(time.RFC3339Nano), prev.Updated().Format(time.RFC3339Nano))
	}
	return at, nil
}

// OperatorUpdate patches an OperatorStatus. QueueName moves the operator
// to exactly that queue; JoinQueue adds a membership and makes it current;
// LeaveQueue drops one, and leaving the last queue takes the operator
// offline.
type OperatorUpdate struct {
	MemberID      string         `json:"member_id"`
	QueueName     *string        `json:"queue_name,omitempty"`
	JoinQueue     *string        `json:"join_queue,omitempty"`
	LeaveQueue    *string        `json:"leave_queue,omitempty"`
	Paused        *bool          `json:"paused,omitempty"`
	PausedReason  *string        `json:"paused_reason,omitempty"`
	Status        *OperatorState `json:"status,omitempty"`
	CurrentCallID *string        `json:"current_call_id,omitempty"`
	WrapUpTime    *int           `json:"wrap_up_time,omitempty"`
	ObservedAt    time.Time      `json:"observed_at,omitempty"`
}

func (u OperatorUpdate) Kind() Kind  { return KindOperator }
func (u OperatorUpdate) Key() string { return u.MemberID }

func (u OperatorUpdate) Apply(prev Record, now time.Time) (Record, error) {
	if u.MemberID == "" {
		return nil, fmt.Errorf("%w: member id is required", ErrInvalidUpdate)
	}
	if u.Status != nil && !u.Status.Valid() {
		return nil, fmt.Errorf("%w: operator status %q", ErrInvalidUpdate, *u.Status)
	}
	at, err := checkStale(prev, observed(u.ObservedAt, now))
	if err != nil {
		return nil, err
	}

	next := OperatorStatus{MemberID: u.MemberID, Status: OperatorOffline}
	if p, ok := prev.(*OperatorStatus); ok && p != nil {
		next = *p
	}
	if u.QueueName != nil {
		next.QueueName = *u.QueueName
		next.Queues = nil
		if next.QueueName != "" {
			next.Queues = []string{next.QueueName}
		}
	}
	if u.JoinQueue != nil && *u.JoinQueue != "" {
		next.QueueName = *u.JoinQueue
		next.Queues = joinQueue(next.Queues, *u.JoinQueue)
	}
	if u.Status != nil {
		next.Status = *u.Status
	}
	if u.LeaveQueue != nil && *u.LeaveQueue != "" {
		next.Queues = leaveQueue(next.Queues, *u.LeaveQueue)
		if next.QueueName == *u.LeaveQueue {
			next.QueueName = ""
			if len(next.Queues) > 0 {
				next.QueueName = next.Queues[0]
			}
		}
		if next.QueueName == "" {
			next.Status = OperatorOffline
			next.Paused = false
		}
	}
	if u.Paused != nil {
		next.Paused = *u.Paused
	}
	if u.PausedReason != nil {
		next.PausedReason = *u.PausedReason
	}
	if u.CurrentCallID != nil {
		next.CurrentCallID = *u.CurrentCallID
	}
	if u.WrapUpTime != nil {
		w := *u.WrapUpTime
		next.WrapUpTime = &w
	}

	switch {
	case next.Status == OperatorPaused:
		next.Paused = true
	case next.Paused && next.Status == OperatorIdle:
		next.Status = OperatorPaused
	}
	if u.Paused != nil && !*u.Paused && next.Status == OperatorPaused {
		next.Status = OperatorIdle
		next.Paused = false
	}
	if next.Status != OperatorInCall {
		next.CurrentCallID = ""
	}
	if !next.Paused {
		next.PausedReason = ""
	}
	next.UpdatedAt = at
	return &next, nil
}

// ChannelUpdate patches a ChannelStatus. Call duration is never accepted
// from the outside; it is derived from the transition into up.
type ChannelUpdate struct {
	ChannelID  string        `json:"channel_id"`
	Name       *string       `json:"name,omitempty"`
	State      *ChannelState `json:"state,omitempty"`
	Extension  *string       `json:"extension,omitempty"`
	Context    *string       `json:"context,omitempty"`
	Priority   *int          `json:"priority,omitempty"`
	ObservedAt time.Time     `json:"observed_at,omitempty"`
}

func (u ChannelUpdate) Kind() Kind  { return KindChannel }
func (u ChannelUpdate) Key() string { return u.ChannelID }

func (u ChannelUpdate) Apply(prev Record, now time.Time) (Record, error) {
	if u.ChannelID == "" {
		return nil, fmt.Errorf("%w: channel id is required", ErrInvalidUpdate)
	}
	if u.State != nil && !u.State.Valid() {
		return nil, fmt.Errorf("%w: channel state %q", ErrInvalidUpdate, *u.State)
	}
	at, err := checkStale(prev, observed(u.ObservedAt, now))
	if err != nil {
		return nil, err
	}

	next := ChannelStatus{ChannelID: u.ChannelID, State: ChannelDown}
	wasUp := false
	if p, ok := prev.(*ChannelStatus); ok && p != nil {
		next = *p
		wasUp = p.State == ChannelUp
	}
	if u.Name != nil {
		next.Name = *u.Name
	}
	if u.State != nil {
		next.State = *u.State
	}
	if u.Extension != nil {
		next.Extension = *u.Extension
	}
	if u.Context != nil {
		next.Context = *u.Context
	}
	if u.Priority != nil {
		p := *u.Priority
		next.Priority = &p
	}

	switch {
	case next.State != ChannelUp:
		next.AnsweredAt = nil
	case !wasUp || next.AnsweredAt == nil:
		answered := at
		next.AnsweredAt = &answered
	}
	next.CallDuration = nil
	next.UpdatedAt = at
	return &next, nil
}

// QueueUpdate patches a QueueStatus.
type QueueUpdate struct {
	QueueName       string    `json:"queue_name"`
	TotalMembers    *int      `json:"total_members,omitempty"`
	ActiveMembers   *int      `json:"active_members,omitempty"`
	CallsWaiting    *int      `json:"calls_waiting,omitempty"`
	LongestWaitTime *int      `json:"longest_wait_time,omitempty"`
	ObservedAt      time.Time `json:"observed_at,omitempty"`
}

func (u QueueUpdate) Kind() Kind  { return KindQueue }
func (u QueueUpdate) Key() string { return u.QueueName }

func (u QueueUpdate) Apply(prev Record, now time.Time) (Record, error) {
	if u.QueueName == "" {
		return nil, fmt.Errorf("%w: queue name is required", ErrInvalidUpdate)
	}
	at, err := checkStale(prev, observed(u.ObservedAt, now))
	if err != nil {
		return nil, err
	}

	next := QueueStatus{QueueName: u.QueueName}
	if p, ok := prev.(*QueueStatus); ok && p != nil {
		next = *p
	}
	if u.TotalMembers != nil {
		next.TotalMembers = nonNegative(*u.TotalMembers)
	}
	if u.ActiveMembers != nil {
		next.ActiveMembers = nonNegative(*u.ActiveMembers)
	}
	if u.CallsWaiting != nil {
		next.CallsWaiting = nonNegative(*u.CallsWaiting)
	}
	if u.LongestWaitTime != nil {
		w := nonNegative(*u.LongestWaitTime)
		next.LongestWaitTime = &w
	}
	if next.ActiveMembers > next.TotalMembers {
		next.ActiveMembers = next.TotalMembers
	}
	next.UpdatedAt = at
	return &next, nil
}

// joinQueue and leaveQueue return a new sorted slice; records are shared
// with readers and never mutated in place.
func joinQueue(queues []string, q string) []string {
	if slices.Contains(queues, q) {
		return queues
	}
	out := append(slices.Clone(queues), q)
	slices.Sort(out)
	return out
}

func leaveQueue(queues []string, q string) []string {
	i := slices.Index(queues, q)
	if i < 0 {
		return queues
	}
	out := slices.Delete(slices.Clone(queues), i, i+1)
	if len(out) == 0 {
		return nil
	}
	return out
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// Ptr is a convenience for building updates.
func Ptr[T any](v T) *T { return &v }
