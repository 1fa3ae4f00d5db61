package status

import (
	"errors"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func applyOp(t *testing.T, prev Record, u OperatorUpdate) *OperatorStatus {
	t.Helper()
	rec, err := u.Apply(prev, epoch)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return rec.(*OperatorStatus)
}

func TestOperatorUpdate_NewRecordDefaultsOffline(t *testing.T) {
	op := applyOp(t, nil, OperatorUpdate{MemberID: "PJSIP/1001", QueueName: Ptr("sales")})
	if op.Status != OperatorOffline || op.Paused {
		t.Fatalf("unexpected defaults: %+v", op)
	}
	if !op.UpdatedAt.Equal(epoch) {
		t.Fatalf("zero ObservedAt should use now, got %s", op.UpdatedAt)
	}
}

func TestOperatorUpdate_QueueMemberships(t *testing.T) {
	op := applyOp(t, nil, OperatorUpdate{MemberID: "m1", JoinQueue: Ptr("sales"), Status: Ptr(OperatorIdle)})
	joined := applyOp(t, op, OperatorUpdate{MemberID: "m1", JoinQueue: Ptr("support")})
	if joined.QueueName != "support" || !joined.InQueue("sales") || !joined.InQueue("support") {
		t.Fatalf("unexpected memberships: %+v", joined)
	}
	if len(op.Queues) != 1 {
		t.Fatalf("previous record was mutated: %+v", op)
	}

	left := applyOp(t, joined, OperatorUpdate{MemberID: "m1", LeaveQueue: Ptr("support")})
	if left.QueueName != "sales" || left.InQueue("support") || left.Status != OperatorIdle {
		t.Fatalf("leaving one queue: %+v", left)
	}
	other := applyOp(t, joined, OperatorUpdate{MemberID: "m1", LeaveQueue: Ptr("sales")})
	if other.QueueName != "support" || other.InQueue("sales") || other.Status != OperatorIdle {
		t.Fatalf("leaving a non-current queue: %+v", other)
	}

	gone := applyOp(t, left, OperatorUpdate{MemberID: "m1", LeaveQueue: Ptr("sales")})
	if gone.QueueName != "" || len(gone.Queues) != 0 || gone.Status != OperatorOffline {
		t.Fatalf("leaving the last queue: %+v", gone)
	}

	moved := applyOp(t, joined, OperatorUpdate{MemberID: "m1", QueueName: Ptr("billing")})
	if moved.InQueue("sales") || moved.InQueue("support") || !moved.InQueue("billing") {
		t.Fatalf("a move replaces memberships: %+v", moved)
	}
}

func TestOperatorUpdate_MergeKeepsUnsetFields(t *testing.T) {
	prev := applyOp(t, nil, OperatorUpdate{
		MemberID:   "PJSIP/1001",
		QueueName:  Ptr("sales"),
		Status:     Ptr(OperatorIdle),
		WrapUpTime: Ptr(15),
		ObservedAt: epoch,
	})
	next := applyOp(t, prev, OperatorUpdate{
		MemberID:      "PJSIP/1001",
		Status:        Ptr(OperatorInCall),
		CurrentCallID: Ptr("1700000000.1"),
		ObservedAt:    epoch.Add(time.Second),
	})
	if next.QueueName != "sales" || next.WrapUpTime == nil || *next.WrapUpTime != 15 {
		t.Fatalf("unset fields should be kept: %+v", next)
	}
	if next.Status != OperatorInCall || next.CurrentCallID != "1700000000.1" {
		t.Fatalf("patched fields not applied: %+v", next)
	}
	if prev.Status != OperatorIdle {
		t.Fatalf("previous record must not be mutated")
	}
}

func TestOperatorUpdate_PauseInvariants(t *testing.T) {
	prev := applyOp(t, nil, OperatorUpdate{MemberID: "m", Status: Ptr(OperatorIdle)})

	paused := applyOp(t, prev, OperatorUpdate{MemberID: "m", Paused: Ptr(true), PausedReason: Ptr("lunch")})
	if paused.Status != OperatorPaused || !paused.Paused || paused.PausedReason != "lunch" {
		t.Fatalf("pausing an idle operator: %+v", paused)
	}

	resumed := applyOp(t, paused, OperatorUpdate{MemberID: "m", Paused: Ptr(false)})
	if resumed.Status != OperatorIdle || resumed.Paused || resumed.PausedReason != "" {
		t.Fatalf("unpausing: %+v", resumed)
	}

	forced := applyOp(t, resumed, OperatorUpdate{MemberID: "m", Status: Ptr(OperatorPaused)})
	if !forced.Paused {
		t.Fatalf("status paused must imply paused flag")
	}
}

func TestOperatorUpdate_CallClearedOutsideInCall(t *testing.T) {
	prev := applyOp(t, nil, OperatorUpdate{MemberID: "m", Status: Ptr(OperatorInCall), CurrentCallID: Ptr("c1")})
	next := applyOp(t, prev, OperatorUpdate{MemberID: "m", Status: Ptr(OperatorIdle)})
	if next.CurrentCallID != "" {
		t.Fatalf("call id should be cleared, got %q", next.CurrentCallID)
	}
	if got := applyOp(t, nil, OperatorUpdate{MemberID: "m", CurrentCallID: Ptr("c2")}); got.CurrentCallID != "" {
		t.Fatalf("call id on an offline operator should be dropped")
	}
}

func TestUpdate_RejectsStale(t *testing.T) {
	prev := applyOp(t, nil, OperatorUpdate{MemberID: "m", Status: Ptr(OperatorIdle), ObservedAt: epoch.Add(time.Minute)})

	_, err := OperatorUpdate{MemberID: "m", Status: Ptr(OperatorOffline), ObservedAt: epoch}.Apply(prev, epoch)
	if !errors.Is(err, ErrStaleUpdate) {
		t.Fatalf("expected ErrStaleUpdate, got %v", err)
	}

	same, err := OperatorUpdate{MemberID: "m", Status: Ptr(OperatorInCall), ObservedAt: epoch.Add(time.Minute)}.Apply(prev, epoch)
	if err != nil {
		t.Fatalf("equal timestamps should merge: %v", err)
	}
	if same.(*OperatorStatus).Status != OperatorInCall {
		t.Fatalf("expected merge to apply")
	}
}

func TestUpdate_RejectsInvalid(t *testing.T) {
	cases := []Update{
		OperatorUpdate{},
		OperatorUpdate{MemberID: "m", Status: Ptr(OperatorState("lunch"))},
		ChannelUpdate{},
		ChannelUpdate{ChannelID: "c", State: Ptr(ChannelState("ringing"))},
		QueueUpdate{},
	}
	for _, u := range cases {
		if _, err := u.Apply(nil, epoch); !errors.Is(err, ErrInvalidUpdate) {
			t.Fatalf("%#v: expected ErrInvalidUpdate, got %v", u, err)
		}
	}
}

func TestChannelUpdate_DerivesDurationFromAnswer(t *testing.T) {
	ring, err := ChannelUpdate{ChannelID: "1700.1", State: Ptr(ChannelRing), Extension: Ptr("100"), ObservedAt: epoch}.Apply(nil, epoch)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if ring.(*ChannelStatus).AnsweredAt != nil {
		t.Fatalf("ringing channel has no answer time")
	}

	answeredAt := epoch.Add(5 * time.Second)
	up, err := ChannelUpdate{ChannelID: "1700.1", State: Ptr(ChannelUp), ObservedAt: answeredAt}.Apply(ring, answeredAt)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	ch := up.(*ChannelStatus)
	if ch.AnsweredAt == nil || !ch.AnsweredAt.Equal(answeredAt) || ch.Extension != "100" {
		t.Fatalf("unexpected up record: %+v", ch)
	}

	// a later refresh while still up keeps the original answer time
	again, _ := ChannelUpdate{ChannelID: "1700.1", State: Ptr(ChannelUp), ObservedAt: answeredAt.Add(time.Minute)}.Apply(up, answeredAt)
	if !again.(*ChannelStatus).AnsweredAt.Equal(answeredAt) {
		t.Fatalf("answer time moved on refresh")
	}

	d := again.(*ChannelStatus).WithDuration(answeredAt.Add(90 * time.Second))
	if d.CallDuration == nil || *d.CallDuration != 90 {
		t.Fatalf("expected 90s duration, got %v", d.CallDuration)
	}

	down, _ := ChannelUpdate{ChannelID: "1700.1", State: Ptr(ChannelDown), ObservedAt: answeredAt.Add(2 * time.Minute)}.Apply(again, answeredAt)
	if dc := down.(*ChannelStatus); dc.AnsweredAt != nil || dc.WithDuration(answeredAt.Add(time.Hour)).CallDuration != nil {
		t.Fatalf("down channel must not carry a duration")
	}
}

func TestQueueUpdate_ClampsActiveMembers(t *testing.T) {
	rec, err := QueueUpdate{QueueName: "sales", TotalMembers: Ptr(3), ActiveMembers: Ptr(5), CallsWaiting: Ptr(-1)}.Apply(nil, epoch)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	q := rec.(*QueueStatus)
	if q.ActiveMembers != 3 || q.CallsWaiting != 0 {
		t.Fatalf("unexpected clamp: %+v", q)
	}

	next, _ := QueueUpdate{QueueName: "sales", TotalMembers: Ptr(1)}.Apply(q, epoch)
	if next.(*QueueStatus).ActiveMembers != 1 {
		t.Fatalf("shrinking total must clamp active")
	}
}
