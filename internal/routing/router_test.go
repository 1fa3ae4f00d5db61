package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pbx-controlplane/internal/ari"
	"pbx-controlplane/internal/status"
	"pbx-controlplane/internal/telephony"
	"pbx-controlplane/pkg/clock"
)

var epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func amiEvent(at time.Time, typ string, kv ...string) telephony.Event {
	fields := map[string]string{"Event": typ}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	return telephony.Event{Source: telephony.SourceAMI, Type: typ, Fields: fields, ReceivedAt: at}
}

func ariEvent(at time.Time, typ string, kv ...string) telephony.Event {
	fields := map[string]string{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	return telephony.Event{Source: telephony.SourceARI, Type: typ, Fields: fields, ReceivedAt: at}
}

func newRouter(t *testing.T) (*Router, *status.MemoryCache, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(epoch)
	cache := status.NewMemoryCache(time.Hour, fc, nil)
	return New(cache, Options{}), cache, fc
}

func route(t *testing.T, r *Router, ev telephony.Event) Routed {
	t.Helper()
	routed, err := r.Route(context.Background(), ev)
	if err != nil {
		t.Fatalf("route %s: %v", ev.Type, err)
	}
	return routed
}

func TestRouter_OperatorLifecycle(t *testing.T) {
	ctx := context.Background()
	r, cache, _ := newRouter(t)

	route(t, r, amiEvent(epoch, "QueueMemberAdded",
		"Queue", "sales", "Interface", "PJSIP/1001", "MemberName", "Alice", "Status", "1", "Paused", "0"))
	route(t, r, amiEvent(epoch.Add(time.Second), "AgentConnect",
		"Queue", "sales", "Interface", "PJSIP/1001", "Uniqueid", "1699999999.1", "DestUniqueid", "1699999999.2"))

	rec, _, _ := cache.Get(ctx, status.KindOperator, "PJSIP/1001")
	op := rec.(*status.OperatorStatus)
	if op.Status != status.OperatorInCall || op.CurrentCallID != "1699999999.1" {
		t.Fatalf("unexpected in-call state: %+v", op)
	}

	route(t, r, amiEvent(epoch.Add(2*time.Second), "AgentComplete",
		"Queue", "sales", "Interface", "PJSIP/1001", "Uniqueid", "1699999999.1", "Reason", "caller"))

	snap, err := cache.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Operators) != 1 {
		t.Fatalf("expected one operator, got %d", len(snap.Operators))
	}
	final := snap.Operators[0]
	if final.MemberID != "PJSIP/1001" || final.QueueName != "sales" || final.Status != status.OperatorIdle ||
		final.CurrentCallID != "" || final.Paused {
		t.Fatalf("unexpected final state: %+v", final)
	}
}

func TestRouter_PauseAndRemove(t *testing.T) {
	ctx := context.Background()
	r, cache, _ := newRouter(t)

	route(t, r, amiEvent(epoch, "QueueMemberStatus", "Queue", "sales", "Interface", "PJSIP/1002", "Status", "1", "Paused", "0"))
	route(t, r, amiEvent(epoch.Add(time.Second), "QueueMemberPause",
		"Queue", "sales", "Interface", "PJSIP/1002", "Paused", "1", "PausedReason", "break"))

	rec, _, _ := cache.Get(ctx, status.KindOperator, "PJSIP/1002")
	if op := rec.(*status.OperatorStatus); op.Status != status.OperatorPaused || !op.Paused || op.PausedReason != "break" {
		t.Fatalf("unexpected paused state: %+v", op)
	}

	route(t, r, amiEvent(epoch.Add(2*time.Second), "QueueMemberPause", "Queue", "sales", "Interface", "PJSIP/1002", "Paused", "0"))
	rec, _, _ = cache.Get(ctx, status.KindOperator, "PJSIP/1002")
	if op := rec.(*status.OperatorStatus); op.Status != status.OperatorIdle || op.Paused || op.PausedReason != "" {
		t.Fatalf("unexpected resumed state: %+v", op)
	}

	route(t, r, amiEvent(epoch.Add(3*time.Second), "QueueMemberRemoved", "Queue", "sales", "Interface", "PJSIP/1002"))
	rec, _, _ = cache.Get(ctx, status.KindOperator, "PJSIP/1002")
	if op := rec.(*status.OperatorStatus); op.Status != status.OperatorOffline || op.QueueName != "" || len(op.Queues) != 0 {
		t.Fatalf("removed member should be offline with no queue: %+v", op)
	}
	if ops, _ := cache.OperatorsByQueue(ctx, "sales"); len(ops) != 0 {
		t.Fatalf("removed member still listed in sales: %+v", ops)
	}
}

func TestRouter_RemovalFromOneOfTwoQueues(t *testing.T) {
	ctx := context.Background()
	r, cache, _ := newRouter(t)

	route(t, r, amiEvent(epoch, "QueueMemberAdded", "Queue", "sales", "Interface", "PJSIP/1001", "Status", "1", "Paused", "0"))
	route(t, r, amiEvent(epoch.Add(time.Second), "QueueMemberAdded", "Queue", "support", "Interface", "PJSIP/1001", "Status", "1", "Paused", "0"))

	for _, q := range []string{"sales", "support"} {
		if ops, _ := cache.OperatorsByQueue(ctx, q); len(ops) != 1 {
			t.Fatalf("expected member in %s, got %d", q, len(ops))
		}
	}

	route(t, r, amiEvent(epoch.Add(2*time.Second), "QueueMemberRemoved", "Queue", "support", "Interface", "PJSIP/1001"))

	rec, _, _ := cache.Get(ctx, status.KindOperator, "PJSIP/1001")
	op := rec.(*status.OperatorStatus)
	if op.QueueName != "sales" || op.Status != status.OperatorIdle {
		t.Fatalf("member should stay idle in sales: %+v", op)
	}
	if ops, _ := cache.OperatorsByQueue(ctx, "sales"); len(ops) != 1 {
		t.Fatalf("member missing from sales: %d", len(ops))
	}
	if ops, _ := cache.OperatorsByQueue(ctx, "support"); len(ops) != 0 {
		t.Fatalf("member still listed in support: %+v", ops)
	}

	route(t, r, amiEvent(epoch.Add(3*time.Second), "QueueMemberRemoved", "Queue", "sales", "Interface", "PJSIP/1001"))
	rec, _, _ = cache.Get(ctx, status.KindOperator, "PJSIP/1001")
	if op := rec.(*status.OperatorStatus); op.Status != status.OperatorOffline || op.QueueName != "" {
		t.Fatalf("member with no queue left should be offline: %+v", op)
	}
	if ops, _ := cache.OperatorsByQueue(ctx, "sales"); len(ops) != 0 {
		t.Fatalf("member still listed in sales: %+v", ops)
	}
}

func TestRouter_DelayedEventDoesNotRevert(t *testing.T) {
	ctx := context.Background()
	r, cache, _ := newRouter(t)

	route(t, r, amiEvent(epoch.Add(5*time.Second), "AgentConnect", "Queue", "sales", "Interface", "PJSIP/1001", "Uniqueid", "c1"))
	routed := route(t, r, amiEvent(epoch, "AgentComplete", "Queue", "sales", "Interface", "PJSIP/1001"))
	if routed.Variant() != "operator" {
		t.Fatalf("expected operator variant, got %s", routed.Variant())
	}

	rec, _, _ := cache.Get(ctx, status.KindOperator, "PJSIP/1001")
	if op := rec.(*status.OperatorStatus); op.Status != status.OperatorInCall {
		t.Fatalf("delayed event reverted newer state: %+v", op)
	}
}

func TestRouter_ChannelsFromBothProtocolsShareKey(t *testing.T) {
	ctx := context.Background()
	r, cache, fc := newRouter(t)

	route(t, r, amiEvent(epoch, "Newchannel",
		"Channel", "PJSIP/1001-00000001", "ChannelState", "4", "ChannelStateDesc", "Ring",
		"Exten", "100", "Context", "from-internal", "Priority", "1", "Uniqueid", "1700000000.5"))
	route(t, r, ariEvent(epoch.Add(time.Second), ari.EventChannelStateChange,
		ari.FieldChannelID, "1700000000.5", ari.FieldChannelState, "Up"))

	fc.Advance(10 * time.Second)
	reader := status.NewReader(cache, nil, status.ReaderOptions{Clock: fc})
	ch, ok, err := reader.GetChannel(ctx, "1700000000.5")
	if err != nil || !ok {
		t.Fatalf("channel missing: %v", err)
	}
	if ch.State != status.ChannelUp || ch.Name != "PJSIP/1001-00000001" || ch.Extension != "100" || ch.Context != "from-internal" {
		t.Fatalf("unexpected channel: %+v", ch)
	}
	if ch.Priority == nil || *ch.Priority != 1 {
		t.Fatalf("priority lost: %+v", ch.Priority)
	}
	if ch.CallDuration == nil || *ch.CallDuration != 9 {
		t.Fatalf("expected 9s call duration, got %v", ch.CallDuration)
	}

	route(t, r, amiEvent(epoch.Add(20*time.Second), "Hangup", "Uniqueid", "1700000000.5", "Cause", "16"))
	ch, _, _ = reader.GetChannel(ctx, "1700000000.5")
	if ch.State != status.ChannelDown || ch.CallDuration != nil {
		t.Fatalf("hung up channel: %+v", ch)
	}
}

func TestRouter_ARIDestroyedAndStasisEnd(t *testing.T) {
	ctx := context.Background()
	r, cache, _ := newRouter(t)

	route(t, r, ariEvent(epoch, ari.EventStasisStart, ari.FieldChannelID, "c9", ari.FieldChannelState, "Up", ari.FieldExten, "200"))
	route(t, r, ariEvent(epoch.Add(time.Second), ari.EventStasisEnd, ari.FieldChannelID, "c9", ari.FieldChannelState, "Up"))

	rec, _, _ := cache.Get(ctx, status.KindChannel, "c9")
	if ch := rec.(*status.ChannelStatus); ch.State != status.ChannelUp || !ch.UpdatedAt.Equal(epoch.Add(time.Second)) {
		t.Fatalf("StasisEnd should only refresh: %+v", ch)
	}

	route(t, r, ariEvent(epoch.Add(2*time.Second), ari.EventChannelDestroyed, ari.FieldChannelID, "c9", ari.FieldChannelState, "Up"))
	rec, _, _ = cache.Get(ctx, status.KindChannel, "c9")
	if ch := rec.(*status.ChannelStatus); ch.State != status.ChannelDown {
		t.Fatalf("destroyed channel should be down: %+v", ch)
	}
}

func TestRouter_QueueCounters(t *testing.T) {
	ctx := context.Background()
	r, cache, _ := newRouter(t)

	route(t, r, amiEvent(epoch, "QueueSummary",
		"Queue", "sales", "LoggedIn", "4", "Available", "2", "Callers", "1", "HoldTime", "5", "LongestHoldTime", "30"))
	route(t, r, amiEvent(epoch.Add(time.Second), "QueueCallerJoin", "Queue", "sales", "Position", "2", "Count", "2"))

	rec, _, _ := cache.Get(ctx, status.KindQueue, "sales")
	q := rec.(*status.QueueStatus)
	if q.TotalMembers != 4 || q.ActiveMembers != 2 || q.CallsWaiting != 2 || q.LongestWaitTime == nil || *q.LongestWaitTime != 30 {
		t.Fatalf("unexpected queue: %+v", q)
	}

	route(t, r, amiEvent(epoch.Add(2*time.Second), "QueueCallerLeave", "Queue", "sales", "Count", "0"))
	route(t, r, amiEvent(epoch.Add(3*time.Second), "QueueParams", "Queue", "sales", "Calls", "3"))
	rec, _, _ = cache.Get(ctx, status.KindQueue, "sales")
	if q := rec.(*status.QueueStatus); q.CallsWaiting != 3 || q.TotalMembers != 4 {
		t.Fatalf("unexpected queue after params: %+v", q)
	}
}

func TestTranslate_UnknownEvents(t *testing.T) {
	cases := []telephony.Event{
		amiEvent(epoch, "FullyBooted"),
		amiEvent(epoch, "QueueMemberStatus", "Queue", "sales"),
		amiEvent(epoch, "Newchannel", "Channel", "PJSIP/1-1"),
		ariEvent(epoch, ari.EventPlaybackStarted, ari.FieldPlaybackID, "p1"),
		ariEvent(epoch, "BridgeCreated", ari.FieldBridgeID, "b1"),
		{Source: "sip", Type: "INVITE"},
	}
	for _, ev := range cases {
		got := Translate(ev)
		if _, ok := got.(UnknownEvent); !ok {
			t.Fatalf("%s: expected UnknownEvent, got %T", ev.Type, got)
		}
		if Patch(got) != nil {
			t.Fatalf("%s: unknown events carry no patch", ev.Type)
		}
	}
}

func TestTranslate_DeviceStates(t *testing.T) {
	cases := map[string]status.OperatorState{
		"1": status.OperatorIdle,
		"2": status.OperatorInCall,
		"3": status.OperatorInCall,
		"4": status.OperatorOffline,
		"5": status.OperatorOffline,
	}
	for code, want := range cases {
		got := Translate(amiEvent(epoch, "QueueMember", "Queue", "q", "Interface", "Local/1@agents", "Status", code))
		op, ok := got.(OperatorEvent)
		if !ok || op.Update.Status == nil || *op.Update.Status != want {
			t.Fatalf("device state %s: got %+v", code, got)
		}
	}
}

type failingWriter struct{ err error }

func (w failingWriter) Put(ctx context.Context, u status.Update) (status.Record, error) {
	return nil, w.err
}

func TestRouter_SurfacesCacheErrors(t *testing.T) {
	r := New(failingWriter{err: status.ErrCacheUnavailable}, Options{})
	_, err := r.Route(context.Background(), amiEvent(epoch, "Hangup", "Uniqueid", "c1"))
	if !errors.Is(err, status.ErrCacheUnavailable) {
		t.Fatalf("expected cache error, got %v", err)
	}

	r = New(failingWriter{err: status.ErrStaleUpdate}, Options{})
	if _, err := r.Route(context.Background(), amiEvent(epoch, "Hangup", "Uniqueid", "c1")); err != nil {
		t.Fatalf("stale writes are not errors: %v", err)
	}
}

// fakeSession records handlers so tests can deliver events synchronously.
type fakeSession struct {
	mu       sync.Mutex
	handlers map[string][]telephony.Handler
}

func (s *fakeSession) Connect(ctx context.Context) error    { return nil }
func (s *fakeSession) Disconnect(ctx context.Context) error { return nil }
func (s *fakeSession) Status() telephony.Status             { return telephony.Status{} }

func (s *fakeSession) On(eventType string, h telephony.Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = map[string][]telephony.Handler{}
	}
	s.handlers[eventType] = append(s.handlers[eventType], h)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, eventType)
	}
}

func (s *fakeSession) emit(ev telephony.Event) {
	s.mu.Lock()
	hs := append([]telephony.Handler(nil), s.handlers[telephony.Wildcard]...)
	s.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func TestRouter_AttachAndResyncOnConnect(t *testing.T) {
	fc := clock.Fake(epoch)
	cache := status.NewMemoryCache(time.Hour, fc, nil)
	resynced := make(chan telephony.Source, 1)
	r := New(cache, Options{OnConnected: func(ctx context.Context, src telephony.Source) { resynced <- src }})

	amiSess, ariSess := &fakeSession{}, &fakeSession{}
	detach := r.Attach(amiSess, ariSess)

	amiSess.emit(amiEvent(epoch, "QueueMemberAdded", "Queue", "sales", "Interface", "PJSIP/1001", "Status", "1"))
	if _, ok, _ := cache.Get(context.Background(), status.KindOperator, "PJSIP/1001"); !ok {
		t.Fatalf("attached router did not write")
	}

	ariSess.emit(telephony.Event{
		Source: telephony.SourceARI,
		Type:   telephony.EventSessionStateChanged,
		Fields: map[string]string{"phase": string(telephony.PhaseConnected)},
	})
	select {
	case src := <-resynced:
		if src != telephony.SourceARI {
			t.Fatalf("unexpected source %s", src)
		}
	case <-time.After(time.Second):
		t.Fatalf("resync hook not called")
	}

	detach()
	amiSess.emit(amiEvent(epoch, "QueueMemberAdded", "Queue", "sales", "Interface", "PJSIP/1002", "Status", "1"))
	if _, ok, _ := cache.Get(context.Background(), status.KindOperator, "PJSIP/1002"); ok {
		t.Fatalf("detached router still writing")
	}
}
