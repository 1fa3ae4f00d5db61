package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pbx-controlplane/internal/reconnect"
	"pbx-controlplane/internal/telephony"
	"pbx-controlplane/pkg/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakePBX answers each dial with an in-memory pipe driven by a script.
type fakePBX struct {
	t        *testing.T
	rejectPW bool
	onAction func(c *pbxConn, f Frame)

	dials atomic.Int32
	mu    sync.Mutex
	conns []*pbxConn
}

type pbxConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (p *fakePBX) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	p.dials.Add(1)
	client, server := net.Pipe()
	c := &pbxConn{conn: server}
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	go p.serve(c)
	return client, nil
}

func (p *fakePBX) serve(c *pbxConn) {
	c.writeRaw("Asterisk Call Manager/7.0.3\r\n")
	r := bufio.NewReader(c.conn)
	for {
		f, err := ReadFrame(r)
		if err != nil {
			if errors.Is(err, telephony.ErrProtocolParse) {
				continue
			}
			return
		}
		switch f.Get("Action") {
		case "Login":
			if p.rejectPW {
				c.send("Response", "Error", "ActionID", f.Get("ActionID"), "Message", "Authentication failed")
				continue
			}
			c.send("Response", "Success", "ActionID", f.Get("ActionID"), "Message", "Authentication accepted")
		case "Logoff":
			c.send("Response", "Goodbye", "ActionID", f.Get("ActionID"))
		default:
			if p.onAction != nil {
				p.onAction(c, f)
			}
		}
	}
}

func (p *fakePBX) last() *pbxConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[len(p.conns)-1]
}

func (c *pbxConn) writeRaw(s string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, _ = c.conn.Write([]byte(s))
}

func (c *pbxConn) send(kv ...string) {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, "%s: %s\r\n", kv[i], kv[i+1])
	}
	b.WriteString("\r\n")
	c.writeRaw(b.String())
}

func newTestSession(p *fakePBX, c clock.Clock) (*Session, *reconnect.Supervisor) {
	sup := reconnect.New(reconnect.DefaultPolicy(), c)
	s := NewSession(Config{Username: "admin", Password: "secret"}, Options{
		Clock:      c,
		Supervisor: sup,
		Dial:       p.dial,
	})
	return s, sup
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSession_ConnectAndPing(t *testing.T) {
	p := &fakePBX{t: t, onAction: func(c *pbxConn, f Frame) {
		if f.Get("Action") == "Ping" {
			c.send("Response", "Success", "ActionID", f.Get("ActionID"), "Ping", "Pong")
		}
	}}
	s, _ := newTestSession(p, clock.Fake(epoch))

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !s.Status().Connected {
		t.Fatalf("expected connected, got %+v", s.Status())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	_ = s.Disconnect(context.Background())
}

func TestSession_LoginRejectedIsAuthenticationError(t *testing.T) {
	p := &fakePBX{t: t, rejectPW: true}
	s, sup := newTestSession(p, clock.Fake(epoch))

	err := s.Connect(context.Background())
	if !errors.Is(err, telephony.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	st := s.Status()
	if st.Connected || st.State.Phase != telephony.PhaseReconnectPending {
		t.Fatalf("expected reconnect pending, got %+v", st)
	}
	if !sup.Pending() {
		t.Fatalf("expected supervisor to hold a retry")
	}
	_ = s.Disconnect(context.Background())
}

func TestSession_ActionWhileDisconnectedFailsWithoutWriting(t *testing.T) {
	p := &fakePBX{t: t}
	s, _ := newTestSession(p, clock.Fake(epoch))

	_, err := s.Action(context.Background(), "Ping")
	if !errors.Is(err, telephony.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if p.dials.Load() != 0 {
		t.Fatalf("no transport should have been opened")
	}
	if s.InFlight() != 0 {
		t.Fatalf("no action should be pending")
	}
}

func TestSession_TransportDropRejectsEveryPendingAction(t *testing.T) {
	p := &fakePBX{t: t}
	fc := clock.Fake(epoch)
	s, sup := newTestSession(p, fc)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.Action(context.Background(), "Ping")
			errs <- err
		}()
	}
	waitFor(t, "pending actions", func() bool { return s.InFlight() == n })

	_ = p.last().conn.Close()

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, telephony.ErrConnection) {
				t.Fatalf("expected connection error, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("pending action %d not rejected", i)
		}
	}
	waitFor(t, "scheduled retry", sup.Pending)
	if st := s.Status(); st.Connected || st.State.Phase != telephony.PhaseReconnectPending {
		t.Fatalf("expected reconnect pending, got %+v", st)
	}
	_ = s.Disconnect(context.Background())
}

func TestSession_OriginateTimesOutAfterActionTimeout(t *testing.T) {
	p := &fakePBX{t: t}
	fc := clock.Fake(epoch)
	s, _ := newTestSession(p, fc)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Originate(context.Background(), OriginateRequest{
			Channel: "PJSIP/1001", Exten: "2000", Context: "from-internal",
		})
		errCh <- err
	}()

	// stability window + action deadline
	fc.WaitForTimers(2)
	fc.Advance(9 * time.Second)
	select {
	case err := <-errCh:
		t.Fatalf("returned before the deadline: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	fc.Advance(time.Second)

	select {
	case err := <-errCh:
		if !errors.Is(err, telephony.ErrActionTimeout) {
			t.Fatalf("expected action timeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("originate did not time out")
	}
	if !s.Status().Connected {
		t.Fatalf("a timeout must not drop the session")
	}
	if s.InFlight() != 0 {
		t.Fatalf("timed out action should be gone")
	}
	_ = s.Disconnect(context.Background())
}

func TestSession_EventListResolvesWithCollectedEvents(t *testing.T) {
	p := &fakePBX{t: t, onAction: func(c *pbxConn, f Frame) {
		if f.Get("Action") != "QueueStatus" {
			return
		}
		id := f.Get("ActionID")
		c.send("Response", "Success", "ActionID", id, "EventList", "start", "Message", "Queue status will follow")
		c.send("Event", "QueueParams", "ActionID", id, "Queue", "support", "Calls", "2")
		c.send("Event", "QueueMember", "ActionID", id, "Queue", "support", "Interface", "PJSIP/1001", "Status", "1", "Paused", "0")
		c.send("Event", "QueueStatusComplete", "ActionID", id, "EventList", "Complete", "ListItems", "2")
	}}
	s, _ := newTestSession(p, clock.Fake(epoch))

	members := make(chan telephony.Event, 1)
	s.On("QueueMember", func(ev telephony.Event) { members <- ev })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	resp, err := s.QueueStatus(context.Background(), "support")
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if len(resp.Events) != 2 {
		t.Fatalf("expected 2 list events, got %d", len(resp.Events))
	}
	if resp.Events[1].Get("Interface") != "PJSIP/1001" {
		t.Fatalf("unexpected member event %v", resp.Events[1])
	}
	select {
	case ev := <-members:
		if ev.Field("Queue") != "support" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("list events should reach handlers")
	}
	_ = s.Disconnect(context.Background())
}

func TestSession_MalformedFrameKeepsSessionAlive(t *testing.T) {
	p := &fakePBX{t: t, onAction: func(c *pbxConn, f Frame) {
		if f.Get("Action") == "Ping" {
			c.writeRaw("Event: Broken\r\nno separator here\r\n\r\n")
			c.send("Event", "Newchannel", "Uniqueid", "1700000000.7", "ChannelStateDesc", "Ring")
			c.send("Response", "Success", "ActionID", f.Get("ActionID"))
		}
	}}
	s, _ := newTestSession(p, clock.Fake(epoch))

	got := make(chan telephony.Event, 2)
	s.On(telephony.Wildcard, func(ev telephony.Event) {
		if ev.Type != telephony.EventSessionStateChanged {
			got <- ev
		}
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping after malformed frame: %v", err)
	}
	select {
	case ev := <-got:
		if ev.Type != "Newchannel" {
			t.Fatalf("malformed frame should be dropped, got %q", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event after malformed frame not delivered")
	}
	if !s.Status().Connected {
		t.Fatalf("session should stay connected")
	}
	_ = s.Disconnect(context.Background())
}

func TestSession_ErrorResponseIsNotFound(t *testing.T) {
	p := &fakePBX{t: t, onAction: func(c *pbxConn, f Frame) {
		if f.Get("Action") == "Hangup" {
			c.send("Response", "Error", "ActionID", f.Get("ActionID"), "Message", "No such channel")
		}
	}}
	s, _ := newTestSession(p, clock.Fake(epoch))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := s.Hangup(context.Background(), "PJSIP/9999-00000001", 0)
	if !errors.Is(err, telephony.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !IsActionError(err) {
		t.Fatalf("expected ActionError, got %T", err)
	}
	if !s.Status().Connected {
		t.Fatalf("command errors must not affect the session")
	}
	_ = s.Disconnect(context.Background())
}

func TestSession_DisconnectIsTerminal(t *testing.T) {
	p := &fakePBX{t: t}
	fc := clock.Fake(epoch)
	s, sup := newTestSession(p, fc)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if st := s.Status(); st.Connected || st.State.Phase != telephony.PhaseDisconnected {
		t.Fatalf("expected disconnected, got %+v", st)
	}
	if sup.Pending() {
		t.Fatalf("disconnect must not schedule a retry")
	}
	fc.Advance(time.Hour)
	if p.dials.Load() != 1 {
		t.Fatalf("expected no redial, got %d dials", p.dials.Load())
	}
	if _, err := s.Action(context.Background(), "Ping"); !errors.Is(err, telephony.ErrConnection) {
		t.Fatalf("expected connection error after disconnect, got %v", err)
	}
}

func TestSession_ReconnectsAfterBackoff(t *testing.T) {
	p := &fakePBX{t: t}
	fc := clock.Fake(epoch)
	s, sup := newTestSession(p, fc)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_ = p.last().conn.Close()
	waitFor(t, "scheduled retry", sup.Pending)

	fc.Advance(time.Second)
	waitFor(t, "reconnected", func() bool { return s.Status().Connected })
	if p.dials.Load() != 2 {
		t.Fatalf("expected exactly one redial, got %d dials", p.dials.Load())
	}
	_ = s.Disconnect(context.Background())
}
