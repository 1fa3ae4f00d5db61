package ari

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pbx-controlplane/internal/reconnect"
	"pbx-controlplane/internal/telephony"
	"pbx-controlplane/pkg/clock"

	"github.com/gorilla/websocket"
)

type fakeARI struct {
	srv  *httptest.Server
	user string
	pass string

	restHits atomic.Int32
	// mute keeps event sockets open without ever reading, so pings go unanswered
	mute atomic.Bool
	done chan struct{}

	mu        sync.Mutex
	sockets   []*websocket.Conn
	channels  map[string]bool
	lastPath  string
	lastQuery url.Values
}

func newFakeARI(t *testing.T) *fakeARI {
	t.Helper()
	f := &fakeARI{user: "asterisk", pass: "secret", channels: map[string]bool{"c1": true}, done: make(chan struct{})}
	up := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ari/asterisk/info", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"system": map[string]string{"version": "20.5.0"}})
	})
	mux.HandleFunc("GET /ari/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != f.user+":"+f.pass || r.URL.Query().Get("app") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.sockets = append(f.sockets, c)
		f.mu.Unlock()
		if f.mute.Load() {
			<-f.done
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("GET /ari/channels", func(w http.ResponseWriter, r *http.Request) {
		f.hit(r)
		writeJSON(w, http.StatusOK, []Channel{{ID: "c1", Name: "PJSIP/1001-00000001", State: "Up"}})
	})
	mux.HandleFunc("GET /ari/endpoints", func(w http.ResponseWriter, r *http.Request) {
		f.hit(r)
		// answers only after the client gives up
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		writeJSON(w, http.StatusOK, []Endpoint{})
	})
	mux.HandleFunc("POST /ari/channels/{id}/answer", func(w http.ResponseWriter, r *http.Request) {
		f.hit(r)
		if !f.known(r.PathValue("id")) {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Channel not found"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /ari/channels/{id}/play/{playbackId}", func(w http.ResponseWriter, r *http.Request) {
		f.hit(r)
		writeJSON(w, http.StatusCreated, Playback{
			ID:        r.PathValue("playbackId"),
			MediaURI:  r.URL.Query().Get("media"),
			TargetURI: "channel:" + r.PathValue("id"),
			State:     "queued",
		})
	})
	mux.HandleFunc("POST /ari/bridges/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.hit(r)
		writeJSON(w, http.StatusOK, Bridge{ID: r.PathValue("id"), BridgeType: r.URL.Query().Get("type")})
	})
	mux.HandleFunc("POST /ari/bridges/{id}/addChannel", func(w http.ResponseWriter, r *http.Request) {
		f.hit(r)
		w.WriteHeader(http.StatusNoContent)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	t.Cleanup(func() { close(f.done) })
	return f
}

func (f *fakeARI) authorized(r *http.Request) bool {
	u, p, ok := r.BasicAuth()
	return ok && u == f.user && p == f.pass
}

func (f *fakeARI) hit(r *http.Request) {
	f.restHits.Add(1)
	f.mu.Lock()
	f.lastPath = r.URL.Path
	f.lastQuery = r.URL.Query()
	f.mu.Unlock()
}

func (f *fakeARI) known(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[id]
}

func (f *fakeARI) socket(t *testing.T) *websocket.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.sockets)
		var c *websocket.Conn
		if n > 0 {
			c = f.sockets[n-1]
		}
		f.mu.Unlock()
		if c != nil {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no event socket opened")
	return nil
}

func (f *fakeARI) config(t *testing.T, user, pass string) Config {
	t.Helper()
	u, err := url.Parse(f.srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return Config{Host: host, Port: port, Username: user, Password: pass, App: "controlplane", ActionTimeout: 2 * time.Second}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestSession(t *testing.T, f *fakeARI, user, pass string) (*Session, *reconnect.Supervisor) {
	fc := clock.Fake(epoch)
	sup := reconnect.New(reconnect.DefaultPolicy(), fc)
	s := NewSession(f.config(t, user, pass), Options{Clock: fc, Supervisor: sup})
	t.Cleanup(func() { _ = s.Disconnect(context.Background()) })
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

func TestSession_ConnectDeliversEvents(t *testing.T) {
	f := newFakeARI(t)
	s, _ := newTestSession(t, f, f.user, f.pass)

	got := make(chan telephony.Event, 1)
	s.On(EventStasisStart, func(ev telephony.Event) { got <- ev })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !s.Status().Connected {
		t.Fatalf("expected connected, got %+v", s.Status())
	}

	ws := f.socket(t)
	_ = ws.WriteMessage(websocket.TextMessage, []byte(`not json`))
	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"StasisStart","channel":{"id":"c1","state":"Ring"}}`))

	select {
	case ev := <-got:
		if ev.Field(FieldChannelID) != "c1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}
	if !s.Status().Connected {
		t.Fatalf("malformed event must not drop the session")
	}
}

func TestSession_BadCredentials(t *testing.T) {
	f := newFakeARI(t)
	s, sup := newTestSession(t, f, f.user, "wrong")

	err := s.Connect(context.Background())
	if !errors.Is(err, telephony.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if s.Status().State.Phase != telephony.PhaseReconnectPending || !sup.Pending() {
		t.Fatalf("expected a scheduled retry, got %+v", s.Status())
	}
}

func TestSession_CommandsRequireConnection(t *testing.T) {
	f := newFakeARI(t)
	s, _ := newTestSession(t, f, f.user, f.pass)

	if err := s.AnswerChannel(context.Background(), "c1"); !errors.Is(err, telephony.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if _, err := s.GetChannels(context.Background()); !errors.Is(err, telephony.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if f.restHits.Load() != 0 {
		t.Fatalf("no HTTP request should be sent, got %d", f.restHits.Load())
	}
}

func TestSession_UnknownChannelIsNotFound(t *testing.T) {
	f := newFakeARI(t)
	s, _ := newTestSession(t, f, f.user, f.pass)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := s.AnswerChannel(context.Background(), "c1"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	err := s.AnswerChannel(context.Background(), "nope")
	if !errors.Is(err, telephony.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !s.Status().Connected {
		t.Fatalf("not found must not affect the session")
	}
}

func TestSession_ListingAndImperativeCommands(t *testing.T) {
	f := newFakeARI(t)
	s, _ := newTestSession(t, f, f.user, f.pass)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx := context.Background()

	chans, err := s.GetChannels(ctx)
	if err != nil || len(chans) != 1 || chans[0].ID != "c1" {
		t.Fatalf("unexpected channels %v, %v", chans, err)
	}

	pb, err := s.PlayMedia(ctx, "c1", "sound:hello-world", "en")
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if pb.ID == "" || pb.MediaURI != "sound:hello-world" {
		t.Fatalf("unexpected playback %+v", pb)
	}

	b, err := s.CreateBridge(ctx, "", "conf")
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	if b.ID == "" || b.BridgeType != "mixing" {
		t.Fatalf("unexpected bridge %+v", b)
	}

	if err := s.AddChannelToBridge(ctx, b.ID, "c1", "c2"); err != nil {
		t.Fatalf("add channel: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastPath != "/ari/bridges/"+b.ID+"/addChannel" || f.lastQuery.Get("channel") != "c1,c2" {
		t.Fatalf("unexpected request %s %v", f.lastPath, f.lastQuery)
	}
}

func TestSession_SocketCloseEntersReconnect(t *testing.T) {
	f := newFakeARI(t)
	s, sup := newTestSession(t, f, f.user, f.pass)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_ = f.socket(t).Close()

	waitFor(t, "scheduled retry", sup.Pending)
	st := s.Status()
	if st.Connected || st.State.Phase != telephony.PhaseReconnectPending {
		t.Fatalf("expected reconnect pending, got %+v", st)
	}
	if err := s.AnswerChannel(context.Background(), "c1"); !errors.Is(err, telephony.ErrConnection) {
		t.Fatalf("expected connection error while reconnecting, got %v", err)
	}
}

func TestSession_SocketCloseRejectsCommandInFlight(t *testing.T) {
	f := newFakeARI(t)
	s, sup := newTestSession(t, f, f.user, f.pass)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.GetEndpoints(context.Background())
		done <- err
	}()
	waitFor(t, "request in flight", func() bool { return f.restHits.Load() == 1 })

	_ = f.socket(t).Close()

	select {
	case err := <-done:
		if !errors.Is(err, telephony.ErrConnection) {
			t.Fatalf("expected connection error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("in-flight command was not rejected when the event channel dropped")
	}
	waitFor(t, "scheduled retry", sup.Pending)
	if s.Status().Connected {
		t.Fatalf("expected reconnect pending, got %+v", s.Status())
	}
}

func TestSession_KeepaliveDetectsSilentPeer(t *testing.T) {
	f := newFakeARI(t)
	f.mute.Store(true)

	fc := clock.Fake(epoch)
	sup := reconnect.New(reconnect.DefaultPolicy(), fc)
	cfg := f.config(t, f.user, f.pass)
	cfg.KeepaliveInterval = 100 * time.Millisecond
	s := NewSession(cfg, Options{Clock: fc, Supervisor: sup})
	t.Cleanup(func() { _ = s.Disconnect(context.Background()) })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "scheduled retry", sup.Pending)
	if st := s.Status(); st.Connected || st.State.Phase != telephony.PhaseReconnectPending {
		t.Fatalf("expected reconnect pending, got %+v", st)
	}
}
