package ari

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"pbx-controlplane/internal/metrics"
	"pbx-controlplane/internal/reconnect"
	"pbx-controlplane/internal/telephony"
	"pbx-controlplane/pkg/clock"

	"github.com/gorilla/websocket"
)

const (
	DefaultPort          = 8088
	DefaultApp           = "controlplane"
	DefaultActionTimeout = 10 * time.Second
	DefaultDialTimeout   = 5 * time.Second
)

// Config describes one ARI endpoint and the Stasis application to register.
type Config struct {
	Host     string
	Port     int
	Protocol string
	Username string
	Password string
	App      string

	ActionTimeout time.Duration
	DialTimeout   time.Duration

	// KeepaliveInterval spaces websocket pings. Zero disables them.
	KeepaliveInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Protocol == "" {
		c.Protocol = "http"
	}
	if c.App == "" {
		c.App = DefaultApp
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = DefaultActionTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

// BaseURL is the REST root, without the /ari prefix.
func (c Config) BaseURL() string {
	return c.Protocol + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) eventsURL() string {
	scheme := "ws"
	if c.Protocol == "https" {
		scheme = "wss"
	}
	q := url.Values{}
	q.Set("app", c.App)
	q.Set("api_key", c.Username+":"+c.Password)
	return scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) + "/ari/events?" + q.Encode()
}

type Options struct {
	Clock       clock.Clock
	Logger      *slog.Logger
	Supervisor  *reconnect.Supervisor
	HTTPClient  *http.Client
	Dialer      *websocket.Dialer
	MailboxSize int
}

// Session pairs the ARI REST API with its event websocket. REST commands
// are only issued while the event channel is up.
type Session struct {
	cfg    Config
	clock  clock.Clock
	log    *slog.Logger
	sup    *reconnect.Supervisor
	http   *http.Client
	dialer *websocket.Dialer
	disp   *telephony.Dispatcher
	state  *telephony.StateTracker

	mu            sync.Mutex
	ws            *websocket.Conn
	gen           uint64
	stopped       bool
	dialing       bool
	stopKeepalive chan struct{}

	// connCtx lives as long as the current event socket; REST commands
	// derive from it so a drop rejects them.
	connCtx    context.Context
	connCancel context.CancelFunc

	wsWriteMu sync.Mutex
}

func NewSession(cfg Config, opts Options) *Session {
	cfg = cfg.withDefaults()
	c := clock.OrReal(opts.Clock)
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ari", "base_url", cfg.BaseURL(), "app", cfg.App)
	sup := opts.Supervisor
	if sup == nil {
		sup = reconnect.New(reconnect.DefaultPolicy(), c)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		}
	}
	disp := telephony.NewDispatcher(telephony.SourceARI, log, opts.MailboxSize)
	return &Session{
		cfg:    cfg,
		clock:  c,
		log:    log,
		sup:    sup,
		http:   hc,
		dialer: dialer,
		disp:   disp,
		state:  telephony.NewStateTracker(telephony.SourceARI, disp, c, log),
	}
}

func (s *Session) On(eventType string, h telephony.Handler) func() {
	return s.disp.On(eventType, h)
}

func (s *Session) Status() telephony.Status {
	st := s.state.State()
	return telephony.Status{
		Source:    telephony.SourceARI,
		Connected: st.Phase == telephony.PhaseConnected,
		State:     st,
	}
}

// Connect verifies credentials over REST, then opens the event websocket,
// which registers the Stasis application.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
	return s.attempt(ctx)
}

// Reconnect is invoked by the supervisor when a retry is due.
func (s *Session) Reconnect() {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout+s.cfg.ActionTimeout)
		defer cancel()
		_ = s.attempt(ctx)
	}()
}

func (s *Session) attempt(ctx context.Context) error {
	s.mu.Lock()
	if s.ws != nil {
		s.mu.Unlock()
		return nil
	}
	if s.dialing {
		s.mu.Unlock()
		return fmt.Errorf("ari: connect already in progress: %w", telephony.ErrConnection)
	}
	s.dialing = true
	s.mu.Unlock()

	err := s.connect(ctx)

	s.mu.Lock()
	s.dialing = false
	stopped := s.stopped
	s.mu.Unlock()

	if err == nil {
		return nil
	}
	s.log.Warn("ari connect failed", "err", err)
	s.sup.MarkDisconnected()
	if stopped {
		s.state.Transition(telephony.PhaseDisconnected, err)
		return err
	}
	s.scheduleRetry(err)
	return err
}

func (s *Session) connect(ctx context.Context) error {
	s.state.Transition(telephony.PhaseConnecting, nil)
	s.state.Transition(telephony.PhaseAuthenticating, nil)

	var info AsteriskInfo
	if err := s.request(ctx, http.MethodGet, "/asterisk/info", nil, &info); err != nil {
		if errors.Is(err, telephony.ErrAuthentication) {
			return err
		}
		return fmt.Errorf("ari: info: %w: %w", telephony.ErrConnection, err)
	}
	s.log.Debug("ari info ok", "version", info.System.Version)

	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(s.cfg.Username+":"+s.cfg.Password)))

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, resp, err := s.dialer.DialContext(dctx, s.cfg.eventsURL(), header)
	cancel()
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("ari: events: status %d: %w", resp.StatusCode, telephony.ErrAuthentication)
		}
		return fmt.Errorf("ari: events: %w: %w", telephony.ErrConnection, err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("ari: session closed during connect: %w", telephony.ErrConnection)
	}
	s.gen++
	gen := s.gen
	s.ws = conn
	s.connCtx, s.connCancel = context.WithCancel(context.Background())
	stop := make(chan struct{})
	s.stopKeepalive = stop
	s.mu.Unlock()

	if s.cfg.KeepaliveInterval > 0 {
		grace := 2 * s.cfg.KeepaliveInterval
		_ = conn.SetReadDeadline(time.Now().Add(grace))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(grace))
		})
	}

	s.state.Transition(telephony.PhaseConnected, nil)
	s.sup.MarkConnected()

	go s.readLoop(gen, conn)
	if s.cfg.KeepaliveInterval > 0 {
		go s.keepalive(gen, conn, stop)
	}
	return nil
}

// Disconnect closes the event channel. No reconnect follows.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	conn := s.ws
	s.mu.Unlock()

	s.sup.Cancel()

	if conn != nil {
		s.wsWriteMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.wsWriteMu.Unlock()
	}

	s.mu.Lock()
	if s.ws != nil {
		s.teardownLocked()
	}
	s.mu.Unlock()

	s.state.Transition(telephony.PhaseDisconnected, nil)
	return nil
}

func (s *Session) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.fail(gen, fmt.Errorf("ari: events: %w: %w", telephony.ErrConnection, err))
			return
		}
		ev, err := Decode(data, s.clock.Now())
		if err != nil {
			metrics.ParseErrors.WithLabelValues(string(telephony.SourceARI)).Inc()
			s.log.Warn("dropping malformed event", "err", err)
			continue
		}
		metrics.EventsReceived.WithLabelValues(string(telephony.SourceARI)).Inc()
		s.disp.Dispatch(ev)
	}
}

func (s *Session) keepalive(gen uint64, conn *websocket.Conn, stop <-chan struct{}) {
	t := s.clock.NewTicker(s.cfg.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.wsWriteMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.ActionTimeout))
			s.wsWriteMu.Unlock()
			if err != nil {
				s.fail(gen, fmt.Errorf("ari: keepalive: %w: %w", telephony.ErrConnection, err))
				return
			}
		}
	}
}

func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || s.ws == nil {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	stopped := s.stopped
	s.mu.Unlock()

	s.log.Warn("ari transport lost", "err", err)
	s.sup.MarkDisconnected()
	if stopped {
		s.state.Transition(telephony.PhaseDisconnected, err)
		return
	}
	s.state.Transition(telephony.PhaseReconnectPending, err)
	s.scheduleRetry(err)
}

func (s *Session) teardownLocked() {
	if s.ws != nil {
		_ = s.ws.Close()
	}
	s.ws = nil
	s.gen++
	if s.connCancel != nil {
		s.connCancel()
		s.connCtx, s.connCancel = nil, nil
	}
	if s.stopKeepalive != nil {
		close(s.stopKeepalive)
		s.stopKeepalive = nil
	}
}

func (s *Session) scheduleRetry(err error) {
	d := s.sup.ScheduleRetry(s)
	metrics.ReconnectAttempts.WithLabelValues(string(telephony.SourceARI)).Inc()
	s.state.Retrying(s.sup.Attempt(), s.clock.Now().Add(d), err)
	s.log.Info("ari reconnect scheduled", "delay", d.String(), "attempt", s.sup.Attempt())
}
