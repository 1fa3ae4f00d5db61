package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"pbx-controlplane/internal/correlator"
	"pbx-controlplane/internal/metrics"
	"pbx-controlplane/internal/reconnect"
	"pbx-controlplane/internal/telephony"
	"pbx-controlplane/pkg/clock"

	"github.com/google/uuid"
)

const (
	DefaultPort          = 5038
	DefaultActionTimeout = 10 * time.Second
	DefaultDialTimeout   = 5 * time.Second
	logoffWriteTimeout   = time.Second
)

// Config describes one AMI endpoint.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	ActionTimeout time.Duration
	DialTimeout   time.Duration

	// KeepaliveInterval spaces Ping actions while connected. Zero disables.
	KeepaliveInterval time.Duration

	// Events is the Login event mask. Defaults to "on".
	Events string
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = DefaultActionTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Events == "" {
		c.Events = "on"
	}
	return c
}

func (c Config) Addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

// DialFunc opens the transport. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Options struct {
	Clock       clock.Clock
	Logger      *slog.Logger
	Supervisor  *reconnect.Supervisor
	Dial        DialFunc
	MailboxSize int
}

// Session is a long-lived, authenticated AMI connection. Transport loss
// fails every in-flight action with ErrConnection and hands the session to
// its reconnect supervisor. Disconnect is terminal until Connect is called
// again.
type Session struct {
	cfg   Config
	clock clock.Clock
	log   *slog.Logger
	sup   *reconnect.Supervisor
	dial  DialFunc
	disp  *telephony.Dispatcher
	state *telephony.StateTracker
	corr  *correlator.Correlator[Response]

	mu            sync.Mutex
	conn          net.Conn
	w             *bufio.Writer
	gen           uint64
	stopped       bool
	dialing       bool
	lists         map[string]*listCollect
	stopKeepalive chan struct{}

	writeMu sync.Mutex
}

type listCollect struct {
	resp   Frame
	events []Frame
}

func NewSession(cfg Config, opts Options) *Session {
	cfg = cfg.withDefaults()
	c := clock.OrReal(opts.Clock)
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ami", "addr", cfg.Addr())
	sup := opts.Supervisor
	if sup == nil {
		sup = reconnect.New(reconnect.DefaultPolicy(), c)
	}
	dial := opts.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	disp := telephony.NewDispatcher(telephony.SourceAMI, log, opts.MailboxSize)
	return &Session{
		cfg:   cfg,
		clock: c,
		log:   log,
		sup:   sup,
		dial:  dial,
		disp:  disp,
		state: telephony.NewStateTracker(telephony.SourceAMI, disp, c, log),
		corr:  correlator.New[Response](c),
	}
}

// On registers h for an event type, or telephony.Wildcard for all.
func (s *Session) On(eventType string, h telephony.Handler) func() {
	return s.disp.On(eventType, h)
}

func (s *Session) Status() telephony.Status {
	st := s.state.State()
	return telephony.Status{
		Source:    telephony.SourceAMI,
		Connected: st.Phase == telephony.PhaseConnected,
		State:     st,
	}
}

// InFlight is the number of actions awaiting a response.
func (s *Session) InFlight() int { return s.corr.Len() }

// Connect dials, reads the banner and logs in. On failure the supervisor
// schedules a retry and the error is returned.
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
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	if s.dialing {
		s.mu.Unlock()
		return fmt.Errorf("ami: connect already in progress: %w", telephony.ErrConnection)
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
	s.log.Warn("ami connect failed", "err", err)
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

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, err := s.dial(dctx, "tcp", s.cfg.Addr())
	cancel()
	if err != nil {
		return fmt.Errorf("ami: dial %s: %w: %w", s.cfg.Addr(), telephony.ErrConnection, err)
	}

	deadline := time.Now().Add(s.cfg.ActionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	r := bufio.NewReader(conn)
	banner, err := ReadBanner(r)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("ami: banner: %w: %w", telephony.ErrConnection, err)
	}
	s.log.Debug("ami banner", "banner", banner)

	s.state.Transition(telephony.PhaseAuthenticating, nil)
	if err := s.login(conn, r); err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetDeadline(time.Time{})

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("ami: session closed during connect: %w", telephony.ErrConnection)
	}
	s.gen++
	gen := s.gen
	s.conn = conn
	s.w = bufio.NewWriter(conn)
	s.lists = make(map[string]*listCollect)
	stop := make(chan struct{})
	s.stopKeepalive = stop
	s.mu.Unlock()

	s.state.Transition(telephony.PhaseConnected, nil)
	s.sup.MarkConnected()

	go s.readLoop(gen, r)
	if s.cfg.KeepaliveInterval > 0 {
		go s.keepalive(gen, stop)
	}
	return nil
}

func (s *Session) login(conn net.Conn, r *bufio.Reader) error {
	id := uuid.NewString()
	err := WriteAction(conn, "Login", id, []Field{
		{Key: "Username", Value: s.cfg.Username},
		{Key: "Secret", Value: s.cfg.Password},
		{Key: "Events", Value: s.cfg.Events},
	})
	if err != nil {
		return fmt.Errorf("ami: login write: %w: %w", telephony.ErrConnection, err)
	}
	for {
		f, err := ReadFrame(r)
		if err != nil {
			if errors.Is(err, telephony.ErrProtocolParse) {
				continue
			}
			return fmt.Errorf("ami: login read: %w: %w", telephony.ErrConnection, err)
		}
		if !f.IsResponse() {
			continue
		}
		if got := f.Get("ActionID"); got != "" && got != id {
			continue
		}
		if strings.EqualFold(f.Get("Response"), "Success") {
			return nil
		}
		return fmt.Errorf("ami: login rejected: %s: %w", f.Get("Message"), telephony.ErrAuthentication)
	}
}

// Action sends an action and waits for its response. A session that is not
// connected fails immediately without writing anything.
func (s *Session) Action(ctx context.Context, name string, fields ...Field) (Response, error) {
	start := s.clock.Now()

	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		s.observe(name, "not_connected", start)
		return Response{}, fmt.Errorf("ami: %s: %w", name, telephony.ErrConnection)
	}
	gen, conn, w := s.gen, s.conn, s.w
	p := s.corr.Register(s.cfg.ActionTimeout)
	s.mu.Unlock()

	if err := s.write(conn, w, name, p.ID, fields, s.cfg.ActionTimeout); err != nil {
		werr := fmt.Errorf("ami: write %s: %w: %w", name, telephony.ErrConnection, err)
		s.corr.Reject(p.ID, werr)
		s.fail(gen, werr)
		s.observe(name, "connection", start)
		return Response{}, werr
	}

	resp, err := s.corr.Wait(ctx, p)

	s.mu.Lock()
	delete(s.lists, p.ID)
	s.mu.Unlock()

	if err != nil {
		s.observe(name, outcome(err), start)
		return Response{}, fmt.Errorf("ami: %s: %w", name, err)
	}
	if !resp.Success() {
		s.observe(name, "error", start)
		return resp, &ActionError{Action: name, Message: resp.Message()}
	}
	s.observe(name, "success", start)
	return resp, nil
}

// Disconnect rejects in-flight actions, logs off and closes the transport.
// No reconnect follows.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	conn, w := s.conn, s.w
	s.mu.Unlock()

	s.sup.Cancel()

	if conn != nil {
		timeout := logoffWriteTimeout
		if d, ok := ctx.Deadline(); ok && time.Until(d) < timeout {
			timeout = time.Until(d)
		}
		if err := s.write(conn, w, "Logoff", uuid.NewString(), nil, timeout); err != nil {
			s.log.Debug("logoff not sent", "err", err)
		}
	}

	s.mu.Lock()
	if s.conn != nil {
		s.teardownLocked()
	}
	n := s.corr.RejectAll(fmt.Errorf("ami: session closed: %w", telephony.ErrConnection))
	s.mu.Unlock()

	if n > 0 {
		s.log.Info("rejected in-flight actions on disconnect", "count", n)
	}
	s.state.Transition(telephony.PhaseDisconnected, nil)
	return nil
}

func (s *Session) write(conn net.Conn, w *bufio.Writer, name, id string, fields []Field, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := WriteAction(w, name, id, fields); err != nil {
		return err
	}
	return w.Flush()
}

func (s *Session) readLoop(gen uint64, r *bufio.Reader) {
	for {
		f, err := ReadFrame(r)
		if err != nil {
			if errors.Is(err, telephony.ErrProtocolParse) {
				metrics.ParseErrors.WithLabelValues(string(telephony.SourceAMI)).Inc()
				s.log.Warn("dropping malformed frame", "err", err)
				continue
			}
			s.fail(gen, fmt.Errorf("ami: read: %w: %w", telephony.ErrConnection, err))
			return
		}
		s.handleFrame(f)
	}
}

func (s *Session) handleFrame(f Frame) {
	switch {
	case f.IsResponse():
		id := f.Get("ActionID")
		if id == "" {
			s.log.Debug("response without ActionID", "response", f.Get("Response"))
			return
		}
		if strings.EqualFold(f.Get("EventList"), "start") {
			s.mu.Lock()
			if s.lists != nil && s.corr.Has(id) {
				s.lists[id] = &listCollect{resp: f}
			}
			s.mu.Unlock()
			return
		}
		if !s.corr.Resolve(id, Response{Frame: f}) {
			s.log.Debug("response for unknown action", "action_id", id)
		}
	case f.IsEvent():
		metrics.EventsReceived.WithLabelValues(string(telephony.SourceAMI)).Inc()
		if id := f.Get("ActionID"); id != "" {
			s.collect(id, f)
		}
		s.disp.Dispatch(ToEvent(f, s.clock.Now()))
	default:
		s.log.Debug("ignoring frame without Response or Event")
	}
}

func (s *Session) collect(id string, f Frame) {
	s.mu.Lock()
	l := s.lists[id]
	if l == nil {
		s.mu.Unlock()
		return
	}
	if !strings.EqualFold(f.Get("EventList"), "Complete") {
		l.events = append(l.events, f)
		s.mu.Unlock()
		return
	}
	delete(s.lists, id)
	s.mu.Unlock()
	s.corr.Resolve(id, Response{Frame: l.resp, Events: l.events})
}

func (s *Session) keepalive(gen uint64, stop <-chan struct{}) {
	t := s.clock.NewTicker(s.cfg.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			_, err := s.Action(context.Background(), "Ping")
			if errors.Is(err, telephony.ErrActionTimeout) {
				s.fail(gen, fmt.Errorf("ami: keepalive: %w: %w", telephony.ErrConnection, err))
				return
			}
		}
	}
}

// fail tears down connection gen. Calls for an older generation are ignored.
func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	n := s.corr.RejectAll(err)
	stopped := s.stopped
	s.mu.Unlock()

	s.log.Warn("ami transport lost", "err", err, "rejected", n)
	s.sup.MarkDisconnected()
	if stopped {
		s.state.Transition(telephony.PhaseDisconnected, err)
		return
	}
	s.state.Transition(telephony.PhaseReconnectPending, err)
	s.scheduleRetry(err)
}

func (s *Session) teardownLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = nil
	s.w = nil
	s.gen++
	s.lists = nil
	if s.stopKeepalive != nil {
		close(s.stopKeepalive)
		s.stopKeepalive = nil
	}
}

func (s *Session) scheduleRetry(err error) {
	d := s.sup.ScheduleRetry(s)
	metrics.ReconnectAttempts.WithLabelValues(string(telephony.SourceAMI)).Inc()
	s.state.Retrying(s.sup.Attempt(), s.clock.Now().Add(d), err)
	s.log.Info("ami reconnect scheduled", "delay", d.String(), "attempt", s.sup.Attempt())
}

func (s *Session) observe(action, result string, start time.Time) {
	src := string(telephony.SourceAMI)
	metrics.ActionResults.WithLabelValues(src, action, result).Inc()
	metrics.ActionDuration.WithLabelValues(src, action).Observe(s.clock.Now().Sub(start).Seconds())
}

func outcome(err error) string {
	switch {
	case errors.Is(err, telephony.ErrActionTimeout):
		return "timeout"
	case errors.Is(err, telephony.ErrConnection):
		return "connection"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
