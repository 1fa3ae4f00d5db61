package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pbx-controlplane/internal/ami"
	"pbx-controlplane/internal/ari"
	"pbx-controlplane/internal/status"
	"pbx-controlplane/internal/telephony"
	"pbx-controlplane/pkg/clock"
)

// QueueDumper asks the PBX to replay queue state as events.
type QueueDumper interface {
	QueueStatus(ctx context.Context, queue string) (ami.Response, error)
	QueueSummary(ctx context.Context, queue string) (ami.Response, error)
}

// ChannelLister lists the channels the PBX currently holds.
type ChannelLister interface {
	GetChannels(ctx context.Context) ([]ari.Channel, error)
}

// Resyncer refreshes the cache after a session (re)connects, covering the
// events missed while it was down. Either side may be nil.
type Resyncer struct {
	Queues   QueueDumper
	Channels ChannelLister
	Router   *Router
	Clock    clock.Clock
	Logger   *slog.Logger

	// Timeout bounds one resync. Default 30s.
	Timeout time.Duration
}

// OnConnected has the signature of Options.OnConnected.
func (s *Resyncer) OnConnected(ctx context.Context, source telephony.Source) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "resync", "source", source)

	switch source {
	case telephony.SourceAMI:
		if s.Queues == nil {
			return
		}
		// The listed events reach the router through the session's handlers.
		if _, err := s.Queues.QueueStatus(ctx, ""); err != nil {
			log.WarnContext(ctx, "queue status dump failed", "error", err)
			return
		}
		if _, err := s.Queues.QueueSummary(ctx, ""); err != nil {
			log.WarnContext(ctx, "queue summary dump failed", "error", err)
			return
		}
		log.InfoContext(ctx, "queues resynced")
	case telephony.SourceARI:
		if s.Channels == nil || s.Router == nil {
			return
		}
		chs, err := s.Channels.GetChannels(ctx)
		if err != nil {
			log.WarnContext(ctx, "channel list failed", "error", err)
			return
		}
		n, err := s.Router.SyncChannels(ctx, chs, clock.OrReal(s.Clock).Now())
		if err != nil {
			log.WarnContext(ctx, "channel sync failed", "written", n, "error", err)
			return
		}
		log.InfoContext(ctx, "channels resynced", "written", n)
	}
}

// SyncChannels writes a channel listing observed at at. Channels already
// patched by newer events are left alone. It returns the number written.
func (r *Router) SyncChannels(ctx context.Context, chs []ari.Channel, at time.Time) (int, error) {
	written := 0
	for _, ch := range chs {
		if ch.ID == "" {
			continue
		}
		u := status.ChannelUpdate{ChannelID: ch.ID, ObservedAt: at}
		if ch.Name != "" {
			u.Name = status.Ptr(ch.Name)
		}
		if st, ok := channelState(ch.State); ok {
			u.State = status.Ptr(st)
		}
		if ch.Dialplan.Exten != "" {
			u.Extension = status.Ptr(ch.Dialplan.Exten)
		}
		if ch.Dialplan.Context != "" {
			u.Context = status.Ptr(ch.Dialplan.Context)
		}
		if ch.Dialplan.Priority > 0 {
			u.Priority = status.Ptr(int(ch.Dialplan.Priority))
		}
		if _, err := r.cache.Put(ctx, u); err != nil {
			if errors.Is(err, status.ErrStaleUpdate) {
				continue
			}
			return written, err
		}
		written++
	}
	return written, nil
}
