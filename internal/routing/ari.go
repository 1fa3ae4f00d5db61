package routing

import (
	"pbx-controlplane/internal/ari"
	"pbx-controlplane/internal/status"
	"pbx-controlplane/internal/telephony"
)

func translateARI(ev telephony.Event) Routed {
	switch ev.Type {
	case ari.EventStasisStart, ari.EventChannelCreated, ari.EventChannelStateChange,
		ari.EventChannelDtmfReceived, ari.EventStasisEnd:
		// StasisEnd only refreshes: the channel left our application,
		// not necessarily the PBX.
		return ariChannel(ev, nil)
	case ari.EventChannelDestroyed:
		down := status.ChannelDown
		return ariChannel(ev, &down)
	}
	return UnknownEvent{Event: ev}
}

func ariChannel(ev telephony.Event, override *status.ChannelState) Routed {
	id := ev.Field(ari.FieldChannelID)
	if id == "" {
		return UnknownEvent{Event: ev}
	}
	u := status.ChannelUpdate{ChannelID: id, ObservedAt: ev.ReceivedAt}
	if name := ev.Field(ari.FieldChannelName); name != "" {
		u.Name = status.Ptr(name)
	}
	if st, ok := channelState(ev.Field(ari.FieldChannelState)); ok {
		u.State = status.Ptr(st)
	}
	if override != nil {
		u.State = override
	}
	if exten := ev.Field(ari.FieldExten); exten != "" {
		u.Extension = status.Ptr(exten)
	}
	if ctx := ev.Field(ari.FieldContext); ctx != "" {
		u.Context = status.Ptr(ctx)
	}
	if p, ok := ev.Int(ari.FieldPriority); ok {
		u.Priority = status.Ptr(p)
	}
	return ChannelEvent{Update: u}
}
