package routing

import (
	"strconv"
	"strings"

	"pbx-controlplane/internal/status"
	"pbx-controlplane/internal/telephony"
)

// AMI event types the router understands.
const (
	amiQueueMemberAdded   = "QueueMemberAdded"
	amiQueueMember        = "QueueMember"
	amiQueueMemberStatus  = "QueueMemberStatus"
	amiQueueMemberPause   = "QueueMemberPause"
	amiQueueMemberRemoved = "QueueMemberRemoved"
	amiAgentConnect       = "AgentConnect"
	amiAgentComplete      = "AgentComplete"
	amiNewchannel         = "Newchannel"
	amiNewstate           = "Newstate"
	amiHangup             = "Hangup"
	amiQueueSummary       = "QueueSummary"
	amiQueueParams        = "QueueParams"
	amiQueueCallerJoin    = "QueueCallerJoin"
	amiQueueCallerLeave   = "QueueCallerLeave"
)

func translateAMI(ev telephony.Event) Routed {
	switch ev.Type {
	case amiQueueMemberAdded, amiQueueMember, amiQueueMemberStatus:
		return memberSnapshot(ev)
	case amiQueueMemberPause:
		return memberPause(ev)
	case amiQueueMemberRemoved:
		// leaving the last queue takes the member offline
		return member(ev, func(u *status.OperatorUpdate) {
			u.LeaveQueue = u.JoinQueue
			u.JoinQueue = nil
		})
	case amiAgentConnect:
		return member(ev, func(u *status.OperatorUpdate) {
			u.Status = status.Ptr(status.OperatorInCall)
			call := field(ev, "Uniqueid")
			if call == "" {
				call = field(ev, "DestUniqueid")
			}
			u.CurrentCallID = status.Ptr(call)
		})
	case amiAgentComplete:
		return member(ev, func(u *status.OperatorUpdate) {
			u.Status = status.Ptr(status.OperatorIdle)
			u.CurrentCallID = status.Ptr("")
		})
	case amiNewchannel, amiNewstate:
		return channelSnapshot(ev)
	case amiHangup:
		id := field(ev, "Uniqueid")
		if id == "" {
			return UnknownEvent{Event: ev}
		}
		return ChannelEvent{Update: status.ChannelUpdate{
			ChannelID:  id,
			State:      status.Ptr(status.ChannelDown),
			ObservedAt: ev.ReceivedAt,
		}}
	case amiQueueSummary:
		return queue(ev, func(u *status.QueueUpdate) {
			u.TotalMembers = intField(ev, "LoggedIn")
			u.ActiveMembers = intField(ev, "Available")
			u.CallsWaiting = intField(ev, "Callers")
			u.LongestWaitTime = intField(ev, "LongestHoldTime")
		})
	case amiQueueParams:
		return queue(ev, func(u *status.QueueUpdate) {
			u.CallsWaiting = intField(ev, "Calls")
		})
	case amiQueueCallerJoin, amiQueueCallerLeave:
		return queue(ev, func(u *status.QueueUpdate) {
			u.CallsWaiting = intField(ev, "Count")
		})
	}
	return UnknownEvent{Event: ev}
}

// memberSnapshot maps a full queue member report. Status is the device
// state, combined with the paused flag.
func memberSnapshot(ev telephony.Event) Routed {
	return member(ev, func(u *status.OperatorUpdate) {
		if st, ok := deviceState(ev); ok {
			u.Status = status.Ptr(st)
		}
		if p, ok := boolField(ev, "Paused"); ok {
			u.Paused = status.Ptr(p)
			if p {
				u.PausedReason = status.Ptr(field(ev, "PausedReason"))
			}
		}
		u.WrapUpTime = intField(ev, "Wrapuptime")
	})
}

func memberPause(ev telephony.Event) Routed {
	return member(ev, func(u *status.OperatorUpdate) {
		p, ok := boolField(ev, "Paused")
		if !ok {
			return
		}
		u.Paused = status.Ptr(p)
		if p {
			reason := field(ev, "PausedReason")
			if reason == "" {
				reason = field(ev, "Reason")
			}
			u.PausedReason = status.Ptr(reason)
			u.Status = status.Ptr(status.OperatorPaused)
		}
	})
}

// member builds an operator patch keyed by the member interface. The
// event's queue is joined as a membership.
func member(ev telephony.Event, fill func(*status.OperatorUpdate)) Routed {
	id := field(ev, "Interface")
	if id == "" {
		id = field(ev, "Location")
	}
	if id == "" {
		return UnknownEvent{Event: ev}
	}
	u := status.OperatorUpdate{MemberID: id, ObservedAt: ev.ReceivedAt}
	if q := field(ev, "Queue"); q != "" {
		u.JoinQueue = status.Ptr(q)
	}
	fill(&u)
	return OperatorEvent{Update: u}
}

func queue(ev telephony.Event, fill func(*status.QueueUpdate)) Routed {
	name := field(ev, "Queue")
	if name == "" {
		return UnknownEvent{Event: ev}
	}
	u := status.QueueUpdate{QueueName: name, ObservedAt: ev.ReceivedAt}
	fill(&u)
	return QueueEvent{Update: u}
}

func channelSnapshot(ev telephony.Event) Routed {
	id := field(ev, "Uniqueid")
	if id == "" {
		return UnknownEvent{Event: ev}
	}
	u := status.ChannelUpdate{ChannelID: id, ObservedAt: ev.ReceivedAt}
	if name := field(ev, "Channel"); name != "" {
		u.Name = status.Ptr(name)
	}
	if st, ok := channelState(field(ev, "ChannelStateDesc")); ok {
		u.State = status.Ptr(st)
	} else if n := intField(ev, "ChannelState"); n != nil {
		if st, ok := channelStateCode(*n); ok {
			u.State = status.Ptr(st)
		}
	}
	if exten := field(ev, "Exten"); exten != "" {
		u.Extension = status.Ptr(exten)
	}
	if ctx := field(ev, "Context"); ctx != "" {
		u.Context = status.Ptr(ctx)
	}
	u.Priority = intField(ev, "Priority")
	return ChannelEvent{Update: u}
}

// deviceState maps the member's device state code.
func deviceState(ev telephony.Event) (status.OperatorState, bool) {
	if inCall, ok := boolField(ev, "InCall"); ok && inCall {
		return status.OperatorInCall, true
	}
	n := intField(ev, "Status")
	if n == nil {
		return "", false
	}
	switch *n {
	case 1: // not in use
		return status.OperatorIdle, true
	case 2, 3, 6, 7, 8: // in use, busy, ringing, ring+in use, on hold
		return status.OperatorInCall, true
	case 4, 5: // invalid, unavailable
		return status.OperatorOffline, true
	}
	return "", false
}

// channelState maps Asterisk channel state names, shared by AMI
// ChannelStateDesc and ARI channel.state.
func channelState(desc string) (status.ChannelState, bool) {
	switch strings.ToLower(strings.TrimSpace(desc)) {
	case "down":
		return status.ChannelDown, true
	case "rsrvd", "reserved":
		return status.ChannelReserved, true
	case "offhook", "off hook":
		return status.ChannelOffHook, true
	case "dialing", "dialing offhook":
		return status.ChannelDialing, true
	case "ring", "ringing", "pre-ring":
		return status.ChannelRing, true
	case "up":
		return status.ChannelUp, true
	case "busy":
		return status.ChannelBusy, true
	}
	return "", false
}

func channelStateCode(n int) (status.ChannelState, bool) {
	switch n {
	case 0:
		return status.ChannelDown, true
	case 1:
		return status.ChannelReserved, true
	case 2:
		return status.ChannelOffHook, true
	case 3, 8:
		return status.ChannelDialing, true
	case 4, 5, 9:
		return status.ChannelRing, true
	case 6:
		return status.ChannelUp, true
	case 7:
		return status.ChannelBusy, true
	}
	return "", false
}

// field reads an AMI header. Asterisk's casing is stable, but frames from
// proxies are not always; fall back to a case-insensitive match.
func field(ev telephony.Event, key string) string {
	if v, ok := ev.Fields[key]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range ev.Fields {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func intField(ev telephony.Event, key string) *int {
	n, err := strconv.Atoi(field(ev, key))
	if err != nil {
		return nil
	}
	return &n
}

func boolField(ev telephony.Event, key string) (bool, bool) {
	switch strings.ToLower(field(ev, key)) {
	case "1", "true", "yes":
		return true, true
	case "0", "false", "no":
		return false, true
	}
	return false, false
}
