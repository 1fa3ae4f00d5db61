package ari

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pbx-controlplane/internal/telephony"
)

// Core event types decoded into typed payloads.
const (
	EventStasisStart         = "StasisStart"
	EventStasisEnd           = "StasisEnd"
	EventChannelCreated      = "ChannelCreated"
	EventChannelDestroyed    = "ChannelDestroyed"
	EventChannelStateChange  = "ChannelStateChange"
	EventChannelDtmfReceived = "ChannelDtmfReceived"
	EventPlaybackStarted     = "PlaybackStarted"
	EventPlaybackFinished    = "PlaybackFinished"
)

// Flattened field names shared by every ARI event.
const (
	FieldApplication   = "application"
	FieldTimestamp     = "timestamp"
	FieldChannelID     = "channel_id"
	FieldChannelName   = "channel_name"
	FieldChannelState  = "channel_state"
	FieldCallerNumber  = "caller_number"
	FieldCallerName    = "caller_name"
	FieldContext       = "context"
	FieldExten         = "exten"
	FieldPriority      = "priority"
	FieldDigit         = "digit"
	FieldDurationMs    = "duration_ms"
	FieldCause         = "cause"
	FieldCauseText     = "cause_txt"
	FieldArgs          = "args"
	FieldPlaybackID    = "playback_id"
	FieldPlaybackState = "playback_state"
	FieldMediaURI      = "media_uri"
	FieldTargetURI     = "target_uri"
	FieldBridgeID      = "bridge_id"
	FieldBridgeType    = "bridge_type"
)

type envelope struct {
	Type        string    `json:"type"`
	Application string    `json:"application"`
	Timestamp   string    `json:"timestamp"`
	Channel     *Channel  `json:"channel,omitempty"`
	Playback    *Playback `json:"playback,omitempty"`
	Bridge      *Bridge   `json:"bridge,omitempty"`
	Digit       string    `json:"digit,omitempty"`
	DurationMs  *int      `json:"duration_ms,omitempty"`
	Cause       *int      `json:"cause,omitempty"`
	CauseTxt    string    `json:"cause_txt,omitempty"`
	Args        []string  `json:"args,omitempty"`
}

// Decode turns one websocket message into the shared event shape. Event
// types outside the core set keep their envelope fields plus any channel,
// bridge or playback payload they carry.
func Decode(data []byte, receivedAt time.Time) (telephony.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return telephony.Event{}, fmt.Errorf("ari: decode: %w: %v", telephony.ErrProtocolParse, err)
	}
	if env.Type == "" {
		return telephony.Event{}, fmt.Errorf("ari: decode: missing type: %w", telephony.ErrProtocolParse)
	}

	fields := map[string]string{}
	put := func(k, v string) {
		if v != "" {
			fields[k] = v
		}
	}
	put(FieldApplication, env.Application)
	put(FieldTimestamp, env.Timestamp)

	switch env.Type {
	case EventStasisStart, EventStasisEnd, EventChannelCreated, EventChannelDestroyed,
		EventChannelStateChange, EventChannelDtmfReceived:
		if env.Channel == nil || env.Channel.ID == "" {
			return telephony.Event{}, fmt.Errorf("ari: %s without channel: %w", env.Type, telephony.ErrProtocolParse)
		}
	case EventPlaybackStarted, EventPlaybackFinished:
		if env.Playback == nil || env.Playback.ID == "" {
			return telephony.Event{}, fmt.Errorf("ari: %s without playback: %w", env.Type, telephony.ErrProtocolParse)
		}
	}

	if c := env.Channel; c != nil {
		put(FieldChannelID, c.ID)
		put(FieldChannelName, c.Name)
		put(FieldChannelState, c.State)
		put(FieldCallerNumber, c.Caller.Number)
		put(FieldCallerName, c.Caller.Name)
		put(FieldContext, c.Dialplan.Context)
		put(FieldExten, c.Dialplan.Exten)
		if c.Dialplan.Priority > 0 {
			put(FieldPriority, strconv.FormatInt(c.Dialplan.Priority, 10))
		}
	}
	if p := env.Playback; p != nil {
		put(FieldPlaybackID, p.ID)
		put(FieldPlaybackState, p.State)
		put(FieldMediaURI, p.MediaURI)
		put(FieldTargetURI, p.TargetURI)
	}
	if b := env.Bridge; b != nil {
		put(FieldBridgeID, b.ID)
		put(FieldBridgeType, b.BridgeType)
	}
	put(FieldDigit, env.Digit)
	if env.DurationMs != nil {
		put(FieldDurationMs, strconv.Itoa(*env.DurationMs))
	}
	if env.Cause != nil {
		put(FieldCause, strconv.Itoa(*env.Cause))
	}
	put(FieldCauseText, env.CauseTxt)
	if len(env.Args) > 0 {
		put(FieldArgs, strings.Join(env.Args, ","))
	}

	return telephony.Event{
		Source:     telephony.SourceARI,
		Type:       env.Type,
		Fields:     fields,
		ReceivedAt: receivedAt,
	}, nil
}
