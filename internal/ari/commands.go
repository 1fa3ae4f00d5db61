package ari

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrMissingChannel = errors.New("ari: channel id is required")
	ErrMissingBridge  = errors.New("ari: bridge id is required")
	ErrMissingMedia   = errors.New("ari: media uri is required")
)

func (s *Session) GetChannels(ctx context.Context) ([]Channel, error) {
	var out []Channel
	if err := s.do(ctx, "getChannels", http.MethodGet, "/channels", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Session) GetBridges(ctx context.Context) ([]Bridge, error) {
	var out []Bridge
	if err := s.do(ctx, "getBridges", http.MethodGet, "/bridges", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Session) GetEndpoints(ctx context.Context) ([]Endpoint, error) {
	var out []Endpoint
	if err := s.do(ctx, "getEndpoints", http.MethodGet, "/endpoints", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Session) AnswerChannel(ctx context.Context, channelID string) error {
	if channelID == "" {
		return ErrMissingChannel
	}
	return s.do(ctx, "answerChannel", http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil)
}

// HangupChannel deletes a channel. reason is an ARI hangup reason such as
// "normal" or "busy"; empty leaves the PBX default.
func (s *Session) HangupChannel(ctx context.Context, channelID, reason string) error {
	if channelID == "" {
		return ErrMissingChannel
	}
	var q url.Values
	if reason != "" {
		q = url.Values{"reason": {reason}}
	}
	return s.do(ctx, "hangupChannel", http.MethodDelete, "/channels/"+url.PathEscape(channelID), q, nil)
}

// PlayMedia starts playback of media (e.g. "sound:hello-world") on a
// channel under a freshly generated playback id.
func (s *Session) PlayMedia(ctx context.Context, channelID, media, lang string) (Playback, error) {
	if channelID == "" {
		return Playback{}, ErrMissingChannel
	}
	if media == "" {
		return Playback{}, ErrMissingMedia
	}
	q := url.Values{"media": {media}}
	if lang != "" {
		q.Set("lang", lang)
	}
	pb := Playback{ID: uuid.NewString()}
	path := "/channels/" + url.PathEscape(channelID) + "/play/" + pb.ID
	if err := s.do(ctx, "playMedia", http.MethodPost, path, q, &pb); err != nil {
		return Playback{}, err
	}
	return pb, nil
}

// CreateBridge creates a bridge with a generated id. bridgeType defaults
// to "mixing".
func (s *Session) CreateBridge(ctx context.Context, bridgeType, name string) (Bridge, error) {
	if bridgeType == "" {
		bridgeType = "mixing"
	}
	q := url.Values{"type": {bridgeType}}
	if name != "" {
		q.Set("name", name)
	}
	b := Bridge{ID: uuid.NewString()}
	if err := s.do(ctx, "createBridge", http.MethodPost, "/bridges/"+b.ID, q, &b); err != nil {
		return Bridge{}, err
	}
	return b, nil
}

func (s *Session) AddChannelToBridge(ctx context.Context, bridgeID string, channelIDs ...string) error {
	if bridgeID == "" {
		return ErrMissingBridge
	}
	if len(channelIDs) == 0 {
		return ErrMissingChannel
	}
	q := url.Values{"channel": {strings.Join(channelIDs, ",")}}
	return s.do(ctx, "addChannelToBridge", http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil)
}
