package telephony

import (
	"context"
	"time"
)

// Phase is the connection phase of a PBX session.
type Phase string

const (
	PhaseDisconnected     Phase = "disconnected"
	PhaseConnecting       Phase = "connecting"
	PhaseAuthenticating   Phase = "authenticating"
	PhaseConnected        Phase = "connected"
	PhaseReconnectPending Phase = "reconnect_pending"
)

// SessionState is owned by a session. Outsiders observe it through
// Status() or SessionStateChanged events.
type SessionState struct {
	Phase       Phase     `json:"phase"`
	Attempt     int       `json:"attempt"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Status is the result of a session's status() call.
type Status struct {
	Source    Source       `json:"source"`
	Connected bool         `json:"connected"`
	State     SessionState `json:"state"`
}

// Source names the protocol an event or session belongs to.
type Source string

const (
	SourceAMI Source = "ami"
	SourceARI Source = "ari"
)

// Session is the contract both AMI and ARI sessions satisfy.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	On(eventType string, h Handler) (unsubscribe func())
	Status() Status
}
