package telephony

import "errors"

// Error taxonomy shared by both PBX sessions. Callers match with errors.Is.
var (
	// ErrConnection means the session is not connected, or the transport
	// dropped while the request was in flight.
	ErrConnection = errors.New("telephony: connection unavailable")

	// ErrAuthentication means the PBX rejected the configured credentials.
	ErrAuthentication = errors.New("telephony: authentication rejected")

	// ErrActionTimeout means no response arrived before the action deadline.
	ErrActionTimeout = errors.New("telephony: action timed out")

	// ErrProtocolParse marks a malformed frame. It never ends a session.
	ErrProtocolParse = errors.New("telephony: malformed frame")

	// ErrNotFound means the PBX does not know the referenced channel, bridge
	// or peer. It is a command failure, not a session fault.
	ErrNotFound = errors.New("telephony: resource not found")
)
