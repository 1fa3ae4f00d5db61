package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - actor and ip capture are best-effort; do not block PBX commands on audit failures.
//
// Storage: table audit_events, created by the embedded migrations.

type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated caller causing the event.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress should capture the original client IP when available.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Source is the PBX interface a command went to (ami, ari), empty for cache writes.
	Source string `json:"source,omitempty" db:"source"`
	// Action is the command or write performed, e.g. Originate, set_operator.
	Action string `json:"action" db:"action"`
	// Target identifies the affected object: a channel, member or queue.
	Target string `json:"target,omitempty" db:"target"`

	// Outcome is "ok" or the error class returned to the caller.
	Outcome string `json:"outcome,omitempty" db:"outcome"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeAdminWrite EventType = "admin_write"
	EventTypeCommand    EventType = "pbx_command"
)
