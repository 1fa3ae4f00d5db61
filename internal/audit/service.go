package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// It has no Update or Delete.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs who changed PBX or cache state.
//
// Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" || e.Action == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.IPAddress == "" {
		e.IPAddress = ClientIPFromContext(ctx)
	}
	return s.repo.Append(ctx, e)
}

// Actor identifies who performed an audited operation.
type Actor struct {
	UserID string
	Role   string
}

// LogAdminWrite records a direct cache write or reset.
func (s *Service) LogAdminWrite(ctx context.Context, actor Actor, action, target, outcome, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeAdminWrite,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		Action:      action,
		Target:      target,
		Outcome:     outcome,
		Metadata:    metadata,
	})
}

// LogCommand records a command sent to the PBX.
func (s *Service) LogCommand(ctx context.Context, actor Actor, source, action, target, outcome, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeCommand,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		Source:      source,
		Action:      action,
		Target:      target,
		Outcome:     outcome,
		Metadata:    metadata,
	})
}
