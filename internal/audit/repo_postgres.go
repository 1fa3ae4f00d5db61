package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"pbx-controlplane/pkg/utils"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresRepo appends events to audit_events. It only ever INSERTs.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(ctx context.Context, db *sql.DB) (*PostgresRepo, error) {
	if err := utils.Migrate(ctx, db, "audit", migrationFS, "migrations"); err != nil {
		return nil, err
	}
	return &PostgresRepo{db: db}, nil
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
	id, type, actor_user_id, actor_role, ip_address,
	source, action, target, outcome, metadata, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`
	var metadata any
	if e.Metadata != "" {
		metadata = e.Metadata
	}
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.Source,
		e.Action,
		e.Target,
		e.Outcome,
		metadata,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}
