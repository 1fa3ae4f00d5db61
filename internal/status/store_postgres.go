package status

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"pbx-controlplane/pkg/utils"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore keeps the last known record per key in status_records.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore applies the status migrations and returns the store.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if err := utils.Migrate(ctx, db, "status", migrationFS, "migrations"); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Get(ctx context.Context, kind Kind, key string) (Record, bool, error) {
	const q = `
SELECT record
FROM status_records
WHERE kind = $1 AND key = $2
`
	var data []byte
	if err := s.db.QueryRowContext(ctx, q, string(kind), key).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("status: store get %s %s: %w", kind, key, err)
	}
	r, err := unmarshalRecord(kind, data)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// Put upserts r unless the stored row is newer.
func (s *PostgresStore) Put(ctx context.Context, r Record) error {
	if err := checkKind(r.Kind()); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("status: store marshal %s: %w", r.Kind(), err)
	}
	const q = `
INSERT INTO status_records (kind, key, record, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (kind, key) DO UPDATE
SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at
WHERE status_records.updated_at <= EXCLUDED.updated_at
`
	if _, err := s.db.ExecContext(ctx, q, string(r.Kind()), r.Key(), data, r.Updated().UTC()); err != nil {
		return fmt.Errorf("status: store put %s %s: %w", r.Kind(), r.Key(), err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, kind Kind) ([]Record, error) {
	const q = `
SELECT record
FROM status_records
WHERE kind = $1
ORDER BY key
`
	return s.query(ctx, kind, q, string(kind))
}

func (s *PostgresStore) ListOperatorsByQueue(ctx context.Context, queue string) ([]*OperatorStatus, error) {
	const q = `
SELECT record
FROM status_records
WHERE kind = 'operator'
  AND (record->>'queue_name' = $1 OR record->'queues' @> jsonb_build_array($1::text))
ORDER BY key
`
	recs, err := s.query(ctx, KindOperator, q, queue)
	if err != nil {
		return nil, err
	}
	out := make([]*OperatorStatus, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.(*OperatorStatus))
	}
	return out, nil
}

func (s *PostgresStore) query(ctx context.Context, kind Kind, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("status: store list %s: %w", kind, err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("status: store scan %s: %w", kind, err)
		}
		r, err := unmarshalRecord(kind, data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status: store list %s: %w", kind, err)
	}
	return out, nil
}
