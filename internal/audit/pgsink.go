package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tenuto.io/safety/internal/ids"
)

// PGSink hands events off into a Postgres table owned by the audit
// collaborator schema. Used when the collaborator ingests via a shared
// database instead of an HTTP endpoint.
type PGSink struct {
	db *sql.DB
}

// OpenPG opens a Postgres-backed sink using the pgx stdlib driver.
func OpenPG(dsn string) (*PGSink, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(15 * time.Minute)
	return &PGSink{db: db}, nil
}

// NewPGSink wraps an existing connection pool. Tests use this with sqlmock.
func NewPGSink(db *sql.DB) *PGSink { return &PGSink{db: db} }

// Close releases the underlying pool.
func (s *PGSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the pool for readiness probes.
func (s *PGSink) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *PGSink) Emit(ctx context.Context, evt Event) error {
	if s == nil || s.db == nil {
		return errors.New("audit: database connection unavailable")
	}

	detailsJSON := []byte("{}")
	if len(evt.Details) > 0 {
		raw, err := json.Marshal(evt.Details)
		if err != nil {
			return fmt.Errorf("audit: marshal details: %w", err)
		}
		detailsJSON = raw
	}

	_, err := s.db.ExecContext(ctx, `
		insert into security_audit_events (id, action, actor_id, details, occurred_at, category)
		values ($1, $2, $3, $4, $5, $6)
	`, ids.New(), evt.Action, evt.ActorID, detailsJSON, evt.Timestamp.UTC(), evt.Category)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}
