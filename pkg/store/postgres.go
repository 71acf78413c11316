package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	sequence    BIGINT PRIMARY KEY,
	entry_id    TEXT NOT NULL UNIQUE,
	event_type  TEXT NOT NULL,
	actor       TEXT NOT NULL,
	recorded_at BIGINT NOT NULL,
	data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_event_type ON ledger_entries(event_type);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_actor ON ledger_entries(actor);
CREATE OR REPLACE RULE ledger_entries_no_update AS ON UPDATE TO ledger_entries DO INSTEAD NOTHING;
CREATE OR REPLACE RULE ledger_entries_no_delete AS ON DELETE TO ledger_entries DO INSTEAD NOTHING;
`

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

var postgresDialect = dialect{
	name:        "postgres",
	schema:      postgresSchema,
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	isDuplicate: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
	},
}

// NewPostgresStore wraps an open Postgres handle and ensures the schema exists.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	return newSQLStore(ctx, db, postgresDialect)
}

// OpenPostgres connects to dsn and returns a migrated store.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	s, err := NewPostgresStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
