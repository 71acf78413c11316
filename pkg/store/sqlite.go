package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	sequence    INTEGER PRIMARY KEY,
	entry_id    TEXT NOT NULL UNIQUE,
	event_type  TEXT NOT NULL,
	actor       TEXT NOT NULL,
	recorded_at INTEGER NOT NULL,
	data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_event_type ON ledger_entries(event_type);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_actor ON ledger_entries(actor);
CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update BEFORE UPDATE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger entries are immutable');
END;
CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete BEFORE DELETE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger entries are immutable');
END;`

var sqliteDialect = dialect{
	name:        "sqlite",
	schema:      sqliteSchema,
	placeholder: func(int) string { return "?" },
	isDuplicate: func(err error) bool {
		return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "PRIMARY KEY")
	},
}

// NewSQLiteStore wraps an open SQLite handle and ensures the schema exists.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	return newSQLStore(ctx, db, sqliteDialect)
}

// OpenSQLite opens (creating if needed) a SQLite ledger at path.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite admits a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA synchronous=FULL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}
	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
