// Package store provides durable ledger.Store backends: SQL databases,
// an fsync'd JSONL file, and S3/GCS object storage.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/ledger"
)

type dialect struct {
	name        string
	schema      string
	placeholder func(n int) string
	isDuplicate func(err error) bool
}

// SQLStore persists ledger records in a single append-only table.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("%s: migrate ledger schema: %w", d.name, err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.d.schema)
	return err
}

// DB exposes the underlying handle so callers can close it.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Put(ctx context.Context, rec ledger.Record) error {
	query := fmt.Sprintf(`INSERT INTO ledger_entries (sequence, entry_id, event_type, actor, recorded_at, data)
	VALUES (%s, %s, %s, %s, %s, %s)`,
		s.d.placeholder(1), s.d.placeholder(2), s.d.placeholder(3),
		s.d.placeholder(4), s.d.placeholder(5), s.d.placeholder(6))

	_, err := s.db.ExecContext(ctx, query,
		int64(rec.Sequence), rec.EntryID, string(rec.EventType), rec.Actor,
		rec.Timestamp.UTC().UnixNano(), string(rec.Data),
	)
	if err != nil {
		if s.d.isDuplicate(err) {
			return ledger.ErrMutationAttempt
		}
		return fmt.Errorf("%s: insert ledger entry %d: %w", s.d.name, rec.Sequence, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, entryID string) ([]byte, error) {
	query := fmt.Sprintf(`SELECT data FROM ledger_entries WHERE entry_id = %s`, s.d.placeholder(1))
	var data string
	if err := s.db.QueryRowContext(ctx, query, entryID).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrEntryNotFound
		}
		return nil, fmt.Errorf("%s: get ledger entry: %w", s.d.name, err)
	}
	return []byte(data), nil
}

func (s *SQLStore) Scan(ctx context.Context, f ledger.ScanFilter) ([]ledger.Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, s.d.placeholder(len(args))))
	}
	if f.EventType != "" {
		add("event_type = %s", string(f.EventType))
	}
	if f.Actor != "" {
		add("actor = %s", f.Actor)
	}
	if !f.Since.IsZero() {
		add("recorded_at >= %s", f.Since.UTC().UnixNano())
	}
	if f.AfterSequence > 0 {
		add("sequence > %s", int64(f.AfterSequence))
	}

	var b strings.Builder
	b.WriteString("SELECT sequence, entry_id, event_type, actor, recorded_at, data FROM ledger_entries")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY sequence ASC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT %s", s.d.placeholder(len(args)))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: scan ledger: %w", s.d.name, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]ledger.Record, 0)
	for rows.Next() {
		var (
			seq       int64
			eventType string
			nanos     int64
			data      string
			rec       ledger.Record
		)
		if err := rows.Scan(&seq, &rec.EntryID, &eventType, &rec.Actor, &nanos, &data); err != nil {
			return nil, fmt.Errorf("%s: scan ledger row: %w", s.d.name, err)
		}
		rec.Sequence = uint64(seq)
		rec.EventType = contracts.EventType(eventType)
		rec.Timestamp = time.Unix(0, nanos).UTC()
		rec.Data = []byte(data)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
