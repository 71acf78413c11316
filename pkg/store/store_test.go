package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/ledger"
)

// exerciseLedger appends through a ledger backed by s and reopens it.
func exerciseLedger(t *testing.T, s ledger.Store) {
	t.Helper()
	ctx := context.Background()
	l := ledger.New(s)
	var last ledger.Entry
	for i := 0; i < 3; i++ {
		var err error
		last, err = l.Append(ctx, contracts.EventActionRecorded, "agent", "main.go", map[string]any{"i": i})
		require.NoError(t, err)
	}

	reopened, err := ledger.Open(ctx, s)
	require.NoError(t, err)
	head, seq := reopened.Head()
	assert.Equal(t, last.Hash, head)
	assert.Equal(t, uint64(3), seq)
	compromised, _ := reopened.Compromised()
	assert.False(t, compromised)

	got, err := reopened.Get(ctx, last.EntryID)
	require.NoError(t, err)
	assert.Equal(t, last.Hash, got.Hash)

	entries, err := reopened.Query(ctx, ledger.QueryFilter{Actor: "agent", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer func() { _ = s.DB().Close() }()

	exerciseLedger(t, s)

	err = s.Put(context.Background(), ledger.Record{EntryID: "dup", Sequence: 1, EventType: contracts.EventActionRecorded, Actor: "a", Data: []byte("{}")})
	assert.ErrorIs(t, err, ledger.ErrMutationAttempt)

	_, err = s.DB().ExecContext(context.Background(), "UPDATE ledger_entries SET actor = 'mallory'")
	assert.Error(t, err, "updates must be refused")
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.jsonl")
	s, err := OpenFile(path)
	require.NoError(t, err)
	exerciseLedger(t, s)
	require.NoError(t, s.Close())

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	l, err := ledger.Open(context.Background(), reopened)
	require.NoError(t, err)
	_, seq := l.Head()
	assert.Equal(t, uint64(3), seq)
}

func TestFileStoreDetectsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	s, err := OpenFile(path)
	require.NoError(t, err)
	l := ledger.New(s)
	for i := 0; i < 3; i++ {
		_, err := l.Append(context.Background(), contracts.EventActionRecorded, "agent", "", map[string]any{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	lines[1] = `{"not":"a ledger line"`
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	l2, err := ledger.Open(context.Background(), reopened)
	require.NoError(t, err)
	res, err := l2.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, uint64(2), res.FirstBrokenIndex)
}

// tornFile writes half of the next line it is given and then fails.
type tornFile struct {
	appendFile
	tear bool
}

func (f *tornFile) Write(p []byte) (int, error) {
	if f.tear {
		f.tear = false
		n, _ := f.appendFile.Write(p[:len(p)/2])
		return n, errors.New("no space left on device")
	}
	return f.appendFile.Write(p)
}

func TestFileStoreRollsBackTornWrite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	s, err := OpenFile(path)
	require.NoError(t, err)
	torn := &tornFile{appendFile: s.f}
	s.f = torn
	l := ledger.New(s)

	_, err = l.Append(ctx, contracts.EventActionRecorded, "agent", "", map[string]any{"i": 0})
	require.NoError(t, err)

	torn.tear = true
	_, err = l.Append(ctx, contracts.EventActionRecorded, "agent", "", map[string]any{"i": 1})
	require.ErrorIs(t, err, contracts.ErrPersistence)

	_, err = l.Append(ctx, contracts.EventActionRecorded, "agent", "", map[string]any{"i": 2})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(raw)), "\n"), 2)

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	l2, err := ledger.Open(ctx, reopened)
	require.NoError(t, err)
	res, err := l2.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Reason)
	assert.Equal(t, uint64(2), res.Entries)
}

func TestPostgresStorePut(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewPostgresStore(context.Background(), db)
	require.NoError(t, err)

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries (sequence, entry_id, event_type, actor, recorded_at, data)")).
		WithArgs(int64(1), "e-1", "action.recorded", "agent", ts.UnixNano(), `{"x":1}`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Put(context.Background(), ledger.Record{
		EntryID: "e-1", Sequence: 1, EventType: contracts.EventActionRecorded, Actor: "agent", Timestamp: ts, Data: []byte(`{"x":1}`),
	}))

	mock.ExpectExec("INSERT INTO ledger_entries").WillReturnError(&pq.Error{Code: "23505"})
	err = s.Put(context.Background(), ledger.Record{EntryID: "e-1", Sequence: 1, Timestamp: ts})
	assert.ErrorIs(t, err, ledger.ErrMutationAttempt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreScanBuildsFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewPostgresStore(context.Background(), db)
	require.NoError(t, err)

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"sequence", "entry_id", "event_type", "actor", "recorded_at", "data"}).
		AddRow(int64(4), "e-4", "action.recorded", "bob", ts.UnixNano(), `{}`)
	mock.ExpectQuery(regexp.QuoteMeta("FROM ledger_entries WHERE event_type = $1 AND actor = $2 ORDER BY sequence ASC LIMIT $3")).
		WithArgs("action.recorded", "bob", 10).
		WillReturnRows(rows)

	recs, err := s.Scan(context.Background(), ledger.ScanFilter{EventType: contracts.EventActionRecorded, Actor: "bob", Limit: 10})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(4), recs[0].Sequence)
	assert.True(t, recs[0].Timestamp.Equal(ts))

	mock.ExpectQuery("SELECT data FROM ledger_entries WHERE entry_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

type memBucket struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func (b *memBucket) create(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objs[key]; ok {
		return errObjectExists
	}
	b.objs[key] = append([]byte(nil), data...)
	return nil
}

func (b *memBucket) read(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.objs[key]...), nil
}

func (b *memBucket) list(_ context.Context, prefix, startAfter string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k := range b.objs {
		if strings.HasPrefix(k, prefix) && k > startAfter {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func TestObjectStore(t *testing.T) {
	b := &memBucket{objs: make(map[string][]byte)}
	s := newObjectStore(b, "steward/")
	exerciseLedger(t, s)

	assert.Contains(t, b.objs, "steward/entries/00000000000000000001.json")

	err := s.Put(context.Background(), ledger.Record{EntryID: "other", Sequence: 1})
	assert.ErrorIs(t, err, ledger.ErrMutationAttempt)

	fresh := newObjectStore(b, "steward")
	recs, err := fresh.Scan(context.Background(), ledger.ScanFilter{AfterSequence: 2})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(3), recs[0].Sequence)
}

func TestOpenBackends(t *testing.T) {
	s, closeFn, err := Open(context.Background(), Config{Backend: BackendMemory})
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.NoError(t, closeFn())

	_, _, err = Open(context.Background(), Config{Backend: BackendPostgres})
	assert.Error(t, err)

	_, _, err = Open(context.Background(), Config{Backend: "tape"})
	assert.Error(t, err)

	s, closeFn, err = Open(context.Background(), Config{Backend: BackendFile, Path: filepath.Join(t.TempDir(), "l.jsonl")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
	assert.NoError(t, closeFn())
}
