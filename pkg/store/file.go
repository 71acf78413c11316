package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/ledger"
)

// line is the on-disk encoding of a record, shared by the file and object stores.
type line struct {
	EntryID   string          `json:"entry_id"`
	Sequence  uint64          `json:"sequence"`
	EventType string          `json:"event_type"`
	Actor     string          `json:"actor"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func encodeLine(rec ledger.Record) ([]byte, error) {
	return json.Marshal(line{
		EntryID:   rec.EntryID,
		Sequence:  rec.Sequence,
		EventType: string(rec.EventType),
		Actor:     rec.Actor,
		Timestamp: rec.Timestamp.UTC(),
		Data:      rec.Data,
	})
}

// decodeLine never fails: an unreadable line becomes a record whose Data is
// the raw bytes, so chain verification reports it instead of hiding it.
func decodeLine(raw []byte, position uint64) ledger.Record {
	var l line
	if err := json.Unmarshal(raw, &l); err != nil || l.Sequence == 0 {
		return ledger.Record{
			EntryID:  fmt.Sprintf("unreadable-%d", position),
			Sequence: position,
			Data:     append([]byte(nil), raw...),
		}
	}
	return ledger.Record{
		EntryID:   l.EntryID,
		Sequence:  l.Sequence,
		EventType: contracts.EventType(l.EventType),
		Actor:     l.Actor,
		Timestamp: l.Timestamp,
		Data:      []byte(l.Data),
	}
}

// appendFile is the subset of *os.File the store writes through.
type appendFile interface {
	io.Writer
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// FileStore appends one JSON line per record and fsyncs before returning.
// The file is loaded into memory on open; reads are served from memory.
// A failed append is cut back off the file so no torn line remains.
type FileStore struct {
	mu    sync.Mutex
	path  string
	f     appendFile
	index *ledger.MemoryStore
}

// OpenFile opens or creates a JSONL ledger at path.
func OpenFile(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	fs := &FileStore{path: path, index: ledger.NewMemoryStore()}
	if err := fs.load(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	fs.f = f
	return fs, nil
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ledger file: %w", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var position uint64
	for sc.Scan() {
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		position++
		rec := decodeLine(text, position)
		if err := s.index.Put(context.Background(), rec); err != nil {
			// Duplicate ids or sequences are kept visible under their position.
			rec.EntryID = fmt.Sprintf("duplicate-%d", position)
			rec.Sequence = position
			if err := s.index.Put(context.Background(), rec); err != nil {
				return fmt.Errorf("index ledger line %d: %w", position, err)
			}
		}
	}
	return sc.Err()
}

func (s *FileStore) Put(ctx context.Context, rec ledger.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeLine(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.index.Get(ctx, rec.EntryID); err == nil {
		return ledger.ErrMutationAttempt
	}
	if rec.Sequence > 0 {
		existing, err := s.index.Scan(ctx, ledger.ScanFilter{AfterSequence: rec.Sequence - 1, Limit: 1})
		if err != nil {
			return err
		}
		if len(existing) > 0 && existing[0].Sequence == rec.Sequence {
			return ledger.ErrMutationAttempt
		}
	}
	info, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger file: %w", err)
	}
	if _, err := s.f.Write(append(data, '\n')); err != nil {
		return s.rollback(info.Size(), fmt.Errorf("write ledger file: %w", err))
	}
	if err := s.f.Sync(); err != nil {
		return s.rollback(info.Size(), fmt.Errorf("fsync ledger file: %w", err))
	}
	return s.index.Put(ctx, rec)
}

func (s *FileStore) rollback(size int64, cause error) error {
	if err := s.f.Truncate(size); err != nil {
		return errors.Join(cause, fmt.Errorf("truncate ledger file to %d bytes: %w", size, err))
	}
	return cause
}

func (s *FileStore) Get(ctx context.Context, entryID string) ([]byte, error) {
	return s.index.Get(ctx, entryID)
}

func (s *FileStore) Scan(ctx context.Context, f ledger.ScanFilter) ([]ledger.Record, error) {
	return s.index.Scan(ctx, f)
}

// Close releases the file handle.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
