package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

var (
	// ErrEntryNotFound is returned by Store.Get for unknown ids.
	ErrEntryNotFound = errors.New("entry not found")
	// ErrMutationAttempt is returned when a Put would overwrite an existing id or sequence.
	ErrMutationAttempt = errors.New("mutation of existing entry attempted")
)

// Record is the durable unit written by a Store. Data holds the JSON encoding
// of an Entry; the other fields are index columns.
type Record struct {
	EntryID   string
	Sequence  uint64
	EventType contracts.EventType
	Actor     string
	Timestamp time.Time
	Data      []byte
}

// ScanFilter narrows a Store scan. Zero values match everything.
type ScanFilter struct {
	EventType     contracts.EventType
	Actor         string
	Since         time.Time
	AfterSequence uint64
	Limit         int
}

// Matches reports whether r passes the filter.
func (f ScanFilter) Matches(r Record) bool {
	if f.EventType != "" && r.EventType != f.EventType {
		return false
	}
	if f.Actor != "" && r.Actor != f.Actor {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if r.Sequence <= f.AfterSequence {
		return false
	}
	return true
}

// Store is the durable backend behind a Ledger. Put must be durable when it
// returns nil and must refuse to overwrite an existing entry id or sequence.
// Scan returns records in ascending sequence order.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, entryID string) ([]byte, error)
	Scan(ctx context.Context, filter ScanFilter) ([]Record, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.RWMutex
	recs  []Record
	byID  map[string]int
	bySeq map[uint64]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]int),
		bySeq: make(map[uint64]struct{}),
	}
}

func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.EntryID]; ok {
		return ErrMutationAttempt
	}
	if _, ok := s.bySeq[rec.Sequence]; ok {
		return ErrMutationAttempt
	}
	rec.Data = append([]byte(nil), rec.Data...)
	s.byID[rec.EntryID] = len(s.recs)
	s.bySeq[rec.Sequence] = struct{}{}
	s.recs = append(s.recs, rec)
	if n := len(s.recs); n > 1 && s.recs[n-2].Sequence > rec.Sequence {
		sort.Slice(s.recs, func(i, j int) bool { return s.recs[i].Sequence < s.recs[j].Sequence })
		for i, r := range s.recs {
			s.byID[r.EntryID] = i
		}
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, entryID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return append([]byte(nil), s.recs[i].Data...), nil
}

func (s *MemoryStore) Scan(ctx context.Context, filter ScanFilter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0)
	for _, r := range s.recs {
		if !filter.Matches(r) {
			continue
		}
		r.Data = append([]byte(nil), r.Data...)
		out = append(out, r)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Tamper replaces the stored bytes of an entry in place. It exists so
// integrity checks can be exercised against a corrupted backend.
func (s *MemoryStore) Tamper(entryID string, mutate func([]byte) []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[entryID]
	if !ok {
		return false
	}
	s.recs[i].Data = mutate(s.recs[i].Data)
	return true
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}
