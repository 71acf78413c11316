package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/steward/pkg/ledger"
)

// errObjectExists is returned by a bucket when a conditional create loses.
var errObjectExists = errors.New("object already exists")

// bucket is the minimal object-storage surface the ledger needs.
type bucket interface {
	// create writes key only if it does not already exist.
	create(ctx context.Context, key string, data []byte) error
	read(ctx context.Context, key string) ([]byte, error)
	// list returns keys under prefix in lexical order, starting after startAfter.
	list(ctx context.Context, prefix, startAfter string) ([]string, error)
}

// ObjectStore keeps one object per record, keyed by zero-padded sequence so
// lexical listing order is chain order.
type ObjectStore struct {
	b      bucket
	prefix string

	mu   sync.Mutex
	keys map[string]string // entry id -> object key
}

func newObjectStore(b bucket, prefix string) *ObjectStore {
	return &ObjectStore{b: b, prefix: strings.TrimSuffix(prefix, "/"), keys: make(map[string]string)}
}

func (s *ObjectStore) entriesPrefix() string {
	return path.Join(s.prefix, "entries") + "/"
}

func (s *ObjectStore) key(seq uint64) string {
	return fmt.Sprintf("%s%020d.json", s.entriesPrefix(), seq)
}

func (s *ObjectStore) Put(ctx context.Context, rec ledger.Record) error {
	data, err := encodeLine(rec)
	if err != nil {
		return err
	}
	k := s.key(rec.Sequence)
	if err := s.b.create(ctx, k, data); err != nil {
		if errors.Is(err, errObjectExists) {
			return ledger.ErrMutationAttempt
		}
		return err
	}
	s.mu.Lock()
	s.keys[rec.EntryID] = k
	s.mu.Unlock()
	return nil
}

func (s *ObjectStore) Get(ctx context.Context, entryID string) ([]byte, error) {
	s.mu.Lock()
	k, ok := s.keys[entryID]
	s.mu.Unlock()
	if !ok {
		// Populates the id index.
		if _, err := s.Scan(ctx, ledger.ScanFilter{}); err != nil {
			return nil, err
		}
		s.mu.Lock()
		k, ok = s.keys[entryID]
		s.mu.Unlock()
		if !ok {
			return nil, ledger.ErrEntryNotFound
		}
	}
	raw, err := s.b.read(ctx, k)
	if err != nil {
		return nil, err
	}
	return decodeLine(raw, 0).Data, nil
}

func (s *ObjectStore) Scan(ctx context.Context, f ledger.ScanFilter) ([]ledger.Record, error) {
	startAfter := ""
	if f.AfterSequence > 0 {
		startAfter = s.key(f.AfterSequence)
	}
	keys, err := s.b.list(ctx, s.entriesPrefix(), startAfter)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Record, 0, len(keys))
	for _, k := range keys {
		raw, err := s.b.read(ctx, k)
		if err != nil {
			return nil, err
		}
		rec := decodeLine(raw, sequenceFromKey(k))
		s.mu.Lock()
		s.keys[rec.EntryID] = k
		s.mu.Unlock()
		if !f.Matches(rec) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func sequenceFromKey(k string) uint64 {
	base := strings.TrimSuffix(path.Base(k), ".json")
	n, _ := strconv.ParseUint(base, 10, 64)
	return n
}
