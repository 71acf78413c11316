// Package ledger is the append-only, hash-chained record of every governance
// event. Each entry commits to its predecessor's hash; the chain is persisted
// through a pluggable Store and re-verified on open.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/steward/pkg/canonicalize"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// DefaultQueryLimit caps Query when the caller passes no limit.
const DefaultQueryLimit = 1000

// Hooks receive ledger signals, typically for metrics.
type Hooks interface {
	EntryAppended(eventType contracts.EventType)
	ChainBroken(sequence uint64)
}

// Ledger serializes appends through a single lock so every entry sees the
// previous head. The chain head advances only after the store accepts the write.
type Ledger struct {
	mu               sync.Mutex
	store            Store
	headHash         string
	sequence         uint64
	compromised      bool
	compromiseReason string
	clock            func() time.Time
	newID            func() string
	logger           *slog.Logger
	hooks            Hooks
}

// New creates a ledger over an empty store. Use Open for a store that may
// already hold entries.
func New(store Store) *Ledger {
	return &Ledger{
		store:    store,
		headHash: GenesisHash,
		clock:    time.Now,
		newID:    uuid.NewString,
		logger:   slog.Default().With("component", "ledger"),
	}
}

// Open rebuilds the chain head from store and verifies the stored chain.
// A broken chain does not fail Open; the ledger comes up compromised.
func Open(ctx context.Context, store Store) (*Ledger, error) {
	l := New(store)
	if _, err := l.resync(ctx); err != nil {
		return nil, err
	}
	if _, err := l.VerifyChain(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithIDGenerator overrides entry id generation.
func (l *Ledger) WithIDGenerator(fn func() string) *Ledger {
	l.newID = fn
	return l
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger.With("component", "ledger")
	return l
}

// WithHooks installs metric hooks.
func (l *Ledger) WithHooks(h Hooks) *Ledger {
	l.hooks = h
	return l
}

// AppendOption sets optional entry fields.
type AppendOption func(*Entry)

// WithTrustScore attaches a trust score to the entry.
func WithTrustScore(score float64) AppendOption {
	return func(e *Entry) { e.TrustScore = &score }
}

// WithTier attaches a governance tier to the entry.
func WithTier(t contracts.Tier) AppendOption {
	return func(e *Entry) { e.GovernanceTier = t }
}

// Append writes one entry and returns it once the store has made it durable.
func (l *Ledger) Append(ctx context.Context, eventType contracts.EventType, actor, resource string, payload any, opts ...AppendOption) (Entry, error) {
	if !eventType.Known() {
		return Entry{}, contracts.NewError(contracts.KindValidation, "ledger.append", "unknown event type %q", eventType)
	}
	if actor == "" {
		return Entry{}, contracts.NewError(contracts.KindValidation, "ledger.append", "actor is required")
	}
	body, err := canonicalize.JCS(payload)
	if err != nil {
		return Entry{}, contracts.WrapError(contracts.KindValidation, "ledger.append", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.compromised {
		return Entry{}, contracts.NewError(contracts.KindChainCompromised, "ledger.append", "%s", l.compromiseReason)
	}

	entry := Entry{
		EntryID:   l.newID(),
		Sequence:  l.sequence + 1,
		PrevHash:  l.headHash,
		Timestamp: l.clock().UTC(),
		EventType: eventType,
		Actor:     actor,
		Resource:  resource,
		Payload:   body,
	}
	for _, opt := range opts {
		opt(&entry)
	}
	if entry.Hash, err = ComputeHash(&entry); err != nil {
		return Entry{}, contracts.WrapError(contracts.KindValidation, "ledger.append", err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, contracts.WrapError(contracts.KindValidation, "ledger.append", err)
	}

	rec := Record{
		EntryID:   entry.EntryID,
		Sequence:  entry.Sequence,
		EventType: entry.EventType,
		Actor:     entry.Actor,
		Timestamp: entry.Timestamp,
		Data:      data,
	}
	if err := l.store.Put(ctx, rec); err != nil {
		l.logger.Error("ledger write failed", "sequence", entry.Sequence, "event_type", eventType, "error", err)
		return Entry{}, contracts.WrapError(contracts.KindPersistence, "ledger.append", err)
	}

	l.sequence = entry.Sequence
	l.headHash = entry.Hash
	if l.hooks != nil {
		l.hooks.EntryAppended(eventType)
	}
	return entry, nil
}

// VerifyResult reports the outcome of a chain walk. FirstBrokenIndex is the
// 1-based sequence of the first bad entry, or 0 when the chain is valid.
type VerifyResult struct {
	Valid            bool   `json:"valid"`
	Entries          uint64 `json:"entries"`
	FirstBrokenIndex uint64 `json:"first_broken_index,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// VerifyChain walks every stored entry from genesis. On the first break the
// ledger is marked compromised and further appends are refused.
//
// The store must hold at least the entries committed when the walk starts.
// Appends that land while the store is being read do not count as truncation.
func (l *Ledger) VerifyChain(ctx context.Context) (VerifyResult, error) {
	l.mu.Lock()
	head := l.sequence
	l.mu.Unlock()

	recs, err := l.store.Scan(ctx, ScanFilter{})
	if err != nil {
		return VerifyResult{}, contracts.WrapError(contracts.KindPersistence, "ledger.verify", err)
	}
	res := walk(recs)

	l.mu.Lock()
	if res.Valid && res.Entries < head {
		res = VerifyResult{
			Entries:          res.Entries,
			FirstBrokenIndex: res.Entries + 1,
			Reason:           fmt.Sprintf("store holds %d entries, ledger head is at %d", res.Entries, head),
		}
	}
	if !res.Valid {
		l.markCompromisedLocked(res)
	}
	l.mu.Unlock()
	return res, nil
}

func walk(recs []Record) VerifyResult {
	prev := GenesisHash
	for i, rec := range recs {
		want := uint64(i) + 1
		broken := func(format string, args ...any) VerifyResult {
			return VerifyResult{Entries: uint64(len(recs)), FirstBrokenIndex: want, Reason: fmt.Sprintf(format, args...)}
		}
		e, err := decodeEntry(rec.Data)
		if err != nil {
			return broken("entry %d is unreadable: %v", want, err)
		}
		if e.Sequence != want || rec.Sequence != want {
			return broken("expected sequence %d, found %d", want, e.Sequence)
		}
		if e.EntryID != rec.EntryID {
			return broken("entry %d id mismatch", want)
		}
		if e.PrevHash != prev {
			return broken("entry %d prev_hash does not match predecessor", want)
		}
		h, err := ComputeHash(e)
		if err != nil {
			return broken("entry %d cannot be hashed: %v", want, err)
		}
		if h != e.Hash {
			return broken("entry %d hash mismatch", want)
		}
		prev = e.Hash
	}
	return VerifyResult{Valid: true, Entries: uint64(len(recs))}
}

func (l *Ledger) markCompromisedLocked(res VerifyResult) {
	if !l.compromised {
		l.logger.Error("ledger chain broken", "first_broken_index", res.FirstBrokenIndex, "reason", res.Reason)
		if l.hooks != nil {
			l.hooks.ChainBroken(res.FirstBrokenIndex)
		}
	}
	l.compromised = true
	l.compromiseReason = fmt.Sprintf("chain broken at entry %d: %s", res.FirstBrokenIndex, res.Reason)
}

// resync points the head at the last stored record.
func (l *Ledger) resync(ctx context.Context) (VerifyResult, error) {
	recs, err := l.store.Scan(ctx, ScanFilter{})
	if err != nil {
		return VerifyResult{}, contracts.WrapError(contracts.KindPersistence, "ledger.open", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sequence = 0
	l.headHash = GenesisHash
	if n := len(recs); n > 0 {
		last := recs[n-1]
		l.sequence = last.Sequence
		if e, err := decodeEntry(last.Data); err == nil {
			l.headHash = e.Hash
		}
	}
	return walk(recs), nil
}

// Compromised reports whether appends are currently refused, and why.
func (l *Ledger) Compromised() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.compromised, l.compromiseReason
}

// ClearCompromised re-reads the store, and if the chain now verifies, lifts
// the compromised flag and records the intervention.
func (l *Ledger) ClearCompromised(ctx context.Context, operator, reason string) (Entry, error) {
	if operator == "" {
		return Entry{}, contracts.NewError(contracts.KindValidation, "ledger.clear_compromise", "operator is required")
	}
	res, err := l.resync(ctx)
	if err != nil {
		return Entry{}, err
	}
	l.mu.Lock()
	if !res.Valid {
		l.markCompromisedLocked(res)
		l.mu.Unlock()
		return Entry{}, contracts.NewError(contracts.KindChainCompromised, "ledger.clear_compromise", "chain still broken at entry %d: %s", res.FirstBrokenIndex, res.Reason)
	}
	previous := l.compromiseReason
	l.compromised = false
	l.compromiseReason = ""
	l.mu.Unlock()

	l.logger.Warn("ledger compromise cleared", "operator", operator, "reason", reason)
	return l.Append(ctx, contracts.EventLedgerCompromiseCleared, operator, "ledger", map[string]any{
		"reason":          reason,
		"previous_reason": previous,
		"entries":         res.Entries,
	})
}

// Head returns the current head hash and sequence.
func (l *Ledger) Head() (string, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headHash, l.sequence
}

// QueryFilter selects entries for Query and Export.
type QueryFilter struct {
	EventType contracts.EventType `json:"event_type,omitempty"`
	Actor     string              `json:"actor,omitempty"`
	Since     time.Time           `json:"since,omitempty"`
	Limit     int                 `json:"limit,omitempty"`
}

// Query returns matching entries in sequence order.
func (l *Ledger) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	if filter.EventType != "" && !filter.EventType.Known() {
		return nil, contracts.NewError(contracts.KindValidation, "ledger.query", "unknown event type %q", filter.EventType)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	recs, err := l.store.Scan(ctx, ScanFilter{
		EventType: filter.EventType,
		Actor:     filter.Actor,
		Since:     filter.Since,
		Limit:     limit,
	})
	if err != nil {
		return nil, contracts.WrapError(contracts.KindPersistence, "ledger.query", err)
	}
	out := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		e, err := decodeEntry(rec.Data)
		if err != nil {
			return nil, contracts.WrapError(contracts.KindPersistence, "ledger.query", err)
		}
		out = append(out, *e)
	}
	return out, nil
}

// Get returns a single entry by id.
func (l *Ledger) Get(ctx context.Context, entryID string) (Entry, error) {
	data, err := l.store.Get(ctx, entryID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return Entry{}, contracts.NewError(contracts.KindNotFound, "ledger.get", "entry %s not found", entryID)
		}
		return Entry{}, contracts.WrapError(contracts.KindPersistence, "ledger.get", err)
	}
	e, err := decodeEntry(data)
	if err != nil {
		return Entry{}, contracts.WrapError(contracts.KindPersistence, "ledger.get", err)
	}
	return *e, nil
}
