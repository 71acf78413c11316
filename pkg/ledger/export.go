package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/steward/pkg/canonicalize"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// BundleVersion is the format version written into evidence bundles.
const BundleVersion = "1.0.0"

// EvidenceBundle is a self-verifying export of a contiguous run of entries.
type EvidenceBundle struct {
	BundleID   string    `json:"bundle_id"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   uint64    `json:"start_sequence"`
	EndSeq     uint64    `json:"end_sequence"`
	EntryCount int       `json:"entry_count"`
	Entries    []Entry   `json:"entries"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// Export bundles the entries matching filter. Filtering by event type or
// actor yields a non-contiguous bundle whose linkage cannot be checked, so
// Export always walks the full range and applies Since and Limit only.
func (l *Ledger) Export(ctx context.Context, since time.Time, limit int) (*EvidenceBundle, error) {
	entries, err := l.Query(ctx, QueryFilter{Since: since, Limit: limit})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, contracts.NewError(contracts.KindNotFound, "ledger.export", "no entries match filter")
	}
	bundle := &EvidenceBundle{
		BundleID:   uuid.NewString(),
		Version:    BundleVersion,
		CreatedAt:  l.clock().UTC(),
		StartSeq:   entries[0].Sequence,
		EndSeq:     entries[len(entries)-1].Sequence,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].Hash,
	}
	if bundle.BundleHash, err = canonicalize.CanonicalHash(bundle.Entries); err != nil {
		return nil, fmt.Errorf("hash bundle entries: %w", err)
	}
	return bundle, nil
}

// VerifyBundle checks a bundle offline: its digest, every entry hash, and
// the linkage between consecutive entries.
func VerifyBundle(bundle *EvidenceBundle) error {
	if bundle == nil || len(bundle.Entries) == 0 {
		return fmt.Errorf("bundle is empty")
	}
	if bundle.EntryCount != len(bundle.Entries) {
		return fmt.Errorf("bundle declares %d entries, holds %d", bundle.EntryCount, len(bundle.Entries))
	}
	computed, err := canonicalize.CanonicalHash(bundle.Entries)
	if err != nil {
		return fmt.Errorf("hash bundle entries: %w", err)
	}
	if computed != bundle.BundleHash {
		return fmt.Errorf("bundle hash mismatch")
	}
	for i := range bundle.Entries {
		e := &bundle.Entries[i]
		h, err := ComputeHash(e)
		if err != nil {
			return fmt.Errorf("entry %d: %w", e.Sequence, err)
		}
		if h != e.Hash {
			return fmt.Errorf("entry %d hash mismatch", e.Sequence)
		}
		if i == 0 {
			if e.Sequence == 1 && e.PrevHash != GenesisHash {
				return fmt.Errorf("entry 1 does not start from genesis")
			}
			continue
		}
		prev := &bundle.Entries[i-1]
		if e.Sequence != prev.Sequence+1 {
			return fmt.Errorf("sequence gap between %d and %d", prev.Sequence, e.Sequence)
		}
		if e.PrevHash != prev.Hash {
			return fmt.Errorf("chain broken at entry %d", e.Sequence)
		}
	}
	if bundle.ChainHead != bundle.Entries[len(bundle.Entries)-1].Hash {
		return fmt.Errorf("chain head mismatch")
	}
	return nil
}
