package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/canonicalize"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// GenesisHash is the prev_hash of the first entry in every chain.
var GenesisHash = canonicalize.HashPrefix + strings.Repeat("0", 64)

// Entry is an immutable, hash-chained ledger record.
//
//nolint:govet // fieldalignment: field order follows the wire format
type Entry struct {
	EntryID        string              `json:"entry_id"`
	Sequence       uint64              `json:"sequence"`
	PrevHash       string              `json:"prev_hash"`
	Hash           string              `json:"hash"`
	Timestamp      time.Time           `json:"timestamp"`
	EventType      contracts.EventType `json:"event_type"`
	Actor          string              `json:"actor"`
	Resource       string              `json:"resource"`
	Payload        json.RawMessage     `json:"payload"`
	TrustScore     *float64            `json:"trust_score,omitempty"`
	GovernanceTier contracts.Tier      `json:"governance_tier,omitempty"`
}

// hashable is every Entry field except Hash. Optional fields are hashed as
// explicit nulls so presence and absence produce different digests.
//
//nolint:govet // fieldalignment
type hashable struct {
	EntryID        string          `json:"entry_id"`
	Sequence       uint64          `json:"sequence"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      string          `json:"timestamp"`
	EventType      string          `json:"event_type"`
	Actor          string          `json:"actor"`
	Resource       string          `json:"resource"`
	Payload        json.RawMessage `json:"payload"`
	TrustScore     *float64        `json:"trust_score"`
	GovernanceTier *int            `json:"governance_tier"`
}

// ComputeHash returns the digest of the canonical form of e with Hash excluded.
func ComputeHash(e *Entry) (string, error) {
	payload, err := canonicalize.Canonical(e.Payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	h := hashable{
		EntryID:    e.EntryID,
		Sequence:   e.Sequence,
		PrevHash:   e.PrevHash,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		EventType:  string(e.EventType),
		Actor:      e.Actor,
		Resource:   e.Resource,
		Payload:    payload,
		TrustScore: e.TrustScore,
	}
	if e.GovernanceTier != contracts.TierUnknown {
		tier := int(e.GovernanceTier)
		h.GovernanceTier = &tier
	}
	return canonicalize.CanonicalHash(h)
}

// Decode unmarshals payload into v.
func (e *Entry) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode ledger entry: %w", err)
	}
	return &e, nil
}
