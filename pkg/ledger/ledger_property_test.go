//go:build property
// +build property

package ledger

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// Property: any sequence of appends verifies, and altering any single
// stored entry is reported at exactly that entry.
func TestChainIntegrityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("appended chains verify and tampering is located", prop.ForAll(
		func(actors []string, victim int) bool {
			if len(actors) == 0 {
				return true
			}
			ctx := context.Background()
			store := NewMemoryStore()
			l := New(store)
			ids := make([]string, 0, len(actors))
			for i, a := range actors {
				if a == "" {
					a = "anon"
				}
				e, err := l.Append(ctx, contracts.EventActionRecorded, a, "", map[string]any{"i": i})
				if err != nil {
					return false
				}
				ids = append(ids, e.EntryID)
			}
			res, err := l.VerifyChain(ctx)
			if err != nil || !res.Valid {
				return false
			}

			idx := victim % len(ids)
			store.Tamper(ids[idx], func(b []byte) []byte {
				var e Entry
				_ = json.Unmarshal(b, &e)
				e.Resource = "tampered"
				out, _ := json.Marshal(e)
				return out
			})
			res, err = l.VerifyChain(ctx)
			return err == nil && !res.Valid && res.FirstBrokenIndex == uint64(idx+1)
		},
		gen.SliceOfN(12, gen.AlphaString()),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
