package resiliency

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy shapes the delay before a retry.
type BackoffPolicy struct {
	BaseMs      int64 `json:"base_ms" yaml:"base_ms"`
	MaxMs       int64 `json:"max_ms" yaml:"max_ms"`
	MaxJitterMs int64 `json:"max_jitter_ms" yaml:"max_jitter_ms"`
}

// DefaultBackoff is 100ms doubling, capped at 2s, with up to 50ms jitter.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{BaseMs: 100, MaxMs: 2000, MaxJitterMs: 50}
}

// ComputeBackoff returns base*2^attempt capped at MaxMs, plus jitter derived
// from key and attempt so replays wait exactly as long as the original run.
func ComputeBackoff(key string, attempt int, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	delay := policy.BaseMs * factor
	if policy.MaxMs > 0 && delay > policy.MaxMs {
		delay = policy.MaxMs
	}
	return time.Duration(delay+ComputeDeterministicJitter(key, attempt, policy)) * time.Millisecond
}

// ComputeDeterministicJitter derives a jitter in [0, MaxJitterMs) from key and attempt.
func ComputeDeterministicJitter(key string, attempt int, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}
