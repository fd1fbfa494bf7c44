package syncengine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy bounds the retry loop for transient failures.
// Jitter is deterministic: a PRF over the device id and attempt index,
// so retry schedules are reproducible in replay and test.
type BackoffPolicy struct {
	BaseMs      int64 `yaml:"base_ms" json:"base_ms"`
	MaxMs       int64 `yaml:"max_ms" json:"max_ms"`
	MaxJitterMs int64 `yaml:"max_jitter_ms" json:"max_jitter_ms"`
	MaxAttempts int   `yaml:"max_attempts" json:"max_attempts"`
}

// DefaultBackoff returns the production retry policy.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{BaseMs: 500, MaxMs: 30_000, MaxJitterMs: 250, MaxAttempts: 5}
}

// Delay returns the backoff before attempt (0-based): exponential with
// deterministic jitter, capped at MaxMs.
func (p BackoffPolicy) Delay(deviceID string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30 // cap exponent, avoid overflow
		} else {
			factor = 1 << attempt
		}
	}
	delay := p.BaseMs * factor
	if delay > p.MaxMs {
		delay = p.MaxMs
	}
	return time.Duration(delay+p.jitter(deviceID, attempt)) * time.Millisecond
}

func (p BackoffPolicy) jitter(deviceID string, attempt int) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", deviceID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(p.MaxJitterMs))
}
