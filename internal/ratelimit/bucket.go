// Package ratelimit implements the per-session token-bucket used to
// throttle CRDT update churn.
package ratelimit

import "time"

// Default constants per spec §4.3.
const (
	DefaultBurst               = 100.0
	DefaultRatePerSecond       = 25.0
	DefaultDisconnectThreshold = 10
)

// Bucket is one session's token-bucket state. It is not safe for concurrent
// use — the coordinator that owns the session serializes access.
type Bucket struct {
	tokens         float64
	lastRefillMS   int64
	violations     int
	burst          float64
	ratePerSecond  float64
	threshold      int
}

// New creates a bucket at full burst capacity.
func New(burst, ratePerSecond float64, disconnectThreshold int, nowMS int64) *Bucket {
	return &Bucket{
		tokens:        burst,
		lastRefillMS:  nowMS,
		burst:         burst,
		ratePerSecond: ratePerSecond,
		threshold:     disconnectThreshold,
	}
}

// Violations reports the accumulated violation count. Violations never
// decay within a session's lifetime, and a successful Consume does not
// reset them.
func (b *Bucket) Violations() int { return b.violations }

// Consume refills the bucket for elapsed time, then attempts to take one
// token. ok is true if the token was taken (caller may proceed). disconnect
// is true once violations has crossed the threshold, at which point the
// caller must close the session's socket with policy-violation.
func (b *Bucket) Consume(nowMS int64) (ok bool, disconnect bool) {
	dt := float64(nowMS-b.lastRefillMS) / 1000.0
	if dt > 0 {
		b.tokens += dt * b.ratePerSecond
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
	}
	b.lastRefillMS = nowMS

	if b.tokens < 1 {
		b.violations++
		return false, b.violations >= b.threshold
	}
	b.tokens--
	return true, false
}

// NowMS is a small helper so callers consistently pass millisecond epochs.
func NowMS(t time.Time) int64 { return t.UnixMilli() }
