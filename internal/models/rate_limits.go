package models

import "time"

type DenyReason string

const (
	ReasonNone             DenyReason = "none"
	ReasonBlocked          DenyReason = "blocked"
	ReasonProgressiveDelay DenyReason = "progressive_delay"
	ReasonLimitExceeded    DenyReason = "limit_exceeded"
	// ReasonStoreUnavailable is returned by a fail-closed limiter whose store failed.
	ReasonStoreUnavailable DenyReason = "store_unavailable"
)

// RateLimitRecord is the persisted state of one (actor, action) tier.
type RateLimitRecord struct {
	Count          int        `json:"count"`
	WindowStart    time.Time  `json:"window_start"`
	LastAttemptAt  time.Time  `json:"last_attempt_at"`
	BlockedUntil   *time.Time `json:"blocked_until,omitempty"`
	ViolationCount int        `json:"violation_count"`
}

// IsBlocked reports whether the record carries a block still in force at now.
func (r *RateLimitRecord) IsBlocked(now time.Time) bool {
	return r.BlockedUntil != nil && now.Before(*r.BlockedUntil)
}

// WindowElapsed reports whether the counting window has expired at now.
func (r *RateLimitRecord) WindowElapsed(now time.Time, window time.Duration) bool {
	return now.Sub(r.WindowStart) > window
}
