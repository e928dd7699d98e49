package models

import (
	"errors"
	"time"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityError:    3,
	SeverityCritical: 4,
}

// Rank orders severities; unknown values rank below info.
func (s Severity) Rank() int {
	return severityRank[s]
}

func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Cap lowers s to limit when it is more severe.
func (s Severity) Cap(limit Severity) Severity {
	if s.Rank() > limit.Rank() {
		return limit
	}
	return s
}

type EventCategory string

const (
	CategoryAuthFailure        EventCategory = "auth_failure"
	CategoryAuthSuccess        EventCategory = "auth_success"
	CategoryRateLimitExceeded  EventCategory = "rate_limit_exceeded"
	CategoryInjectionAttempt   EventCategory = "injection_attempt"
	CategoryXSSAttempt         EventCategory = "xss_attempt"
	CategorySuspiciousPattern  EventCategory = "suspicious_pattern"
	CategoryIntegrityChange    EventCategory = "integrity_change"
	CategoryIntegrityViolation EventCategory = "integrity_violation"
	CategoryAdminAction        EventCategory = "admin_action"
	CategoryValidationError    EventCategory = "validation_error"
	CategoryStorageFailure     EventCategory = "storage_failure"
)

var eventCategories = map[EventCategory]bool{
	CategoryAuthFailure:        true,
	CategoryAuthSuccess:        true,
	CategoryRateLimitExceeded:  true,
	CategoryInjectionAttempt:   true,
	CategoryXSSAttempt:         true,
	CategorySuspiciousPattern:  true,
	CategoryIntegrityChange:    true,
	CategoryIntegrityViolation: true,
	CategoryAdminAction:        true,
	CategoryValidationError:    true,
	CategoryStorageFailure:     true,
}

func (c EventCategory) Valid() bool {
	return eventCategories[c]
}

// EventOrigin names the component that produced an event.
type EventOrigin string

const (
	OriginRateLimiter EventOrigin = "rate_limiter"
	OriginDetector    EventOrigin = "detector"
	OriginIntegrity   EventOrigin = "integrity"
	OriginCaller      EventOrigin = "caller"
)

var ErrAmbiguousDetails = errors.New("event details carry more than one typed payload")

type SecurityEvent struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Category  EventCategory `json:"category"`
	Severity  Severity      `json:"severity"`
	Message   string        `json:"message"`
	ActorID   string        `json:"actor_id,omitempty"`
	Origin    EventOrigin   `json:"origin"`
	Details   EventDetails  `json:"details"`
}

// EventDetails holds at most one typed payload; Extra is reserved for
// caller-supplied key/value context.
type EventDetails struct {
	RateLimit *RateLimitDetails `json:"rate_limit,omitempty"`
	Detection *DetectionDetails `json:"detection,omitempty"`
	Integrity *IntegrityDetails `json:"integrity,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

func (d EventDetails) Validate() error {
	n := 0
	if d.RateLimit != nil {
		n++
	}
	if d.Detection != nil {
		n++
	}
	if d.Integrity != nil {
		n++
	}
	if n > 1 {
		return ErrAmbiguousDetails
	}
	return nil
}

type RateLimitDetails struct {
	Action         string     `json:"action"`
	Tier           string     `json:"tier"`
	Reason         DenyReason `json:"reason"`
	Count          int        `json:"count"`
	MaxAttempts    int        `json:"max_attempts"`
	ViolationCount int        `json:"violation_count"`
	RetryAfterMs   int64      `json:"retry_after_ms"`
	Degraded       bool       `json:"degraded,omitempty"`
	Error          string     `json:"error,omitempty"`
}

type DetectionDetails struct {
	AttackCategory    AttackCategory `json:"attack_category"`
	Source            string         `json:"source,omitempty"`
	InputExcerpt      string         `json:"input_excerpt"`
	// InputLength counts runes, matching the long content threshold.
	InputLength       int            `json:"input_length"`
	MatchedPatterns   []string       `json:"matched_patterns,omitempty"`
	Confidence        float64        `json:"confidence"`
	Suppressed        bool           `json:"suppressed,omitempty"`
	SuppressionReason string         `json:"suppression_reason,omitempty"`
}

type IntegrityDetails struct {
	ResourceID    string         `json:"resource_id"`
	ResourceType  ResourceType   `json:"resource_type"`
	ChangeType    ChangeType     `json:"change_type"`
	OldChecksum   string         `json:"old_checksum,omitempty"`
	NewChecksum   string         `json:"new_checksum,omitempty"`
	OldSize       int64          `json:"old_size"`
	NewSize       int64          `json:"new_size"`
	SizeDelta     int64          `json:"size_delta"`
	DeltaPercent  float64        `json:"delta_percent"`
	MetadataDelta map[string]int `json:"metadata_delta,omitempty"`
	Authorized    bool           `json:"authorized"`
}
