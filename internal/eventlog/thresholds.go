package eventlog

import (
	"fmt"
	"time"

	"guard-service/internal/models"
)

// Threshold raises an alert once Count not-yet-alerted events of one
// category and actor fall inside Window. Window 0 alerts on the first event.
type Threshold struct {
	Count    int             `yaml:"count" json:"count"`
	Window   time.Duration   `yaml:"window" json:"window"`
	Severity models.Severity `yaml:"severity" json:"severity"`
}

func (t Threshold) Validate() error {
	if t.Count < 1 {
		return fmt.Errorf("threshold count must be at least 1")
	}
	if t.Window < 0 {
		return fmt.Errorf("threshold window must not be negative")
	}
	if t.Window == 0 && t.Count > 1 {
		return fmt.Errorf("threshold count %d needs a window", t.Count)
	}
	if !t.Severity.Valid() {
		return fmt.Errorf("invalid threshold severity %q", t.Severity)
	}
	return nil
}

func DefaultThresholds() map[models.EventCategory]Threshold {
	return map[models.EventCategory]Threshold{
		models.CategoryAuthFailure:        {Count: 3, Window: 15 * time.Minute, Severity: models.SeverityError},
		models.CategoryRateLimitExceeded:  {Count: 5, Window: 5 * time.Minute, Severity: models.SeverityWarning},
		models.CategoryXSSAttempt:         {Count: 1, Window: 0, Severity: models.SeverityCritical},
		models.CategoryInjectionAttempt:   {Count: 1, Window: 0, Severity: models.SeverityCritical},
		models.CategorySuspiciousPattern:  {Count: 3, Window: 10 * time.Minute, Severity: models.SeverityError},
		models.CategoryIntegrityViolation: {Count: 1, Window: 0, Severity: models.SeverityCritical},
		models.CategoryStorageFailure:     {Count: 10, Window: 5 * time.Minute, Severity: models.SeverityWarning},
	}
}
