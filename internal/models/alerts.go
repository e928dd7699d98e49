package models

import "time"

type Alert struct {
	ID               string        `json:"id"`
	Timestamp        time.Time     `json:"timestamp"`
	Category         EventCategory `json:"category"`
	Severity         Severity      `json:"severity"`
	Message          string        `json:"message"`
	ActorID          string        `json:"actor_id,omitempty"`
	TriggeringEvents []string      `json:"triggering_events"`
	Acknowledged     bool          `json:"acknowledged"`
	AcknowledgedAt   *time.Time    `json:"acknowledged_at,omitempty"`
}
