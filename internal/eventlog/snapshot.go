package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"guard-service/internal/models"
)

type Stats struct {
	TotalEvents         int64                        `json:"total_events"`
	StoredEvents        int                          `json:"stored_events"`
	SuppressedEvents    int64                        `json:"suppressed_events"`
	EvictedUncorrelated int64                        `json:"evicted_uncorrelated"`
	TotalAlerts         int64                        `json:"total_alerts"`
	StoredAlerts        int                          `json:"stored_alerts"`
	Unacknowledged      int                          `json:"unacknowledged_alerts"`
	ByCategory          map[models.EventCategory]int `json:"by_category"`
	BySeverity          map[models.Severity]int      `json:"by_severity"`
	SinkDropped         int64                        `json:"sink_dropped"`
}

// Snapshot is the exportable state of the log.
type Snapshot struct {
	GeneratedAt time.Time              `json:"generated_at"`
	Stats       Stats                  `json:"stats"`
	Events      []models.SecurityEvent `json:"events"`
	Alerts      []models.Alert         `json:"alerts"`
}

func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statsLocked()
}

func (l *Log) statsLocked() Stats {
	s := Stats{
		TotalEvents:         l.totalEvents,
		StoredEvents:        l.events.len(),
		SuppressedEvents:    l.suppressedCount,
		EvictedUncorrelated: l.evictedUnseen,
		TotalAlerts:         l.totalAlerts,
		StoredAlerts:        l.alerts.len(),
		ByCategory:          make(map[models.EventCategory]int),
		BySeverity:          make(map[models.Severity]int),
	}
	l.events.each(func(e *eventEntry) bool {
		s.ByCategory[e.event.Category]++
		s.BySeverity[e.event.Severity]++
		return true
	})
	l.alerts.each(func(a *models.Alert) bool {
		if !a.Acknowledged {
			s.Unacknowledged++
		}
		return true
	})
	if l.dispatcher != nil {
		s.SinkDropped = l.dispatcher.droppedCount()
	}
	return s
}

// Export captures events and alerts newest-first under one lock.
func (l *Log) Export() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{
		GeneratedAt: l.now().UTC(),
		Stats:       l.statsLocked(),
		Events:      make([]models.SecurityEvent, 0, l.events.len()),
		Alerts:      make([]models.Alert, 0, l.alerts.len()),
	}
	l.events.each(func(e *eventEntry) bool {
		snap.Events = append(snap.Events, cloneEvent(e.event))
		return true
	})
	l.alerts.each(func(a *models.Alert) bool {
		snap.Alerts = append(snap.Alerts, cloneAlert(a))
		return true
	})
	return snap
}

// WriteSnapshot writes the exported snapshot as indented JSON.
func (l *Log) WriteSnapshot(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(l.Export()); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}
