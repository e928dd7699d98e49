package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guard-service/internal/metrics"
	"guard-service/internal/models"
)

const (
	DefaultEventCapacity = 1000
	DefaultAlertCapacity = 100
)

var ErrAlertNotFound = errors.New("alert not found")

type eventEntry struct {
	event      models.SecurityEvent
	alerted    bool
	suppressed bool
}

// EventQuery selects events; zero fields match everything.
type EventQuery struct {
	Category    models.EventCategory
	Severity    models.Severity
	MinSeverity models.Severity
	ActorID     string
	Since       time.Time
	Until       time.Time
	Limit       int
}

type Options struct {
	EventCapacity int
	AlertCapacity int
	Thresholds    map[models.EventCategory]Threshold
	Filter        *Filter
	Sinks         []Sink
	BufferSize    int
	FlushInterval time.Duration
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	Now           func() time.Time
}

// Log is the bounded security event store and alert correlator.
type Log struct {
	mu         sync.Mutex
	events     *ringBuffer[*eventEntry]
	alerts     *ringBuffer[*models.Alert]
	thresholds map[models.EventCategory]Threshold
	filter     *Filter
	dispatcher *dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	totalEvents     int64
	totalAlerts     int64
	evictedUnseen   int64
	suppressedCount int64
}

func NewLog(opts Options) (*Log, error) {
	if opts.EventCapacity <= 0 {
		opts.EventCapacity = DefaultEventCapacity
	}
	if opts.AlertCapacity <= 0 {
		opts.AlertCapacity = DefaultAlertCapacity
	}
	thresholds := opts.Thresholds
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	for cat, t := range thresholds {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("threshold %s: %w", cat, err)
		}
	}

	l := &Log{
		events:     newRingBuffer[*eventEntry](opts.EventCapacity),
		alerts:     newRingBuffer[*models.Alert](opts.AlertCapacity),
		thresholds: thresholds,
		filter:     opts.Filter,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.filter == nil {
		l.filter = NewFilter(FilterConfig{})
	}
	if len(opts.Sinks) > 0 {
		l.dispatcher = newDispatcher(opts.Sinks, opts.BufferSize, opts.FlushInterval, l.logger, l.metrics)
	}
	return l, nil
}

// Start launches the sink dispatcher. It is a no-op without sinks.
func (l *Log) Start(ctx context.Context) {
	if l.dispatcher != nil {
		l.dispatcher.start(ctx)
	}
}

// Close flushes pending sink records and closes every sink.
func (l *Log) Close() {
	if l.dispatcher != nil {
		l.dispatcher.close(10 * time.Second)
	}
}

// Append stores ev, correlates it and returns the alert it triggered, if any.
func (l *Log) Append(ev models.SecurityEvent) *models.Alert {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	if !ev.Severity.Valid() {
		ev.Severity = models.SeverityInfo
	}
	if ev.Origin == "" {
		ev.Origin = models.OriginCaller
	}
	if err := ev.Details.Validate(); err != nil {
		l.logger.Warn("Security event carries ambiguous details",
			zap.String("event_id", ev.ID),
			zap.String("category", string(ev.Category)),
			zap.Error(err))
	}

	suppressed := l.suppress(&ev)
	entry := &eventEntry{event: ev, suppressed: suppressed}

	l.mu.Lock()
	alert := l.correlate(entry)

	if evicted, ok := l.events.push(entry); ok && !evicted.alerted && !evicted.suppressed {
		if _, tracked := l.thresholds[evicted.event.Category]; tracked {
			l.evictedUnseen++
		}
	}
	l.totalEvents++
	if suppressed {
		l.suppressedCount++
	}
	if alert != nil {
		l.alerts.push(alert)
		l.totalAlerts++
	}

	if l.dispatcher != nil {
		evCopy := ev
		l.dispatcher.enqueue(Record{Kind: RecordEvent, Event: &evCopy})
		if alert != nil {
			alCopy := cloneAlert(alert)
			l.dispatcher.enqueue(Record{Kind: RecordAlert, Alert: &alCopy})
		}
	}
	l.mu.Unlock()

	l.metrics.ObserveEvent(string(ev.Category), string(ev.Severity))
	if alert == nil {
		return nil
	}

	l.metrics.ObserveAlert(string(alert.Category))
	l.logger.Warn("Security alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("category", string(alert.Category)),
		zap.String("severity", string(alert.Severity)),
		zap.String("actor_id", alert.ActorID),
		zap.Int("events", len(alert.TriggeringEvents)))

	out := cloneAlert(alert)
	return &out
}

// suppress applies the false-positive filter to detector events and caps
// their severity. Suppressed events never take part in correlation.
func (l *Log) suppress(ev *models.SecurityEvent) bool {
	det := ev.Details.Detection
	if ev.Origin != models.OriginDetector || det == nil {
		return false
	}
	if !det.Suppressed {
		var s Suppression
		if det.InputLength > l.filter.LongContentThreshold() {
			s = Suppression{Suppressed: true, Reason: ReasonLongContent}
		} else if det.InputLength == utf8.RuneCountInString(det.InputExcerpt) {
			s = l.filter.Evaluate(det.InputExcerpt, det.Source)
		} else {
			s = l.filter.Evaluate("", det.Source)
		}
		if !s.Suppressed {
			return false
		}
		copied := *det
		copied.Suppressed = true
		copied.SuppressionReason = s.Reason
		ev.Details.Detection = &copied
	}
	ev.Severity = ev.Severity.Cap(models.SeverityWarning)
	return true
}

// correlate must be called with l.mu held, before entry is stored.
func (l *Log) correlate(entry *eventEntry) *models.Alert {
	if entry.suppressed {
		return nil
	}
	ev := entry.event
	th, ok := l.thresholds[ev.Category]
	if !ok {
		return nil
	}

	var matches []*eventEntry
	if th.Window > 0 && th.Count > 1 {
		since := ev.Timestamp.Add(-th.Window)
		l.events.each(func(e *eventEntry) bool {
			if e.alerted || e.suppressed {
				return true
			}
			if e.event.Category != ev.Category || e.event.ActorID != ev.ActorID {
				return true
			}
			if e.event.Timestamp.Before(since) || e.event.Timestamp.After(ev.Timestamp) {
				return true
			}
			matches = append(matches, e)
			return true
		})
	}

	if len(matches)+1 < th.Count {
		return nil
	}

	ids := make([]string, 0, len(matches)+1)
	for i := len(matches) - 1; i >= 0; i-- {
		matches[i].alerted = true
		ids = append(ids, matches[i].event.ID)
	}
	entry.alerted = true
	ids = append(ids, ev.ID)

	return &models.Alert{
		ID:               uuid.NewString(),
		Timestamp:        ev.Timestamp,
		Category:         ev.Category,
		Severity:         th.Severity,
		Message:          alertMessage(ev, th, len(ids)),
		ActorID:          ev.ActorID,
		TriggeringEvents: ids,
	}
}

func alertMessage(ev models.SecurityEvent, th Threshold, n int) string {
	who := ev.ActorID
	if who == "" {
		who = "unknown actor"
	}
	if th.Window == 0 {
		return fmt.Sprintf("%s from %s: %s", ev.Category, who, ev.Message)
	}
	return fmt.Sprintf("%d %s events from %s within %s", n, ev.Category, who, th.Window)
}

// Query returns matching events newest-first.
func (l *Log) Query(q EventQuery) []models.SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []models.SecurityEvent
	l.events.each(func(e *eventEntry) bool {
		ev := e.event
		if q.Category != "" && ev.Category != q.Category {
			return true
		}
		if q.Severity != "" && ev.Severity != q.Severity {
			return true
		}
		if q.MinSeverity != "" && ev.Severity.Rank() < q.MinSeverity.Rank() {
			return true
		}
		if q.ActorID != "" && ev.ActorID != q.ActorID {
			return true
		}
		if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
			return true
		}
		if !q.Until.IsZero() && ev.Timestamp.After(q.Until) {
			return true
		}
		out = append(out, cloneEvent(ev))
		return q.Limit <= 0 || len(out) < q.Limit
	})
	return out
}

// Alerts returns stored alerts newest-first.
func (l *Log) Alerts() []models.Alert {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.Alert, 0, l.alerts.len())
	l.alerts.each(func(a *models.Alert) bool {
		out = append(out, cloneAlert(a))
		return true
	})
	return out
}

// Acknowledge marks an alert as handled. Acknowledging twice keeps the first time.
func (l *Log) Acknowledge(alertID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var found *models.Alert
	l.alerts.each(func(a *models.Alert) bool {
		if a.ID == alertID {
			found = a
			return false
		}
		return true
	})
	if found == nil {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	if !found.Acknowledged {
		at := l.now().UTC()
		found.Acknowledged = true
		found.AcknowledgedAt = &at
		l.logger.Info("Alert acknowledged", zap.String("alert_id", alertID))
	}
	return nil
}

func cloneEvent(ev models.SecurityEvent) models.SecurityEvent {
	if ev.Details.Extra != nil {
		extra := make(map[string]string, len(ev.Details.Extra))
		for k, v := range ev.Details.Extra {
			extra[k] = v
		}
		ev.Details.Extra = extra
	}
	return ev
}

func cloneAlert(a *models.Alert) models.Alert {
	out := *a
	out.TriggeringEvents = append([]string(nil), a.TriggeringEvents...)
	if a.AcknowledgedAt != nil {
		at := *a.AcknowledgedAt
		out.AcknowledgedAt = &at
	}
	return out
}
