package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guard-service/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLog(t *testing.T, opts Options) (*Log, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	opts.Now = clock.Now
	l, err := NewLog(opts)
	require.NoError(t, err)
	return l, clock
}

func authFailure(actor string) models.SecurityEvent {
	return models.SecurityEvent{
		Category: models.CategoryAuthFailure,
		Severity: models.SeverityWarning,
		Message:  "bad password",
		ActorID:  actor,
	}
}

func TestAppendFillsDefaults(t *testing.T) {
	l, clock := newTestLog(t, Options{})
	l.Append(models.SecurityEvent{Category: models.CategoryAdminAction, Severity: "bogus"})

	events := l.Query(EventQuery{})
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, clock.Now(), events[0].Timestamp)
	assert.Equal(t, models.SeverityInfo, events[0].Severity)
	assert.Equal(t, models.OriginCaller, events[0].Origin)
}

func TestCorrelationThreshold(t *testing.T) {
	l, clock := newTestLog(t, Options{})

	assert.Nil(t, l.Append(authFailure("mallory")))
	clock.Advance(time.Minute)
	assert.Nil(t, l.Append(authFailure("mallory")))
	assert.Nil(t, l.Append(authFailure("alice")))
	assert.Empty(t, l.Alerts())

	clock.Advance(time.Minute)
	alert := l.Append(authFailure("mallory"))
	require.NotNil(t, alert)
	assert.Equal(t, models.CategoryAuthFailure, alert.Category)
	assert.Equal(t, models.SeverityError, alert.Severity)
	assert.Equal(t, "mallory", alert.ActorID)
	require.Len(t, alert.TriggeringEvents, 3)

	// referenced events are ordered oldest to newest
	mallory := l.Query(EventQuery{ActorID: "mallory"})
	require.Len(t, mallory, 3)
	assert.Equal(t, []string{mallory[2].ID, mallory[1].ID, mallory[0].ID}, alert.TriggeringEvents)

	// a fresh burst is needed for the next alert
	assert.Nil(t, l.Append(authFailure("mallory")))
	assert.Nil(t, l.Append(authFailure("mallory")))
	assert.NotNil(t, l.Append(authFailure("mallory")))
	assert.Len(t, l.Alerts(), 2)
}

func TestCorrelationWindowExpires(t *testing.T) {
	l, clock := newTestLog(t, Options{})

	l.Append(authFailure("a"))
	l.Append(authFailure("a"))
	clock.Advance(16 * time.Minute)
	assert.Nil(t, l.Append(authFailure("a")))
	assert.Empty(t, l.Alerts())
}

func TestImmediateAlertCategories(t *testing.T) {
	l, _ := newTestLog(t, Options{})

	alert := l.Append(models.SecurityEvent{
		Category: models.CategoryXSSAttempt,
		Severity: models.SeverityCritical,
		ActorID:  "a",
		Origin:   models.OriginDetector,
		Details: models.EventDetails{Detection: &models.DetectionDetails{
			AttackCategory: models.AttackXSS,
			InputExcerpt:   "<script>x</script>",
			InputLength:    18,
			Source:         "profile",
		}},
	})
	require.NotNil(t, alert)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	assert.Len(t, alert.TriggeringEvents, 1)
}

func TestSuppressedDetectorEventsAreNotCorrelated(t *testing.T) {
	l, _ := newTestLog(t, Options{})

	alert := l.Append(models.SecurityEvent{
		Category: models.CategoryInjectionAttempt,
		Severity: models.SeverityCritical,
		Origin:   models.OriginDetector,
		Details: models.EventDetails{Detection: &models.DetectionDetails{
			AttackCategory: models.AttackSQLInjection,
			InputExcerpt:   "select name from the menu",
			InputLength:    25,
			Source:         "comment_body",
		}},
	})
	assert.Nil(t, alert)

	events := l.Query(EventQuery{})
	require.Len(t, events, 1)
	assert.Equal(t, models.SeverityWarning, events[0].Severity)
	assert.True(t, events[0].Details.Detection.Suppressed)
	assert.Equal(t, ReasonBenignSource, events[0].Details.Detection.SuppressionReason)
	assert.Equal(t, int64(1), l.Stats().SuppressedEvents)

	// non-detector events are never filtered
	alert = l.Append(models.SecurityEvent{
		Category: models.CategoryIntegrityViolation,
		Severity: models.SeverityCritical,
		Origin:   models.OriginIntegrity,
	})
	assert.NotNil(t, alert)
}

func TestRingBufferBound(t *testing.T) {
	l, _ := newTestLog(t, Options{EventCapacity: 5, AlertCapacity: 2})

	for i := 0; i < 12; i++ {
		l.Append(models.SecurityEvent{
			Category: models.CategoryAdminAction,
			Message:  fmt.Sprintf("event-%d", i),
		})
	}
	events := l.Query(EventQuery{})
	require.Len(t, events, 5)
	assert.Equal(t, "event-11", events[0].Message)
	assert.Equal(t, "event-7", events[4].Message)

	for i := 0; i < 4; i++ {
		l.Append(models.SecurityEvent{Category: models.CategoryIntegrityViolation, Severity: models.SeverityCritical})
	}
	assert.Len(t, l.Alerts(), 2)

	stats := l.Stats()
	assert.Equal(t, int64(16), stats.TotalEvents)
	assert.Equal(t, 5, stats.StoredEvents)
	assert.Equal(t, int64(4), stats.TotalAlerts)
	assert.Equal(t, 2, stats.StoredAlerts)
}

func TestQueryFilters(t *testing.T) {
	l, clock := newTestLog(t, Options{})
	start := clock.Now()

	l.Append(models.SecurityEvent{Category: models.CategoryAdminAction, Severity: models.SeverityInfo, ActorID: "a"})
	clock.Advance(time.Minute)
	l.Append(models.SecurityEvent{Category: models.CategoryValidationError, Severity: models.SeverityWarning, ActorID: "b"})
	clock.Advance(time.Minute)
	l.Append(models.SecurityEvent{Category: models.CategoryAdminAction, Severity: models.SeverityError, ActorID: "a"})

	assert.Len(t, l.Query(EventQuery{Category: models.CategoryAdminAction}), 2)
	assert.Len(t, l.Query(EventQuery{Severity: models.SeverityWarning}), 1)
	assert.Len(t, l.Query(EventQuery{MinSeverity: models.SeverityWarning}), 2)
	assert.Len(t, l.Query(EventQuery{ActorID: "b"}), 1)
	assert.Len(t, l.Query(EventQuery{Since: start.Add(30 * time.Second)}), 2)
	assert.Len(t, l.Query(EventQuery{Until: start.Add(30 * time.Second)}), 1)

	limited := l.Query(EventQuery{Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, models.SeverityError, limited[0].Severity)
}

func TestAcknowledge(t *testing.T) {
	l, clock := newTestLog(t, Options{})
	alert := l.Append(models.SecurityEvent{Category: models.CategoryIntegrityViolation, Severity: models.SeverityCritical})
	require.NotNil(t, alert)

	err := l.Acknowledge("missing")
	assert.True(t, errors.Is(err, ErrAlertNotFound))

	require.NoError(t, l.Acknowledge(alert.ID))
	first := l.Alerts()[0]
	assert.True(t, first.Acknowledged)
	require.NotNil(t, first.AcknowledgedAt)

	clock.Advance(time.Hour)
	require.NoError(t, l.Acknowledge(alert.ID))
	assert.Equal(t, *first.AcknowledgedAt, *l.Alerts()[0].AcknowledgedAt)
	assert.Equal(t, 0, l.Stats().Unacknowledged)
}

func TestInvalidThresholdRejected(t *testing.T) {
	for name, th := range map[string]Threshold{
		"zero count":         {Count: 0, Window: time.Minute, Severity: models.SeverityError},
		"negative window":    {Count: 1, Window: -time.Second, Severity: models.SeverityError},
		"count needs window": {Count: 2, Window: 0, Severity: models.SeverityError},
		"bad severity":       {Count: 1, Window: time.Minute, Severity: "loud"},
	} {
		_, err := NewLog(Options{Thresholds: map[models.EventCategory]Threshold{models.CategoryAuthFailure: th}})
		assert.Error(t, err, name)
	}

	_, err := NewLog(Options{Thresholds: map[models.EventCategory]Threshold{
		models.CategoryAuthFailure: {Count: 1, Window: 0, Severity: models.SeverityError},
	}})
	assert.NoError(t, err)
}

func TestWriteSnapshot(t *testing.T) {
	l, _ := newTestLog(t, Options{})
	l.Append(authFailure("a"))
	l.Append(models.SecurityEvent{Category: models.CategoryIntegrityViolation, Severity: models.SeverityCritical})

	var buf bytes.Buffer
	require.NoError(t, l.WriteSnapshot(&buf))

	var snap Snapshot
	require.NoError(t, json.Unmarshal(buf.Bytes(), &snap))
	assert.Len(t, snap.Events, 2)
	assert.Len(t, snap.Alerts, 1)
	assert.Equal(t, int64(2), snap.Stats.TotalEvents)
	assert.Equal(t, 1, snap.Stats.ByCategory[models.CategoryAuthFailure])
}

type memorySink struct {
	mu      sync.Mutex
	records []Record
	closed  bool
	fail    bool
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Publish(_ context.Context, batch []Record) error {
	if s.fail {
		return errors.New("sink down")
	}
	s.mu.Lock()
	s.records = append(s.records, batch...)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func TestSinksReceiveRecordsInOrder(t *testing.T) {
	sink := &memorySink{}
	broken := &memorySink{fail: true}
	l, _ := newTestLog(t, Options{Sinks: []Sink{sink, broken}, FlushInterval: 10 * time.Millisecond})
	l.Start(context.Background())

	l.Append(authFailure("a"))
	l.Append(authFailure("a"))
	alert := l.Append(authFailure("a"))
	require.NotNil(t, alert)
	l.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.records, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, RecordEvent, sink.records[i].Kind)
	}
	assert.Equal(t, RecordAlert, sink.records[3].Kind)
	assert.Equal(t, alert.ID, sink.records[3].Alert.ID)
	assert.Equal(t, sink.records[2].Event.ID, alert.TriggeringEvents[2])
	assert.True(t, sink.closed)
	assert.True(t, broken.closed)
}

func TestFullSinkQueueDrops(t *testing.T) {
	sink := &memorySink{}
	l, _ := newTestLog(t, Options{Sinks: []Sink{sink}, BufferSize: 2})

	// dispatcher not started: the queue fills and further records are dropped
	for i := 0; i < 5; i++ {
		l.Append(models.SecurityEvent{Category: models.CategoryAdminAction})
	}
	assert.Equal(t, int64(3), l.Stats().SinkDropped)
	l.Close()
}
