package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guard-service/internal/engine"
	"guard-service/internal/eventlog"
	"guard-service/internal/integrity"
	"guard-service/internal/models"
	"guard-service/internal/store"
)

type swappable struct {
	mu   sync.Mutex
	data []byte
}

func (s *swappable) set(data string) {
	s.mu.Lock()
	s.data = []byte(data)
	s.mu.Unlock()
}

func (s *swappable) Read(context.Context) (integrity.Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return integrity.Content{Data: s.data, Metadata: integrity.DeriveMetadata(s.data)}, nil
}

// downStore fails every update, like a Redis node that stopped answering.
type downStore struct {
	store.Store
}

func (downStore) Update(context.Context, string, time.Duration, store.UpdateFunc) error {
	return errors.New("connection refused")
}

func newTestService(t *testing.T, io engine.IntegrityOptions) *GuardService {
	t.Helper()
	return newServiceWithStore(t, store.NewMemoryStore(nil), true, io)
}

func newServiceWithStore(t *testing.T, st store.Store, failOpen bool, io engine.IntegrityOptions) *GuardService {
	t.Helper()
	e, err := engine.New(engine.Options{
		Store:     st,
		FailOpen:  failOpen,
		Integrity: io,
	})
	require.NoError(t, err)
	require.NoError(t, e.Init(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return NewServiceFactory(e, nil).GuardService()
}

func TestCheckValidatesInput(t *testing.T) {
	svc := newTestService(t, engine.IntegrityOptions{})
	ctx := context.Background()

	_, err := svc.Check(ctx, "", "comment")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Check(ctx, "alice", " ")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Check(ctx, strings.Repeat("a", maxActorIDLen+1), "comment")
	assert.ErrorIs(t, err, ErrInvalidInput)

	dec, err := svc.Check(ctx, "alice", "contact_form")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestDetect(t *testing.T) {
	svc := newTestService(t, engine.IntegrityOptions{})

	v, err := svc.Detect(DetectRequest{Input: "<script>alert(1)</script>", Source: "profile_bio", ActorID: "mallory"})
	require.NoError(t, err)
	assert.True(t, v.IsAttack)
	assert.Contains(t, v.Categories, models.AttackXSS)

	v, err = svc.Detect(DetectRequest{Input: "' OR 1=1 --", Source: "login_form", Category: models.AttackXSS})
	require.NoError(t, err)
	assert.False(t, v.IsAttack)

	v, err = svc.Detect(DetectRequest{Input: "' OR 1=1 --", Source: "login_form", Category: models.AttackSQLInjection, ActorID: "trudy"})
	require.NoError(t, err)
	assert.True(t, v.ShouldBlock)
	events := svc.Events(eventlog.EventQuery{Category: models.CategoryInjectionAttempt})
	require.Len(t, events, 1)
	assert.Equal(t, "trudy", events[0].ActorID)

	_, err = svc.Detect(DetectRequest{Input: "x", Category: "telepathy"})
	assert.ErrorIs(t, err, ErrUnknownCategory)

	_, err = svc.Detect(DetectRequest{Input: strings.Repeat("a", MaxInputBytes+1)})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGuardRejectsMaliciousFields(t *testing.T) {
	svc := newTestService(t, engine.IntegrityOptions{})

	res, err := svc.Guard(context.Background(), GuardRequest{
		ActorID: "mallory",
		Action:  "comment",
		Fields: map[string]string{
			"name":    "Mallory",
			"website": "<script>document.cookie</script>",
		},
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.Decision.Allowed)
	assert.Equal(t, []string{"website"}, res.Rejected)
	assert.True(t, res.Fields["name"].Valid)
	assert.NotContains(t, res.Sanitized["website"], "<script>")
}

func TestGuardSkipsFieldsWhenRateLimited(t *testing.T) {
	svc := newTestService(t, engine.IntegrityOptions{})
	ctx := context.Background()
	req := GuardRequest{ActorID: "bob", Action: "newsletter_signup", Fields: map[string]string{"email": "bob@example.com"}}

	res, err := svc.Guard(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = svc.Guard(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, models.ReasonLimitExceeded, res.Decision.Reason)
	assert.Nil(t, res.Fields)
}

func TestStoreFailureFollowsPolicy(t *testing.T) {
	ctx := context.Background()
	fields := map[string]string{"body": "<script>alert(1)</script>", "name": "Bob"}

	open := newServiceWithStore(t, downStore{store.NewMemoryStore(nil)}, true, engine.IntegrityOptions{})
	dec, err := open.Check(ctx, "bob", "comment")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.True(t, dec.Degraded)

	res, err := open.Guard(ctx, GuardRequest{ActorID: "bob", Action: "comment", Fields: fields})
	require.NoError(t, err)
	assert.True(t, res.Decision.Degraded)
	assert.False(t, res.Allowed)
	assert.Equal(t, []string{"body"}, res.Rejected)
	assert.True(t, res.Fields["name"].Valid)

	closed := newServiceWithStore(t, downStore{store.NewMemoryStore(nil)}, false, engine.IntegrityOptions{})
	dec, err = closed.Check(ctx, "bob", "comment")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, dec.Allowed)
	assert.Equal(t, models.ReasonStoreUnavailable, dec.Reason)

	_, err = closed.Guard(ctx, GuardRequest{ActorID: "bob", Action: "comment", Fields: fields})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRecordEventCorrelates(t *testing.T) {
	svc := newTestService(t, engine.IntegrityOptions{})

	_, err := svc.RecordEvent(EventRequest{Category: "made_up"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.RecordEvent(EventRequest{Category: models.CategoryAuthFailure, Severity: "loud"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	var alert *models.Alert
	for i := 0; i < 3; i++ {
		alert, err = svc.RecordEvent(EventRequest{
			Category: models.CategoryAuthFailure,
			Severity: models.SeverityWarning,
			Message:  "bad password",
			ActorID:  "mallory",
			Extra:    map[string]string{"ip": "203.0.113.9"},
		})
		require.NoError(t, err)
	}
	require.NotNil(t, alert)
	assert.Len(t, alert.TriggeringEvents, 3)

	events := svc.Events(eventlog.EventQuery{Category: models.CategoryAuthFailure})
	require.Len(t, events, 3)
	assert.Equal(t, models.OriginCaller, events[0].Origin)
	assert.Equal(t, "203.0.113.9", events[0].Details.Extra["ip"])
}

func TestAcknowledgeAlertAudits(t *testing.T) {
	svc := newTestService(t, engine.IntegrityOptions{})

	_, err := svc.Detect(DetectRequest{Input: "' OR 1=1 --", Source: "login_form", ActorID: "mallory"})
	require.NoError(t, err)
	alerts := svc.Alerts()
	require.Len(t, alerts, 1)

	assert.ErrorIs(t, svc.AcknowledgeAlert("missing", "ops"), ErrAlertNotFound)
	require.NoError(t, svc.AcknowledgeAlert(alerts[0].ID, "ops"))
	assert.True(t, svc.Alerts()[0].Acknowledged)

	audit := svc.Events(eventlog.EventQuery{Category: models.CategoryAdminAction})
	require.Len(t, audit, 1)
	assert.Equal(t, "ops", audit[0].ActorID)
	assert.Equal(t, alerts[0].ID, audit[0].Details.Extra["alert_id"])
}

func TestResetActorClearsLimits(t *testing.T) {
	svc := newTestService(t, engine.IntegrityOptions{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.Check(ctx, "carol", "newsletter_signup")
		require.NoError(t, err)
	}
	states, err := svc.InspectActor(ctx, "carol", "newsletter_signup")
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.NotNil(t, states[0].Record)

	require.NoError(t, svc.ResetActor(ctx, "carol", "ops"))
	states, err = svc.InspectActor(ctx, "carol", "newsletter_signup")
	require.NoError(t, err)
	assert.Nil(t, states[0].Record)

	dec, err := svc.Check(ctx, "carol", "newsletter_signup")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	assert.ErrorIs(t, svc.ResetActor(ctx, "", "ops"), ErrInvalidInput)
}

func TestIntegrityCheck(t *testing.T) {
	disabled := newTestService(t, engine.IntegrityOptions{})
	_, err := disabled.IntegrityCheck(context.Background(), "ops")
	assert.ErrorIs(t, err, ErrIntegrityDisabled)

	cfg := &swappable{}
	cfg.set("mode: strict\n")
	svc := newTestService(t, engine.IntegrityOptions{
		Enabled:  true,
		Interval: time.Hour,
		Resources: []integrity.Resource{
			{ID: "settings", Type: models.ResourceConfiguration, Reader: cfg},
		},
	})
	assert.True(t, svc.IntegrityStatus().IsActive)

	cfg.set("mode: permissive\nallow_all: true\n")
	changes, err := svc.IntegrityCheck(context.Background(), "ops")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "settings", changes[0].ResourceID)

	violations := svc.Events(eventlog.EventQuery{Category: models.CategoryIntegrityViolation})
	assert.Len(t, violations, 1)
}

func TestWriteSnapshot(t *testing.T) {
	svc := newTestService(t, engine.IntegrityOptions{})
	_, err := svc.RecordEvent(EventRequest{Category: models.CategoryAuthSuccess, ActorID: "alice"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, svc.WriteSnapshot(&buf))

	var snap eventlog.Snapshot
	require.NoError(t, json.Unmarshal(buf.Bytes(), &snap))
	assert.Len(t, snap.Events, 1)
	assert.Equal(t, int64(1), svc.Stats().TotalEvents)
}
