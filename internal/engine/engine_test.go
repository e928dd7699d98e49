package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guard-service/internal/eventlog"
	"guard-service/internal/integrity"
	"guard-service/internal/models"
	"guard-service/internal/policy"
	"guard-service/internal/store"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore(nil)
	}
	e, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, e.Init(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

func TestEngineRequiresStore(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestComponentsShareOneEventLog(t *testing.T) {
	e := newTestEngine(t, Options{FailOpen: true})
	ctx := context.Background()

	var denied bool
	for i := 0; i < 2; i++ {
		dec, err := e.Limiter().Check(ctx, "mallory", "newsletter_signup")
		require.NoError(t, err)
		denied = !dec.Allowed
	}
	assert.True(t, denied)

	v := e.Detector().DetectFor("mallory", "' OR 1=1 --", "login_form")
	assert.True(t, v.ShouldBlock)

	events := e.Log().Query(eventlog.EventQuery{ActorID: "mallory"})
	require.Len(t, events, 2)
	assert.Equal(t, models.CategoryInjectionAttempt, events[0].Category)
	assert.Equal(t, models.CategoryRateLimitExceeded, events[1].Category)

	alerts := e.Log().Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.CategoryInjectionAttempt, alerts[0].Category)
}

func TestIntegrityStartsWithResources(t *testing.T) {
	e := newTestEngine(t, Options{Integrity: IntegrityOptions{
		Enabled:  true,
		Interval: time.Hour,
		Resources: []integrity.Resource{
			{ID: "settings", Type: models.ResourceConfiguration, Reader: integrity.BytesReader([]byte("a: 1"))},
		},
	}})
	assert.True(t, e.IntegrityEnabled())
	assert.True(t, e.Monitor().Status().IsActive)

	require.NoError(t, e.Shutdown(context.Background()))
	assert.False(t, e.Monitor().Status().IsActive)
	require.NoError(t, e.Shutdown(context.Background()))
	assert.Error(t, e.Init(context.Background()))
}

func TestIntegrityIdleWithoutResources(t *testing.T) {
	e := newTestEngine(t, Options{Integrity: IntegrityOptions{Enabled: true}})
	assert.False(t, e.IntegrityEnabled())
	assert.False(t, e.Monitor().Status().IsActive)
}

func TestPolicyDrivesComponents(t *testing.T) {
	p, err := policy.Parse([]byte(`
rate_limits:
  vote:
    - {name: vote, max_attempts: 1, window: 1m, block_duration: 1m}
signatures:
  brute_force:
    - "(?i)hunter2"
`))
	require.NoError(t, err)

	e := newTestEngine(t, Options{Policy: p})
	assert.Contains(t, e.Limiter().Actions(), "vote")

	v := e.Detector().DetectCategory("password=hunter2", "login_form", models.AttackBruteForce)
	assert.True(t, v.IsAttack)
}
