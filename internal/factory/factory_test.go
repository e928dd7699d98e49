package factory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guard-service/internal/config"
	"guard-service/internal/util"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	util.SetLogger(zap.NewNop())
	return &config.Config{
		Environment: "test",
		Server:      config.ServerConfig{ShutdownTimeout: 5 * time.Second},
		Bucketing:   config.BucketingConfig{StoreShards: 4, EventBuckets: 4},
		Store:       config.StoreConfig{Backend: "memory"},
		Engine: config.EngineConfig{
			FailOpen:      true,
			EventCapacity: 100,
			AlertCapacity: 10,
		},
		Integrity: config.IntegrityConfig{Enabled: true, Interval: time.Hour},
	}
}

func TestNewWithMemoryBackend(t *testing.T) {
	f, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	assert.NotNil(t, f.Engine())
	assert.False(t, f.Engine().IntegrityEnabled())
	assert.True(t, f.IsHealthy(context.Background()))
	assert.Equal(t, map[string]error{"store": nil}, f.HealthCheck(context.Background()))

	svc := f.ServiceFactory().GuardService()
	assert.Same(t, svc, f.ServiceFactory().GuardService())
	dec, err := svc.Check(context.Background(), "alice", "comment")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	rec := httptest.NewRecorder()
	f.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "guard_ratelimit_decisions_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	f.WaitForClose()
}

func TestPolicyFileEnablesIntegrity(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(watched, []byte("debug: false\n"), 0o600))

	policyPath := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(`
integrity:
  files:
    - {id: settings, path: `+watched+`, type: configuration}
`), 0o600))

	cfg := testConfig(t)
	cfg.Engine.PolicyFile = policyPath
	f, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	assert.True(t, f.Engine().IntegrityEnabled())
	status := f.Engine().Monitor().Status()
	assert.True(t, status.IsActive)
	assert.Equal(t, 1, status.Resources)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "etcd"
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Engine.PolicyFile = filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(cfg.Engine.PolicyFile, []byte("rate_limits: [oops"), 0o600))
	_, err = New(cfg)
	assert.Error(t, err)
}
