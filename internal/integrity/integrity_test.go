package integrity

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guard-service/internal/models"
	"guard-service/internal/store"
)

type mutableReader struct {
	mu   sync.Mutex
	data []byte
}

func (r *mutableReader) Set(data []byte) {
	r.mu.Lock()
	r.data = append([]byte(nil), data...)
	r.mu.Unlock()
}

func (r *mutableReader) Read(context.Context) (Content, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data := append([]byte(nil), r.data...)
	return Content{Data: data, Metadata: DeriveMetadata(data)}, nil
}

type captureRecorder struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (c *captureRecorder) Append(ev models.SecurityEvent) *models.Alert {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *captureRecorder) Events() []models.SecurityEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.SecurityEvent(nil), c.events...)
}

func newTestMonitor(t *testing.T, opts Options) (*Monitor, *captureRecorder) {
	t.Helper()
	rec := &captureRecorder{}
	if opts.Recorder == nil {
		opts.Recorder = rec
	}
	m, err := NewMonitor(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop() })
	return m, rec
}

func snapshotOf(data []byte, typ models.ResourceType) models.ResourceSnapshot {
	m, _ := NewMonitor(Options{})
	return models.ResourceSnapshot{
		ResourceID:   "r",
		ResourceType: typ,
		Checksum:     m.hasher.Checksum(data),
		ByteSize:     int64(len(data)),
		Metadata:     DeriveMetadata(data),
	}
}

func TestDiffClassification(t *testing.T) {
	p := DefaultPolicy()
	base := bytes.Repeat([]byte("a"), 1000)

	tests := []struct {
		name       string
		typ        models.ResourceType
		old, new   []byte
		change     models.ChangeType
		severity   models.Severity
		authorized bool
	}{
		{"deleted", models.ResourceContent, base, nil, models.ChangeDeleted, models.SeverityError, false},
		{"added", models.ResourceContent, nil, base, models.ChangeAdded, models.SeverityError, false},
		{"small content edit", models.ResourceContent, base, append(bytes.Repeat([]byte("a"), 999), 'b'), models.ChangeModified, models.SeverityInfo, false},
		{"quarter growth", models.ResourceUserData, base, bytes.Repeat([]byte("a"), 1250), models.ChangeModified, models.SeverityWarning, true},
		{"large relative growth", models.ResourceContent, base, bytes.Repeat([]byte("a"), 1600), models.ChangeSuspicious, models.SeverityError, false},
		{"large absolute growth", models.ResourceKVStore, bytes.Repeat([]byte("a"), 400*1024), bytes.Repeat([]byte("a"), 520*1024), models.ChangeSuspicious, models.SeverityWarning, false},
		{"small kv delta", models.ResourceKVStore, base, bytes.Repeat([]byte("a"), 1100), models.ChangeModified, models.SeverityInfo, true},
		{"sensitive small edit", models.ResourceConfiguration, base, append(bytes.Repeat([]byte("a"), 999), 'b'), models.ChangeModified, models.SeverityCritical, false},
		{"sensitive growth", models.ResourceExecutableCode, base, bytes.Repeat([]byte("a"), 1200), models.ChangeSuspicious, models.SeverityCritical, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := diff(snapshotOf(tc.old, tc.typ), snapshotOf(tc.new, tc.typ), p.Profiles[tc.typ], p)
			require.NotNil(t, c)
			assert.Equal(t, tc.change, c.ChangeType)
			assert.Equal(t, tc.severity, c.Severity)
			assert.Equal(t, tc.authorized, c.Authorized)
			assert.Equal(t, int64(len(tc.new)-len(tc.old)), c.SizeDelta)
		})
	}
}

func TestDiffItemCountChangeIsSuspicious(t *testing.T) {
	p := DefaultPolicy()
	old := []byte(`[1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16,17,18,19,20,21,22,23,24,25]`)
	next := []byte(`[100000,200000,300000,400000,500000,600000,700000,800000,900000,1]`)

	c := diff(snapshotOf(old, models.ResourceContent), snapshotOf(next, models.ResourceContent), p.Profiles[models.ResourceContent], p)
	require.NotNil(t, c)
	assert.Less(t, c.DeltaPercent, 50.0)
	assert.Equal(t, -15, c.MetadataDelta["items"])
	assert.Equal(t, models.ChangeSuspicious, c.ChangeType)
	assert.Equal(t, models.SeverityWarning, c.Severity)
}

func TestDiffIdenticalChecksum(t *testing.T) {
	p := DefaultPolicy()
	s := snapshotOf([]byte("same"), models.ResourceContent)
	assert.Nil(t, diff(s, s, p.Profiles[models.ResourceContent], p))
}

func TestPolicyValidate(t *testing.T) {
	p := Policy{Profiles: map[models.ResourceType]TypeProfile{
		"weird": {Sensitive: true, Trusted: true},
	}}.WithDefaults()
	assert.Error(t, p.Validate())

	_, err := NewMonitor(Options{Policy: p})
	assert.Error(t, err)

	custom := Policy{Profiles: map[models.ResourceType]TypeProfile{
		models.ResourceContent: {Trusted: true},
	}}.WithDefaults()
	require.NoError(t, custom.Validate())
	assert.True(t, custom.Profiles[models.ResourceContent].Trusted)
	assert.True(t, custom.Profiles[models.ResourceConfiguration].Sensitive)
}

func TestDeriveMetadata(t *testing.T) {
	assert.Equal(t, map[string]int{}, DeriveMetadata(nil))
	assert.Equal(t, map[string]int{"lines": 2}, DeriveMetadata([]byte("a\nb")))
	assert.Equal(t, map[string]int{"lines": 1, "items": 3}, DeriveMetadata([]byte("[1,2,3]\n")))
	assert.Equal(t, map[string]int{"lines": 1, "keys": 2}, DeriveMetadata([]byte(`{"a":1,"b":2}`)))
}

func TestStartStopLifecycle(t *testing.T) {
	m, _ := newTestMonitor(t, Options{})
	cfg := MonitorConfig{
		Resources: []Resource{{ID: "cfg", Type: models.ResourceConfiguration, Reader: BytesReader([]byte("x"))}},
		Interval:  time.Hour,
	}

	_, err := m.PerformManualCheck(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, m.Stop(), ErrNotRunning)

	require.NoError(t, m.Start(context.Background(), cfg))
	assert.ErrorIs(t, m.Start(context.Background(), cfg), ErrAlreadyRunning)

	st := m.Status()
	assert.True(t, st.IsActive)
	assert.Equal(t, 1, st.Resources)
	assert.Equal(t, int64(1), st.TotalSnapshots)
	require.NotNil(t, st.LastCheckAt)

	require.NoError(t, m.Stop())
	assert.False(t, m.Status().IsActive)

	// restartable
	require.NoError(t, m.Start(context.Background(), cfg))
}

func TestUnchangedResourceIsIdempotent(t *testing.T) {
	m, rec := newTestMonitor(t, Options{})
	r := &mutableReader{}
	r.Set([]byte("hello world"))
	require.NoError(t, m.Start(context.Background(), MonitorConfig{
		Resources: []Resource{{ID: "page", Type: models.ResourceContent, Reader: r}},
		Interval:  time.Hour,
	}))

	for i := 0; i < 2; i++ {
		changes, err := m.PerformManualCheck(context.Background())
		require.NoError(t, err)
		assert.Empty(t, changes)
	}
	assert.Empty(t, rec.Events())
	assert.Equal(t, int64(3), m.Status().TotalSnapshots)
}

func TestManualCheckReportsChanges(t *testing.T) {
	m, rec := newTestMonitor(t, Options{})
	kv := &mutableReader{}
	kv.Set(bytes.Repeat([]byte("k"), 2000))
	conf := &mutableReader{}
	conf.Set([]byte("debug: false\n"))

	require.NoError(t, m.Start(context.Background(), MonitorConfig{
		Resources: []Resource{
			{ID: "sessions", Type: models.ResourceKVStore, Reader: kv},
			{ID: "app.yaml", Type: models.ResourceConfiguration, Reader: conf},
		},
		Interval: time.Hour,
	}))

	kv.Set(bytes.Repeat([]byte("k"), 2100))
	conf.Set([]byte("debug: true\n"))

	changes, err := m.PerformManualCheck(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 2)

	assert.Equal(t, "sessions", changes[0].ResourceID)
	assert.True(t, changes[0].Authorized)
	assert.Equal(t, "app.yaml", changes[1].ResourceID)
	assert.False(t, changes[1].Authorized)
	assert.Equal(t, models.SeverityCritical, changes[1].Severity)

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, models.CategoryIntegrityChange, events[0].Category)
	assert.Equal(t, models.CategoryIntegrityViolation, events[1].Category)
	assert.Equal(t, models.OriginIntegrity, events[1].Origin)
	require.NotNil(t, events[1].Details.Integrity)
	assert.Equal(t, "app.yaml", events[1].Details.Integrity.ResourceID)
	assert.Contains(t, events[0].Message, "2.0 kB -> 2.1 kB")

	st := m.Status()
	assert.Equal(t, int64(2), st.TotalChanges)
	require.Len(t, st.RecentChanges, 2)
	assert.Equal(t, "app.yaml", st.RecentChanges[0].ResourceID)
}

func TestRestoreHookOnlyForUnauthorizedDeletion(t *testing.T) {
	var mu sync.Mutex
	var restored []string
	hook := func(_ context.Context, c models.IntegrityChange, last models.ResourceSnapshot) error {
		mu.Lock()
		restored = append(restored, c.ResourceID)
		mu.Unlock()
		assert.Equal(t, c.OldChecksum, last.Checksum)
		return nil
	}
	m, _ := newTestMonitor(t, Options{RestoreHook: hook})

	content := &mutableReader{}
	content.Set([]byte("article body"))
	profile := &mutableReader{}
	profile.Set([]byte("bio"))

	require.NoError(t, m.Start(context.Background(), MonitorConfig{
		Resources: []Resource{
			{ID: "article", Type: models.ResourceContent, Reader: content},
			{ID: "profile", Type: models.ResourceUserData, Reader: profile},
		},
		Interval: time.Hour,
	}))

	content.Set(nil)
	profile.Set(nil)
	changes, err := m.PerformManualCheck(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, models.ChangeDeleted, c.ChangeType)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"article"}, restored)
}

func TestPersistedBaselineSurvivesRestart(t *testing.T) {
	st := store.NewMemoryStore(nil)
	r := &mutableReader{}
	r.Set([]byte("v1"))
	cfg := MonitorConfig{
		Resources: []Resource{{ID: "config", Type: models.ResourceConfiguration, Reader: r}},
		Interval:  time.Hour,
	}

	first, _ := newTestMonitor(t, Options{Store: st})
	require.NoError(t, first.Start(context.Background(), cfg))
	require.NoError(t, first.Stop())

	_, err := st.Get(context.Background(), "integrity:snapshot:config")
	require.NoError(t, err)

	r.Set([]byte("v2 tampered"))
	second, rec := newTestMonitor(t, Options{Store: st})
	require.NoError(t, second.Start(context.Background(), cfg))

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.CategoryIntegrityViolation, events[0].Category)
	assert.Equal(t, int64(1), second.Status().TotalChanges)
}

func TestCancelledScanCommitsNothing(t *testing.T) {
	m, rec := newTestMonitor(t, Options{})
	first := &mutableReader{}
	first.Set([]byte("one"))

	ctx, cancel := context.WithCancel(context.Background())
	var cancelOnRead bool
	var mu sync.Mutex
	second := ReaderFunc(func(context.Context) (Content, error) {
		mu.Lock()
		defer mu.Unlock()
		if cancelOnRead {
			cancel()
			return Content{}, errors.New("interrupted")
		}
		return Content{Data: []byte("two")}, nil
	})

	require.NoError(t, m.Start(context.Background(), MonitorConfig{
		Resources: []Resource{
			{ID: "first", Type: models.ResourceContent, Reader: first},
			{ID: "second", Type: models.ResourceContent, Reader: second},
		},
		Interval: time.Hour,
	}))

	first.Set([]byte("one changed"))
	mu.Lock()
	cancelOnRead = true
	mu.Unlock()

	_, err := m.PerformManualCheck(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.Events())
	assert.Equal(t, int64(2), m.Status().TotalSnapshots)

	// the change is still pending and reported by the next complete scan
	mu.Lock()
	cancelOnRead = false
	mu.Unlock()
	changes, err := m.PerformManualCheck(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "first", changes[0].ResourceID)
}

func TestInvalidResourcesAreSkipped(t *testing.T) {
	m, _ := newTestMonitor(t, Options{})
	require.NoError(t, m.Start(context.Background(), MonitorConfig{
		Resources: []Resource{
			{ID: "ok", Type: models.ResourceContent, Reader: BytesReader([]byte("x"))},
			{ID: "ok", Type: models.ResourceContent, Reader: BytesReader([]byte("y"))},
			{ID: "mystery", Type: "firmware", Reader: BytesReader([]byte("z"))},
			{ID: "", Type: models.ResourceContent, Reader: BytesReader([]byte("w"))},
			{ID: "nil-reader", Type: models.ResourceContent},
		},
		Interval: time.Hour,
	}))
	assert.Equal(t, 1, m.Status().Resources)
}

func TestFileReaderMissingFileReadsEmpty(t *testing.T) {
	r := &FileReader{Path: filepath.Join(t.TempDir(), "absent.txt")}
	c, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, c.Data)
}

func TestFileWatcherTriggersScan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o600))

	m, rec := newTestMonitor(t, Options{})
	require.NoError(t, m.Start(context.Background(), MonitorConfig{
		Resources:     []Resource{{ID: "settings", Type: models.ResourceConfiguration, Reader: &FileReader{Path: path}}},
		Interval:      time.Hour,
		Watch:         true,
		WatchDebounce: 20 * time.Millisecond,
	}))

	require.NoError(t, os.WriteFile(path, []byte(`{"a":1,"b":2}`), 0o600))

	assert.Eventually(t, func() bool {
		return m.Status().TotalChanges >= 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.NotEmpty(t, rec.Events())
}
