package integrity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"guard-service/internal/hashing"
	"guard-service/internal/metrics"
	"guard-service/internal/models"
	"guard-service/internal/store"
)

const (
	DefaultInterval      = 30 * time.Second
	DefaultHistoryLimit  = 10
	DefaultRecentLimit   = 50
	DefaultWatchDebounce = 500 * time.Millisecond

	snapshotKeyPrefix = "integrity:snapshot:"
	storeTimeout      = 5 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("integrity monitor already running")
	ErrNotRunning     = errors.New("integrity monitor not running")
)

// Recorder receives integrity events.
type Recorder interface {
	Append(event models.SecurityEvent) *models.Alert
}

// RestoreHook is called for unauthorized deletions with the last snapshot
// taken before the deletion.
type RestoreHook func(ctx context.Context, change models.IntegrityChange, last models.ResourceSnapshot) error

type MonitorConfig struct {
	Resources []Resource
	Interval  time.Duration
	// Watch triggers an early scan when a file behind a FileReader changes.
	Watch         bool
	WatchDebounce time.Duration
}

type Options struct {
	Store        store.Store
	Recorder     Recorder
	Policy       Policy
	Hasher       *hashing.Hasher
	RestoreHook  RestoreHook
	HistoryLimit int
	RecentLimit  int
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	Now          func() time.Time
}

type Status struct {
	IsActive       bool                     `json:"is_active"`
	LastCheckAt    *time.Time               `json:"last_check_at,omitempty"`
	Interval       time.Duration            `json:"interval"`
	Resources      int                      `json:"resources"`
	TotalSnapshots int64                    `json:"total_snapshots"`
	TotalChanges   int64                    `json:"total_changes"`
	RecentChanges  []models.IntegrityChange `json:"recent_changes"`
}

type Monitor struct {
	store        store.Store
	recorder     Recorder
	policy       Policy
	hasher       *hashing.Hasher
	restore      RestoreHook
	historyLimit int
	recentLimit  int
	metrics      *metrics.Metrics
	logger       *zap.Logger
	now          func() time.Time

	// lifeMu serializes Start and Stop.
	lifeMu sync.Mutex
	// scanMu serializes scans so two of them never diff against the same baseline.
	scanMu sync.Mutex

	mu             sync.Mutex
	running        bool
	resources      []Resource
	interval       time.Duration
	cancel         context.CancelFunc
	done           chan struct{}
	watcher        *fileWatcher
	history        map[string][]models.ResourceSnapshot
	recent         []models.IntegrityChange
	lastCheckAt    time.Time
	totalSnapshots int64
	totalChanges   int64
}

func NewMonitor(opts Options) (*Monitor, error) {
	policy := opts.Policy.WithDefaults()
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid integrity policy: %w", err)
	}

	m := &Monitor{
		store:        opts.Store,
		recorder:     opts.Recorder,
		policy:       policy,
		hasher:       opts.Hasher,
		restore:      opts.RestoreHook,
		historyLimit: opts.HistoryLimit,
		recentLimit:  opts.RecentLimit,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		now:          opts.Now,
		history:      make(map[string][]models.ResourceSnapshot),
	}
	if m.hasher == nil {
		m.hasher = hashing.NewHasher(nil)
	}
	if m.historyLimit <= 0 {
		m.historyLimit = DefaultHistoryLimit
	}
	if m.recentLimit <= 0 {
		m.recentLimit = DefaultRecentLimit
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Start takes the initial snapshot of every resource and begins periodic
// scanning. ctx bounds the initial snapshot only; the loop runs until Stop.
// A resource with a persisted snapshot from an earlier run is diffed
// against it, so changes made while the monitor was down are reported.
func (m *Monitor) Start(ctx context.Context, cfg MonitorConfig) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.resources = m.acceptResources(cfg.Resources)
	m.interval = cfg.Interval
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	interval := m.interval
	m.mu.Unlock()

	if _, err := m.scan(ctx, true); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("initial integrity snapshot failed: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	trigger := make(chan struct{}, 1)

	var watcher *fileWatcher
	if cfg.Watch {
		debounce := cfg.WatchDebounce
		if debounce <= 0 {
			debounce = DefaultWatchDebounce
		}
		w, err := newFileWatcher(m.resourcesSnapshot(), debounce, trigger, m.logger)
		if err != nil {
			m.logger.Warn("File watcher unavailable, relying on periodic scans", zap.Error(err))
		} else {
			watcher = w
		}
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.watcher = watcher
	resources := len(m.resources)
	m.mu.Unlock()

	go m.loop(loopCtx, interval, trigger, done)

	m.logger.Info("Integrity monitoring started",
		zap.Int("resources", resources),
		zap.Duration("interval", interval),
		zap.Bool("watch", watcher != nil))
	return nil
}

// Stop ends periodic scanning and waits for an in-flight scan to finish or abort.
func (m *Monitor) Stop() error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.running = false
	cancel, done, watcher := m.cancel, m.done, m.watcher
	m.cancel, m.done, m.watcher = nil, nil, nil
	m.mu.Unlock()

	if watcher != nil {
		watcher.close()
	}
	cancel()
	<-done

	m.logger.Info("Integrity monitoring stopped")
	return nil
}

// PerformManualCheck scans every resource now and returns the detected changes.
func (m *Monitor) PerformManualCheck(ctx context.Context) ([]models.IntegrityChange, error) {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}
	return m.scan(ctx, false)
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		IsActive:       m.running,
		Interval:       m.interval,
		Resources:      len(m.resources),
		TotalSnapshots: m.totalSnapshots,
		TotalChanges:   m.totalChanges,
		RecentChanges:  make([]models.IntegrityChange, len(m.recent)),
	}
	copy(s.RecentChanges, m.recent)
	if !m.lastCheckAt.IsZero() {
		at := m.lastCheckAt
		s.LastCheckAt = &at
	}
	return s
}

func (m *Monitor) acceptResources(in []Resource) []Resource {
	seen := make(map[string]bool, len(in))
	out := make([]Resource, 0, len(in))
	for _, r := range in {
		switch {
		case r.ID == "" || r.Reader == nil:
			m.logger.Warn("Skipping integrity resource without id or reader", zap.String("resource_id", r.ID))
			continue
		case seen[r.ID]:
			m.logger.Warn("Skipping duplicate integrity resource", zap.String("resource_id", r.ID))
			continue
		}
		if _, ok := m.policy.Profiles[r.Type]; !ok {
			m.logger.Warn("Skipping integrity resource with unknown type",
				zap.String("resource_id", r.ID),
				zap.String("resource_type", string(r.Type)))
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}

func (m *Monitor) resourcesSnapshot() []Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Resource(nil), m.resources...)
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, trigger <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.periodicScan(ctx, "timer")
		case <-trigger:
			m.periodicScan(ctx, "file_change")
		}
	}
}

func (m *Monitor) periodicScan(ctx context.Context, cause string) {
	changes, err := m.scan(ctx, false)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Error("Integrity scan failed", zap.String("cause", cause), zap.Error(err))
		}
		return
	}
	m.logger.Debug("Integrity scan completed", zap.String("cause", cause), zap.Int("changes", len(changes)))
}

type pendingSnapshot struct {
	snap    models.ResourceSnapshot
	prev    models.ResourceSnapshot
	hasPrev bool
	change  *models.IntegrityChange
}

// scan reads and diffs every resource, then commits all results at once.
// A cancelled scan commits nothing.
func (m *Monitor) scan(ctx context.Context, initial bool) ([]models.IntegrityChange, error) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	resources := m.resourcesSnapshot()
	now := m.now().UTC()

	pending := make([]pendingSnapshot, 0, len(resources))
	for _, r := range resources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := r.Reader.Read(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			m.logger.Warn("Failed to read integrity resource",
				zap.String("resource_id", r.ID),
				zap.Error(err))
			continue
		}

		metadata := content.Metadata
		if metadata == nil {
			metadata = DeriveMetadata(content.Data)
		}
		p := pendingSnapshot{snap: models.ResourceSnapshot{
			ResourceID:   r.ID,
			ResourceType: r.Type,
			Timestamp:    now,
			Checksum:     m.hasher.Checksum(content.Data),
			ByteSize:     int64(len(content.Data)),
			Metadata:     metadata,
		}}

		p.prev, p.hasPrev = m.latest(r.ID)
		if !p.hasPrev && initial {
			p.prev, p.hasPrev = m.loadPersisted(ctx, r.ID)
		}
		if p.hasPrev {
			p.change = diff(p.prev, p.snap, m.policy.Profiles[r.Type], m.policy)
		}
		pending = append(pending, p)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return m.commit(ctx, pending, now), nil
}

func (m *Monitor) latest(id string) (models.ResourceSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[id]
	if len(h) == 0 {
		return models.ResourceSnapshot{}, false
	}
	return h[len(h)-1], true
}

func (m *Monitor) commit(ctx context.Context, pending []pendingSnapshot, now time.Time) []models.IntegrityChange {
	changes := make([]models.IntegrityChange, 0)

	m.mu.Lock()
	for _, p := range pending {
		h := append(m.history[p.snap.ResourceID], p.snap)
		if len(h) > m.historyLimit {
			h = h[len(h)-m.historyLimit:]
		}
		m.history[p.snap.ResourceID] = h
		m.totalSnapshots++

		if p.change != nil {
			changes = append(changes, *p.change)
			m.totalChanges++
		}
	}
	for _, c := range changes {
		m.recent = append([]models.IntegrityChange{c}, m.recent...)
	}
	if len(m.recent) > m.recentLimit {
		m.recent = m.recent[:m.recentLimit]
	}
	m.lastCheckAt = now
	m.mu.Unlock()

	m.metrics.IncIntegrityScans()

	// side effects run after commit and must not be cut short by the scan context
	bg := context.WithoutCancel(ctx)
	for _, p := range pending {
		if !p.hasPrev || p.change != nil {
			m.persist(bg, p.snap)
		}
		if p.change != nil {
			m.report(bg, *p.change, p.prev)
		}
	}
	return changes
}

func (m *Monitor) report(ctx context.Context, c models.IntegrityChange, prev models.ResourceSnapshot) {
	m.metrics.ObserveIntegrityChange(string(c.ChangeType), c.Authorized)

	category := models.CategoryIntegrityChange
	if isViolation(&c) {
		category = models.CategoryIntegrityViolation
	}
	msg := changeMessage(&c)

	m.logger.Warn("Integrity change detected",
		zap.String("resource_id", c.ResourceID),
		zap.String("change_type", string(c.ChangeType)),
		zap.String("severity", string(c.Severity)),
		zap.Bool("authorized", c.Authorized))

	if m.recorder != nil {
		m.recorder.Append(models.SecurityEvent{
			Timestamp: c.DetectedAt,
			Category:  category,
			Severity:  c.Severity,
			Message:   msg,
			Origin:    models.OriginIntegrity,
			Details: models.EventDetails{Integrity: &models.IntegrityDetails{
				ResourceID:    c.ResourceID,
				ResourceType:  c.ResourceType,
				ChangeType:    c.ChangeType,
				OldChecksum:   c.OldChecksum,
				NewChecksum:   c.NewChecksum,
				OldSize:       c.OldSize,
				NewSize:       c.NewSize,
				SizeDelta:     c.SizeDelta,
				DeltaPercent:  c.DeltaPercent,
				MetadataDelta: c.MetadataDelta,
				Authorized:    c.Authorized,
			}},
		})
	}

	if m.restore != nil && c.ChangeType == models.ChangeDeleted && !c.Authorized {
		if err := m.restore(ctx, c, prev); err != nil {
			m.logger.Error("Restore hook failed", zap.String("resource_id", c.ResourceID), zap.Error(err))
		} else {
			m.logger.Info("Restore hook invoked", zap.String("resource_id", c.ResourceID))
		}
	}
}

func snapshotKey(id string) string {
	return snapshotKeyPrefix + id
}

func (m *Monitor) persist(ctx context.Context, snap models.ResourceSnapshot) {
	if m.store == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		m.logger.Error("Failed to encode snapshot", zap.String("resource_id", snap.ResourceID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := m.store.Set(ctx, snapshotKey(snap.ResourceID), data, 0); err != nil {
		m.metrics.IncStoreErrors()
		m.logger.Warn("Failed to persist snapshot", zap.String("resource_id", snap.ResourceID), zap.Error(err))
	}
}

func (m *Monitor) loadPersisted(ctx context.Context, id string) (models.ResourceSnapshot, bool) {
	if m.store == nil {
		return models.ResourceSnapshot{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	data, err := m.store.Get(ctx, snapshotKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return models.ResourceSnapshot{}, false
	}
	if err != nil {
		m.metrics.IncStoreErrors()
		m.logger.Warn("Failed to load persisted snapshot", zap.String("resource_id", id), zap.Error(err))
		return models.ResourceSnapshot{}, false
	}
	var snap models.ResourceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.logger.Warn("Discarding corrupt persisted snapshot", zap.String("resource_id", id), zap.Error(err))
		return models.ResourceSnapshot{}, false
	}
	return snap, true
}
