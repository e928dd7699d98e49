// Package engine assembles the rate limiter, attack detector, event log and
// integrity monitor around one record store and one event log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"guard-service/internal/detector"
	"guard-service/internal/eventlog"
	"guard-service/internal/hashing"
	"guard-service/internal/integrity"
	"guard-service/internal/metrics"
	"guard-service/internal/policy"
	"guard-service/internal/ratelimit"
	"guard-service/internal/store"
)

type IntegrityOptions struct {
	Enabled  bool
	Interval time.Duration
	// Resources are monitored in addition to the files declared in the policy.
	Resources   []integrity.Resource
	RestoreHook integrity.RestoreHook
}

type Options struct {
	Store             store.Store
	Policy            *policy.Policy
	Sinks             []eventlog.Sink
	FailOpen          bool
	EventCapacity     int
	AlertCapacity     int
	DetectorCacheSize int
	SinkBufferSize    int
	SinkFlushInterval time.Duration
	Integrity         IntegrityOptions
	Hasher            *hashing.Hasher
	Registerer        prometheus.Registerer
	Logger            *zap.Logger
	Now               func() time.Time
}

type Engine struct {
	store    store.Store
	policy   *policy.Policy
	metrics  *metrics.Metrics
	log      *eventlog.Log
	limiter  *ratelimit.Limiter
	detector *detector.Detector
	monitor  *integrity.Monitor
	logger   *zap.Logger

	integrityCfg integrity.MonitorConfig
	integrityOn  bool

	mu       sync.Mutex
	started  bool
	shutdown bool
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine requires a record store")
	}
	if opts.Policy == nil {
		opts.Policy = policy.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.Hasher == nil {
		opts.Hasher = hashing.NewHasher(nil)
	}

	m := metrics.NewMetrics(opts.Registerer)
	filter := eventlog.NewFilter(opts.Policy.Filter)

	log, err := eventlog.NewLog(eventlog.Options{
		EventCapacity: opts.EventCapacity,
		AlertCapacity: opts.AlertCapacity,
		Thresholds:    opts.Policy.Thresholds,
		Filter:        filter,
		Sinks:         opts.Sinks,
		BufferSize:    opts.SinkBufferSize,
		FlushInterval: opts.SinkFlushInterval,
		Metrics:       m,
		Logger:        opts.Logger.Named("eventlog"),
		Now:           opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build event log: %w", err)
	}

	limiter, err := ratelimit.NewLimiter(opts.Store, ratelimit.Options{
		Tiers:    opts.Policy.RateLimits,
		FailOpen: opts.FailOpen,
		Recorder: log,
		Metrics:  m,
		Logger:   opts.Logger.Named("ratelimit"),
		Now:      opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build rate limiter: %w", err)
	}

	library, err := detector.NewLibrary(opts.Policy.Signatures)
	if err != nil {
		return nil, fmt.Errorf("failed to build signature library: %w", err)
	}
	det, err := detector.NewDetector(detector.Options{
		Library:   library,
		Filter:    filter,
		Recorder:  log,
		Metrics:   m,
		Logger:    opts.Logger.Named("detector"),
		CacheSize: opts.DetectorCacheSize,
		Now:       opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build attack detector: %w", err)
	}

	monitor, err := integrity.NewMonitor(integrity.Options{
		Store:       opts.Store,
		Recorder:    log,
		Policy:      opts.Policy.Integrity.Policy,
		Hasher:      opts.Hasher,
		RestoreHook: opts.Integrity.RestoreHook,
		Metrics:     m,
		Logger:      opts.Logger.Named("integrity"),
		Now:         opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build integrity monitor: %w", err)
	}

	resources := append(opts.Policy.Resources(), opts.Integrity.Resources...)
	return &Engine{
		store:    opts.Store,
		policy:   opts.Policy,
		metrics:  m,
		log:      log,
		limiter:  limiter,
		detector: det,
		monitor:  monitor,
		logger:   opts.Logger,
		integrityCfg: integrity.MonitorConfig{
			Resources: resources,
			Interval:  opts.Integrity.Interval,
			Watch:     opts.Policy.Integrity.Watch,
		},
		integrityOn: opts.Integrity.Enabled && len(resources) > 0,
	}, nil
}

// Init starts the sink dispatcher and, when enabled, integrity monitoring.
// ctx bounds the initial integrity snapshot; the dispatcher stops on Shutdown.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return errors.New("engine already shut down")
	}
	if e.started {
		return nil
	}

	e.log.Start(context.Background())

	if e.integrityOn {
		if err := e.monitor.Start(ctx, e.integrityCfg); err != nil {
			e.log.Close()
			return fmt.Errorf("failed to start integrity monitor: %w", err)
		}
	}
	e.started = true

	e.logger.Info("Protection engine initialized",
		zap.Strings("actions", e.limiter.Actions()),
		zap.Int("signature_categories", len(e.detector.Library().Categories())),
		zap.Bool("integrity_enabled", e.integrityOn))
	return nil
}

// Shutdown stops integrity monitoring and flushes the event log to its sinks.
// It is safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return nil
	}
	e.shutdown = true

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := e.monitor.Stop(); err != nil && !errors.Is(err, integrity.ErrNotRunning) {
			e.logger.Warn("Failed to stop integrity monitor", zap.Error(err))
		}
		e.log.Close()
	}()

	select {
	case <-done:
		e.logger.Info("Protection engine shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown interrupted: %w", ctx.Err())
	}
}

func (e *Engine) Store() store.Store { return e.store }
func (e *Engine) Policy() *policy.Policy { return e.policy }
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }
func (e *Engine) Log() *eventlog.Log { return e.log }
func (e *Engine) Limiter() *ratelimit.Limiter { return e.limiter }
func (e *Engine) Detector() *detector.Detector { return e.detector }
func (e *Engine) Monitor() *integrity.Monitor { return e.monitor }
func (e *Engine) IntegrityEnabled() bool { return e.integrityOn }
