package eventlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"guard-service/internal/metrics"
	"guard-service/internal/models"
)

const (
	RecordEvent = "event"
	RecordAlert = "alert"

	maxBatchSize = 100
)

// Record is one item forwarded to sinks, in append order.
type Record struct {
	Kind  string                `json:"kind"`
	Event *models.SecurityEvent `json:"event,omitempty"`
	Alert *models.Alert         `json:"alert,omitempty"`
}

// Sink receives batches of records. Publish errors are logged and counted;
// they never reach the caller of Append.
type Sink interface {
	Name() string
	Publish(ctx context.Context, batch []Record) error
	Close() error
}

type dispatcher struct {
	sinks    []Sink
	queue    chan Record
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
	dropped atomic.Int64
}

func newDispatcher(sinks []Sink, bufferSize int, interval time.Duration, logger *zap.Logger, m *metrics.Metrics) *dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &dispatcher{
		sinks:    sinks,
		queue:    make(chan Record, bufferSize),
		interval: interval,
		logger:   logger,
		metrics:  m,
		done:     make(chan struct{}),
	}
}

// enqueue never blocks; a full queue drops the record.
func (d *dispatcher) enqueue(r Record) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- r:
	default:
		d.dropped.Add(1)
		d.metrics.IncSinkDropped()
		d.logger.Warn("Sink queue full, dropping record", zap.String("kind", r.Kind))
	}
}

func (d *dispatcher) droppedCount() int64 {
	return d.dropped.Load()
}

func (d *dispatcher) start(ctx context.Context) {
	d.mu.Lock()
	if d.started || d.closed {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	go d.run(ctx)
}

func (d *dispatcher) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	batch := make([]Record, 0, maxBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		d.publish(ctx, batch)
		batch = make([]Record, 0, maxBatchSize)
	}

	for {
		select {
		case r, ok := <-d.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, r)
			if len(batch) >= maxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// drain what is already queued with a fresh deadline
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		drain:
			for {
				select {
				case r, ok := <-d.queue:
					if !ok {
						break drain
					}
					batch = append(batch, r)
				default:
					break drain
				}
			}
			d.publish(drainCtx, batch)
			cancel()
			return
		}
	}
}

func (d *dispatcher) publish(ctx context.Context, batch []Record) {
	if len(batch) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range d.sinks {
		s := s
		g.Go(func() error {
			if err := s.Publish(gctx, batch); err != nil {
				d.metrics.IncSinkPublishErrors(s.Name())
				d.logger.Error("Sink publish failed",
					zap.String("sink", s.Name()),
					zap.Int("batch_size", len(batch)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// close stops accepting records, flushes the queue and closes every sink.
func (d *dispatcher) close(timeout time.Duration) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	started := d.started
	close(d.queue)
	d.mu.Unlock()

	if started {
		select {
		case <-d.done:
		case <-time.After(timeout):
			d.logger.Warn("Timed out waiting for sink dispatcher to drain")
		}
	}

	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			d.logger.Warn("Failed to close sink", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
}
