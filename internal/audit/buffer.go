package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wardenlabs/warden/internal/metrics"
)

// Sink receives batches of events. Implemented by the control-plane client.
type Sink interface {
	SendEvents(ctx context.Context, events []Event) (ingested int, err error)
}

// Config tunes the buffer and its flusher.
type Config struct {
	Capacity        int           // max queued events; oldest dropped beyond this
	FlushSize       int           // flush as soon as this many are queued
	FlushInterval   time.Duration // flush at least this often
	FlushTimeout    time.Duration // per-batch send deadline
	ShutdownTimeout time.Duration // deadline for the final flush in Stop
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:        1000,
		FlushSize:       50,
		FlushInterval:   10 * time.Second,
		FlushTimeout:    5 * time.Second,
		ShutdownTimeout: 3 * time.Second,
	}
}

type queued struct {
	event   Event
	retried bool
}

// Buffer is a bounded FIFO with a background batch flusher. Enqueue never
// blocks: when full, the oldest event is dropped and counted.
type Buffer struct {
	cfg     Config
	sink    Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
	mirror  *Mirror

	mu      sync.Mutex
	queue   []queued
	dropped uint64
	closed  bool

	notify   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Stats is a point-in-time view for diagnostics.
type Stats struct {
	Queued   int
	Capacity int
	Dropped  uint64
}

// NewBuffer creates a Buffer. mirror may be nil; m may be nil.
func NewBuffer(cfg Config, sink Sink, mirror *Mirror, logger *zap.Logger, m *metrics.Metrics) *Buffer {
	if cfg.Capacity < 1 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.FlushSize < 1 {
		cfg.FlushSize = DefaultConfig().FlushSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultConfig().FlushTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		cfg:     cfg,
		sink:    sink,
		logger:  logger.Named("audit"),
		metrics: m,
		mirror:  mirror,
		queue:   make([]queued, 0, cfg.Capacity),
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the background flusher.
func (b *Buffer) Start() {
	go b.run()
}

// Enqueue appends an event without blocking. Events arriving after Stop has
// begun are counted as drops — the final flush covers only what was queued
// before the shutdown signal.
func (b *Buffer) Enqueue(e Event) {
	b.mu.Lock()
	if b.closed {
		b.dropped++
		b.mu.Unlock()
		b.countDrop()
		return
	}
	if len(b.queue) >= b.cfg.Capacity {
		// Drop oldest, never the caller's time.
		copy(b.queue, b.queue[1:])
		b.queue = b.queue[:len(b.queue)-1]
		b.dropped++
		b.countDrop()
	}
	b.queue = append(b.queue, queued{event: e})
	n := len(b.queue)
	b.mu.Unlock()

	if b.mirror != nil {
		if err := b.mirror.Record(e); err != nil {
			b.logger.Warn("audit mirror write failed", zap.Error(err))
		}
	}
	if b.metrics != nil {
		b.metrics.AuditBufferFill.Set(float64(n))
	}
	if n >= b.cfg.FlushSize {
		select {
		case b.notify <- struct{}{}:
		default:
		}
	}
}

// Stats returns occupancy and the drop counter.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Queued: len(b.queue), Capacity: b.cfg.Capacity, Dropped: b.dropped}
}

// Stop flushes whatever remains, bounded by ShutdownTimeout, then returns.
// Idempotent. Flush failures during shutdown are logged, not retried.
func (b *Buffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
}

func (b *Buffer) run() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushOnce()
		case <-b.notify:
			b.flushOnce()
		case <-b.stopCh:
			b.finalFlush()
			return
		}
	}
}

// flushOnce sends one batch. On failure the batch is requeued a single time
// so delivery stays at-least-once without retrying forever.
func (b *Buffer) flushOnce() {
	batch := b.take()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
	defer cancel()

	events := make([]Event, len(batch))
	for i, q := range batch {
		events[i] = q.event
	}

	ingested, err := b.sink.SendEvents(ctx, events)
	if err != nil {
		b.logger.Warn("audit flush failed", zap.Int("events", len(events)), zap.Error(err))
		if b.metrics != nil {
			b.metrics.AuditFlushTotal.WithLabelValues("error").Inc()
		}
		b.requeue(batch)
		return
	}

	b.logger.Debug("audit batch flushed",
		zap.Int("sent", len(events)),
		zap.Int("ingested", ingested))
	if b.metrics != nil {
		b.metrics.AuditFlushTotal.WithLabelValues("ok").Inc()
	}
}

func (b *Buffer) finalFlush() {
	b.mu.Lock()
	b.closed = true
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.AuditBufferFill.Set(0)
	}
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout)
	defer cancel()

	events := make([]Event, len(batch))
	for i, q := range batch {
		events[i] = q.event
	}

	if _, err := b.sink.SendEvents(ctx, events); err != nil {
		b.logger.Warn("final audit flush failed, events lost",
			zap.Int("events", len(events)), zap.Error(err))
		if b.metrics != nil {
			b.metrics.AuditFlushTotal.WithLabelValues("error").Inc()
		}
		return
	}
	if b.metrics != nil {
		b.metrics.AuditFlushTotal.WithLabelValues("ok").Inc()
	}
}

func (b *Buffer) take() []queued {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	batch := b.queue
	b.queue = make([]queued, 0, b.cfg.Capacity)
	if b.metrics != nil {
		b.metrics.AuditBufferFill.Set(0)
	}
	return batch
}

// requeue puts failed events back at the head of the queue, dropping any
// that already failed once. Newer events dropped from the tail if the
// combined length exceeds capacity.
func (b *Buffer) requeue(batch []queued) {
	kept := batch[:0]
	for _, q := range batch {
		if q.retried {
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			b.countDrop()
			continue
		}
		q.retried = true
		kept = append(kept, q)
	}
	if len(kept) == 0 {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.dropped += uint64(len(kept))
		b.mu.Unlock()
		return
	}
	merged := append(kept, b.queue...)
	if len(merged) > b.cfg.Capacity {
		over := len(merged) - b.cfg.Capacity
		merged = merged[:b.cfg.Capacity]
		b.dropped += uint64(over)
	}
	b.queue = merged
	n := len(b.queue)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.AuditBufferFill.Set(float64(n))
	}
	if n >= b.cfg.FlushSize {
		select {
		case b.notify <- struct{}{}:
		default:
		}
	}
}

func (b *Buffer) countDrop() {
	if b.metrics != nil {
		b.metrics.AuditDropped.Inc()
	}
}
