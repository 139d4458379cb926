package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/observability"
	"github.com/platinummonkey/beacon/pkg/storage"
)

// QueueConfig bounds the capture queue
type QueueConfig struct {
	// Capacity is the maximum number of records held. When full, the oldest
	// record is evicted to make room.
	Capacity int
	// Workers is the number of background writers
	Workers int
	// BatchSize is the maximum number of records per store write
	BatchSize int
	// WriteTimeout bounds each store write
	WriteTimeout time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Capacity <= 0 {
		c.Capacity = 4096
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Stats is a snapshot of queue counters
type Stats struct {
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
	Written  uint64 `json:"written"`
	Failed   uint64 `json:"failed"`
	Depth    int    `json:"depth"`
}

// Queue is a bounded, drop-oldest buffer between request handlers and the
// event store. Enqueue never blocks.
type Queue struct {
	writer  storage.ActivityWriter
	cfg     QueueConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	pending []activity.ActivityRecord
	closed  bool

	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	written  atomic.Uint64
	failed   atomic.Uint64
}

// NewQueue starts a queue with cfg.Workers background writers
func NewQueue(writer storage.ActivityWriter, cfg QueueConfig, logger *observability.Logger, metrics *observability.Metrics) *Queue {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if metrics == nil {
		metrics = observability.NewDiscardMetrics()
	}
	q := &Queue{
		writer:  writer,
		cfg:     cfg,
		logger:  logger.WithField("component", "capture_queue"),
		metrics: metrics,
		pending: make([]activity.ActivityRecord, 0, cfg.Capacity),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue adds rec. It reports false once the queue is closed.
func (q *Queue) Enqueue(rec activity.ActivityRecord) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.pending) >= q.cfg.Capacity {
		copy(q.pending, q.pending[1:])
		q.pending = q.pending[:len(q.pending)-1]
		q.dropped.Add(1)
		q.metrics.CaptureDroppedTotal.Inc()
	}
	q.pending = append(q.pending, rec)
	depth := len(q.pending)
	q.mu.Unlock()

	q.enqueued.Add(1)
	q.metrics.CaptureEnqueuedTotal.Inc()
	q.metrics.CaptureQueueDepth.Set(float64(depth))

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Stats returns a snapshot of the queue counters
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	depth := len(q.pending)
	q.mu.Unlock()
	return Stats{
		Enqueued: q.enqueued.Load(),
		Dropped:  q.dropped.Load(),
		Written:  q.written.Load(),
		Failed:   q.failed.Load(),
		Depth:    depth,
	}
}

// Close stops intake and waits for the workers to drain what is queued. If
// ctx expires first, the records still pending are reported in the error.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.stop)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("capture queue closed with %d record(s) pending: %w", q.Stats().Depth, ctx.Err())
	}
}

func (q *Queue) take() []activity.ActivityRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if n == 0 {
		return nil
	}
	if n > q.cfg.BatchSize {
		n = q.cfg.BatchSize
	}
	batch := make([]activity.ActivityRecord, n)
	copy(batch, q.pending[:n])
	q.pending = append(q.pending[:0], q.pending[n:]...)
	q.metrics.CaptureQueueDepth.Set(float64(len(q.pending)))
	return batch
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		q.drain()
		select {
		case <-q.notify:
		case <-q.stop:
			q.drain()
			return
		}
	}
}

func (q *Queue) drain() {
	for {
		batch := q.take()
		if len(batch) == 0 {
			return
		}
		q.write(batch)
	}
}

func (q *Queue) write(batch []activity.ActivityRecord) {
	defer observability.RecoverPanic(q.logger, "capture write")

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.WriteTimeout)
	defer cancel()

	if err := q.writer.AppendActivities(ctx, batch); err != nil {
		q.failed.Add(uint64(len(batch)))
		q.metrics.CaptureWriteFailuresTotal.Add(float64(len(batch)))
		werr := &activity.TransientIngestionError{Op: "append", Err: err}
		q.logger.WithError(werr).WithField("records", len(batch)).Warn("dropping captured activity")
		return
	}
	q.written.Add(uint64(len(batch)))
}
