package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/beacon/pkg/activity"
)

// ErrClosed is returned by Track after Close
var ErrClosed = errors.New("collector is closed")

// TrackingLevel controls how much client context is attached to each event
type TrackingLevel string

const (
	LevelMinimal  TrackingLevel = "minimal"
	LevelStandard TrackingLevel = "standard"
	LevelDetailed TrackingLevel = "detailed"
	LevelVerbose  TrackingLevel = "verbose"
)

// Config controls buffering and delivery
type Config struct {
	Enabled       bool
	TrackingLevel TrackingLevel
	// DebounceInterval is the quiet period after the last enqueue before an
	// automatic flush
	DebounceInterval time.Duration
	BatchSize        int
	AutoFlush        bool
	// MaxRetries is how many failed flushes an event survives before it is dropped
	MaxRetries int
	// MaxBackoff caps the delay before retrying after failed flushes
	MaxBackoff  time.Duration
	SendTimeout time.Duration
}

// DefaultConfig returns an enabled, auto-flushing configuration
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		TrackingLevel:    LevelStandard,
		DebounceInterval: 2 * time.Second,
		BatchSize:        10,
		AutoFlush:        true,
		MaxRetries:       5,
		MaxBackoff:       time.Minute,
		SendTimeout:      10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TrackingLevel == "" {
		c.TrackingLevel = d.TrackingLevel
	}
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = d.DebounceInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	return c
}

type entry struct {
	rec      activity.ActivityRecord
	attempts int
}

// Stats is a snapshot of collector counters
type Stats struct {
	Buffered int    `json:"buffered"`
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
	Failures int    `json:"consecutiveFailures"`
}

// Collector buffers events on the client and delivers them in batches.
// ERROR and CRITICAL events skip the buffer. A Collector is meant for a single
// flow of events; separate instances share nothing.
type Collector struct {
	cfg       Config
	transport Transport
	log       *logrus.Logger
	id        string
	now       func() time.Time

	mu       sync.Mutex
	buffer   []entry
	timer    *time.Timer
	failures int
	retryAt  time.Time // automatic flushes wait for it after a failure
	closed   bool
	seq      uint64
	sent     uint64
	dropped  uint64

	flushMu  sync.Mutex
	inflight sync.WaitGroup
}

// New creates a collector delivering through transport
func New(cfg Config, transport Transport, log *logrus.Logger) *Collector {
	if log == nil {
		log = logrus.New()
	}
	return &Collector{
		cfg:       cfg.withDefaults(),
		transport: transport,
		log:       log,
		id:        uuid.NewString(),
		now:       time.Now,
	}
}

// ID identifies this collector instance in attached context
func (c *Collector) ID() string {
	return c.id
}

// Track accepts an event. Invalid events are rejected with a *ValidationError.
func (c *Collector) Track(rec activity.ActivityRecord) error {
	if !c.cfg.Enabled {
		return nil
	}
	rec.Normalize(c.now())
	if err := rec.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.seq++
	c.attachContext(&rec, c.seq)

	if rec.Severity.IsImmediate() {
		c.inflight.Add(1)
		c.mu.Unlock()
		go c.sendImmediate(rec)
		return nil
	}

	c.buffer = append(c.buffer, entry{rec: rec})
	full := len(c.buffer) >= c.cfg.BatchSize
	wait := c.retryWaitLocked()
	flushNow := full && wait <= 0
	if flushNow {
		c.stopTimerLocked()
		c.inflight.Add(1)
	} else if full || c.cfg.AutoFlush {
		delay := wait
		if !full && c.cfg.DebounceInterval > delay {
			delay = c.cfg.DebounceInterval
		}
		c.scheduleLocked(delay)
	}
	c.mu.Unlock()

	if flushNow {
		go func() {
			defer c.inflight.Done()
			c.flushInBackground("batch full")
		}()
	}
	return nil
}

// sendImmediate delivers one event alone with a single attempt
func (c *Collector) sendImmediate(rec activity.ActivityRecord) {
	defer c.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("panic in immediate send")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
	defer cancel()

	if err := c.transport.Send(ctx, rec); err != nil {
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		c.log.WithError(err).WithFields(logrus.Fields{
			"event_id": rec.ID,
			"severity": rec.Severity,
		}).Error("failed to send immediate event")
		return
	}
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

func (c *Collector) flushInBackground(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		c.log.WithError(err).WithField("reason", reason).Warn("flush failed, events re-buffered")
	}
}

// Flush sends the whole buffer as one batch. On failure the batch goes back to
// the front of the buffer, ahead of anything tracked meanwhile. Flushes are
// serialized so batches leave in enqueue order.
func (c *Collector) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	batch := c.buffer
	c.buffer = nil
	c.stopTimerLocked()
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	recs := make([]activity.ActivityRecord, len(batch))
	for i, e := range batch {
		recs[i] = e.rec
	}

	err := c.transport.SendBatch(ctx, recs)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.failures = 0
		c.retryAt = time.Time{}
		c.sent += uint64(len(batch))
		return nil
	}

	c.failures++
	kept := make([]entry, 0, len(batch)+len(c.buffer))
	for _, e := range batch {
		e.attempts++
		if e.attempts > c.cfg.MaxRetries {
			c.dropped++
			c.log.WithFields(logrus.Fields{
				"event_id": e.rec.ID,
				"attempts": e.attempts,
			}).Error("dropping event after exhausting retries")
			continue
		}
		kept = append(kept, e)
	}
	c.buffer = append(kept, c.buffer...)
	backoff := c.backoffLocked()
	c.retryAt = c.now().Add(backoff)
	if c.cfg.AutoFlush && !c.closed && len(c.buffer) > 0 {
		c.scheduleLocked(backoff)
	}
	return &activity.TransientIngestionError{Op: "flush", Err: err}
}

// Close stops intake, waits for in-flight sends and flushes once. If that
// flush fails the error reports how many events are still undelivered; they
// remain available from Pending.
func (c *Collector) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimerLocked()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("collector close: waiting for in-flight sends: %w", ctx.Err())
	}

	if err := c.Flush(ctx); err != nil {
		c.mu.Lock()
		n := len(c.buffer)
		c.mu.Unlock()
		return fmt.Errorf("collector closed with %d undelivered event(s): %w", n, err)
	}
	return nil
}

// Pending returns a copy of the buffered events in enqueue order
func (c *Collector) Pending() []activity.ActivityRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]activity.ActivityRecord, len(c.buffer))
	for i, e := range c.buffer {
		out[i] = e.rec
	}
	return out
}

// Stats returns a snapshot of the collector counters
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Buffered: len(c.buffer),
		Sent:     c.sent,
		Dropped:  c.dropped,
		Failures: c.failures,
	}
}

func (c *Collector) scheduleLocked(delay time.Duration) {
	c.stopTimerLocked()
	c.timer = time.AfterFunc(delay, func() {
		c.flushInBackground("debounce")
	})
}

func (c *Collector) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// retryWaitLocked is how long automatic flushes must still wait after the
// last failure
func (c *Collector) retryWaitLocked() time.Duration {
	if c.failures == 0 || c.retryAt.IsZero() {
		return 0
	}
	return c.retryAt.Sub(c.now())
}

// backoffLocked doubles the debounce interval per consecutive failure
func (c *Collector) backoffLocked() time.Duration {
	delay := c.cfg.DebounceInterval
	for i := 0; i < c.failures && delay < c.cfg.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > c.cfg.MaxBackoff {
		delay = c.cfg.MaxBackoff
	}
	return delay
}

func (c *Collector) attachContext(rec *activity.ActivityRecord, seq uint64) {
	if c.cfg.TrackingLevel == LevelMinimal {
		return
	}
	fields := map[string]activity.Value{
		"collectorId": activity.String(c.id),
		"sequence":    activity.Int(int64(seq)),
	}
	if c.cfg.TrackingLevel == LevelDetailed || c.cfg.TrackingLevel == LevelVerbose {
		fields["clientTimestamp"] = activity.String(c.now().UTC().Format(time.RFC3339Nano))
		fields["trackingLevel"] = activity.String(string(c.cfg.TrackingLevel))
	}
	if c.cfg.TrackingLevel == LevelVerbose {
		host, _ := os.Hostname()
		fields["host"] = activity.String(host)
		fields["os"] = activity.String(runtime.GOOS)
		fields["arch"] = activity.String(runtime.GOARCH)
		fields["runtime"] = activity.String(runtime.Version())
	}
	rec.Metadata = rec.Metadata.Clone()
	rec.Metadata.Set("client", activity.Map(fields))
}
