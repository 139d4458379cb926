package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/observability"
	"github.com/platinummonkey/beacon/pkg/storage"
)

func rec(id string) activity.ActivityRecord {
	return activity.ActivityRecord{
		ID: id, Action: activity.ActionRead, Resource: "booking",
		Severity: activity.SeverityInfo, Timestamp: time.Now().UTC(),
	}
}

type blockingWriter struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu  sync.Mutex
	ids []string
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{started: make(chan struct{}), release: make(chan struct{})}
}

func (w *blockingWriter) AppendActivities(ctx context.Context, records []activity.ActivityRecord) error {
	w.once.Do(func() { close(w.started) })
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range records {
		w.ids = append(w.ids, r.ID)
	}
	return nil
}

func (w *blockingWriter) AppendSystemEvent(ctx context.Context, ev activity.SystemEvent) error {
	return nil
}

type failingWriter struct{}

func (failingWriter) AppendActivities(context.Context, []activity.ActivityRecord) error {
	return errors.New("connection refused")
}

func (failingWriter) AppendSystemEvent(context.Context, activity.SystemEvent) error {
	return errors.New("connection refused")
}

func TestQueue_WritesAndDrainsOnClose(t *testing.T) {
	store := storage.NewMemoryStore()
	q := NewQueue(store, QueueConfig{Workers: 3, BatchSize: 7}, observability.NewNopLogger(), nil)

	for i := 0; i < 100; i++ {
		require.True(t, q.Enqueue(rec(fmt.Sprintf("r%d", i))))
	}
	require.NoError(t, q.Close(context.Background()))

	assert.Equal(t, 100, store.Len(storage.TargetActivities))
	stats := q.Stats()
	assert.Equal(t, uint64(100), stats.Enqueued)
	assert.Equal(t, uint64(100), stats.Written)
	assert.Zero(t, stats.Dropped)
	assert.Zero(t, stats.Depth)

	assert.False(t, q.Enqueue(rec("late")), "closed queue rejects records")
	assert.NoError(t, q.Close(context.Background()), "second close is a no-op")
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	w := newBlockingWriter()
	metrics := observability.NewDiscardMetrics()
	q := NewQueue(w, QueueConfig{Capacity: 2, Workers: 1, BatchSize: 1}, observability.NewNopLogger(), metrics)

	q.Enqueue(rec("r0"))
	<-w.started // the worker holds r0 in a blocked write

	q.Enqueue(rec("r1"))
	q.Enqueue(rec("r2"))
	q.Enqueue(rec("r3")) // evicts r1

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 2, stats.Depth)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CaptureDroppedTotal))

	close(w.release)
	require.NoError(t, q.Close(context.Background()))

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(t, []string{"r0", "r2", "r3"}, w.ids)
}

func TestQueue_WriteFailureIsCountedNotPropagated(t *testing.T) {
	metrics := observability.NewDiscardMetrics()
	q := NewQueue(failingWriter{}, QueueConfig{Workers: 1}, observability.NewNopLogger(), metrics)

	q.Enqueue(rec("a"))
	q.Enqueue(rec("b"))
	require.NoError(t, q.Close(context.Background()))

	assert.Equal(t, uint64(2), q.Stats().Failed)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.CaptureWriteFailuresTotal))
}

func TestQueue_CloseHonoursDeadline(t *testing.T) {
	w := newBlockingWriter()
	q := NewQueue(w, QueueConfig{Workers: 1, BatchSize: 1}, observability.NewNopLogger(), nil)
	q.Enqueue(rec("stuck"))
	<-w.started
	q.Enqueue(rec("waiting"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Close(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "1 record(s) pending")

	close(w.release)
}
