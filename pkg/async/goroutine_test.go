package async

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/beacon/pkg/observability"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() (*observability.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return observability.NewLogger(observability.DebugLevel, buf), buf
}

func TestSafeGo_Success(t *testing.T) {
	executed := atomic.Bool{}
	SafeGo(context.Background(), nil, time.Second, "test task", func(ctx context.Context) error {
		executed.Store(true)
		return nil
	})

	assert.Eventually(t, executed.Load, time.Second, 10*time.Millisecond)
}

func TestSafeGo_ErrorIsLogged(t *testing.T) {
	logger, buf := testLogger()
	SafeGo(context.Background(), logger, time.Second, "send batch", func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	assert.Eventually(t, func() bool {
		out := buf.String()
		return bytes.Contains([]byte(out), []byte("connection refused")) &&
			bytes.Contains([]byte(out), []byte("send batch"))
	}, time.Second, 10*time.Millisecond)
}

func TestSafeGo_Timeout(t *testing.T) {
	completed := atomic.Bool{}
	cancelled := atomic.Bool{}

	SafeGo(context.Background(), nil, 50*time.Millisecond, "slow", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			completed.Store(true)
			return nil
		case <-ctx.Done():
			cancelled.Store(true)
			return ctx.Err()
		}
	})

	assert.Eventually(t, cancelled.Load, time.Second, 10*time.Millisecond)
	assert.False(t, completed.Load())
}

func TestSafeGo_ZeroTimeoutFollowsParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := atomic.Bool{}

	SafeGoNoError(ctx, nil, 0, "loop", func(ctx context.Context) {
		<-ctx.Done()
		stopped.Store(true)
	})

	time.Sleep(20 * time.Millisecond)
	assert.False(t, stopped.Load())
	cancel()
	assert.Eventually(t, stopped.Load, time.Second, 10*time.Millisecond)
}

func TestSafeGo_PanicRecovery(t *testing.T) {
	logger, buf := testLogger()
	SafeGo(context.Background(), logger, time.Second, "panicky", func(ctx context.Context) error {
		panic("test panic")
	})

	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(buf.String()), []byte("PANIC recovered"))
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerPool_RunsAllTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), nil, 2, "test pool", time.Second)

	executed := atomic.Int32{}
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			executed.Add(1)
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, int32(10), executed.Load())

	err := pool.Submit(func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestWorkerPool_ReportsErrorsAndPanics(t *testing.T) {
	pool := NewWorkerPool(context.Background(), nil, 2, "test pool", time.Second)

	require.NoError(t, pool.Submit(func(ctx context.Context) error { return errors.New("boom") }))
	require.NoError(t, pool.Submit(func(ctx context.Context) error { panic("bad") }))
	require.NoError(t, pool.Shutdown(time.Second))

	var errs []error
	for len(errs) < 2 {
		select {
		case err := <-pool.Errors():
			errs = append(errs, err)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 errors, got %d", len(errs))
		}
	}
	assert.Len(t, errs, 2)
}

func TestWorkerPool_TaskTimeout(t *testing.T) {
	pool := NewWorkerPool(context.Background(), nil, 1, "test pool", 50*time.Millisecond)
	defer pool.Shutdown(time.Second)

	timedOut := atomic.Bool{}
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			timedOut.Store(true)
			return ctx.Err()
		}
	}))

	assert.Eventually(t, timedOut.Load, time.Second, 10*time.Millisecond)
}

func TestBatch(t *testing.T) {
	executed := atomic.Int32{}
	errs := Batch(context.Background(), nil, []int{1, 2, 3, 4, 5}, 2, "test batch", time.Second,
		func(ctx context.Context, item int) error {
			executed.Add(1)
			if item%2 == 0 {
				return errors.New("even")
			}
			return nil
		})

	assert.Equal(t, int32(5), executed.Load())
	assert.Len(t, errs, 2)
}
