package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/beacon/pkg/authz"
	"github.com/platinummonkey/beacon/pkg/observability"
	"github.com/platinummonkey/beacon/pkg/storage/redisstore"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLocalLimiter(cfg RateLimitConfig) (*LocalLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLocalLimiter(cfg)
	l.now = clock.now
	return l, clock
}

func TestLocalLimiter_Allow(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Second, BurstSize: 2}
	l, clock := newTestLocalLimiter(cfg)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 20; i++ {
		d, err := l.Allow(ctx, "user:a")
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 12, allowed, "rate plus burst")

	d, err := l.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.Reset, time.Duration(0))

	// other keys have their own bucket
	d, err = l.Allow(ctx, "user:b")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 11, d.Remaining)

	clock.advance(time.Second)
	allowed = 0
	for i := 0; i < 20; i++ {
		d, _ := l.Allow(ctx, "user:a")
		if d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed, "one window refills the rate, not the burst")
}

func TestLocalLimiter_Cleanup(t *testing.T) {
	l, clock := newTestLocalLimiter(RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Second})
	_, _ = l.Allow(context.Background(), "ip:10.0.0.1")
	require.Len(t, l.buckets, 1)

	clock.advance(time.Second)
	l.Cleanup()
	assert.Len(t, l.buckets, 1)

	clock.advance(2 * time.Second)
	l.Cleanup()
	assert.Empty(t, l.buckets)
}

func TestRateLimitConfig_Defaults(t *testing.T) {
	cfg := RateLimitConfig{BurstSize: -3}.withDefaults()
	assert.Equal(t, 600, cfg.RequestsPerWindow)
	assert.Equal(t, time.Minute, cfg.WindowDuration)
	assert.Equal(t, 0, cfg.BurstSize)
}

func TestRedisLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redisstore.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "beacon:")
	l := NewRedisLimiter(client, RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute, BurstSize: 1}, "")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "user:a")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := l.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.Reset, time.Duration(0))
	assert.LessOrEqual(t, d.Reset, time.Minute)
	assert.True(t, mr.Exists("beacon:ratelimit:user:a"))

	mr.FastForward(time.Minute + time.Second)
	d, err = l.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a new window starts after expiry")
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redisstore.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), "")
	l := NewRedisLimiter(client, RateLimitConfig{}, "")
	mr.Close()

	_, err := l.Allow(context.Background(), "ip:10.0.0.1")
	require.Error(t, err)
}

type stubLimiter struct {
	decision Decision
	err      error
	keys     []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (Decision, error) {
	s.keys = append(s.keys, key)
	return s.decision, s.err
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
}

func TestRateLimit_Middleware(t *testing.T) {
	tests := []struct {
		name       string
		limiter    *stubLimiter
		principal  *authz.Principal
		remoteAddr string
		headers    map[string]string
		wantStatus int
		wantKey    string
		wantMetric string
	}{
		{
			name:       "allowed user",
			limiter:    &stubLimiter{decision: Decision{Allowed: true, Limit: 10, Remaining: 9}},
			principal:  &authz.Principal{UserID: "u1", Role: authz.RoleUser},
			wantStatus: http.StatusAccepted,
			wantKey:    "user:u1",
		},
		{
			name:       "anonymous keyed by remote address",
			limiter:    &stubLimiter{decision: Decision{Allowed: true, Limit: 10, Remaining: 9}},
			remoteAddr: "192.0.2.10:5123",
			wantStatus: http.StatusAccepted,
			wantKey:    "ip:192.0.2.10",
		},
		{
			name:       "anonymous keyed by first forwarded address",
			limiter:    &stubLimiter{decision: Decision{Allowed: true, Limit: 10, Remaining: 9}},
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"},
			wantStatus: http.StatusAccepted,
			wantKey:    "ip:203.0.113.7",
		},
		{
			name:       "limited",
			limiter:    &stubLimiter{decision: Decision{Limit: 10, Reset: 1500 * time.Millisecond}},
			headers:    map[string]string{"X-Real-IP": "198.51.100.4"},
			wantStatus: http.StatusTooManyRequests,
			wantKey:    "ip:198.51.100.4",
			wantMetric: "limited",
		},
		{
			name:       "limiter error fails open",
			limiter:    &stubLimiter{err: errors.New("redis down")},
			principal:  &authz.Principal{UserID: "u2", Role: authz.RoleAdmin},
			wantStatus: http.StatusAccepted,
			wantKey:    "user:u2",
			wantMetric: "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := observability.NewDiscardMetrics()
			h := RateLimit(tt.limiter, observability.NewNopLogger(), metrics)(okHandler())

			req := httptest.NewRequest(http.MethodPost, "/api/v1/activity/batch", nil)
			if tt.remoteAddr != "" {
				req.RemoteAddr = tt.remoteAddr
			}
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if tt.principal != nil {
				req = req.WithContext(authz.WithPrincipal(req.Context(), *tt.principal))
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, []string{tt.wantKey}, tt.limiter.keys)
			if tt.wantMetric != "" {
				assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RateLimitedTotal.WithLabelValues(tt.wantMetric)))
			}
			if tt.wantStatus == http.StatusTooManyRequests {
				assert.Equal(t, "2", rec.Header().Get("Retry-After"))
				assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
				assert.Contains(t, rec.Body.String(), "rate limit exceeded")
			}
		})
	}
}
