package rollup

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/observability"
	"github.com/platinummonkey/beacon/pkg/storage"
	"github.com/platinummonkey/beacon/pkg/storage/redisstore"
)

// 2024-03-13 is a Wednesday
var wednesday = time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)

func record(id, userID, session string, action activity.Action, sev activity.Severity, ts time.Time, dur int64) activity.ActivityRecord {
	r := activity.ActivityRecord{
		ID:        id,
		UserID:    activity.StringPtr(userID),
		SessionID: activity.StringPtr(session),
		Action:    action,
		Resource:  "booking",
		Severity:  sev,
		Timestamp: ts,
	}
	if dur >= 0 {
		r.DurationMs = &dur
	}
	return r
}

func seededStore(t *testing.T, day time.Time) *storage.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := storage.NewMemoryStore()
	require.NoError(t, s.AppendActivities(ctx, []activity.ActivityRecord{
		record("1", "u1", "s1", activity.ActionLogin, activity.SeverityWarn, day.Add(1*time.Hour), -1),
		record("2", "u1", "s1", activity.ActionRead, activity.SeverityInfo, day.Add(2*time.Hour), 100),
		record("3", "u2", "s2", activity.ActionRead, activity.SeverityError, day.Add(3*time.Hour), 300),
		record("4", "", "", activity.ActionCreate, activity.SeverityCritical, day.Add(4*time.Hour), -1),
		record("5", "u3", "s3", activity.ActionRead, activity.SeverityInfo, day.AddDate(0, 0, 1).Add(time.Hour), 50),
	}))
	require.NoError(t, s.AppendSystemEvent(ctx,
		activity.NewSystemEvent("auth.lockout", activity.CategorySecurity, "auth", "recorded", nil, day.Add(5*time.Hour))))
	return s
}

func newTestGenerator(s *storage.MemoryStore, w storage.MetricWriter) *Generator {
	if w == nil {
		w = s
	}
	return NewGenerator(s, w, Config{Workers: 3}, observability.NewNopLogger(), nil)
}

func valuesByType(rows []activity.MetricRow) map[string]float64 {
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.MetricType] = r.MetricValue
	}
	return out
}

func TestGeneratePeriodMetrics_Day(t *testing.T) {
	s := seededStore(t, wednesday)
	g := newTestGenerator(s, nil)

	summary, err := g.GeneratePeriodMetrics(context.Background(), activity.PeriodDay, wednesday.Add(15*time.Hour))
	require.NoError(t, err)
	assert.True(t, summary.OK())
	assert.Equal(t, wednesday, summary.PeriodStart)
	assert.Equal(t, wednesday.AddDate(0, 0, 1), summary.PeriodEnd)
	require.Len(t, summary.Rows, len(MetricTypes()))

	assert.Equal(t, map[string]float64{
		MetricTotalActivities: 4,
		MetricActiveUsers:     2,
		MetricUniqueSessions:  2,
		MetricErrorCount:      2,
		MetricErrorRate:       50,
		MetricAvgResponseTime: 200,
		MetricFailedLogins:    1,
		MetricSecurityEvents:  1,
	}, valuesByType(summary.Rows))

	stored, err := s.ListMetrics(context.Background(), storage.MetricFilter{Period: activity.PeriodDay})
	require.NoError(t, err)
	assert.Len(t, stored, len(MetricTypes()))
	for _, row := range stored {
		assert.Equal(t, activity.MetricRowID(row.MetricType, activity.PeriodDay, wednesday), row.ID)
	}
}

func TestGeneratePeriodMetrics_Idempotent(t *testing.T) {
	s := seededStore(t, wednesday)
	g := newTestGenerator(s, nil)
	ctx := context.Background()

	first, err := g.GeneratePeriodMetrics(ctx, activity.PeriodDay, wednesday)
	require.NoError(t, err)
	second, err := g.GeneratePeriodMetrics(ctx, activity.PeriodDay, wednesday)
	require.NoError(t, err)

	assert.Equal(t, first.Rows, second.Rows)
	assert.Equal(t, len(MetricTypes()), s.Len(storage.TargetMetrics))
}

func TestGeneratePeriodMetrics_EmptyPeriod(t *testing.T) {
	s := storage.NewMemoryStore()
	g := newTestGenerator(s, nil)

	summary, err := g.GeneratePeriodMetrics(context.Background(), activity.PeriodHour, wednesday)
	require.NoError(t, err)
	for _, v := range valuesByType(summary.Rows) {
		assert.Zero(t, v)
	}
}

type failingWriter struct {
	storage.MetricWriter
	failType string
}

func (f *failingWriter) UpsertMetric(ctx context.Context, row activity.MetricRow) error {
	if row.MetricType == f.failType {
		return errors.New("disk full")
	}
	return f.MetricWriter.UpsertMetric(ctx, row)
}

func TestGeneratePeriodMetrics_UnitFailureIsIsolated(t *testing.T) {
	s := seededStore(t, wednesday)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	g := NewGenerator(s, &failingWriter{MetricWriter: s, failType: MetricErrorRate}, Config{}, observability.NewNopLogger(), metrics)

	summary, err := g.GeneratePeriodMetrics(context.Background(), activity.PeriodDay, wednesday)
	var aggErr *activity.AggregationError
	require.True(t, errors.As(err, &aggErr))
	require.Len(t, aggErr.Units, 1)
	assert.Contains(t, aggErr.Units[MetricErrorRate].Error(), "disk full")

	assert.False(t, summary.OK())
	assert.Equal(t, []string{MetricErrorRate}, summary.FailedUnits())
	assert.Len(t, summary.Rows, len(MetricTypes())-1)
	assert.Equal(t, len(MetricTypes())-1, s.Len(storage.TargetMetrics))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RollupUnitsTotal.WithLabelValues("day", MetricErrorRate, "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RollupUnitsTotal.WithLabelValues("day", MetricTotalActivities, "ok")))
}

func TestGeneratePeriodMetrics_InvalidPeriod(t *testing.T) {
	g := newTestGenerator(storage.NewMemoryStore(), nil)
	_, err := g.GeneratePeriodMetrics(context.Background(), "decade", wednesday)
	var verr *activity.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestGeneratePeriodMetrics_RecordsRun(t *testing.T) {
	s := seededStore(t, wednesday)
	g := newTestGenerator(s, nil).WithEventWriter(s)

	_, err := g.GeneratePeriodMetrics(context.Background(), activity.PeriodDay, wednesday)
	require.NoError(t, err)

	events, err := s.ListSystemEvents(context.Background(), storage.EventFilter{
		Categories: []activity.EventCategory{activity.CategoryBatchJob},
	}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "metrics.rollup", events[0].EventType)
	assert.Equal(t, "completed", events[0].Status)
}

func TestGenerateForDay(t *testing.T) {
	tests := []struct {
		name    string
		day     time.Time
		periods []activity.Period
	}{
		{"midweek", wednesday, []activity.Period{activity.PeriodDay}},
		{"sunday", time.Date(2024, 3, 17, 10, 0, 0, 0, time.UTC), []activity.Period{activity.PeriodDay, activity.PeriodWeek}},
		{"month end", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), []activity.Period{activity.PeriodDay, activity.PeriodMonth}},
		{"sunday month end", time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), []activity.Period{activity.PeriodDay, activity.PeriodWeek, activity.PeriodMonth}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGenerator(storage.NewMemoryStore(), nil)
			summaries, err := g.GenerateForDay(context.Background(), tt.day)
			require.NoError(t, err)

			var got []activity.Period
			for _, s := range summaries {
				got = append(got, s.Period)
				assert.True(t, s.PeriodEnd.After(tt.day))
			}
			assert.Equal(t, tt.periods, got)
		})
	}
}

func TestGenerateForDay_MergesFailures(t *testing.T) {
	s := storage.NewMemoryStore()
	sunday := time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC)
	g := NewGenerator(s, &failingWriter{MetricWriter: s, failType: MetricActiveUsers}, Config{}, observability.NewNopLogger(), nil)

	summaries, err := g.GenerateForDay(context.Background(), sunday)
	require.Len(t, summaries, 2)
	var aggErr *activity.AggregationError
	require.True(t, errors.As(err, &aggErr))
	assert.Contains(t, aggErr.Units, "day/"+MetricActiveUsers)
	assert.Contains(t, aggErr.Units, "week/"+MetricActiveUsers)
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redisstore.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "beacon:")
	locker := NewRedisLocker(client, time.Minute)
	ctx := context.Background()

	s := seededStore(t, wednesday)
	g := newTestGenerator(s, nil).WithLocker(locker)

	release, err := locker.Acquire(ctx, fmt.Sprintf("day:%d", wednesday.Unix()))
	require.NoError(t, err)

	_, err = g.GeneratePeriodMetrics(ctx, activity.PeriodDay, wednesday)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, 0, s.Len(storage.TargetMetrics))

	require.NoError(t, release(ctx))
	_, err = g.GeneratePeriodMetrics(ctx, activity.PeriodDay, wednesday)
	require.NoError(t, err)
	assert.False(t, mr.Exists(fmt.Sprintf("beacon:rollup:lock:day:%d", wednesday.Unix())))
}

func TestRedisLocker_ExpiredHolderCannotRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redisstore.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	locker := NewRedisLocker(client, time.Second)
	ctx := context.Background()

	staleRelease, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = locker.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, staleRelease(ctx))
	assert.True(t, mr.Exists("rollup:lock:k"))
}
