package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(context.Background(), NewPool(db), Config{SkipMigrations: true, DeleteBatchSize: 2})
	require.NoError(t, err)
	return store, mock
}

func TestNewStore_EnsuresTables(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS activity_records").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = NewStore(context.Background(), NewPool(db), Config{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewStore_MigrationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS activity_records").
		WillReturnError(errors.New("permission denied"))

	_, err = NewStore(context.Background(), NewPool(db), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to ensure tables")
}

func TestStore_AppendActivities(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	user := "alice"
	status := 201

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO activity_records")
	prep.ExpectExec().
		WithArgs("a1", "alice", nil, "CREATE", "booking", nil, nil, nil, int64(201), nil, "", "INFO",
			`{"source":"web"}`, sqlmock.AnyArg(), ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs("a2", nil, nil, "READ", "booking", nil, nil, nil, nil, nil, "", "DEBUG",
			nil, sqlmock.AnyArg(), ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.AppendActivities(context.Background(), []activity.ActivityRecord{
		{
			ID: "a1", UserID: &user, Action: activity.ActionCreate, Resource: "booking",
			StatusCode: &status, Severity: activity.SeverityInfo,
			Metadata: activity.Metadata{"source": activity.String("web")}, Timestamp: ts,
		},
		{ID: "a2", Action: activity.ActionRead, Resource: "booking", Severity: activity.SeverityDebug, Timestamp: ts},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendActivitiesRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO activity_records").
		ExpectExec().
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := store.AppendActivities(context.Background(), []activity.ActivityRecord{
		{ID: "a1", Action: activity.ActionRead, Resource: "booking", Severity: activity.SeverityInfo, Timestamp: time.Now()},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert activity a1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendActivitiesEmpty(t *testing.T) {
	store, mock := newMockStore(t)
	require.NoError(t, store.AppendActivities(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendSystemEvent(t *testing.T) {
	store, mock := newMockStore(t)
	ev := activity.NewSystemEvent("retention.emergency_purge", activity.CategorySecurity, "retention", "requested",
		activity.Metadata{"requester": activity.String("root")}, time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC))

	mock.ExpectExec("INSERT INTO system_events").
		WithArgs(ev.ID, "retention.emergency_purge", "SECURITY_EVENT", "retention", nil,
			`{"requester":"root"}`, "requested", ev.Timestamp).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.AppendSystemEvent(context.Background(), ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpsertMetric(t *testing.T) {
	store, mock := newMockStore(t)
	start := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	row := activity.MetricRow{
		ID:          activity.MetricRowID("error_rate", activity.PeriodDay, start),
		MetricType:  "error_rate",
		MetricValue: 12.5,
		MetricUnit:  "percent",
		Period:      activity.PeriodDay,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 0, 1),
	}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (metric_type, period, period_start) DO UPDATE")).
		WithArgs(row.ID, "error_rate", 12.5, "percent", "day", start, start.AddDate(0, 0, 1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.UpsertMetric(context.Background(), row))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CountActivities(t *testing.T) {
	store, mock := newMockStore(t)
	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	user := "alice"

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT COUNT(*) FROM activity_records WHERE timestamp >= $1 AND user_id = $2 AND severity = ANY($3)")).
		WithArgs(from, "alice", `{"ERROR","CRITICAL"}`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))

	n, err := store.CountActivities(context.Background(), storage.ActivityFilter{
		From:        from,
		UserID:      &user,
		MinSeverity: activity.SeverityError,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CountDistinctRejectsUnknownField(t *testing.T) {
	store, mock := newMockStore(t)
	_, err := store.CountDistinct(context.Background(), storage.ActivityFilter{}, storage.DistinctField("password"))
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_BucketActivity(t *testing.T) {
	store, mock := newMockStore(t)
	from := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)

	mock.ExpectQuery(regexp.QuoteMeta("date_trunc('week', timestamp AT TIME ZONE 'UTC')")).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "count", "errors", "users", "avg"}).
			AddRow(from, int64(12), int64(2), int64(4), 35.5))

	buckets, err := store.BucketActivity(context.Background(), storage.ActivityFilter{From: from, To: to}, activity.PeriodWeek)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, from, buckets[0].Start)
	assert.Equal(t, int64(12), buckets[0].Total)
	assert.Equal(t, int64(2), buckets[0].Errors)
	assert.Equal(t, int64(4), buckets[0].UniqueUsers)
	assert.Equal(t, 35.5, buckets[0].AvgDurationMs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GroupActivities(t *testing.T) {
	store, mock := newMockStore(t)
	from := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE timestamp >= $1 AND endpoint IS NOT NULL")).
		WithArgs(from, 5).
		WillReturnRows(sqlmock.NewRows([]string{"endpoint", "count", "errors", "users", "avg"}).
			AddRow("/api/v1/bookings", int64(40), int64(1), int64(9), 120.0).
			AddRow("/api/v1/users", int64(10), int64(0), int64(3), 15.0))

	groups, err := store.GroupActivities(context.Background(), storage.ActivityFilter{From: from}, storage.GroupByEndpoint, 5)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "/api/v1/bookings", groups[0].Key)
	assert.Equal(t, int64(40), groups[0].Count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListSystemEvents(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM system_events WHERE event_category = ANY($1) ORDER BY timestamp DESC LIMIT $2")).
		WithArgs(`{"SECURITY_EVENT"}`, 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_type", "event_category", "source", "source_id", "payload", "status", "timestamp"}).
			AddRow("e1", "login.failed", "SECURITY_EVENT", "auth", nil, []byte(`{"attempts":3}`), "recorded", ts))

	events, err := store.ListSystemEvents(context.Background(), storage.EventFilter{
		Categories: []activity.EventCategory{activity.CategorySecurity},
	}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "login.failed", events[0].EventType)
	n, ok := events[0].Payload["attempts"].Num()
	assert.True(t, ok)
	assert.Equal(t, float64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FetchEligibleActivities(t *testing.T) {
	store, mock := newMockStore(t)
	before := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := before.AddDate(0, 0, -40)

	mock.ExpectQuery(regexp.QuoteMeta(
		"FROM activity_records WHERE timestamp < $1 AND severity = ANY($2) ORDER BY timestamp, id LIMIT $3")).
		WithArgs(before, `{"DEBUG"}`, 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "session_id", "action", "resource", "resource_id", "method", "endpoint",
			"status_code", "duration_ms", "description", "severity", "metadata", "tags", "timestamp",
		}).AddRow("a1", "alice", nil, "READ", "booking", "b-9", "GET", "/api/v1/bookings/{id}",
			int64(200), int64(14), "", "DEBUG", []byte(`{"cached":true}`), []byte(`{hot,api}`), ts))

	batch, err := store.FetchEligible(context.Background(), storage.Selector{
		Target:     storage.TargetActivities,
		Before:     before,
		Severities: []activity.Severity{activity.SeverityDebug},
	}, 100)
	require.NoError(t, err)
	require.Len(t, batch.Activities, 1)

	rec := batch.Activities[0]
	assert.Equal(t, "a1", rec.ID)
	require.NotNil(t, rec.UserID)
	assert.Equal(t, "alice", *rec.UserID)
	assert.Nil(t, rec.SessionID)
	require.NotNil(t, rec.StatusCode)
	assert.Equal(t, 200, *rec.StatusCode)
	assert.Equal(t, []string{"hot", "api"}, rec.Tags)
	cached, ok := rec.Metadata["cached"].Boolean()
	assert.True(t, ok)
	assert.True(t, cached)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteByID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM system_events WHERE id = ANY($1)")).
		WithArgs(`{"e1","e2"}`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.DeleteByID(context.Background(), storage.TargetSystemEvents, []string{"e1", "e2"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteByIDUnknownTarget(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.DeleteByID(context.Background(), storage.Target("users; DROP TABLE x"), []string{"1"})
	assert.Error(t, err)
}

func TestStore_PurgeBeforeWorksInBatches(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	query := regexp.QuoteMeta(
		"DELETE FROM metric_rows WHERE id IN (SELECT id FROM metric_rows WHERE period_start < $1 ORDER BY period_start LIMIT $2)")

	mock.ExpectExec(query).WithArgs(cutoff, 2).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(query).WithArgs(cutoff, 2).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(query).WithArgs(cutoff, 2).WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := store.PurgeBefore(context.Background(), storage.TargetMetrics, cutoff, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PurgeBeforeStopsOnError(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("DELETE FROM activity_records").WillReturnResult(sqlmock.NewResult(0, 10))
	mock.ExpectExec("DELETE FROM activity_records").WillReturnError(errors.New("deadlock detected"))

	n, err := store.PurgeBefore(context.Background(), storage.TargetActivities, cutoff, 10)
	require.Error(t, err)
	assert.Equal(t, int64(10), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
