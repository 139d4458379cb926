//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/storage"
)

func setupIntegrationStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("beacon_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(ctx, Config{Pool: PoolConfig{PrimaryURL: connStr}, DeleteBatchSize: 2}, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})
	return store
}

func TestIntegration_StoreRoundTrip(t *testing.T) {
	store := setupIntegrationStore(t)
	ctx := context.Background()
	day := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC) // Monday
	alice := "alice"
	dur := int64(40)

	records := []activity.ActivityRecord{
		{ID: "r1", UserID: &alice, Action: activity.ActionRead, Resource: "booking", Severity: activity.SeverityInfo,
			DurationMs: &dur, Tags: []string{"api"}, Metadata: activity.Metadata{"ip": activity.String("10.0.0.1")},
			Timestamp: day.Add(time.Hour)},
		{ID: "r2", Action: activity.ActionSystemError, Resource: "booking", Severity: activity.SeverityCritical,
			Timestamp: day.AddDate(0, 0, 2)},
		{ID: "r3", UserID: &alice, Action: activity.ActionLogin, Resource: "session", Severity: activity.SeverityWarn,
			Timestamp: day.AddDate(0, 0, -30)},
	}
	require.NoError(t, store.AppendActivities(ctx, records))
	// duplicate ids are ignored
	require.NoError(t, store.AppendActivities(ctx, records[:1]))

	n, err := store.CountActivities(ctx, storage.ActivityFilter{From: day, To: day.AddDate(0, 0, 7)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	weekly, err := store.BucketActivity(ctx, storage.ActivityFilter{From: day, To: day.AddDate(0, 0, 7)}, activity.PeriodWeek)
	require.NoError(t, err)
	require.Len(t, weekly, 1)
	assert.Equal(t, day, weekly[0].Start)
	assert.Equal(t, int64(1), weekly[0].Errors)

	start := day
	row := activity.MetricRow{
		ID: activity.MetricRowID("total_activities", activity.PeriodDay, start), MetricType: "total_activities",
		MetricValue: 1, Period: activity.PeriodDay, PeriodStart: start, PeriodEnd: start.AddDate(0, 0, 1),
	}
	require.NoError(t, store.UpsertMetric(ctx, row))
	row.MetricValue = 2
	require.NoError(t, store.UpsertMetric(ctx, row))
	metrics, err := store.ListMetrics(ctx, storage.MetricFilter{Period: activity.PeriodDay})
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, float64(2), metrics[0].MetricValue)

	sel := storage.Selector{Target: storage.TargetActivities, Before: day}
	batch, err := store.FetchEligible(ctx, sel, 10)
	require.NoError(t, err)
	require.Len(t, batch.Activities, 1)
	assert.Equal(t, "r3", batch.Activities[0].ID)

	deleted, err := store.DeleteByID(ctx, storage.TargetActivities, batch.IDs())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	purged, err := store.PurgeBefore(ctx, storage.TargetActivities, day.AddDate(0, 0, 7), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)
}
