package retention

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/authz"
	"github.com/platinummonkey/beacon/pkg/observability"
	"github.com/platinummonkey/beacon/pkg/storage"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func addActivities(t *testing.T, s *storage.MemoryStore, n int, sev activity.Severity, age time.Duration) {
	t.Helper()
	recs := make([]activity.ActivityRecord, n)
	for i := range recs {
		recs[i] = activity.ActivityRecord{
			ID:        fmt.Sprintf("%s-%s-%d", sev, age, i),
			Action:    activity.ActionRead,
			Resource:  "booking",
			Severity:  sev,
			Timestamp: fixedNow.Add(-age).Add(time.Duration(i) * time.Second),
		}
	}
	require.NoError(t, s.AppendActivities(context.Background(), recs))
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func newTestEngine(t *testing.T, s Store, sink ArchiveSink, metrics *observability.Metrics, policies ...Policy) *Engine {
	t.Helper()
	ps, err := NewPolicyStore(policies...)
	require.NoError(t, err)
	e := NewEngine(s, ps, sink, Config{BatchSize: 30}, observability.NewNopLogger(), metrics)
	e.now = func() time.Time { return fixedNow }
	return e
}

func debugPolicy(archive bool) Policy {
	return Policy{
		Name:                "debug-30",
		AppliesTo:           Scope{Target: storage.TargetActivities, Severities: []activity.Severity{activity.SeverityDebug}},
		MaxAgeDays:          30,
		ArchiveBeforeDelete: archive,
		Enabled:             true,
	}
}

func TestExecuteCleanup_DryRunThenLive(t *testing.T) {
	s := storage.NewMemoryStore()
	addActivities(t, s, 100, activity.SeverityDebug, days(40))
	addActivities(t, s, 50, activity.SeverityInfo, days(40))
	addActivities(t, s, 20, activity.SeverityDebug, days(10))

	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	e := newTestEngine(t, s, sink, metrics, debugPolicy(true))
	ctx := context.Background()

	dry, err := e.ExecuteCleanup(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []State{StateRequested, StateDryRun, StateCompleted}, dry.History)
	require.Len(t, dry.Policies, 1)
	assert.Equal(t, int64(100), dry.Policies[0].Eligible)
	assert.Zero(t, dry.TotalDeleted())
	assert.Equal(t, 170, s.Len(storage.TargetActivities))

	live, err := e.ExecuteCleanup(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []State{StateRequested, StateExecuting, StateCompleted}, live.History)
	res := live.Policies[0]
	assert.Equal(t, dry.Policies[0].Eligible, res.Deleted)
	assert.Equal(t, int64(100), res.Archived)
	assert.Equal(t, 4, res.Batches)
	assert.Len(t, res.Archives, 4)
	assert.Equal(t, 70, s.Len(storage.TargetActivities))

	var archived int
	for _, path := range res.Archives {
		archived += countLines(t, readFile(t, path))
	}
	assert.Equal(t, 100, archived)

	assert.Equal(t, 100.0, testutil.ToFloat64(metrics.RetentionRecordsTotal.WithLabelValues("debug-30", "deleted")))
	assert.Equal(t, 100.0, testutil.ToFloat64(metrics.RetentionRecordsTotal.WithLabelValues("debug-30", "archived")))

	again, err := e.ExecuteCleanup(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, again.TotalEligible())
}

func TestExecuteCleanup_ArchiveFailureAbortsDeletes(t *testing.T) {
	s := storage.NewMemoryStore()
	addActivities(t, s, 10, activity.SeverityDebug, days(40))
	addActivities(t, s, 5, activity.SeverityInfo, days(100))

	routine := Policy{
		Name:       "info-90",
		AppliesTo:  Scope{Target: storage.TargetActivities, Severities: []activity.Severity{activity.SeverityInfo}},
		MaxAgeDays: 90,
		Enabled:    true,
	}
	e := newTestEngine(t, s, nil, nil, debugPolicy(true), routine)

	report, err := e.ExecuteCleanup(context.Background(), false)
	var aggErr *activity.AggregationError
	require.True(t, errors.As(err, &aggErr))
	require.Contains(t, aggErr.Units, "debug-30")
	assert.ErrorIs(t, aggErr.Units["debug-30"], ErrNoArchiveSink)
	assert.NotContains(t, aggErr.Units, "info-90")

	assert.Equal(t, StateFailed, report.State)
	byName := map[string]PolicyResult{}
	for _, p := range report.Policies {
		byName[p.Policy] = p
	}
	assert.Zero(t, byName["debug-30"].Deleted)
	assert.NotEmpty(t, byName["debug-30"].Error)
	assert.Equal(t, int64(5), byName["info-90"].Deleted)
	assert.Equal(t, 10, s.Len(storage.TargetActivities))
}

func TestExecuteCleanup_SkipsDisabledAndRecordsRun(t *testing.T) {
	s := storage.NewMemoryStore()
	addActivities(t, s, 3, activity.SeverityDebug, days(40))
	disabled := debugPolicy(false)
	disabled.Enabled = false
	e := newTestEngine(t, s, nil, nil, disabled)

	report, err := e.ExecuteCleanup(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"debug-30"}, report.Skipped)
	assert.Empty(t, report.Policies)
	assert.Equal(t, 3, s.Len(storage.TargetActivities))

	events, err := s.ListSystemEvents(context.Background(), storage.EventFilter{EventTypes: []string{"retention.cleanup"}}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, activity.CategoryBatchJob, events[0].EventCategory)
	assert.Equal(t, report.ID, events[0].SourceID)
}

func TestExecuteCleanup_EventAndMetricPolicies(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.AppendSystemEvent(ctx, activity.NewSystemEvent("job", activity.CategoryBatchJob, "test", "done", nil, fixedNow.Add(-days(60)))))
	require.NoError(t, s.AppendSystemEvent(ctx, activity.NewSystemEvent("login", activity.CategorySecurity, "test", "done", nil, fixedNow.Add(-days(60)))))
	start := fixedNow.Add(-days(800)).Truncate(24 * time.Hour)
	require.NoError(t, s.UpsertMetric(ctx, activity.MetricRow{
		ID: "m1", MetricType: "total_activities", Period: activity.PeriodDay, PeriodStart: start, PeriodEnd: start.Add(days(1)),
	}))

	e := newTestEngine(t, s, nil, nil,
		Policy{Name: "jobs", AppliesTo: Scope{Target: storage.TargetSystemEvents, Categories: []activity.EventCategory{activity.CategoryBatchJob}}, MaxAgeDays: 30, Enabled: true},
		Policy{Name: "metrics", AppliesTo: Scope{Target: storage.TargetMetrics}, MaxAgeDays: 730, Enabled: true},
	)
	_, err := e.ExecuteCleanup(ctx, false)
	require.NoError(t, err)

	assert.Zero(t, s.Len(storage.TargetMetrics))
	left, err := s.ListSystemEvents(ctx, storage.EventFilter{To: fixedNow.Add(-days(1))}, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "login", left[0].EventType)
}

func TestGetRetentionStats(t *testing.T) {
	s := storage.NewMemoryStore()
	addActivities(t, s, 7, activity.SeverityDebug, days(31))
	addActivities(t, s, 2, activity.SeverityDebug, days(29))
	e := newTestEngine(t, s, nil, nil, debugPolicy(false))

	stats, err := e.GetRetentionStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(7), stats[0].Eligible)
	assert.Equal(t, fixedNow.AddDate(0, 0, -30), stats[0].Cutoff)
	assert.Equal(t, 9, s.Len(storage.TargetActivities))
}

func TestEmergencyPurge_Refused(t *testing.T) {
	tests := []struct {
		name      string
		principal authz.Principal
		req       PurgeRequest
	}{
		{"wrong phrase", authz.Principal{UserID: "root", Role: authz.RoleSuperAdmin}, PurgeRequest{OlderThanDays: 1, Confirm: "wrong"}},
		{"admin", authz.Principal{UserID: "ops", Role: authz.RoleAdmin}, PurgeRequest{OlderThanDays: 1, Confirm: ConfirmPurgePhrase}},
		{"anonymous", authz.Anonymous(), PurgeRequest{OlderThanDays: 1, Confirm: ConfirmPurgePhrase}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := storage.NewMemoryStore()
			addActivities(t, s, 5, activity.SeverityInfo, days(10))
			metrics := observability.NewMetrics(prometheus.NewRegistry())
			e := newTestEngine(t, s, nil, metrics)

			result, err := e.EmergencyPurge(context.Background(), tt.principal, tt.req)
			assert.Nil(t, result)
			var destructive *activity.DestructiveOperationError
			assert.True(t, errors.As(err, &destructive))
			assert.Equal(t, 5, s.Len(storage.TargetActivities))
			assert.Zero(t, s.Len(storage.TargetSystemEvents))
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PurgesTotal.WithLabelValues("refused")))
		})
	}
}

func TestEmergencyPurge_InvalidAge(t *testing.T) {
	s := storage.NewMemoryStore()
	e := newTestEngine(t, s, nil, nil)
	_, err := e.EmergencyPurge(context.Background(), authz.Principal{UserID: "root", Role: authz.RoleSuperAdmin},
		PurgeRequest{OlderThanDays: 0, Confirm: ConfirmPurgePhrase})
	var verr *activity.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestEmergencyPurge(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()
	addActivities(t, s, 8, activity.SeverityCritical, days(20))
	addActivities(t, s, 3, activity.SeverityInfo, days(2))
	require.NoError(t, s.AppendSystemEvent(ctx, activity.NewSystemEvent("old", activity.CategorySystem, "test", "done", nil, fixedNow.Add(-days(15)))))
	start := fixedNow.Add(-days(40)).Truncate(24 * time.Hour)
	require.NoError(t, s.UpsertMetric(ctx, activity.MetricRow{
		ID: "m1", MetricType: "total_activities", Period: activity.PeriodDay, PeriodStart: start, PeriodEnd: start.Add(days(1)),
	}))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	e := newTestEngine(t, s, nil, metrics, debugPolicy(true))
	root := authz.Principal{UserID: "root", Role: authz.RoleSuperAdmin}

	result, err := e.EmergencyPurge(ctx, root, PurgeRequest{OlderThanDays: 7, Confirm: ConfirmPurgePhrase})
	require.NoError(t, err)
	assert.Equal(t, fixedNow.AddDate(0, 0, -7), result.Cutoff)
	assert.Equal(t, map[storage.Target]int64{
		storage.TargetActivities:   8,
		storage.TargetSystemEvents: 1,
		storage.TargetMetrics:      1,
	}, result.Deleted)
	assert.Equal(t, 3, s.Len(storage.TargetActivities))
	assert.Len(t, result.AuditEvents, 2)

	audit, err := s.ListSystemEvents(ctx, storage.EventFilter{
		Categories: []activity.EventCategory{activity.CategorySecurity},
		EventTypes: []string{"retention.emergency_purge"},
	}, 10)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	statuses := []string{audit[0].Status, audit[1].Status}
	assert.ElementsMatch(t, []string{"requested", "completed"}, statuses)
	for _, ev := range audit {
		who, _ := ev.Payload["requestedBy"].Str()
		assert.Equal(t, root.String(), who)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PurgesTotal.WithLabelValues("completed")))
}

type unauditableStore struct {
	*storage.MemoryStore
}

func (unauditableStore) AppendSystemEvent(context.Context, activity.SystemEvent) error {
	return errors.New("connection refused")
}

func TestEmergencyPurge_RequiresAudit(t *testing.T) {
	s := storage.NewMemoryStore()
	addActivities(t, s, 4, activity.SeverityInfo, days(20))
	e := newTestEngine(t, unauditableStore{s}, nil, nil)

	_, err := e.EmergencyPurge(context.Background(), authz.Principal{UserID: "root", Role: authz.RoleSuperAdmin},
		PurgeRequest{OlderThanDays: 1, Confirm: ConfirmPurgePhrase})
	var transient *activity.TransientIngestionError
	assert.True(t, errors.As(err, &transient))
	assert.Equal(t, 4, s.Len(storage.TargetActivities))
}

func TestPolicyChangesAreAudited(t *testing.T) {
	s := storage.NewMemoryStore()
	e := newTestEngine(t, s, nil, nil)
	ctx := context.Background()
	admin := authz.Principal{UserID: "ops", Role: authz.RoleAdmin}

	require.NoError(t, e.AddPolicy(ctx, admin, debugPolicy(false)))
	require.NoError(t, e.RemovePolicy(ctx, admin, "debug-30"))
	assert.ErrorIs(t, e.RemovePolicy(ctx, admin, "debug-30"), ErrPolicyNotFound)

	events, err := s.ListSystemEvents(ctx, storage.EventFilter{Categories: []activity.EventCategory{activity.CategoryAdmin}}, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.err
}

func TestS3Sink(t *testing.T) {
	s := storage.NewMemoryStore()
	addActivities(t, s, 45, activity.SeverityDebug, days(40))
	fake := &fakeS3{}
	e := newTestEngine(t, s, NewS3SinkWithClient(fake, "archive", "beacon"), nil, debugPolicy(true))

	report, err := e.ExecuteCleanup(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, fake.inputs, 2)
	assert.Equal(t, "archive", *fake.inputs[0].Bucket)
	assert.Regexp(t, `^beacon/activity_records/debug-30/\d{4}/\d{2}/\d{2}/`, *fake.inputs[0].Key)
	assert.Equal(t, "30", fake.inputs[0].Metadata["records"])
	assert.NotEmpty(t, fake.inputs[0].Metadata["checksum-sha256"])
	assert.Equal(t, 30, countLines(t, fake.bodies[0]))
	assert.Equal(t, 15, countLines(t, fake.bodies[1]))
	assert.Equal(t, "s3://archive/"+*fake.inputs[0].Key, report.Policies[0].Archives[0])
	assert.NoError(t, NewS3SinkWithClient(fake, "archive", "").Ping(context.Background()))
}

func TestS3Sink_UploadFailureKeepsRecords(t *testing.T) {
	s := storage.NewMemoryStore()
	addActivities(t, s, 5, activity.SeverityDebug, days(40))
	e := newTestEngine(t, s, NewS3SinkWithClient(&fakeS3{err: errors.New("access denied")}, "archive", ""), nil, debugPolicy(true))

	_, err := e.ExecuteCleanup(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, 5, s.Len(storage.TargetActivities))
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func countLines(t *testing.T, gz []byte) int {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(gz))
	require.NoError(t, err)
	defer zr.Close()
	sc := bufio.NewScanner(zr)
	n := 0
	for sc.Scan() {
		n++
	}
	require.NoError(t, sc.Err())
	return n
}
