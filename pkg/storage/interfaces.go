package storage

import (
	"context"
	"time"

	"github.com/platinummonkey/beacon/pkg/activity"
)

// Target names one of the three logical stores
type Target string

const (
	TargetActivities   Target = "activity_records"
	TargetSystemEvents Target = "system_events"
	TargetMetrics      Target = "metric_rows"
)

// Targets lists every store in purge order
var Targets = []Target{TargetActivities, TargetSystemEvents, TargetMetrics}

// Valid reports whether t is a known store
func (t Target) Valid() bool {
	switch t {
	case TargetActivities, TargetSystemEvents, TargetMetrics:
		return true
	}
	return false
}

// ActivityFilter selects activity records. From is inclusive, To exclusive;
// zero times leave that side unbounded.
type ActivityFilter struct {
	From        time.Time
	To          time.Time
	UserID      *string
	Actions     []activity.Action
	Severities  []activity.Severity
	MinSeverity activity.Severity
	Resource    string
}

// Matches reports whether rec satisfies the filter
func (f ActivityFilter) Matches(rec *activity.ActivityRecord) bool {
	if !f.From.IsZero() && rec.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.Timestamp.Before(f.To) {
		return false
	}
	if f.UserID != nil && (rec.UserID == nil || *rec.UserID != *f.UserID) {
		return false
	}
	if len(f.Actions) > 0 && !containsAction(f.Actions, rec.Action) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, rec.Severity) {
		return false
	}
	if f.MinSeverity != "" && !rec.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	if f.Resource != "" && rec.Resource != f.Resource {
		return false
	}
	return true
}

// EventFilter selects system events
type EventFilter struct {
	From       time.Time
	To         time.Time
	Categories []activity.EventCategory
	EventTypes []string
	Status     string
}

// Matches reports whether ev satisfies the filter
func (f EventFilter) Matches(ev *activity.SystemEvent) bool {
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !ev.Timestamp.Before(f.To) {
		return false
	}
	if len(f.Categories) > 0 && !containsCategory(f.Categories, ev.EventCategory) {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == ev.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Status != "" && ev.Status != f.Status {
		return false
	}
	return true
}

// MetricFilter selects metric rows by type, period and start range
type MetricFilter struct {
	MetricTypes []string
	Period      activity.Period
	From        time.Time
	To          time.Time
}

// Matches reports whether row satisfies the filter
func (f MetricFilter) Matches(row *activity.MetricRow) bool {
	if f.Period != "" && row.Period != f.Period {
		return false
	}
	if !f.From.IsZero() && row.PeriodStart.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !row.PeriodStart.Before(f.To) {
		return false
	}
	if len(f.MetricTypes) > 0 {
		for _, t := range f.MetricTypes {
			if t == row.MetricType {
				return true
			}
		}
		return false
	}
	return true
}

// DistinctField is a column that can be counted distinctly
type DistinctField string

const (
	DistinctUsers    DistinctField = "user_id"
	DistinctSessions DistinctField = "session_id"
)

// GroupField is a column activities can be grouped by
type GroupField string

const (
	GroupByAction   GroupField = "action"
	GroupBySeverity GroupField = "severity"
	GroupByResource GroupField = "resource"
	GroupByUser     GroupField = "user_id"
	GroupByEndpoint GroupField = "endpoint"
)

// BucketCount aggregates the activities that fell into one period window
type BucketCount struct {
	Start         time.Time
	Total         int64
	Errors        int64
	UniqueUsers   int64
	AvgDurationMs float64
}

// GroupStat aggregates the activities sharing one group key
type GroupStat struct {
	Key           string
	Count         int64
	Errors        int64
	UniqueUsers   int64
	AvgDurationMs float64
}

// Selector picks records eligible for retention in one store. Records strictly
// older than Before match. Severities and Actions apply to activity records,
// Categories to system events.
type Selector struct {
	Target     Target
	Before     time.Time
	Severities []activity.Severity
	Actions    []activity.Action
	Categories []activity.EventCategory
}

// Batch is one page of records fetched for archival and deletion
type Batch struct {
	Target     Target
	Activities []activity.ActivityRecord
	Events     []activity.SystemEvent
	Metrics    []activity.MetricRow
}

// Len returns the number of records in the batch
func (b *Batch) Len() int {
	return len(b.Activities) + len(b.Events) + len(b.Metrics)
}

// IDs returns the ids of every record in the batch
func (b *Batch) IDs() []string {
	ids := make([]string, 0, b.Len())
	for i := range b.Activities {
		ids = append(ids, b.Activities[i].ID)
	}
	for i := range b.Events {
		ids = append(ids, b.Events[i].ID)
	}
	for i := range b.Metrics {
		ids = append(ids, b.Metrics[i].ID)
	}
	return ids
}

// Items returns the batch records as a flat slice for serialization
func (b *Batch) Items() []interface{} {
	items := make([]interface{}, 0, b.Len())
	for i := range b.Activities {
		items = append(items, &b.Activities[i])
	}
	for i := range b.Events {
		items = append(items, &b.Events[i])
	}
	for i := range b.Metrics {
		items = append(items, &b.Metrics[i])
	}
	return items
}

// ActivityWriter appends telemetry. Every producer gets one.
type ActivityWriter interface {
	AppendActivities(ctx context.Context, records []activity.ActivityRecord) error
	AppendSystemEvent(ctx context.Context, event activity.SystemEvent) error
}

// Reader answers aggregate read queries
type Reader interface {
	CountActivities(ctx context.Context, filter ActivityFilter) (int64, error)
	CountDistinct(ctx context.Context, filter ActivityFilter, field DistinctField) (int64, error)
	AverageDuration(ctx context.Context, filter ActivityFilter) (float64, error)
	BucketActivity(ctx context.Context, filter ActivityFilter, period activity.Period) ([]BucketCount, error)
	GroupActivities(ctx context.Context, filter ActivityFilter, by GroupField, limit int) ([]GroupStat, error)
	ListSystemEvents(ctx context.Context, filter EventFilter, limit int) ([]activity.SystemEvent, error)
	CountSystemEvents(ctx context.Context, filter EventFilter) (int64, error)
	ListMetrics(ctx context.Context, filter MetricFilter) ([]activity.MetricRow, error)
}

// MetricWriter upserts aggregated rows. Only the metrics generator holds one.
type MetricWriter interface {
	UpsertMetric(ctx context.Context, row activity.MetricRow) error
}

// Pruner removes aged records. Only the retention engine holds one.
type Pruner interface {
	CountEligible(ctx context.Context, sel Selector) (int64, error)
	FetchEligible(ctx context.Context, sel Selector, limit int) (*Batch, error)
	DeleteByID(ctx context.Context, target Target, ids []string) (int64, error)
	PurgeBefore(ctx context.Context, target Target, cutoff time.Time, batchSize int) (int64, error)
}

// HealthChecker reports backend reachability
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// EventStore is the full persistence surface
type EventStore interface {
	ActivityWriter
	Reader
	MetricWriter
	Pruner
	HealthChecker
	Close() error
}

// IsError reports whether an activity counts toward error totals
func IsError(rec *activity.ActivityRecord) bool {
	return rec.Severity.AtLeast(activity.SeverityError)
}

func containsAction(list []activity.Action, a activity.Action) bool {
	for _, v := range list {
		if v == a {
			return true
		}
	}
	return false
}

func containsSeverity(list []activity.Severity, s activity.Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsCategory(list []activity.EventCategory, c activity.EventCategory) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}
