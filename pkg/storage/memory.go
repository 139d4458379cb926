package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/beacon/pkg/activity"
)

type metricKey struct {
	metricType string
	period     activity.Period
	start      int64
}

// MemoryStore is an in-process EventStore. It backs tests and single-node dev
// mode; nothing survives a restart.
type MemoryStore struct {
	mu         sync.RWMutex
	activities []activity.ActivityRecord
	events     []activity.SystemEvent
	metrics    map[metricKey]activity.MetricRow
	closed     bool
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		metrics: make(map[metricKey]activity.MetricRow),
	}
}

var _ EventStore = (*MemoryStore)(nil)

func (s *MemoryStore) checkOpen() error {
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

// AppendActivities stores a copy of each record
func (s *MemoryStore) AppendActivities(ctx context.Context, records []activity.ActivityRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, rec := range records {
		rec.Metadata = rec.Metadata.Clone()
		rec.Tags = append([]string(nil), rec.Tags...)
		s.activities = append(s.activities, rec)
	}
	return nil
}

// AppendSystemEvent stores a copy of ev
func (s *MemoryStore) AppendSystemEvent(ctx context.Context, ev activity.SystemEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	ev.Payload = ev.Payload.Clone()
	s.events = append(s.events, ev)
	return nil
}

// UpsertMetric inserts or overwrites the row for its unique key
func (s *MemoryStore) UpsertMetric(ctx context.Context, row activity.MetricRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := metricKey{metricType: row.MetricType, period: row.Period, start: row.PeriodStart.UTC().UnixNano()}
	if existing, ok := s.metrics[key]; ok {
		row.ID = existing.ID
	}
	s.metrics[key] = row
	return nil
}

func (s *MemoryStore) selectActivities(filter ActivityFilter) []*activity.ActivityRecord {
	out := make([]*activity.ActivityRecord, 0)
	for i := range s.activities {
		if filter.Matches(&s.activities[i]) {
			out = append(out, &s.activities[i])
		}
	}
	return out
}

// CountActivities counts matching records
func (s *MemoryStore) CountActivities(ctx context.Context, filter ActivityFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.selectActivities(filter))), nil
}

// CountDistinct counts distinct non-null values of field among matching records
func (s *MemoryStore) CountDistinct(ctx context.Context, filter ActivityFilter, field DistinctField) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	for _, rec := range s.selectActivities(filter) {
		var v *string
		switch field {
		case DistinctUsers:
			v = rec.UserID
		case DistinctSessions:
			v = rec.SessionID
		default:
			return 0, fmt.Errorf("unsupported distinct field %q", field)
		}
		if v != nil {
			seen[*v] = true
		}
	}
	return int64(len(seen)), nil
}

// AverageDuration averages the duration of matching records that carry one
func (s *MemoryStore) AverageDuration(ctx context.Context, filter ActivityFilter) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var acc stats
	for _, rec := range s.selectActivities(filter) {
		acc.add(rec)
	}
	return acc.avgDuration(), nil
}

// BucketActivity groups matching records into period windows. Only windows
// with at least one record are returned, ordered by start.
func (s *MemoryStore) BucketActivity(ctx context.Context, filter ActivityFilter, period activity.Period) ([]BucketCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byStart := map[int64]*stats{}
	for _, rec := range s.selectActivities(filter) {
		start := period.Truncate(rec.Timestamp).Unix()
		acc, ok := byStart[start]
		if !ok {
			acc = &stats{}
			byStart[start] = acc
		}
		acc.add(rec)
	}
	out := make([]BucketCount, 0, len(byStart))
	for start, acc := range byStart {
		out = append(out, BucketCount{
			Start:         time.Unix(start, 0).UTC(),
			Total:         acc.total,
			Errors:        acc.errors,
			UniqueUsers:   int64(len(acc.users)),
			AvgDurationMs: acc.avgDuration(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// GroupActivities aggregates matching records by a column. Records with a null
// group key are skipped. Results are ordered by count, then key.
func (s *MemoryStore) GroupActivities(ctx context.Context, filter ActivityFilter, by GroupField, limit int) ([]GroupStat, error) {
	if _, ok := groupKey(&activity.ActivityRecord{}, by); !ok {
		return nil, fmt.Errorf("unsupported group field %q", by)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := map[string]*stats{}
	for _, rec := range s.selectActivities(filter) {
		key, _ := groupKey(rec, by)
		if key == "" && (by == GroupByUser || by == GroupByEndpoint) {
			continue
		}
		acc, found := groups[key]
		if !found {
			acc = &stats{}
			groups[key] = acc
		}
		acc.add(rec)
	}
	out := make([]GroupStat, 0, len(groups))
	for key, acc := range groups {
		out = append(out, GroupStat{
			Key:           key,
			Count:         acc.total,
			Errors:        acc.errors,
			UniqueUsers:   int64(len(acc.users)),
			AvgDurationMs: acc.avgDuration(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListSystemEvents returns matching events, newest first
func (s *MemoryStore) ListSystemEvents(ctx context.Context, filter EventFilter, limit int) ([]activity.SystemEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]activity.SystemEvent, 0)
	for i := range s.events {
		if filter.Matches(&s.events[i]) {
			out = append(out, s.events[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountSystemEvents counts matching events
func (s *MemoryStore) CountSystemEvents(ctx context.Context, filter EventFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for i := range s.events {
		if filter.Matches(&s.events[i]) {
			n++
		}
	}
	return n, nil
}

// ListMetrics returns matching rows ordered by period start, then type
func (s *MemoryStore) ListMetrics(ctx context.Context, filter MetricFilter) ([]activity.MetricRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]activity.MetricRow, 0, len(s.metrics))
	for _, row := range s.metrics {
		if filter.Matches(&row) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].PeriodStart.Before(out[j].PeriodStart)
		}
		return out[i].MetricType < out[j].MetricType
	})
	return out, nil
}

// CountEligible counts records the selector matches
func (s *MemoryStore) CountEligible(ctx context.Context, sel Selector) (int64, error) {
	batch, err := s.FetchEligible(ctx, sel, 0)
	if err != nil {
		return 0, err
	}
	return int64(batch.Len()), nil
}

// FetchEligible returns up to limit matching records, oldest first. A limit of
// zero returns all of them.
func (s *MemoryStore) FetchEligible(ctx context.Context, sel Selector, limit int) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch := &Batch{Target: sel.Target}
	switch sel.Target {
	case TargetActivities:
		filter := ActivityFilter{To: sel.Before, Actions: sel.Actions, Severities: sel.Severities}
		for _, rec := range s.selectActivities(filter) {
			batch.Activities = append(batch.Activities, *rec)
		}
		sort.SliceStable(batch.Activities, func(i, j int) bool {
			return batch.Activities[i].Timestamp.Before(batch.Activities[j].Timestamp)
		})
		if limit > 0 && len(batch.Activities) > limit {
			batch.Activities = batch.Activities[:limit]
		}
	case TargetSystemEvents:
		filter := EventFilter{To: sel.Before, Categories: sel.Categories}
		for i := range s.events {
			if filter.Matches(&s.events[i]) {
				batch.Events = append(batch.Events, s.events[i])
			}
		}
		sort.SliceStable(batch.Events, func(i, j int) bool {
			return batch.Events[i].Timestamp.Before(batch.Events[j].Timestamp)
		})
		if limit > 0 && len(batch.Events) > limit {
			batch.Events = batch.Events[:limit]
		}
	case TargetMetrics:
		for _, row := range s.metrics {
			if row.PeriodStart.Before(sel.Before) {
				batch.Metrics = append(batch.Metrics, row)
			}
		}
		sort.Slice(batch.Metrics, func(i, j int) bool {
			if !batch.Metrics[i].PeriodStart.Equal(batch.Metrics[j].PeriodStart) {
				return batch.Metrics[i].PeriodStart.Before(batch.Metrics[j].PeriodStart)
			}
			return batch.Metrics[i].MetricType < batch.Metrics[j].MetricType
		})
		if limit > 0 && len(batch.Metrics) > limit {
			batch.Metrics = batch.Metrics[:limit]
		}
	default:
		return nil, fmt.Errorf("unknown target %q", sel.Target)
	}
	return batch, nil
}

// DeleteByID removes the listed records from target and returns how many existed
func (s *MemoryStore) DeleteByID(ctx context.Context, target Target, ids []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.deleteWhere(target, func(id string, _ time.Time) bool { return drop[id] })
}

// PurgeBefore removes every record in target older than cutoff
func (s *MemoryStore) PurgeBefore(ctx context.Context, target Target, cutoff time.Time, batchSize int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.deleteWhere(target, func(_ string, ts time.Time) bool { return ts.Before(cutoff) })
}

func (s *MemoryStore) deleteWhere(target Target, match func(id string, ts time.Time) bool) (int64, error) {
	var removed int64
	switch target {
	case TargetActivities:
		kept := s.activities[:0]
		for _, rec := range s.activities {
			if match(rec.ID, rec.Timestamp) {
				removed++
				continue
			}
			kept = append(kept, rec)
		}
		s.activities = kept
	case TargetSystemEvents:
		kept := s.events[:0]
		for _, ev := range s.events {
			if match(ev.ID, ev.Timestamp) {
				removed++
				continue
			}
			kept = append(kept, ev)
		}
		s.events = kept
	case TargetMetrics:
		for key, row := range s.metrics {
			if match(row.ID, row.PeriodStart) {
				delete(s.metrics, key)
				removed++
			}
		}
	default:
		return 0, fmt.Errorf("unknown target %q", target)
	}
	return removed, nil
}

// Ping reports whether the store is open
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkOpen()
}

// Close marks the store closed; later writes fail
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of records held in target
func (s *MemoryStore) Len(target Target) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch target {
	case TargetActivities:
		return len(s.activities)
	case TargetSystemEvents:
		return len(s.events)
	case TargetMetrics:
		return len(s.metrics)
	}
	return 0
}

type stats struct {
	total      int64
	errors     int64
	users      map[string]bool
	durSum     int64
	durSamples int64
}

func (a *stats) add(rec *activity.ActivityRecord) {
	a.total++
	if IsError(rec) {
		a.errors++
	}
	if rec.UserID != nil {
		if a.users == nil {
			a.users = map[string]bool{}
		}
		a.users[*rec.UserID] = true
	}
	if rec.DurationMs != nil {
		a.durSum += *rec.DurationMs
		a.durSamples++
	}
}

func (a *stats) avgDuration() float64 {
	if a.durSamples == 0 {
		return 0
	}
	return float64(a.durSum) / float64(a.durSamples)
}

func groupKey(rec *activity.ActivityRecord, by GroupField) (string, bool) {
	switch by {
	case GroupByAction:
		return string(rec.Action), true
	case GroupBySeverity:
		return string(rec.Severity), true
	case GroupByResource:
		return rec.Resource, true
	case GroupByUser:
		if rec.UserID == nil {
			return "", true
		}
		return *rec.UserID, true
	case GroupByEndpoint:
		if rec.Endpoint == nil {
			return "", true
		}
		return *rec.Endpoint, true
	}
	return "", false
}
