package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/storage"
)

const activityColumns = `id, user_id, session_id, action, resource, resource_id, method, endpoint,
	status_code, duration_ms, description, severity, metadata, tags, timestamp`

const eventColumns = `id, event_type, event_category, source, source_id, payload, status, timestamp`

const metricColumns = `id, metric_type, metric_value, metric_unit, period, period_start, period_end`

const errorCount = `COUNT(*) FILTER (WHERE severity IN ('ERROR', 'CRITICAL'))`

// AppendActivities inserts records in one transaction. Ids already present are
// skipped so client retries stay harmless.
func (s *Store) AppendActivities(ctx context.Context, records []activity.ActivityRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	ctx, span := startSpan(ctx, "AppendActivities", "activity_records")
	defer func() { endSpan(span, err) }()

	tx, err := s.pool.Primary().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO activity_records (`+activityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		rec := &records[i]
		metadata, err := jsonParam(rec.Metadata)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			rec.ID, rec.UserID, rec.SessionID, string(rec.Action), rec.Resource, rec.ResourceID,
			rec.Method, rec.Endpoint, rec.StatusCode, rec.DurationMs, rec.Description,
			string(rec.Severity), metadata, pq.Array(rec.Tags), rec.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert activity %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit activities: %w", err)
	}
	return nil
}

// AppendSystemEvent inserts one system event
func (s *Store) AppendSystemEvent(ctx context.Context, ev activity.SystemEvent) (err error) {
	ctx, span := startSpan(ctx, "AppendSystemEvent", "system_events")
	defer func() { endSpan(span, err) }()

	payload, err := jsonParam(ev.Payload)
	if err != nil {
		return err
	}
	var sourceID interface{}
	if ev.SourceID != "" {
		sourceID = ev.SourceID
	}

	_, err = s.pool.Primary().ExecContext(ctx, `
		INSERT INTO system_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, ev.EventType, string(ev.EventCategory), ev.Source, sourceID, payload, ev.Status, ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert system event: %w", err)
	}
	return nil
}

// UpsertMetric writes row, overwriting any row with the same
// (metric_type, period, period_start)
func (s *Store) UpsertMetric(ctx context.Context, row activity.MetricRow) (err error) {
	ctx, span := startSpan(ctx, "UpsertMetric", "metric_rows")
	defer func() { endSpan(span, err) }()

	var unit interface{}
	if row.MetricUnit != "" {
		unit = row.MetricUnit
	}

	_, err = s.pool.Primary().ExecContext(ctx, `
		INSERT INTO metric_rows (`+metricColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (metric_type, period, period_start) DO UPDATE SET
			metric_value = EXCLUDED.metric_value,
			metric_unit = EXCLUDED.metric_unit,
			period_end = EXCLUDED.period_end
	`, row.ID, row.MetricType, row.MetricValue, unit, string(row.Period), row.PeriodStart.UTC(), row.PeriodEnd.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert metric %s: %w", row.MetricType, err)
	}
	return nil
}

// CountActivities counts matching records
func (s *Store) CountActivities(ctx context.Context, filter storage.ActivityFilter) (n int64, err error) {
	ctx, span := startSpan(ctx, "CountActivities", "activity_records")
	defer func() { endSpan(span, err) }()

	w := activityWhere(filter)
	err = s.pool.Replica().QueryRowContext(ctx, "SELECT COUNT(*) FROM activity_records"+w.String(), w.args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count activities: %w", err)
	}
	return n, nil
}

// CountDistinct counts distinct non-null values of field
func (s *Store) CountDistinct(ctx context.Context, filter storage.ActivityFilter, field storage.DistinctField) (n int64, err error) {
	col, err := distinctColumn(field)
	if err != nil {
		return 0, err
	}
	ctx, span := startSpan(ctx, "CountDistinct", "activity_records")
	defer func() { endSpan(span, err) }()

	w := activityWhere(filter)
	query := fmt.Sprintf("SELECT COUNT(DISTINCT %s) FROM activity_records%s", col, w.String())
	if err = s.pool.Replica().QueryRowContext(ctx, query, w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count distinct %s: %w", col, err)
	}
	return n, nil
}

// AverageDuration averages duration_ms over matching records that carry one
func (s *Store) AverageDuration(ctx context.Context, filter storage.ActivityFilter) (avg float64, err error) {
	ctx, span := startSpan(ctx, "AverageDuration", "activity_records")
	defer func() { endSpan(span, err) }()

	w := activityWhere(filter)
	query := "SELECT COALESCE(AVG(duration_ms), 0) FROM activity_records" + w.String()
	if err = s.pool.Replica().QueryRowContext(ctx, query, w.args...).Scan(&avg); err != nil {
		return 0, fmt.Errorf("failed to average duration: %w", err)
	}
	return avg, nil
}

// BucketActivity groups matching records into UTC period windows. Postgres
// truncates weeks to Monday, matching activity.Period.Truncate.
func (s *Store) BucketActivity(ctx context.Context, filter storage.ActivityFilter, period activity.Period) (out []storage.BucketCount, err error) {
	unit, err := truncUnit(period)
	if err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "BucketActivity", "activity_records")
	defer func() { endSpan(span, err) }()

	w := activityWhere(filter)
	query := fmt.Sprintf(`
		SELECT date_trunc('%s', timestamp AT TIME ZONE 'UTC') AS bucket,
			COUNT(*), %s, COUNT(DISTINCT user_id), COALESCE(AVG(duration_ms), 0)
		FROM activity_records%s
		GROUP BY bucket
		ORDER BY bucket
	`, unit, errorCount, w.String())

	rows, err := s.pool.Replica().QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to bucket activities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b storage.BucketCount
		var start time.Time
		if err = rows.Scan(&start, &b.Total, &b.Errors, &b.UniqueUsers, &b.AvgDurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		b.Start = time.Date(start.Year(), start.Month(), start.Day(), start.Hour(), 0, 0, 0, time.UTC)
		out = append(out, b)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate buckets: %w", err)
	}
	return out, nil
}

// GroupActivities aggregates matching records by column, skipping null keys
func (s *Store) GroupActivities(ctx context.Context, filter storage.ActivityFilter, by storage.GroupField, limit int) (out []storage.GroupStat, err error) {
	col, err := groupColumn(by)
	if err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "GroupActivities", "activity_records")
	defer func() { endSpan(span, err) }()

	w := activityWhere(filter)
	w.raw(col + " IS NOT NULL")
	query := fmt.Sprintf(`
		SELECT %s, COUNT(*), %s, COUNT(DISTINCT user_id), COALESCE(AVG(duration_ms), 0)
		FROM activity_records%s
		GROUP BY %s
		ORDER BY 2 DESC, 1 ASC
	`, col, errorCount, w.String(), col)
	if limit > 0 {
		query += " LIMIT " + w.next(limit)
	}

	rows, err := s.pool.Replica().QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to group activities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g storage.GroupStat
		if err = rows.Scan(&g.Key, &g.Count, &g.Errors, &g.UniqueUsers, &g.AvgDurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		out = append(out, g)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate groups: %w", err)
	}
	return out, nil
}

// ListSystemEvents returns matching events, newest first
func (s *Store) ListSystemEvents(ctx context.Context, filter storage.EventFilter, limit int) (out []activity.SystemEvent, err error) {
	ctx, span := startSpan(ctx, "ListSystemEvents", "system_events")
	defer func() { endSpan(span, err) }()

	w := eventWhere(filter)
	query := "SELECT " + eventColumns + " FROM system_events" + w.String() + " ORDER BY timestamp DESC"
	if limit > 0 {
		query += " LIMIT " + w.next(limit)
	}

	rows, err := s.pool.Replica().QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list system events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate system events: %w", err)
	}
	return out, nil
}

// CountSystemEvents counts matching events
func (s *Store) CountSystemEvents(ctx context.Context, filter storage.EventFilter) (n int64, err error) {
	ctx, span := startSpan(ctx, "CountSystemEvents", "system_events")
	defer func() { endSpan(span, err) }()

	w := eventWhere(filter)
	if err = s.pool.Replica().QueryRowContext(ctx, "SELECT COUNT(*) FROM system_events"+w.String(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count system events: %w", err)
	}
	return n, nil
}

// ListMetrics returns matching rows ordered by period start, then type
func (s *Store) ListMetrics(ctx context.Context, filter storage.MetricFilter) (out []activity.MetricRow, err error) {
	ctx, span := startSpan(ctx, "ListMetrics", "metric_rows")
	defer func() { endSpan(span, err) }()

	w := metricWhere(filter)
	query := "SELECT " + metricColumns + " FROM metric_rows" + w.String() + " ORDER BY period_start, metric_type"
	rows, err := s.pool.Replica().QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		row, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate metrics: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanActivity(sc scanner) (activity.ActivityRecord, error) {
	var (
		rec                                                   activity.ActivityRecord
		userID, sessionID, resourceID, method, endpoint, desc sql.NullString
		statusCode, duration                                  sql.NullInt64
		action, severity                                      string
		metadata                                              []byte
		tags                                                  pq.StringArray
	)
	err := sc.Scan(&rec.ID, &userID, &sessionID, &action, &rec.Resource, &resourceID, &method, &endpoint,
		&statusCode, &duration, &desc, &severity, &metadata, &tags, &rec.Timestamp)
	if err != nil {
		return rec, fmt.Errorf("failed to scan activity: %w", err)
	}
	rec.UserID = nullable(userID)
	rec.SessionID = nullable(sessionID)
	rec.ResourceID = nullable(resourceID)
	rec.Method = nullable(method)
	rec.Endpoint = nullable(endpoint)
	rec.Description = desc.String
	rec.Action = activity.Action(action)
	rec.Severity = activity.Severity(severity)
	if statusCode.Valid {
		code := int(statusCode.Int64)
		rec.StatusCode = &code
	}
	if duration.Valid {
		d := duration.Int64
		rec.DurationMs = &d
	}
	if len(tags) > 0 {
		rec.Tags = []string(tags)
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.Metadata, err = decodeMetadata(metadata); err != nil {
		return rec, err
	}
	return rec, nil
}

func scanEvent(sc scanner) (activity.SystemEvent, error) {
	var (
		ev       activity.SystemEvent
		category string
		sourceID sql.NullString
		payload  []byte
	)
	err := sc.Scan(&ev.ID, &ev.EventType, &category, &ev.Source, &sourceID, &payload, &ev.Status, &ev.Timestamp)
	if err != nil {
		return ev, fmt.Errorf("failed to scan system event: %w", err)
	}
	ev.EventCategory = activity.EventCategory(category)
	ev.SourceID = sourceID.String
	ev.Timestamp = ev.Timestamp.UTC()
	if ev.Payload, err = decodeMetadata(payload); err != nil {
		return ev, err
	}
	return ev, nil
}

func scanMetric(sc scanner) (activity.MetricRow, error) {
	var (
		row    activity.MetricRow
		unit   sql.NullString
		period string
	)
	err := sc.Scan(&row.ID, &row.MetricType, &row.MetricValue, &unit, &period, &row.PeriodStart, &row.PeriodEnd)
	if err != nil {
		return row, fmt.Errorf("failed to scan metric: %w", err)
	}
	row.MetricUnit = unit.String
	row.Period = activity.Period(period)
	row.PeriodStart = row.PeriodStart.UTC()
	row.PeriodEnd = row.PeriodEnd.UTC()
	return row, nil
}
