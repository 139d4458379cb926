package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/beacon/pkg/storage"
)

// CountEligible counts rows the selector matches
func (s *Store) CountEligible(ctx context.Context, sel storage.Selector) (n int64, err error) {
	w, _, err := selectorWhere(sel)
	if err != nil {
		return 0, err
	}
	ctx, span := startSpan(ctx, "CountEligible", string(sel.Target))
	defer func() { endSpan(span, err) }()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", sel.Target, w.String())
	if err = s.pool.Primary().QueryRowContext(ctx, query, w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count eligible %s: %w", sel.Target, err)
	}
	return n, nil
}

// FetchEligible returns up to limit matching rows, oldest first
func (s *Store) FetchEligible(ctx context.Context, sel storage.Selector, limit int) (batch *storage.Batch, err error) {
	w, ageCol, err := selectorWhere(sel)
	if err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "FetchEligible", string(sel.Target))
	defer func() { endSpan(span, err) }()

	var columns string
	switch sel.Target {
	case storage.TargetActivities:
		columns = activityColumns
	case storage.TargetSystemEvents:
		columns = eventColumns
	default:
		columns = metricColumns
	}

	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s, id", columns, sel.Target, w.String(), ageCol)
	if limit > 0 {
		query += " LIMIT " + w.next(limit)
	}

	rows, err := s.pool.Primary().QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch eligible %s: %w", sel.Target, err)
	}
	defer rows.Close()

	batch = &storage.Batch{Target: sel.Target}
	for rows.Next() {
		switch sel.Target {
		case storage.TargetActivities:
			rec, err := scanActivity(rows)
			if err != nil {
				return nil, err
			}
			batch.Activities = append(batch.Activities, rec)
		case storage.TargetSystemEvents:
			ev, err := scanEvent(rows)
			if err != nil {
				return nil, err
			}
			batch.Events = append(batch.Events, ev)
		default:
			row, err := scanMetric(rows)
			if err != nil {
				return nil, err
			}
			batch.Metrics = append(batch.Metrics, row)
		}
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate eligible %s: %w", sel.Target, err)
	}
	return batch, nil
}

// DeleteByID removes an explicit batch of rows
func (s *Store) DeleteByID(ctx context.Context, target storage.Target, ids []string) (n int64, err error) {
	if !target.Valid() {
		return 0, fmt.Errorf("unknown target %q", target)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, span := startSpan(ctx, "DeleteByID", string(target))
	defer func() { endSpan(span, err) }()

	res, err := s.pool.Primary().ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", target), pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", target, err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// PurgeBefore deletes every row older than cutoff, batchSize rows per
// statement, until a statement removes fewer rows than the batch size
func (s *Store) PurgeBefore(ctx context.Context, target storage.Target, cutoff time.Time, batchSize int) (total int64, err error) {
	col, err := ageColumn(target)
	if err != nil {
		return 0, err
	}
	if batchSize <= 0 {
		batchSize = s.deleteBatchSize
	}
	ctx, span := startSpan(ctx, "PurgeBefore", string(target))
	defer func() { endSpan(span, err) }()

	query := fmt.Sprintf(
		"DELETE FROM %[1]s WHERE id IN (SELECT id FROM %[1]s WHERE %[2]s < $1 ORDER BY %[2]s LIMIT $2)",
		target, col)

	for {
		if err = ctx.Err(); err != nil {
			return total, err
		}
		res, execErr := s.pool.Primary().ExecContext(ctx, query, cutoff.UTC(), batchSize)
		if execErr != nil {
			err = fmt.Errorf("failed to purge %s: %w", target, execErr)
			return total, err
		}
		n, raErr := res.RowsAffected()
		if raErr != nil {
			err = fmt.Errorf("failed to read rows affected: %w", raErr)
			return total, err
		}
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
	}
}
