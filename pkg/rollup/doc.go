// Package rollup aggregates raw activity into period metric rows.
//
// GeneratePeriodMetrics computes eight metric types for one hour, day, week or
// month window: total_activities, active_users, unique_sessions, error_count,
// error_rate (percent), avg_response_time (ms), failed_logins and
// security_events. Each metric type is computed and upserted on its own, so one
// failing unit never blocks the others. Rows are keyed by (metric type, period,
// period start) and regenerating a period overwrites them.
//
// The generator does not schedule itself. The aggregator binary calls
// GenerateForDay with yesterday's date once a day:
//
//	summaries, err := gen.GenerateForDay(ctx, time.Now().UTC().AddDate(0, 0, -1))
//
// With a RedisLocker attached, two replicas never generate the same period at
// the same time; the loser gets ErrRunInProgress.
package rollup
