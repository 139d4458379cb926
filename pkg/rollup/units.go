package rollup

import (
	"context"
	"time"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/storage"
)

// Metric types written by the generator
const (
	MetricTotalActivities = "total_activities"
	MetricActiveUsers     = "active_users"
	MetricUniqueSessions  = "unique_sessions"
	MetricErrorCount      = "error_count"
	MetricErrorRate       = "error_rate"
	MetricAvgResponseTime = "avg_response_time"
	MetricFailedLogins    = "failed_logins"
	MetricSecurityEvents  = "security_events"
)

// unit computes one metric type for a window [from, to)
type unit struct {
	metricType string
	metricUnit string
	compute    func(ctx context.Context, r storage.Reader, from, to time.Time) (float64, error)
}

var units = []unit{
	{MetricTotalActivities, "count", func(ctx context.Context, r storage.Reader, from, to time.Time) (float64, error) {
		n, err := r.CountActivities(ctx, storage.ActivityFilter{From: from, To: to})
		return float64(n), err
	}},
	{MetricActiveUsers, "users", func(ctx context.Context, r storage.Reader, from, to time.Time) (float64, error) {
		n, err := r.CountDistinct(ctx, storage.ActivityFilter{From: from, To: to}, storage.DistinctUsers)
		return float64(n), err
	}},
	{MetricUniqueSessions, "sessions", func(ctx context.Context, r storage.Reader, from, to time.Time) (float64, error) {
		n, err := r.CountDistinct(ctx, storage.ActivityFilter{From: from, To: to}, storage.DistinctSessions)
		return float64(n), err
	}},
	{MetricErrorCount, "count", func(ctx context.Context, r storage.Reader, from, to time.Time) (float64, error) {
		n, err := r.CountActivities(ctx, errorFilter(from, to))
		return float64(n), err
	}},
	{MetricErrorRate, "percent", errorRate},
	{MetricAvgResponseTime, "ms", func(ctx context.Context, r storage.Reader, from, to time.Time) (float64, error) {
		return r.AverageDuration(ctx, storage.ActivityFilter{From: from, To: to})
	}},
	{MetricFailedLogins, "count", func(ctx context.Context, r storage.Reader, from, to time.Time) (float64, error) {
		n, err := r.CountActivities(ctx, storage.ActivityFilter{
			From:        from,
			To:          to,
			Actions:     []activity.Action{activity.ActionLogin},
			MinSeverity: activity.SeverityWarn,
		})
		return float64(n), err
	}},
	{MetricSecurityEvents, "count", func(ctx context.Context, r storage.Reader, from, to time.Time) (float64, error) {
		n, err := r.CountSystemEvents(ctx, storage.EventFilter{
			From:       from,
			To:         to,
			Categories: []activity.EventCategory{activity.CategorySecurity},
		})
		return float64(n), err
	}},
}

// MetricTypes lists every metric type in generation order
func MetricTypes() []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.metricType
	}
	return out
}

func errorFilter(from, to time.Time) storage.ActivityFilter {
	return storage.ActivityFilter{From: from, To: to, MinSeverity: activity.SeverityError}
}

// errorRate is the share of ERROR and CRITICAL records, in percent
func errorRate(ctx context.Context, r storage.Reader, from, to time.Time) (float64, error) {
	total, err := r.CountActivities(ctx, storage.ActivityFilter{From: from, To: to})
	if err != nil || total == 0 {
		return 0, err
	}
	errs, err := r.CountActivities(ctx, errorFilter(from, to))
	if err != nil {
		return 0, err
	}
	return float64(errs) / float64(total) * 100, nil
}
