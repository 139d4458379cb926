// Package analytics answers read-only questions about captured activity.
//
// # Bucketed analytics
//
// QueryAnalytics returns one bucket per period window in the requested range,
// including windows with no activity, plus totals and severity and action
// breakdowns:
//
//	res, err := engine.QueryAnalytics(ctx, principal, analytics.Filter{
//		StartDate: start,
//		EndDate:   end,
//		GroupBy:   activity.PeriodHour,
//	})
//
// Callers without the admin or super_admin role are always scoped to their own
// user id, whatever the filter asks for. Anonymous callers are refused.
//
// # Custom queries
//
// RunCustomQuery accepts only the names in the allow-list (see QueryNames).
// Anything else is a validation error raised before the store is read.
// security_events and admin_actions need a privileged caller.
//
// # Caching
//
// Identical concurrent queries share one store round trip. With WithCache,
// results are also kept in Redis for a short TTL, keyed by scope and the
// effective filter.
package analytics
