package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/observability"
	"github.com/platinummonkey/beacon/pkg/storage"
)

var tracer = observability.Tracer("storage/postgres")

func startSpan(ctx context.Context, op, table string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Postgres."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", op),
			attribute.String("db.sql.table", table),
		),
	)
}

// endSpan records err on the span and ends it
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// where accumulates AND-ed conditions with positional arguments. Each
// condition is a format string with one %s marking where its placeholder goes.
type where struct {
	conds []string
	args  []interface{}
}

func (w *where) add(cond string, arg interface{}) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) raw(cond string) {
	w.conds = append(w.conds, cond)
}

// next returns the placeholder for an argument appended after the conditions
func (w *where) next(arg interface{}) string {
	w.args = append(w.args, arg)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func activityWhere(f storage.ActivityFilter) *where {
	w := &where{}
	if !f.From.IsZero() {
		w.add("timestamp >= %s", f.From.UTC())
	}
	if !f.To.IsZero() {
		w.add("timestamp < %s", f.To.UTC())
	}
	if f.UserID != nil {
		w.add("user_id = %s", *f.UserID)
	}
	if len(f.Actions) > 0 {
		w.add("action = ANY(%s)", pq.Array(actionStrings(f.Actions)))
	}
	if len(f.Severities) > 0 {
		w.add("severity = ANY(%s)", pq.Array(severityStrings(f.Severities)))
	}
	if f.MinSeverity != "" {
		w.add("severity = ANY(%s)", pq.Array(severityStrings(activity.SeveritiesAtLeast(f.MinSeverity))))
	}
	if f.Resource != "" {
		w.add("resource = %s", f.Resource)
	}
	return w
}

func eventWhere(f storage.EventFilter) *where {
	w := &where{}
	if !f.From.IsZero() {
		w.add("timestamp >= %s", f.From.UTC())
	}
	if !f.To.IsZero() {
		w.add("timestamp < %s", f.To.UTC())
	}
	if len(f.Categories) > 0 {
		w.add("event_category = ANY(%s)", pq.Array(categoryStrings(f.Categories)))
	}
	if len(f.EventTypes) > 0 {
		w.add("event_type = ANY(%s)", pq.Array(f.EventTypes))
	}
	if f.Status != "" {
		w.add("status = %s", f.Status)
	}
	return w
}

func metricWhere(f storage.MetricFilter) *where {
	w := &where{}
	if len(f.MetricTypes) > 0 {
		w.add("metric_type = ANY(%s)", pq.Array(f.MetricTypes))
	}
	if f.Period != "" {
		w.add("period = %s", string(f.Period))
	}
	if !f.From.IsZero() {
		w.add("period_start >= %s", f.From.UTC())
	}
	if !f.To.IsZero() {
		w.add("period_start < %s", f.To.UTC())
	}
	return w
}

// selectorWhere builds the eligibility condition for a retention selector and
// returns the table and its age column
func selectorWhere(sel storage.Selector) (*where, string, error) {
	w := &where{}
	switch sel.Target {
	case storage.TargetActivities:
		w.add("timestamp < %s", sel.Before.UTC())
		if len(sel.Severities) > 0 {
			w.add("severity = ANY(%s)", pq.Array(severityStrings(sel.Severities)))
		}
		if len(sel.Actions) > 0 {
			w.add("action = ANY(%s)", pq.Array(actionStrings(sel.Actions)))
		}
		return w, "timestamp", nil
	case storage.TargetSystemEvents:
		w.add("timestamp < %s", sel.Before.UTC())
		if len(sel.Categories) > 0 {
			w.add("event_category = ANY(%s)", pq.Array(categoryStrings(sel.Categories)))
		}
		return w, "timestamp", nil
	case storage.TargetMetrics:
		w.add("period_start < %s", sel.Before.UTC())
		return w, "period_start", nil
	}
	return nil, "", fmt.Errorf("unknown target %q", sel.Target)
}

// ageColumn returns the column retention compares against for target
func ageColumn(target storage.Target) (string, error) {
	switch target {
	case storage.TargetActivities, storage.TargetSystemEvents:
		return "timestamp", nil
	case storage.TargetMetrics:
		return "period_start", nil
	}
	return "", fmt.Errorf("unknown target %q", target)
}

func truncUnit(p activity.Period) (string, error) {
	switch p {
	case activity.PeriodHour, activity.PeriodDay, activity.PeriodWeek, activity.PeriodMonth:
		return string(p), nil
	}
	return "", fmt.Errorf("unsupported period %q", p)
}

func groupColumn(by storage.GroupField) (string, error) {
	switch by {
	case storage.GroupByAction, storage.GroupBySeverity, storage.GroupByResource,
		storage.GroupByUser, storage.GroupByEndpoint:
		return string(by), nil
	}
	return "", fmt.Errorf("unsupported group field %q", by)
}

func distinctColumn(field storage.DistinctField) (string, error) {
	switch field {
	case storage.DistinctUsers, storage.DistinctSessions:
		return string(field), nil
	}
	return "", fmt.Errorf("unsupported distinct field %q", field)
}

func actionStrings(in []activity.Action) []string {
	out := make([]string, len(in))
	for i, a := range in {
		out[i] = string(a)
	}
	return out
}

func severityStrings(in []activity.Severity) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func categoryStrings(in []activity.EventCategory) []string {
	out := make([]string, len(in))
	for i, c := range in {
		out[i] = string(c)
	}
	return out
}
