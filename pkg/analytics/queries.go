package analytics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/authz"
	"github.com/platinummonkey/beacon/pkg/storage"
)

// Query limits
const (
	DefaultQueryLimit = 10
	MaxQueryLimit     = 100
)

// QueryName identifies one of the allowed custom queries
type QueryName string

const (
	QueryUserActivitySummary QueryName = "user_activity_summary"
	QueryResourceUsageStats  QueryName = "resource_usage_stats"
	QueryErrorAnalysis       QueryName = "error_analysis"
	QueryPerformanceMetrics  QueryName = "performance_metrics"
	QuerySecurityEvents      QueryName = "security_events"
	QueryAdminActions        QueryName = "admin_actions"
)

// QueryParams is the parameter contract shared by every custom query. Zero
// dates take the QueryAnalytics defaults; a zero Limit means DefaultQueryLimit.
type QueryParams struct {
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Limit     int       `json:"limit"`
}

// Row is one grouped line of an activity query
type Row struct {
	Key           string  `json:"key"`
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	ErrorRate     float64 `json:"errorRate"`
	UniqueUsers   int64   `json:"uniqueUsers"`
	AvgDurationMs float64 `json:"avgDurationMs"`
}

// QueryResult is the answer to a custom query. Activity queries fill Rows,
// event queries fill Events.
type QueryResult struct {
	Query  QueryName              `json:"query"`
	Scope  Scope                  `json:"scope"`
	Params QueryParams            `json:"parameters"`
	Rows   []Row                  `json:"rows,omitempty"`
	Events []activity.SystemEvent `json:"events,omitempty"`
	Total  int64                  `json:"total"`
}

type queryDef struct {
	privileged bool
	run        func(ctx context.Context, r storage.Reader, sf storage.ActivityFilter, p QueryParams) (*QueryResult, error)
}

// queries is the complete allow-list. Every entry only reads.
var queries = map[QueryName]queryDef{
	QueryUserActivitySummary: {run: groupQuery(storage.GroupByUser, "")},
	QueryResourceUsageStats:  {run: groupQuery(storage.GroupByResource, "")},
	QueryErrorAnalysis:       {run: groupQuery(storage.GroupByEndpoint, activity.SeverityError)},
	QueryPerformanceMetrics:  {run: performanceQuery},
	QuerySecurityEvents:      {privileged: true, run: eventQuery(activity.CategorySecurity)},
	QueryAdminActions:        {privileged: true, run: eventQuery(activity.CategoryAdmin)},
}

// QueryNames lists the allowed custom queries in sorted order
func QueryNames() []QueryName {
	names := make([]QueryName, 0, len(queries))
	for n := range queries {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// RunCustomQuery runs one of the allow-listed queries. Names outside the list
// are rejected before the store is touched. Event queries need a privileged
// caller; activity queries are limited to the caller's own records unless the
// caller is privileged.
func (e *Engine) RunCustomQuery(ctx context.Context, p authz.Principal, name string, params QueryParams) (*QueryResult, error) {
	def, ok := queries[QueryName(name)]
	if !ok {
		e.metrics.AnalyticsQueriesTotal.WithLabelValues("unknown", "rejected").Inc()
		return nil, activity.NewValidationError("query", fmt.Sprintf("unknown query %q", name))
	}
	res, err := e.runCustomQuery(ctx, p, QueryName(name), def, params)
	e.metrics.AnalyticsQueriesTotal.WithLabelValues(name, statusLabel(err)).Inc()
	return res, err
}

func (e *Engine) runCustomQuery(ctx context.Context, p authz.Principal, name QueryName, def queryDef, params QueryParams) (*QueryResult, error) {
	if def.privileged && !p.Privileged() {
		return nil, &activity.AuthorizationError{Reason: fmt.Sprintf("query %s requires an administrator", name)}
	}

	params, err := e.resolveParams(params)
	if err != nil {
		return nil, err
	}

	scope, userID, err := resolveScope(p, nil)
	if err != nil {
		return nil, err
	}

	key, err := cacheKey("query:"+string(name), scope, struct {
		UserID *string     `json:"userId"`
		Params QueryParams `json:"params"`
	}{userID, params})
	if err != nil {
		return nil, err
	}

	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		if e.cache != nil {
			var cached QueryResult
			if hit, err := e.cache.Get(ctx, key, &cached); err == nil && hit {
				e.metrics.AnalyticsCacheTotal.WithLabelValues("hit").Inc()
				return &cached, nil
			}
			e.metrics.AnalyticsCacheTotal.WithLabelValues("miss").Inc()
		}
		sf := storage.ActivityFilter{From: params.StartDate, To: params.EndDate, UserID: userID}
		res, err := def.run(ctx, e.reader, sf, params)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", name, err)
		}
		res.Query = name
		res.Scope = scope
		res.Params = params
		e.store(ctx, key, res)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*QueryResult), nil
}

func (e *Engine) resolveParams(p QueryParams) (QueryParams, error) {
	fields := map[string]string{}
	switch {
	case p.Limit == 0:
		p.Limit = DefaultQueryLimit
	case p.Limit < 1 || p.Limit > MaxQueryLimit:
		fields["limit"] = fmt.Sprintf("must be between 1 and %d", MaxQueryLimit)
	}
	if p.EndDate.IsZero() {
		p.EndDate = e.defaultEnd()
	}
	if p.StartDate.IsZero() {
		p.StartDate = p.EndDate.Add(-DefaultRange)
	}
	p.StartDate = p.StartDate.UTC()
	p.EndDate = p.EndDate.UTC()
	if p.StartDate.After(p.EndDate) {
		fields["startDate"] = "must not be after endDate"
	}
	if len(fields) > 0 {
		return p, &activity.ValidationError{Fields: fields}
	}
	return p, nil
}

func groupQuery(by storage.GroupField, minSeverity activity.Severity) func(context.Context, storage.Reader, storage.ActivityFilter, QueryParams) (*QueryResult, error) {
	return func(ctx context.Context, r storage.Reader, sf storage.ActivityFilter, p QueryParams) (*QueryResult, error) {
		sf.MinSeverity = minSeverity
		groups, err := r.GroupActivities(ctx, sf, by, p.Limit)
		if err != nil {
			return nil, err
		}
		total, err := r.CountActivities(ctx, sf)
		if err != nil {
			return nil, err
		}
		return &QueryResult{Rows: toRows(groups), Total: total}, nil
	}
}

// performanceQuery ranks endpoints by average duration, slowest first
func performanceQuery(ctx context.Context, r storage.Reader, sf storage.ActivityFilter, p QueryParams) (*QueryResult, error) {
	groups, err := r.GroupActivities(ctx, sf, storage.GroupByEndpoint, 0)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].AvgDurationMs != groups[j].AvgDurationMs {
			return groups[i].AvgDurationMs > groups[j].AvgDurationMs
		}
		return strings.Compare(groups[i].Key, groups[j].Key) < 0
	})
	total := int64(len(groups))
	if len(groups) > p.Limit {
		groups = groups[:p.Limit]
	}
	return &QueryResult{Rows: toRows(groups), Total: total}, nil
}

func eventQuery(category activity.EventCategory) func(context.Context, storage.Reader, storage.ActivityFilter, QueryParams) (*QueryResult, error) {
	return func(ctx context.Context, r storage.Reader, _ storage.ActivityFilter, p QueryParams) (*QueryResult, error) {
		ef := storage.EventFilter{
			From:       p.StartDate,
			To:         p.EndDate,
			Categories: []activity.EventCategory{category},
		}
		events, err := r.ListSystemEvents(ctx, ef, p.Limit)
		if err != nil {
			return nil, err
		}
		total, err := r.CountSystemEvents(ctx, ef)
		if err != nil {
			return nil, err
		}
		return &QueryResult{Events: events, Total: total}, nil
	}
}

func toRows(groups []storage.GroupStat) []Row {
	rows := make([]Row, len(groups))
	for i, g := range groups {
		rows[i] = Row{
			Key:           g.Key,
			Count:         g.Count,
			Errors:        g.Errors,
			ErrorRate:     percent(g.Errors, g.Count),
			UniqueUsers:   g.UniqueUsers,
			AvgDurationMs: g.AvgDurationMs,
		}
	}
	return rows
}
