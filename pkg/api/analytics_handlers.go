package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/analytics"
	"github.com/platinummonkey/beacon/pkg/authz"
	"github.com/platinummonkey/beacon/pkg/capture"
	"github.com/platinummonkey/beacon/pkg/httputil"
)

// getAnalytics handles GET /api/v1/analytics
// Query params:
//   - startDate, endDate: RFC3339 or YYYY-MM-DD, default the last 7 days. A
//     date-only endDate includes that whole day.
//   - groupBy: hour, day, week or month, default day
//   - userId: another user's activity, admins only
//   - refresh: true bypasses the cached result
func (s *Server) getAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := analytics.Filter{
		GroupBy: activity.Period(httputil.ParseQueryString(r, "groupBy", "")),
	}
	var err error
	if filter.StartDate, err = httputil.ParseQueryTime(r, "startDate"); err != nil {
		httputil.WriteServiceError(w, s.logger, activity.NewValidationError("startDate", err.Error()))
		return
	}
	if filter.EndDate, err = httputil.ParseQueryEndTime(r, "endDate"); err != nil {
		httputil.WriteServiceError(w, s.logger, activity.NewValidationError("endDate", err.Error()))
		return
	}
	if filter.Refresh, err = httputil.ParseQueryBool(r, "refresh", false); err != nil {
		httputil.WriteServiceError(w, s.logger, activity.NewValidationError("refresh", err.Error()))
		return
	}
	if userID := strings.TrimSpace(r.URL.Query().Get("userId")); userID != "" {
		filter.UserID = &userID
	}

	result, err := s.analytics.QueryAnalytics(ctx, authz.FromContext(ctx), filter)
	if err != nil {
		httputil.WriteServiceError(w, s.logger, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// QueryRequest is the body of POST /api/v1/analytics/query
type QueryRequest struct {
	Query      string          `json:"query"`
	Parameters QueryParameters `json:"parameters"`
}

// QueryParameters carries dates as strings so both accepted formats parse
type QueryParameters struct {
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func (p QueryParameters) resolve() (analytics.QueryParams, error) {
	out := analytics.QueryParams{Limit: p.Limit}
	fields := map[string]string{}
	var err error
	if p.StartDate != "" {
		if out.StartDate, err = httputil.ParseTime(p.StartDate); err != nil {
			fields["parameters.startDate"] = err.Error()
		}
	}
	if p.EndDate != "" {
		if out.EndDate, err = httputil.ParseEndTime(p.EndDate); err != nil {
			fields["parameters.endDate"] = err.Error()
		}
	}
	if len(fields) > 0 {
		return out, &activity.ValidationError{Fields: fields}
	}
	return out, nil
}

// runQuery handles POST /api/v1/analytics/query. Only the named queries
// listed by analytics.QueryNames are accepted.
func (s *Server) runQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	params, err := req.Parameters.resolve()
	if err != nil {
		httputil.WriteServiceError(w, s.logger, err)
		return
	}

	run := func(ctx context.Context, params analytics.QueryParams) (*analytics.QueryResult, error) {
		return s.analytics.RunCustomQuery(ctx, authz.FromContext(ctx), req.Query, params)
	}
	if s.capture != nil {
		run = capture.Track[analytics.QueryParams, *analytics.QueryResult](s.capture, capture.Config{
			Action:      activity.ActionRead,
			Resource:    "analytics_query",
			Description: "custom analytics query " + req.Query,
		}, run)
	}

	start := time.Now()
	result, err := run(r.Context(), params)
	if err != nil {
		httputil.WriteServiceError(w, s.logger, err)
		return
	}
	s.logger.WithFields(map[string]interface{}{
		"query":       req.Query,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("custom query served")
	httputil.WriteSuccess(w, result)
}
