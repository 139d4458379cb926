package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/authz"
	"github.com/platinummonkey/beacon/pkg/httputil"
	"github.com/platinummonkey/beacon/pkg/retention"
)

// Retention actions accepted by POST /api/v1/retention
const (
	ActionCleanup      = "cleanup"
	ActionAddPolicy    = "add_policy"
	ActionRemovePolicy = "remove_policy"
)

// RetentionOverview is the body of GET /api/v1/retention
type RetentionOverview struct {
	Policies []retention.Policy      `json:"policies"`
	Stats    []retention.PolicyStats `json:"stats"`
}

// RetentionRequest is the body of POST /api/v1/retention
type RetentionRequest struct {
	Action     string            `json:"action"`
	DryRun     bool              `json:"dryRun"`
	Policy     *retention.Policy `json:"policy,omitempty"`
	PolicyName string            `json:"policyName,omitempty"`
}

// getRetention handles GET /api/v1/retention
func (s *Server) getRetention(w http.ResponseWriter, r *http.Request) {
	stats, err := s.retention.GetRetentionStats(r.Context())
	if err != nil {
		httputil.WriteServiceError(w, s.logger, err)
		return
	}
	httputil.WriteSuccess(w, RetentionOverview{
		Policies: s.retention.Policies().List(),
		Stats:    stats,
	})
}

// postRetention handles POST /api/v1/retention
func (s *Server) postRetention(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req RetentionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	principal := authz.FromContext(ctx)

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case ActionCleanup:
		report, err := s.retention.ExecuteCleanup(ctx, req.DryRun)
		var aggErr *activity.AggregationError
		if err != nil && !errors.As(err, &aggErr) {
			httputil.WriteServiceError(w, s.logger, err)
			return
		}
		if !req.DryRun {
			s.invalidateAnalytics(ctx)
		}
		// failed policies are reported in the report, not as a request failure
		httputil.WriteSuccess(w, report)

	case ActionAddPolicy:
		if req.Policy == nil {
			httputil.WriteServiceError(w, s.logger, activity.NewValidationError("policy", "required for add_policy"))
			return
		}
		if err := s.retention.AddPolicy(ctx, principal, *req.Policy); err != nil {
			httputil.WriteServiceError(w, s.logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, req.Policy)

	case ActionRemovePolicy:
		if req.PolicyName == "" {
			httputil.WriteServiceError(w, s.logger, activity.NewValidationError("policyName", "required for remove_policy"))
			return
		}
		if err := s.retention.RemovePolicy(ctx, principal, req.PolicyName); err != nil {
			httputil.WriteServiceError(w, s.logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		httputil.WriteServiceError(w, s.logger, activity.NewValidationError("action", "must be one of cleanup, add_policy, remove_policy"))
	}
}

// emergencyPurge handles POST /api/v1/retention/purge
func (s *Server) emergencyPurge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req retention.PurgeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.retention.EmergencyPurge(ctx, authz.FromContext(ctx), req)
	if result != nil {
		s.invalidateAnalytics(ctx)
	}
	if err != nil {
		httputil.WriteServiceError(w, s.logger, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// invalidateAnalytics drops cached results after records were deleted
func (s *Server) invalidateAnalytics(ctx context.Context) {
	if err := s.analytics.InvalidateCache(ctx); err != nil {
		s.logger.WithError(err).Warn("failed to invalidate analytics cache")
	}
}
