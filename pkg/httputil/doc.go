// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteBadRequest(w, "Invalid input")
//
// Errors from the pipeline are mapped to statuses in one place:
//
//	result, err := engine.QueryAnalytics(ctx, principal, filter)
//	if err != nil {
//		httputil.WriteServiceError(w, logger, err)
//		return
//	}
//
// ValidationError becomes 400 with per-field details, AuthorizationError and
// DestructiveOperationError become 403, TransientIngestionError becomes 503 and
// anything else is a 500 whose cause is only logged.
//
// # Request Parsing
//
//	var req PurgeRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
//	from, err := httputil.ParseQueryTime(r, "startDate") // RFC3339 or YYYY-MM-DD
//	to, err := httputil.ParseQueryEndTime(r, "endDate")  // a bare date includes the whole day
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//	)
package httputil
