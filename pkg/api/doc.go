// Package api provides the HTTP surface of the telemetry pipeline.
//
// # Routes
//
//	POST /api/v1/activity/batch      ingest a JSON array of activity records
//	GET  /api/v1/analytics           dashboard analytics (startDate, endDate, groupBy, userId)
//	POST /api/v1/analytics/query     one of the named custom queries
//	GET  /api/v1/retention           retention policies and eligible counts
//	POST /api/v1/retention           cleanup, add_policy or remove_policy
//	POST /api/v1/retention/purge     emergency purge, super admin only
//	GET  /healthz, /readyz, /metrics
//
// Every route resolves the caller through an authz.Authorizer and checks a
// capability before the handler runs. Errors map to statuses through
// httputil.WriteServiceError: validation 400, authorization and refused
// destructive operations 403, missing policies 404, store outages 503.
//
// Ingestion accepts partial batches. Each item is validated on its own and the
// response lists rejected items by index:
//
//	{"accepted": 9, "duplicates": 0, "rejected": [{"index": 3, "errors": {"action": "unknown action \"JUMP\""}}]}
//
// Ids ingested recently are remembered in an LRU and skipped, so a client
// retrying a batch after a timeout does not double count. A store outage
// returns 503 so clients keep the batch and retry.
//
// The analytics and retention handlers are themselves wrapped with the capture
// middleware when one is configured.
package api
