// Package activity defines the canonical telemetry shapes shared by every part of
// the pipeline.
//
// # Overview
//
// Three record kinds flow through Beacon:
//
//   - ActivityRecord: one observed action, captured by the HTTP middleware or
//     submitted by a client collector
//   - SystemEvent: security, admin and batch-job occurrences with an
//     independent lifecycle
//   - MetricRow: a period-bucketed rollup produced by the metrics generator
//
// Metadata bags are typed (string, number, bool, nested map) so they survive a
// JSON round trip unchanged.
//
// # Errors
//
// The package also carries the pipeline's error taxonomy. HTTP handlers map these
// to status codes in pkg/httputil:
//
//	ValidationError            -> 400
//	AuthorizationError         -> 403
//	DestructiveOperationError  -> 403
//	TransientIngestionError    -> 503
//	AggregationError           -> reported in run summaries
package activity
