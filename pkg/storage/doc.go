// Package storage defines the persistence surface of the telemetry pipeline.
//
// # Overview
//
// Three logical stores hold the pipeline's data: activity_records,
// system_events and metric_rows. The package splits access to them into narrow
// interfaces so ownership is enforced by what each component is handed:
//
//   - ActivityWriter: append activities and system events (every producer)
//   - Reader: counts, buckets, groups and listings (every consumer)
//   - MetricWriter: metric upserts (metrics generator only)
//   - Pruner: eligibility counts, fetches and deletes (retention engine only)
//
// These compose into EventStore, which backends implement in full.
//
// # Backend Implementations
//
// MemoryStore keeps everything in process behind a read/write mutex. It is used
// by tests and by dev mode when no database URL is configured.
//
//	store := storage.NewMemoryStore()
//
// The postgres subpackage stores the same data in PostgreSQL:
//
//	store, err := postgres.NewStore(ctx, postgres.Config{URL: "postgres://localhost/beacon"})
//
// # Deletion
//
// Deletes are always bounded: DeleteByID removes an explicit batch and
// PurgeBefore works through the cutoff in batches, so no caller ever holds a
// table-wide lock.
package storage
