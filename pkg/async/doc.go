// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// Goroutines started through this package recover from panics, honor context
// cancellation and optional timeouts, and log failures through the structured
// observability logger instead of crashing the process.
//
// # Key Functions
//
// SafeGo: run one function in the background
//
//	async.SafeGo(ctx, logger, 5*time.Second, "immediate send", func(ctx context.Context) error {
//		return transport.Send(ctx, rec)
//	})
//
// WorkerPool: a fixed set of workers draining a task channel
//
//	pool := async.NewWorkerPool(ctx, logger, 4, "metric units", 30*time.Second)
//	defer pool.Shutdown(5 * time.Second)
//
// Batch: fan items out to a pool and wait for all of them
//
//	errs := async.Batch(ctx, logger, units, 4, "metric units", time.Minute, run)
//
// # Use Cases
//
//   - pkg/collector: immediate sends of ERROR and CRITICAL events
//   - pkg/rollup: metric units computed concurrently
//   - pkg/retention: policy file reloads
//   - pkg/storage/postgres: replica health pruning
package async
