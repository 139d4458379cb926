// Package capture records one ActivityRecord for every invocation of a wrapped
// HTTP handler or plain function.
//
// Wrapping never changes what the handler returns. Records are handed to a
// bounded Queue and written to the event store by background workers; a slow
// or failing store costs telemetry, never latency:
//
//	queue := capture.NewQueue(store, capture.QueueConfig{Capacity: 4096}, logger, metrics)
//	defer queue.Close(ctx)
//
//	mw := capture.NewMiddleware(queue, logger)
//	router.Handle("/bookings/{id}", mw.WithTracking(bookingHandler, capture.Config{
//		Resource:      "booking",
//		ResourceIDVar: "id",
//	}))
//
// Severity is derived from the outcome unless Config.Severity is set: a panic
// is CRITICAL, an error or 5xx is ERROR, a 4xx is WARN and anything else INFO.
package capture
