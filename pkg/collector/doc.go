// Package collector is the client-side half of the telemetry pipeline.
//
// A Collector buffers activity events and ships them to the batch ingestion
// endpoint through a Transport. Routine events are batched and flushed when the
// buffer fills or after a quiet period; ERROR and CRITICAL events are sent on
// their own right away.
//
// Failed batches go back to the front of the buffer so delivery order matches
// enqueue order. Each event survives a bounded number of failed flushes, and
// retries back off exponentially while the endpoint keeps failing.
//
//	c := collector.New(collector.DefaultConfig(),
//	    collector.NewHTTPTransport("https://beacon.internal/api/v1/activity/batch", nil),
//	    logrus.New())
//	defer c.Close(ctx)
//	_ = c.Track(activity.ActivityRecord{Action: activity.ActionLogin, Resource: "session"})
package collector
