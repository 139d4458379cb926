// Package bootstrap builds the pipeline engines from a config.Config.
//
// Both binaries share it: the server adds the HTTP surface and the capture
// queue on top, the aggregator schedules rollups and retention runs.
//
//	comps, err := bootstrap.Build(ctx, cfg, logger, metrics)
//	if err != nil {
//		return err
//	}
//	defer comps.Close()
//	comps.Start(ctx)
package bootstrap
