package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/beacon/pkg/analytics"
	"github.com/platinummonkey/beacon/pkg/async"
	"github.com/platinummonkey/beacon/pkg/config"
	"github.com/platinummonkey/beacon/pkg/observability"
	"github.com/platinummonkey/beacon/pkg/retention"
	"github.com/platinummonkey/beacon/pkg/rollup"
	"github.com/platinummonkey/beacon/pkg/storage"
	"github.com/platinummonkey/beacon/pkg/storage/postgres"
	"github.com/platinummonkey/beacon/pkg/storage/redisstore"
)

// DBStatsInterval is how often connection pool gauges are refreshed
const DBStatsInterval = 15 * time.Second

// Components are the pipeline engines shared by the server and the aggregator
type Components struct {
	Store    storage.EventStore
	Postgres *postgres.Store
	Redis    *redisstore.Client

	Policies  *retention.PolicyStore
	Sink      retention.ArchiveSink
	Retention *retention.Engine
	Analytics *analytics.Engine
	Rollup    *rollup.Generator
	Health    *observability.HealthChecker

	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
}

// Build connects storage and constructs every engine. Without a database URL
// the in-memory store is used; without a Redis URL analytics results are not
// cached and rollups are not locked across replicas.
func Build(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (_ *Components, err error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if metrics == nil {
		metrics = observability.NewDiscardMetrics()
	}
	c := &Components{cfg: cfg, logger: logger, metrics: metrics}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if cfg.Database.Enabled() {
		pg, err := postgres.Open(ctx, cfg.Database.StoreConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		c.Postgres = pg
		c.Store = pg
		logger.WithField("replicas", len(cfg.Database.ReplicaURLs)).Info("using postgres event store")
	} else {
		c.Store = storage.NewMemoryStore()
		logger.Warn("no database configured, using the in-memory event store")
	}

	var redisPinger observability.Pinger
	if cfg.Redis.Enabled() {
		client, err := redisstore.NewClient(ctx, cfg.Redis.ClientConfig())
		if err != nil {
			return nil, err
		}
		c.Redis = client
		redisPinger = client
	}
	c.Health = observability.NewHealthChecker(cfg.Server.Version, c.Store, redisPinger)

	if cfg.Retention.PolicyFile != "" {
		c.Policies, err = retention.OpenPolicyFile(cfg.Retention.PolicyFile, retention.DefaultPolicies(), logger)
	} else {
		c.Policies, err = retention.NewPolicyStore(retention.DefaultPolicies()...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load retention policies: %w", err)
	}

	if c.Sink, err = c.openSink(ctx); err != nil {
		return nil, err
	}

	c.Retention = retention.NewEngine(c.Store, c.Policies, c.Sink, cfg.Retention.EngineConfig(), logger, metrics)

	c.Analytics = analytics.NewEngine(c.Store, logger, metrics)
	if c.Redis != nil {
		c.Analytics.WithCache(analytics.NewRedisCache(c.Redis), cfg.Analytics.CacheTTL)
	}

	c.Rollup = rollup.NewGenerator(c.Store, c.Store, cfg.Rollup.GeneratorConfig(), logger, metrics).
		WithEventWriter(c.Store)
	if c.Redis != nil {
		c.Rollup.WithLocker(rollup.NewRedisLocker(c.Redis, cfg.Rollup.LockTTL))
	}

	return c, nil
}

func (c *Components) openSink(ctx context.Context) (retention.ArchiveSink, error) {
	switch c.cfg.Retention.Sink {
	case config.SinkFile:
		sink, err := retention.NewFileSink(c.cfg.Retention.ArchiveDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive dir: %w", err)
		}
		return sink, nil
	case config.SinkS3:
		sink, err := retention.NewS3Sink(ctx, c.cfg.Retention.S3Config())
		if err != nil {
			return nil, fmt.Errorf("failed to open S3 archive: %w", err)
		}
		c.Health.Add("archive", sink, false)
		return sink, nil
	case config.SinkNone, "":
		return retention.NopSink{}, nil
	default:
		return nil, fmt.Errorf("unknown archive sink %q", c.cfg.Retention.Sink)
	}
}

// Start launches the background loops: policy file watching, replica
// pruning and pool gauges. They stop when ctx is cancelled.
func (c *Components) Start(ctx context.Context) {
	if c.cfg.Retention.PolicyFile != "" {
		async.SafeGo(ctx, c.logger, 0, "retention policy watch", c.Policies.Watch)
	}
	if c.Postgres == nil {
		return
	}
	c.Postgres.Pool().WatchReplicas(ctx, 30*time.Second)
	async.SafeGoNoError(ctx, c.logger, 0, "db stats", func(ctx context.Context) {
		ticker := time.NewTicker(DBStatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.metrics.RecordDBStats(c.Postgres.DB().Stats())
			}
		}
	})
}

// Close releases storage connections
func (c *Components) Close() error {
	var errs []error
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}
