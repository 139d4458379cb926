package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/beacon/pkg/async"
	"github.com/platinummonkey/beacon/pkg/observability"
)

// Pool holds the primary connection used for appends, upserts and deletes,
// plus optional read replicas that serve analytics reads.
type Pool struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32
	mu       sync.RWMutex
	logger   *observability.Logger
}

// PoolConfig holds database connection settings
type PoolConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConns <= 0 {
		c.MaxConns = 20
	}
	if c.MinConns <= 0 {
		c.MinConns = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = time.Hour
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 10 * time.Minute
	}
	return c
}

// OpenPool connects to the primary and any reachable replicas. An unreachable
// replica is logged and skipped; an unreachable primary is an error.
func OpenPool(ctx context.Context, cfg PoolConfig, logger *observability.Logger) (*Pool, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	primary, err := openDB(ctx, cfg.PrimaryURL, cfg.MaxConns, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary: %w", err)
	}

	p := &Pool{primary: primary, logger: logger}

	replicaMax := cfg.MaxConns / 2
	if replicaMax < 2 {
		replicaMax = 2
	}
	for i, url := range cfg.ReplicaURLs {
		replica, err := openDB(ctx, url, replicaMax, cfg)
		if err != nil {
			logger.WithError(err).WithField("replica", i).Warn("skipping unreachable read replica")
			continue
		}
		p.replicas = append(p.replicas, replica)
	}

	logger.WithField("replicas", len(p.replicas)).Info("postgres pool ready")
	return p, nil
}

// NewPool wraps already-open handles. Used by tests and callers that manage
// their own *sql.DB.
func NewPool(primary *sql.DB, replicas ...*sql.DB) *Pool {
	return &Pool{
		primary:  primary,
		replicas: replicas,
		logger:   observability.NewLogger(observability.InfoLevel, nil),
	}
}

func openDB(ctx context.Context, url string, maxConns int, cfg PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Primary returns the write connection
func (p *Pool) Primary() *sql.DB {
	return p.primary
}

// Replica returns a read connection, round-robin over replicas, falling back
// to the primary when none are available.
func (p *Pool) Replica() *sql.DB {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.replicas) == 0 {
		return p.primary
	}
	idx := atomic.AddUint32(&p.current, 1)
	return p.replicas[int(idx%uint32(len(p.replicas)))]
}

// Ping checks the primary. Replicas are pruned separately.
func (p *Pool) Ping(ctx context.Context) error {
	if err := p.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}
	return nil
}

// PruneReplicas closes and drops replicas that fail a ping, returning how many
// were removed
func (p *Pool) PruneReplicas(ctx context.Context) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := p.replicas[:0]
	removed := 0
	for _, replica := range p.replicas {
		if err := replica.PingContext(ctx); err != nil {
			replica.Close()
			removed++
			continue
		}
		healthy = append(healthy, replica)
	}
	p.replicas = healthy
	return removed
}

// WatchReplicas prunes unhealthy replicas every interval until ctx is done
func (p *Pool) WatchReplicas(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	async.SafeGoNoError(ctx, p.logger, 0, "postgres replica watch", func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := p.PruneReplicas(ctx); n > 0 {
					p.logger.WithField("removed", n).Warn("removed unhealthy read replicas")
				}
			}
		}
	})
}

// Close closes every connection
func (p *Pool) Close() error {
	var errs []string
	if err := p.primary.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("primary: %v", err))
	}

	p.mu.Lock()
	replicas := p.replicas
	p.replicas = nil
	p.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("replica-%d: %v", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("connection close errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ParseReplicaURLs splits a comma-separated replica list, dropping blanks
func ParseReplicaURLs(raw string) []string {
	var urls []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			urls = append(urls, part)
		}
	}
	return urls
}
