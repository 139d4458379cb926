package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/platinummonkey/beacon/pkg/activity"
	"github.com/platinummonkey/beacon/pkg/observability"
	"github.com/platinummonkey/beacon/pkg/storage"
)

// DefaultDeleteBatchSize bounds how many rows one DELETE statement removes
const DefaultDeleteBatchSize = 1000

// Config configures the PostgreSQL event store
type Config struct {
	Pool            PoolConfig
	DeleteBatchSize int
	SkipMigrations  bool
}

// Store implements storage.EventStore on PostgreSQL. Appends and deletes go to
// the primary; aggregate reads go to a replica when one is configured.
type Store struct {
	pool            *Pool
	deleteBatchSize int
}

var _ storage.EventStore = (*Store)(nil)

// Open connects using cfg and ensures the schema exists
func Open(ctx context.Context, cfg Config, logger *observability.Logger) (*Store, error) {
	pool, err := OpenPool(ctx, cfg.Pool, logger)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(ctx, pool, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewStore builds a store over an existing pool
func NewStore(ctx context.Context, pool *Pool, cfg Config) (*Store, error) {
	if pool == nil || pool.Primary() == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &Store{pool: pool, deleteBatchSize: cfg.DeleteBatchSize}
	if s.deleteBatchSize <= 0 {
		s.deleteBatchSize = DefaultDeleteBatchSize
	}
	if !cfg.SkipMigrations {
		if err := s.ensureTables(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure tables: %w", err)
		}
	}
	return s, nil
}

func (s *Store) ensureTables(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS activity_records (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(255),
		session_id VARCHAR(255),
		action VARCHAR(32) NOT NULL,
		resource VARCHAR(100) NOT NULL,
		resource_id VARCHAR(255),
		method VARCHAR(10),
		endpoint TEXT,
		status_code INTEGER,
		duration_ms BIGINT,
		description TEXT NOT NULL DEFAULT '',
		severity VARCHAR(10) NOT NULL,
		metadata JSONB,
		tags TEXT[],
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_activity_records_timestamp ON activity_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_activity_records_user_timestamp ON activity_records(user_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_activity_records_severity ON activity_records(severity);

	CREATE TABLE IF NOT EXISTS system_events (
		id VARCHAR(64) PRIMARY KEY,
		event_type VARCHAR(100) NOT NULL,
		event_category VARCHAR(32) NOT NULL,
		source VARCHAR(100) NOT NULL,
		source_id VARCHAR(255),
		payload JSONB,
		status VARCHAR(32) NOT NULL,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_system_events_timestamp ON system_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_system_events_category ON system_events(event_category, timestamp);

	CREATE TABLE IF NOT EXISTS metric_rows (
		id VARCHAR(64) PRIMARY KEY,
		metric_type VARCHAR(64) NOT NULL,
		metric_value DOUBLE PRECISION NOT NULL,
		metric_unit VARCHAR(32),
		period VARCHAR(10) NOT NULL,
		period_start TIMESTAMP WITH TIME ZONE NOT NULL,
		period_end TIMESTAMP WITH TIME ZONE NOT NULL,
		UNIQUE(metric_type, period, period_start)
	);

	CREATE INDEX IF NOT EXISTS idx_metric_rows_period_start ON metric_rows(period_start);
	`

	_, err := s.pool.Primary().ExecContext(ctx, query)
	return err
}

// Ping checks the primary connection
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes every pooled connection
func (s *Store) Close() error {
	return s.pool.Close()
}

// DB returns the primary handle for components that share the connection
func (s *Store) DB() *sql.DB {
	return s.pool.Primary()
}

// Pool exposes the connection pool for replica health watching
func (s *Store) Pool() *Pool {
	return s.pool
}

// jsonParam encodes a metadata bag for a JSONB column. An empty bag is stored
// as NULL.
func jsonParam(m activity.Metadata) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(raw []byte) (activity.Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m activity.Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return m, nil
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
