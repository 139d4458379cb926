// Package config loads pipeline configuration from BEACON_* environment
// variables.
//
// An optional dotenv file is read first; variables already set in the
// environment take precedence over it. Every setting has a default, so an
// empty environment runs the server on :8080 with the in-memory store.
//
// Server:
//
//	BEACON_HOST="0.0.0.0"
//	BEACON_PORT="8080"
//	BEACON_HEALTH_PORT="9090"        # optional separate probe/metrics listener
//	BEACON_DEDUPE_SIZE="100000"
//
// Storage:
//
//	BEACON_POSTGRES_URL="postgres://localhost/beacon?sslmode=disable"
//	BEACON_POSTGRES_REPLICA_URLS="postgres://replica-1/beacon,postgres://replica-2/beacon"
//	BEACON_REDIS_URL="redis://localhost:6379/0"
//
// Retention:
//
//	BEACON_RETENTION_POLICY_FILE="/etc/beacon/retention.yaml"
//	BEACON_RETENTION_SINK="s3"       # none, file, s3
//	BEACON_RETENTION_S3_BUCKET="beacon-archive"
//	BEACON_RETENTION_SCHEDULE="30 2 * * *"
//
// Observability:
//
//	BEACON_LOG_LEVEL="info"
//	BEACON_OTEL_ENABLED="true"
//	BEACON_OTEL_ENDPOINT="otel-collector:4317"
//
// Usage:
//
//	cfg, err := config.LoadConfig(".env")
//	if err != nil {
//		log.Fatal(err)
//	}
//	store, err := postgres.Open(ctx, cfg.Database.StoreConfig(), logger)
package config
