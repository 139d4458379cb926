// Package middleware provides request rate limiting for the ingestion endpoint.
//
// Two limiters implement Limiter:
//
//	LocalLimiter   token bucket per key, per process
//	RedisLimiter   fixed-window counter shared by every replica
//
// RateLimit keys authenticated callers by user id and anonymous callers by
// client IP, sets X-RateLimit-* headers and answers 429 with Retry-After when
// the caller is out of capacity. A limiter error lets the request through and
// is counted in beacon_rate_limited_requests_total{outcome="error"}.
//
//	limiter := middleware.NewRedisLimiter(redisClient, middleware.DefaultRateLimitConfig(), "ratelimit:ingest")
//	handler = middleware.RateLimit(limiter, logger, metrics)(handler)
package middleware
