package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/beacon/pkg/analytics"
	"github.com/platinummonkey/beacon/pkg/authz"
	"github.com/platinummonkey/beacon/pkg/config"
	"github.com/platinummonkey/beacon/pkg/retention"
	"github.com/platinummonkey/beacon/pkg/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.FromEnv()
	require.NoError(t, err)
	return cfg
}

func TestBuildInMemory(t *testing.T) {
	ctx := context.Background()
	c, err := Build(ctx, testConfig(t), nil, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.IsType(t, &storage.MemoryStore{}, c.Store)
	assert.Nil(t, c.Postgres)
	assert.Nil(t, c.Redis)
	assert.IsType(t, retention.NopSink{}, c.Sink)
	assert.Len(t, c.Policies.List(), len(retention.DefaultPolicies()))

	report, err := c.Retention.ExecuteCleanup(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, retention.StateCompleted, report.State)

	status := c.Health.Check(ctx)
	assert.Equal(t, "healthy", status.Status)
}

func TestBuildFileSinkAndPolicyFile(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Retention.Sink = config.SinkFile
	cfg.Retention.ArchiveDir = filepath.Join(dir, "archive")
	cfg.Retention.PolicyFile = filepath.Join(dir, "retention.yaml")

	c, err := Build(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.IsType(t, &retention.FileSink{}, c.Sink)
	_, err = os.Stat(cfg.Retention.PolicyFile)
	assert.NoError(t, err, "policy file is seeded from defaults")

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	cancel()
}

func TestBuildWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.URL = "redis://" + mr.Addr()

	ctx := context.Background()
	c, err := Build(ctx, cfg, nil, nil)
	require.NoError(t, err)
	defer c.Close()
	require.NotNil(t, c.Redis)

	admin := authz.Principal{UserID: "admin-1", Role: authz.RoleAdmin}
	_, err = c.Analytics.QueryAnalytics(ctx, admin, analytics.Filter{})
	require.NoError(t, err)
	assert.NotEmpty(t, mr.Keys(), "analytics results are cached in redis")

	require.NoError(t, c.Analytics.InvalidateCache(ctx))
	assert.Empty(t, mr.Keys())
}

func TestBuildRejectsUnknownSink(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention.Sink = "tape"

	_, err := Build(context.Background(), cfg, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown archive sink")
}

func TestBuildRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t)
	cfg.Redis.URL = "redis://" + addr

	_, err := Build(context.Background(), cfg, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}
