package cache

import (
	"context"
	"encoding/base64"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cxhealth/cxhealth/internal/config"
	"github.com/cxhealth/cxhealth/pkg/errors"
	"github.com/cxhealth/cxhealth/pkg/health"
	"github.com/cxhealth/cxhealth/pkg/types"
)

func testCacheConfig(dir string) config.CacheConfig {
	cfg := config.NewDefault().Cache
	cfg.Distributed.Enabled = false
	cfg.Disk.Enabled = dir != ""
	cfg.Disk.Directory = dir
	return cfg
}

func newTestManager(t *testing.T, cfg config.CacheConfig, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(cfg, zerolog.New(io.Discard), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func redisClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestManager_MemoryHit(t *testing.T) {
	m := newTestManager(t, testCacheConfig(""))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, NamespaceSummary, "latest", types.Summary{TotalAccounts: 5}, SummaryCodec, WriteAll(time.Hour)))

	s, ok := Fetch[types.Summary](ctx, m, NamespaceSummary, "latest", SummaryCodec, AllTiers)
	require.True(t, ok)
	assert.Equal(t, 5, s.TotalAccounts)

	_, ok = m.Get(ctx, NamespaceSummary, "missing", SummaryCodec, AllTiers)
	assert.False(t, ok)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
	assert.Equal(t, 1, stats.MemoryKeys)
	assert.Equal(t, "v1", stats.Version)
	assert.False(t, stats.DiskEnabled)
	assert.False(t, stats.DistributedConnected)
}

func TestManager_RejectsNonPositiveTTL(t *testing.T) {
	m := newTestManager(t, testCacheConfig(""))

	for _, ttl := range []time.Duration{0, -time.Second} {
		err := m.Set(context.Background(), NamespaceSummary, "latest", types.Summary{}, SummaryCodec, WriteAll(ttl))
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
	}
	assert.Zero(t, m.Stats().MemoryKeys)
}

func TestManager_MemoryExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, testCacheConfig(""), WithClock(clock))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, NamespaceSummary, "latest", types.Summary{}, SummaryCodec, WriteAll(time.Hour)))
	clock.Advance(time.Hour + time.Second)

	_, ok := m.Get(ctx, NamespaceSummary, "latest", SummaryCodec, AllTiers)
	assert.False(t, ok)
}

func TestManager_DistributedSharedAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	cfg := testCacheConfig("")

	writer := newTestManager(t, cfg, WithRedisClient(redisClient(t, mr)))
	reader := newTestManager(t, cfg, WithRedisClient(redisClient(t, mr)))

	rows := sampleMaster()
	require.NoError(t, writer.Set(ctx, NamespaceMaster, "all", rows, MasterCodec, WriteAll(4*time.Hour)))

	raw, err := mr.Get("v1:master:all")
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(raw)
	require.NoError(t, err, "binary payloads are base64 text")
	assert.Equal(t, "PAR1", string(decoded[:4]))
	assert.Equal(t, 4*time.Hour, mr.TTL("v1:master:all"))

	got, ok := Fetch[[]types.MetricRow](ctx, reader, NamespaceMaster, "all", MasterCodec, AllTiers)
	require.True(t, ok)
	assert.Equal(t, rows, got)
	assert.True(t, reader.Stats().DistributedConnected)

	// Repopulated into memory: served even after the shared entry disappears.
	mr.FlushAll()
	_, ok = reader.Get(ctx, NamespaceMaster, "all", MasterCodec, AllTiers)
	assert.True(t, ok)
	assert.Equal(t, 1, reader.Stats().MemoryKeys)
}

func TestManager_ReadOptionsSkipTiers(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	cfg := testCacheConfig("")

	writer := newTestManager(t, cfg, WithRedisClient(redisClient(t, mr)))
	reader := newTestManager(t, cfg, WithRedisClient(redisClient(t, mr)))
	require.NoError(t, writer.Set(ctx, NamespaceSummary, "latest", types.Summary{TotalAccounts: 1}, SummaryCodec, WriteAll(time.Hour)))

	_, ok := reader.Get(ctx, NamespaceSummary, "latest", SummaryCodec, ReadOptions{})
	assert.False(t, ok)
	_, ok = reader.Get(ctx, NamespaceSummary, "latest", SummaryCodec, ReadOptions{Distributed: true})
	assert.True(t, ok)
}

func TestManager_DiskFallbackRepopulates(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	ctx := context.Background()

	first := newTestManager(t, testCacheConfig(dir))
	cells := []types.CohortCell{{CohortMonth: "2024-01", MonthsSinceSignup: 0, ActiveAccounts: 4, CohortSize: 4, RetentionRate: 100}}
	require.NoError(t, first.Set(ctx, NamespaceCohort, "all", cells, CohortCodec, WriteAll(24*time.Hour)))
	assert.FileExists(t, filepath.Join(dir, "v1", "cohort", "all.parquet"))

	second := newTestManager(t, testCacheConfig(dir), WithRedisClient(redisClient(t, mr)))
	got, ok := Fetch[[]types.CohortCell](ctx, second, NamespaceCohort, "all", CohortCodec, AllTiers)
	require.True(t, ok)
	assert.Equal(t, cells, got)

	assert.True(t, mr.Exists("v1:cohort:all"), "disk hit should repopulate the distributed tier")
	assert.Equal(t, 1, second.Stats().MemoryKeys)
}

func TestManager_DiskExpiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	dir := t.TempDir()
	ctx := context.Background()
	cfg := testCacheConfig(dir)

	writer := newTestManager(t, cfg, WithClock(clock))
	require.NoError(t, writer.Set(ctx, NamespaceCohort, "all", []types.CohortCell{}, CohortCodec, WriteAll(time.Hour)))

	clock.Advance(cfg.Disk.MaxAge + time.Minute)
	reader := newTestManager(t, cfg, WithClock(clock))
	_, ok := reader.Get(ctx, NamespaceCohort, "all", CohortCodec, AllTiers)
	assert.False(t, ok)
}

func TestManager_DistributedDownFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	ctx := context.Background()

	m := newTestManager(t, testCacheConfig(dir), WithRedisClient(redisClient(t, mr)))
	mr.Close()

	rows := sampleMaster()
	require.NoError(t, m.Set(ctx, NamespaceMaster, "all", rows, MasterCodec, WriteAll(time.Hour)))

	other := newTestManager(t, testCacheConfig(dir), WithRedisClient(redisClient(t, mr)))
	got, ok := Fetch[[]types.MetricRow](ctx, other, NamespaceMaster, "all", MasterCodec, AllTiers)
	require.True(t, ok, "disk should serve while the distributed tier is down")
	assert.Equal(t, rows, got)
	assert.False(t, other.Stats().DistributedConnected)
}

func TestManager_CorruptDistributedEntryIsMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, testCacheConfig(""), WithRedisClient(redisClient(t, mr)))

	require.NoError(t, mr.Set("v1:master:all", "%%% not base64 %%%"))
	require.NoError(t, mr.Set("v1:summary:latest", "{not json"))

	_, ok := m.Get(context.Background(), NamespaceMaster, "all", MasterCodec, AllTiers)
	assert.False(t, ok)
	_, ok = m.Get(context.Background(), NamespaceSummary, "latest", SummaryCodec, AllTiers)
	assert.False(t, ok)
	assert.Equal(t, uint64(2), m.Stats().Misses)
}

func TestManager_InvalidateNamespace(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	ctx := context.Background()
	m := newTestManager(t, testCacheConfig(dir), WithRedisClient(redisClient(t, mr)))

	require.NoError(t, m.Set(ctx, NamespaceMaster, "all", sampleMaster(), MasterCodec, WriteAll(time.Hour)))
	require.NoError(t, m.Set(ctx, NamespaceSummary, "latest", types.Summary{}, SummaryCodec, WriteAll(time.Hour)))

	m.InvalidateNamespace(ctx, NamespaceMaster)

	_, ok := m.Get(ctx, NamespaceMaster, "all", MasterCodec, ReadOptions{Disk: true})
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(dir, "v1", "master", "all.parquet"))
	assert.True(t, mr.Exists("v1:master:all"), "distributed entries expire by TTL")

	_, ok = m.Get(ctx, NamespaceSummary, "latest", SummaryCodec, ReadOptions{})
	assert.True(t, ok)
}

func TestManager_Clear(t *testing.T) {
	tests := []struct {
		name       string
		allowFlush bool
		wantKept   bool
	}{
		{"distributed flush disabled", false, true},
		{"distributed flush enabled", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr := miniredis.RunT(t)
			dir := t.TempDir()
			ctx := context.Background()
			cfg := testCacheConfig(dir)
			cfg.AllowDistributedFlush = tt.allowFlush
			m := newTestManager(t, cfg, WithRedisClient(redisClient(t, mr)))

			require.NoError(t, mr.Set("v0:master:all", "older generation"))
			require.NoError(t, m.Set(ctx, NamespaceSummary, "latest", types.Summary{}, SummaryCodec, WriteAll(time.Hour)))

			m.Clear(ctx)

			assert.Zero(t, m.Stats().MemoryKeys)
			assert.NoFileExists(t, filepath.Join(dir, "v1", "summary", "latest.json"))
			assert.Equal(t, tt.wantKept, mr.Exists("v1:summary:latest"))
			assert.True(t, mr.Exists("v0:master:all"), "other generations are never flushed")
		})
	}
}

func TestManager_BumpVersion(t *testing.T) {
	m := newTestManager(t, testCacheConfig(""))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, NamespaceSummary, "latest", types.Summary{}, SummaryCodec, WriteAll(time.Hour)))

	v, err := m.BumpVersion()
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.Equal(t, "v2", m.Version())

	_, ok := m.Get(ctx, NamespaceSummary, "latest", SummaryCodec, AllTiers)
	assert.False(t, ok, "entries from the previous generation are unreachable")

	cfg := testCacheConfig("")
	cfg.Version = "release"
	_, err = newTestManager(t, cfg).BumpVersion()
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
}

func TestManager_FetchTypeMismatch(t *testing.T) {
	m := newTestManager(t, testCacheConfig(""))
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, NamespaceSummary, "latest", types.Summary{}, SummaryCodec, WriteAll(time.Hour)))

	_, ok := Fetch[[]types.MetricRow](ctx, m, NamespaceSummary, "latest", SummaryCodec, AllTiers)
	assert.False(t, ok)
}

func TestManager_TTLClasses(t *testing.T) {
	m := newTestManager(t, testCacheConfig(""))

	assert.Equal(t, time.Hour, m.TTLFor(NamespaceSummary))
	assert.Equal(t, 4*time.Hour, m.TTLFor(NamespaceMaster))
	assert.Equal(t, 24*time.Hour, m.TTLFor(NamespaceCohort))
	assert.Equal(t, 24*time.Hour, m.TTLFor(NamespaceEvents))
	assert.Equal(t, 24*time.Hour, m.TTLFor(NamespaceRevenue))
	assert.Equal(t, 7*24*time.Hour, m.TTLFor(NamespaceUsers))
}

func TestManager_ReportsTierHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := health.DefaultConfig()
	cfg.ErrorThreshold = 1
	tracker := health.NewTracker(cfg, zerolog.Nop())
	tracker.RegisterComponent(HealthComponent(TierDistributed), false, nil)
	tracker.RegisterComponent(HealthComponent(TierDisk), false, nil)

	m := newTestManager(t, testCacheConfig(t.TempDir()), WithRedisClient(redisClient(t, mr)), WithHealth(tracker))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, NamespaceSummary, "latest", types.Summary{TotalAccounts: 1}, SummaryCodec, WriteAll(time.Hour)))
	assert.Equal(t, health.StateHealthy, tracker.GetState("cache.distributed"))
	assert.Equal(t, health.StateHealthy, tracker.GetState("cache.disk"))

	mr.Close()
	require.NoError(t, m.Set(ctx, NamespaceSummary, "latest", types.Summary{TotalAccounts: 2}, SummaryCodec, WriteAll(time.Hour)))
	assert.Equal(t, health.StateDegraded, tracker.GetState("cache.distributed"))
	assert.Equal(t, health.StateHealthy, tracker.GetState("cache.disk"))
	assert.Equal(t, health.StateDegraded, tracker.GetOverallHealth())
}

func TestManager_StatsReportBreaker(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testCacheConfig("")
	cfg.Distributed.CircuitBreaker.FailureThreshold = 2
	m := newTestManager(t, cfg, WithRedisClient(redisClient(t, mr)))
	ctx := context.Background()

	assert.Equal(t, "CLOSED", m.Stats().DistributedBreaker)

	mr.Close()
	_, ok := m.Get(ctx, NamespaceSummary, "latest", SummaryCodec, AllTiers)
	require.False(t, ok)
	stats := m.Stats()
	assert.Equal(t, "CLOSED", stats.DistributedBreaker)
	assert.Equal(t, uint32(1), stats.DistributedFailures)

	_, ok = m.Get(ctx, NamespaceSummary, "latest", SummaryCodec, AllTiers)
	require.False(t, ok)
	assert.Equal(t, "OPEN", m.Stats().DistributedBreaker)

	cfg.Distributed.CircuitBreaker.Enabled = false
	plain := newTestManager(t, cfg, WithRedisClient(redisClient(t, mr)))
	assert.Empty(t, plain.Stats().DistributedBreaker)
}
