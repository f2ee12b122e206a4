package cache

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cxhealth/cxhealth/internal/config"
	"github.com/cxhealth/cxhealth/pkg/errors"
	"github.com/cxhealth/cxhealth/pkg/types"
)

// Namespaces partition the key space.
const (
	NamespaceSummary = "summary"
	NamespaceUsers   = "users"
	NamespaceMaster  = "master"
	NamespaceCohort  = "cohort"
	NamespaceChurn   = "churn"
	NamespaceEvents  = "events"
	NamespaceRevenue = "revenue"
	NamespaceRaw     = "raw"
)

// Namespaces lists every namespace in invalidation order.
var Namespaces = []string{
	NamespaceSummary,
	NamespaceUsers,
	NamespaceMaster,
	NamespaceCohort,
	NamespaceChurn,
	NamespaceEvents,
	NamespaceRevenue,
	NamespaceRaw,
}

// Tier labels used in metrics and logs.
const (
	TierMemory      = "memory"
	TierDistributed = "distributed"
	TierDisk        = "disk"
)

// ReadOptions selects the slower tiers consulted after memory.
type ReadOptions struct {
	Distributed bool
	Disk        bool
}

// WriteOptions selects the tiers written and the entry lifetime.
type WriteOptions struct {
	TTL         time.Duration
	Memory      bool
	Distributed bool
	Disk        bool
}

// AllTiers reads through every configured tier.
var AllTiers = ReadOptions{Distributed: true, Disk: true}

// WriteAll writes every configured tier with ttl.
func WriteAll(ttl time.Duration) WriteOptions {
	return WriteOptions{TTL: ttl, Memory: true, Distributed: true, Disk: true}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for expiry.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithMetrics records per-tier results.
func WithMetrics(metrics types.MetricsCollector) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithHealth reports distributed and disk tier outcomes to h.
func WithHealth(h types.HealthReporter) Option {
	return func(m *Manager) { m.health = h }
}

// HealthComponent names the health component of a tier.
func HealthComponent(tier string) string {
	return "cache." + tier
}

// WithRedisClient uses client for the distributed tier instead of dialing cfg.URL.
func WithRedisClient(client *redis.Client) Option {
	return func(m *Manager) { m.redisClient = client }
}

// Manager fronts the memory, distributed and disk tiers under a versioned key
// space "version:namespace:key". Memory is always on; the other two are optional
// and every failure in them degrades to a miss.
type Manager struct {
	cfg     config.CacheConfig
	logger  zerolog.Logger
	clock   clockwork.Clock
	metrics types.MetricsCollector
	health  types.HealthReporter

	redisClient *redis.Client

	mu      sync.RWMutex
	version string

	memory *MemoryTier
	remote *RemoteTier
	disk   *DiskTier

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewManager builds the tiers described by cfg.
func NewManager(cfg config.CacheConfig, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:     cfg,
		logger:  logger.With().Str("component", "cache").Logger(),
		version: cfg.Version,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.version == "" {
		m.version = "v1"
	}

	m.memory = NewMemoryTier(cfg.MemoryMaxEntries, m.clock)

	if cfg.Distributed.Enabled || m.redisClient != nil {
		client := m.redisClient
		if client == nil {
			var err error
			client, err = Connect(cfg.Distributed.URL)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid distributed cache url").
					WithComponent("cache")
			}
		}
		m.remote = NewRemoteTier(client, cfg.Distributed, m.clock, m.logger)
	}

	if cfg.Disk.Enabled {
		disk, err := NewDiskTier(cfg.Disk.Directory, cfg.Disk.MaxAge, m.clock)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to initialize disk cache").
				WithComponent("cache")
		}
		m.disk = disk
	}

	m.logger.Info().
		Str("version", m.version).
		Bool("distributed", m.remote != nil).
		Bool("disk", m.disk != nil).
		Msg("cache initialized")
	return m, nil
}

// Ping checks the distributed tier, if any, so Stats reflects connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	if m.remote == nil {
		return nil
	}
	return m.remote.Ping(ctx)
}

// Version returns the current key generation.
func (m *Manager) Version() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// BumpVersion moves to the next key generation (v1 to v2) so every existing
// entry becomes unreachable.
func (m *Manager) BumpVersion() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := strconv.Atoi(strings.TrimPrefix(m.version, "v"))
	if err != nil {
		return m.version, errors.Newf(errors.ErrCodeInvalidArgument, "cache version %q is not of the form vN", m.version).
			WithComponent("cache").WithOperation("bump_version")
	}
	prev := m.version
	m.version = fmt.Sprintf("v%d", n+1)
	m.logger.Info().Str("from", prev).Str("to", m.version).Msg("cache version bumped")
	return m.version, nil
}

// TTLFor returns the configured TTL class of a namespace.
func (m *Manager) TTLFor(namespace string) time.Duration {
	switch namespace {
	case NamespaceSummary:
		return m.cfg.TTL.Summary
	case NamespaceMaster:
		return m.cfg.TTL.Master
	case NamespaceUsers, NamespaceRaw:
		return m.cfg.TTL.Historical
	default:
		return m.cfg.TTL.Analytics
	}
}

// Get looks up namespace/key in memory, then the distributed tier, then disk.
// A hit in a slower tier repopulates the faster ones. Exactly one hit or miss is
// counted per call.
func (m *Manager) Get(ctx context.Context, namespace, key string, codec Codec, opts ReadOptions) (any, bool) {
	version := m.Version()
	full := version + ":" + namespace + ":" + key
	ttl := m.TTLFor(namespace)

	if v, ok := m.memory.Get(full); ok {
		m.recordHit(TierMemory, namespace)
		return v, true
	}

	if opts.Distributed && m.remote != nil {
		if v, ok := m.getRemote(ctx, full, namespace, codec); ok {
			m.memory.Set(full, v, ttl)
			m.recordHit(TierDistributed, namespace)
			return v, true
		}
	}

	if opts.Disk && m.disk != nil {
		if v, data, ok := m.getDisk(version, namespace, key, codec); ok {
			m.memory.Set(full, v, ttl)
			if opts.Distributed && m.remote != nil {
				m.setRemote(ctx, full, data, codec, ttl)
			}
			m.recordHit(TierDisk, namespace)
			return v, true
		}
	}

	m.misses.Add(1)
	if m.metrics != nil {
		m.metrics.RecordCacheResult("all", namespace, false)
	}
	return nil, false
}

// Fetch is Get with the value asserted to T.
func Fetch[T any](ctx context.Context, m *Manager, namespace, key string, codec Codec, opts ReadOptions) (T, bool) {
	var zero T
	v, ok := m.Get(ctx, namespace, key, codec, opts)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		m.logger.Error().Str("namespace", namespace).Str("key", key).
			Str("type", fmt.Sprintf("%T", v)).Msg("cached value has unexpected type")
		return zero, false
	}
	return t, true
}

// Set writes value to the selected tiers. TTL must be positive. Failures in the
// distributed and disk tiers are logged and do not fail the call.
func (m *Manager) Set(ctx context.Context, namespace, key string, value any, codec Codec, opts WriteOptions) error {
	if opts.TTL <= 0 {
		return errors.Newf(errors.ErrCodeInvalidArgument, "ttl must be positive, got %s", opts.TTL).
			WithComponent("cache").WithOperation("set")
	}
	version := m.Version()
	full := version + ":" + namespace + ":" + key

	needRemote := opts.Distributed && m.remote != nil
	needDisk := opts.Disk && m.disk != nil
	var data []byte
	if needRemote || needDisk {
		var err error
		data, err = codec.Encode(value)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode cache value").
				WithComponent("cache").WithOperation("set").WithContext("key", full)
		}
	}

	if opts.Memory {
		m.memory.Set(full, value, opts.TTL)
	}
	if needRemote {
		m.setRemote(ctx, full, data, codec, opts.TTL)
	}
	if needDisk {
		if err := m.disk.Write(version, namespace, key, codec.Extension(), data); err != nil {
			m.tierError(TierDisk, "set", full, err)
		} else {
			m.tierOK(TierDisk)
		}
	}
	return nil
}

// Delete removes one entry from every tier.
func (m *Manager) Delete(ctx context.Context, namespace, key string, codec Codec) {
	version := m.Version()
	full := version + ":" + namespace + ":" + key

	m.memory.Delete(full)
	if m.remote != nil {
		if err := m.remote.Delete(ctx, full); err != nil {
			m.tierError(TierDistributed, "delete", full, err)
		}
	}
	if m.disk != nil {
		if err := m.disk.Remove(version, namespace, key, codec.Extension()); err != nil {
			m.tierError(TierDisk, "delete", full, err)
		}
	}
}

// InvalidateNamespace drops a namespace from memory and disk. Distributed
// entries are left to expire by TTL.
func (m *Manager) InvalidateNamespace(ctx context.Context, namespace string) {
	version := m.Version()
	removed := m.memory.DeletePrefix(version + ":" + namespace + ":")

	files := 0
	if m.disk != nil {
		n, err := m.disk.RemoveNamespace(version, namespace)
		if err != nil {
			m.tierError(TierDisk, "invalidate", namespace, err)
		}
		files = n
	}

	ev := m.logger.Info().Str("namespace", namespace).Int("memory_keys", removed).Int("disk_files", files)
	if m.remote != nil {
		ev = ev.Bool("distributed_expires_by_ttl", true)
	}
	ev.Msg("cache namespace invalidated")
}

// Clear empties memory and disk. The distributed tier is flushed for the
// current version only when allow_distributed_flush is set.
func (m *Manager) Clear(ctx context.Context) {
	m.memory.Clear()
	if m.disk != nil {
		if err := m.disk.Clear(); err != nil {
			m.tierError(TierDisk, "clear", "*", err)
		}
	}
	if m.remote == nil {
		m.logger.Info().Msg("cache cleared")
		return
	}
	if !m.cfg.AllowDistributedFlush {
		m.logger.Info().Msg("cache cleared; distributed flush skipped")
		return
	}
	n, err := m.remote.DeletePrefix(ctx, m.Version()+":")
	if err != nil {
		m.tierError(TierDistributed, "clear", "*", err)
	}
	m.logger.Info().Int("distributed_keys", n).Msg("cache cleared")
}

// Stats returns counters across all tiers.
func (m *Manager) Stats() types.CacheStats {
	hits, misses := m.hits.Load(), m.misses.Load()
	stats := types.CacheStats{
		Hits:                 hits,
		Misses:               misses,
		MemoryKeys:           m.memory.Len(),
		Evictions:            m.memory.Evictions(),
		DistributedConnected: m.remote != nil && m.remote.Connected(),
		DiskEnabled:          m.disk != nil,
		Version:              m.Version(),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	if m.remote != nil {
		if state, failures, ok := m.remote.BreakerState(); ok {
			stats.DistributedBreaker = state
			stats.DistributedFailures = failures
		}
	}
	return stats
}

// Close releases the distributed client.
func (m *Manager) Close() error {
	if m.remote == nil {
		return nil
	}
	return m.remote.Close()
}

func (m *Manager) getRemote(ctx context.Context, full, namespace string, codec Codec) (any, bool) {
	s, ok, err := m.remote.Get(ctx, full)
	if err != nil {
		m.tierError(TierDistributed, "get", full, err)
		return nil, false
	}
	m.tierOK(TierDistributed)
	if !ok {
		return nil, false
	}
	data := []byte(s)
	if codec.Binary() {
		data, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			m.corrupt(TierDistributed, full, err)
			return nil, false
		}
	}
	v, err := codec.Decode(data)
	if err != nil {
		m.corrupt(TierDistributed, full, err)
		return nil, false
	}
	return v, true
}

func (m *Manager) setRemote(ctx context.Context, full string, data []byte, codec Codec, ttl time.Duration) {
	payload := string(data)
	if codec.Binary() {
		payload = base64.StdEncoding.EncodeToString(data)
	}
	if err := m.remote.Set(ctx, full, payload, ttl); err != nil {
		m.tierError(TierDistributed, "set", full, err)
		return
	}
	m.tierOK(TierDistributed)
}

func (m *Manager) getDisk(version, namespace, key string, codec Codec) (any, []byte, bool) {
	data, ok, err := m.disk.Read(version, namespace, key, codec.Extension())
	if err != nil {
		m.tierError(TierDisk, "get", namespace+":"+key, err)
		return nil, nil, false
	}
	m.tierOK(TierDisk)
	if !ok {
		return nil, nil, false
	}
	v, err := codec.Decode(data)
	if err != nil {
		m.corrupt(TierDisk, namespace+":"+key, err)
		_ = m.disk.Remove(version, namespace, key, codec.Extension())
		return nil, nil, false
	}
	return v, data, true
}

func (m *Manager) recordHit(tier, namespace string) {
	m.hits.Add(1)
	if m.metrics != nil {
		m.metrics.RecordCacheResult(tier, namespace, true)
	}
}

func (m *Manager) tierError(tier, op, key string, err error) {
	m.logger.Warn().Err(err).Str("tier", tier).Str("op", op).Str("key", key).Msg("cache tier error")
	if m.metrics != nil {
		m.metrics.RecordCacheError(tier, op)
	}
	if m.health != nil {
		m.health.RecordError(HealthComponent(tier), err)
	}
}

func (m *Manager) tierOK(tier string) {
	if m.health != nil {
		m.health.RecordSuccess(HealthComponent(tier))
	}
}

func (m *Manager) corrupt(tier, key string, err error) {
	wrapped := errors.Wrap(err, errors.ErrCodeCacheTierCorrupt, "undecodable cache entry").
		WithComponent("cache").WithContext("tier", tier)
	m.tierError(tier, "decode", key, wrapped)
}
