/*
Package cache provides the three-tier cache that fronts the customer-health pipeline.

# Cache Architecture

	┌─────────────────────────────────────────────┐
	│               Load Orchestrator             │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                  Manager                    │  ← This Package
	│  key = version:namespace:key                │
	│  ┌───────────────────────────────────────┐  │
	│  │ MemoryTier   LRU, per-entry expiry    │  │
	│  ├───────────────────────────────────────┤  │
	│  │ RemoteTier   Redis, short timeouts,   │  │
	│  │              circuit breaker          │  │
	│  ├───────────────────────────────────────┤  │
	│  │ DiskTier     Parquet/JSON files,      │  │
	│  │              age from file mtime      │  │
	│  └───────────────────────────────────────┘  │
	└─────────────────────────────────────────────┘

Reads walk the tiers top-down and repopulate the faster tiers on a hit. Writes go to
every tier selected in WriteOptions. The distributed and disk tiers fail open: any
error there is logged, counted, and treated as a miss.

# Namespaces and TTL classes

	summary          1h   (Summary)
	master           4h   (Master)
	cohort, events,
	revenue, churn   24h  (Analytics)
	users, raw       7d   (Historical)

# Invalidation

InvalidateNamespace removes a namespace from memory and disk and leaves distributed
entries to their TTL. Clear empties memory and disk; the distributed tier is flushed
for the current version only when allow_distributed_flush is set. BumpVersion moves
to a new key generation, which makes all earlier entries unreachable at once.

# Usage Example

	mgr, err := cache.NewManager(cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer mgr.Close()

	err = mgr.Set(ctx, cache.NamespaceMaster, "all", rows, cache.MasterCodec,
		cache.WriteAll(mgr.TTLFor(cache.NamespaceMaster)))

	rows, ok := cache.Fetch[[]types.MetricRow](ctx, mgr, cache.NamespaceMaster, "all",
		cache.MasterCodec, cache.AllTiers)
*/
package cache
