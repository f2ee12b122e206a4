/*
Package types provides the domain records and cross-component interfaces for cxhealth.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│               HTTP API (pkg/api)            │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│        Load Orchestrator (internal/loader)  │
	└─────────────────────────────────────────────┘
	          │            │              │
	┌─────────┴───┐ ┌──────┴─────┐ ┌──────┴──────┐
	│   Source    │ │   Engine   │ │    Cache    │
	│ CSV/S3/SQL  │ │ + Churn    │ │ mem/redis/  │
	│             │ │ classifier │ │ parquet     │
	└─────────────┘ └────────────┘ └─────────────┘

# Records

Account and Event are the inputs supplied by a Source and are never mutated. MetricRow
is the per-account output of one pipeline run; it embeds the Account it was derived from
and adds activity aggregates, sub-scores, the composite HealthScore with its HealthTier,
the renewal-risk flag, and the churn prediction.

Core product actions form a closed enum (CoreAction) and are counted in a fixed-width
CoreActions array rather than ad hoc columns.

CohortCell, RevenueRetention and Summary are the remaining outbound shapes.

# Thread Safety

All records are plain values. Slices of records returned by the loader are shared
between request handlers and must be treated as read-only.
*/
package types
