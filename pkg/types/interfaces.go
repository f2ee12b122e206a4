package types

import (
	"context"
	"time"
)

// Source supplies the two immutable input record sets.
type Source interface {
	Name() string
	LoadAccounts(ctx context.Context) ([]Account, error)
	LoadEvents(ctx context.Context) ([]Event, error)
}

// MetricsCollector receives operational measurements from the pipeline and cache.
type MetricsCollector interface {
	RecordCacheResult(tier, namespace string, hit bool)
	RecordCacheError(tier, operation string)
	RecordStage(stage string, duration time.Duration, err error)
	RecordLoad(outcome string, duration time.Duration)
	SetLoadState(state string)
}

// HealthReporter receives per-component operation outcomes.
type HealthReporter interface {
	RecordSuccess(component string)
	RecordError(component string, err error)
}
