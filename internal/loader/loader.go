// Package loader coordinates cache hydration and full recomputation of the
// customer-health tables behind a single-flight load with observable progress.
//
// A load first tries to hydrate the summary, master table, cohort matrix,
// revenue retention and event log from the cache. Any miss runs the whole pipeline once
// (source, engine, classifier), writes every table through all cache tiers and
// publishes the result. Concurrent callers share one in-flight run.
package loader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/cxhealth/cxhealth/internal/cache"
	"github.com/cxhealth/cxhealth/internal/churn"
	"github.com/cxhealth/cxhealth/internal/engine"
	"github.com/cxhealth/cxhealth/pkg/errors"
	"github.com/cxhealth/cxhealth/pkg/types"
)

// State is the load lifecycle state.
type State string

const (
	StateNotLoaded State = "not_loaded"
	StateLoading   State = "loading"
	StateLoaded    State = "loaded"
	StateFailed    State = "failed"
)

// Load outcomes reported to metrics.
const (
	OutcomeHydrated = "hydrated"
	OutcomeComputed = "computed"
	OutcomeFailed   = "failed"
)

// Progress checkpoints and their stage labels.
const (
	progressStart    = 0
	progressSources  = 10
	progressCompute  = 30
	progressCohorts  = 60
	progressChurn    = 75
	progressCaching  = 90
	progressComplete = 100
)

const (
	stageInitializing = "Initializing..."
	stageHydrating    = "Checking cache..."
	stageSources      = "Loading data files..."
	stageCompute      = "Processing account metrics..."
	stageCohorts      = "Calculating cohort retention..."
	stageChurn        = "Building churn predictions..."
	stageCaching      = "Caching data..."
	stageComplete     = "Complete!"
	stageFromCache    = "Complete (from cache)!"
	stageFailed       = "Failed"
)

const flightKey = "load"

// tables lists the cached tables in write-through order. The summary goes last
// so a partial write never hydrates.
var tables = []struct {
	ns    string
	codec cache.Codec
}{
	{cache.NamespaceMaster, cache.MasterCodec},
	{cache.NamespaceCohort, cache.CohortCodec},
	{cache.NamespaceRevenue, cache.RevenueCodec},
	{cache.NamespaceEvents, cache.EventsCodec},
	{cache.NamespaceUsers, cache.AccountsCodec},
	{cache.NamespaceChurn, cache.ChurnCodec},
	{cache.NamespaceSummary, cache.SummaryCodec},
}

// Status is a point-in-time view of the loader.
type Status struct {
	State      State               `json:"state"`
	Progress   int                 `json:"progress"`
	Stage      string              `json:"stage"`
	RunID      string              `json:"run_id,omitempty"`
	FromCache  bool                `json:"from_cache"`
	Error      string              `json:"error,omitempty"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Model      *churn.ModelSummary `json:"model,omitempty"`
}

// Snapshot is the loaded data served to readers. It must not be mutated.
type Snapshot struct {
	Summary   types.Summary          `json:"summary"`
	Master    []types.MetricRow      `json:"master"`
	Cohorts   []types.CohortCell     `json:"cohorts"`
	Revenue   types.RevenueRetention `json:"revenue"`
	Events    []types.Event          `json:"-"`
	FromCache bool                   `json:"from_cache"`

	byID      map[string]int
	byAccount map[string][]int
}

// Account returns the master row for id.
func (s *Snapshot) Account(id string) (types.MetricRow, bool) {
	i, ok := s.byID[id]
	if !ok {
		return types.MetricRow{}, false
	}
	return s.Master[i], true
}

// AccountEvents returns the events of one account in log order.
func (s *Snapshot) AccountEvents(id string) []types.Event {
	idx := s.byAccount[id]
	out := make([]types.Event, len(idx))
	for i, j := range idx {
		out[i] = s.Events[j]
	}
	return out
}

// NewSnapshot indexes master and events by account id.
func NewSnapshot(summary types.Summary, master []types.MetricRow, cohorts []types.CohortCell, revenue types.RevenueRetention, events []types.Event, fromCache bool) *Snapshot {
	byID := make(map[string]int, len(master))
	for i, row := range master {
		byID[row.AccountID] = i
	}
	byAccount := make(map[string][]int)
	for i, e := range events {
		byAccount[e.AccountID] = append(byAccount[e.AccountID], i)
	}
	return &Snapshot{
		Summary:   summary,
		Master:    master,
		Cohorts:   cohorts,
		Revenue:   revenue,
		Events:    events,
		FromCache: fromCache,
		byID:      byID,
		byAccount: byAccount,
	}
}

// Option configures a Loader.
type Option func(*Loader)

// WithClock sets the clock for timestamps and the default reference time.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Loader) { l.clock = clock }
}

// WithMetrics records load state and outcomes.
func WithMetrics(metrics types.MetricsCollector) Option {
	return func(l *Loader) { l.metrics = metrics }
}

// WithAsOf pins the reference time. Without it each run uses the clock's now.
func WithAsOf(asOf time.Time) Option {
	return func(l *Loader) { l.asOf = asOf }
}

// WithHealth reports source outcomes under ComponentSource.
func WithHealth(h types.HealthReporter) Option {
	return func(l *Loader) { l.health = h }
}

// ComponentSource is the health component fed by input loads.
const ComponentSource = "source"

// Loader owns the load state machine for one process.
type Loader struct {
	source     types.Source
	engine     *engine.Engine
	classifier churn.Classifier
	cache      *cache.Manager
	logger     zerolog.Logger
	clock      clockwork.Clock
	metrics    types.MetricsCollector
	health     types.HealthReporter
	asOf       time.Time

	group singleflight.Group

	mu         sync.RWMutex
	status     Status
	snapshot   *Snapshot
	generation uint64
}

// New creates a loader in the not-loaded state.
func New(src types.Source, eng *engine.Engine, clf churn.Classifier, cm *cache.Manager, logger zerolog.Logger, opts ...Option) *Loader {
	l := &Loader{
		source:     src,
		engine:     eng,
		classifier: clf,
		cache:      cm,
		logger:     logger.With().Str("component", "loader").Logger(),
		status:     Status{State: StateNotLoaded, Stage: stageInitializing},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.clock == nil {
		l.clock = clockwork.NewRealClock()
	}
	l.setMetricState(StateNotLoaded)
	return l
}

// Start launches a load in the background if nothing is loaded yet.
func (l *Loader) Start(ctx context.Context) {
	go func() {
		if _, err := l.Load(context.WithoutCancel(ctx), false); err != nil {
			l.logger.Error().Err(err).Msg("Background load failed")
		}
	}()
}

// Load returns the loaded snapshot, running a load if needed. Concurrent calls
// share one run. With force the cache is bypassed and the tables recomputed; a
// forced call that arrives while a run is in flight joins that run. Cancelling
// ctx stops the wait, not the run.
func (l *Loader) Load(ctx context.Context, force bool) (*Snapshot, error) {
	if !force {
		if snap := l.current(); snap != nil {
			return snap, nil
		}
	}

	ch := l.group.DoChan(flightKey, func() (any, error) {
		return l.run(context.WithoutCancel(ctx), force)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

// Status returns a copy of the current status.
func (l *Loader) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Snapshot returns the loaded data. While loading it fails with NOT_LOADED and
// after a failed load with LOAD_FAILED wrapping the cause.
func (l *Loader) Snapshot() (*Snapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch {
	case l.snapshot != nil:
		return l.snapshot, nil
	case l.status.State == StateFailed:
		return nil, errors.New(errors.ErrCodeLoadFailed, l.status.Error).
			WithComponent("loader").
			WithDetail("run_id", l.status.RunID)
	default:
		return nil, errors.New(errors.ErrCodeNotLoaded, "data not loaded").
			WithComponent("loader").
			WithDetail("state", string(l.status.State)).
			WithDetail("progress", l.status.Progress)
	}
}

// InvalidateScope selects how much of the cache Invalidate drops.
type InvalidateScope string

const (
	// ScopeTables deletes this loader's entries from every tier and drops every
	// namespace from memory and disk.
	ScopeTables InvalidateScope = "tables"
	// ScopeAll clears memory and disk, and the distributed tier when flushing
	// it is allowed.
	ScopeAll InvalidateScope = "all"
	// ScopeVersion moves the cache to its next key generation.
	ScopeVersion InvalidateScope = "version"
)

// Invalidate drops cached data for scope and returns to not loaded. A run in
// flight finishes for its waiters but neither writes the cache nor publishes.
func (l *Loader) Invalidate(ctx context.Context, scope InvalidateScope) error {
	switch scope {
	case ScopeTables:
		key := l.cacheKey(l.asOf)
		for _, t := range tables {
			l.cache.Delete(ctx, t.ns, key, t.codec)
		}
		for _, ns := range cache.Namespaces {
			l.cache.InvalidateNamespace(ctx, ns)
		}
	case ScopeAll:
		l.cache.Clear(ctx)
	case ScopeVersion:
		if _, err := l.cache.BumpVersion(); err != nil {
			return err
		}
	default:
		return errors.Newf(errors.ErrCodeInvalidArgument, "unknown invalidation scope %q", scope).
			WithComponent("loader").
			WithDetail("parameter", "scope")
	}
	l.reset(string(scope))
	return nil
}

func (l *Loader) reset(scope string) {
	l.mu.Lock()
	l.generation++
	l.snapshot = nil
	l.status = Status{State: StateNotLoaded, Stage: stageInitializing}
	l.mu.Unlock()
	l.setMetricState(StateNotLoaded)
	l.logger.Info().Str("scope", scope).Str("cache_version", l.cache.Version()).Msg("Cache invalidated, state reset")
}

// CacheStats passes through the cache counters.
func (l *Loader) CacheStats() types.CacheStats {
	return l.cache.Stats()
}

func (l *Loader) current() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

func (l *Loader) cacheKey(asOf time.Time) string {
	if l.asOf.IsZero() {
		return "latest"
	}
	return asOf.Format("2006-01-02")
}

func (l *Loader) run(ctx context.Context, force bool) (*Snapshot, error) {
	runID := uuid.NewString()
	started := l.clock.Now()
	log := l.logger.With().Str("run_id", runID).Logger()

	l.mu.Lock()
	gen := l.generation
	l.status = Status{State: StateLoading, Progress: progressStart, Stage: stageInitializing, RunID: runID, StartedAt: &started}
	l.mu.Unlock()
	l.setMetricState(StateLoading)

	asOf := l.asOf
	if asOf.IsZero() {
		asOf = started
	}
	key := l.cacheKey(asOf)

	if !force {
		l.progress(progressStart, stageHydrating)
		if snap, ok := l.hydrate(ctx, key); ok {
			log.Info().Str("key", key).Msg("Hydrated from cache")
			l.finish(gen, snap, nil, OutcomeHydrated, started)
			return snap, nil
		}
	}

	snap, model, err := l.compute(ctx, key, asOf, gen, log)
	if err != nil {
		log.Error().Err(err).Msg("Load failed")
		l.fail(gen, err, started)
		return nil, err
	}
	log.Info().
		Int("accounts", len(snap.Master)).
		Int("cohort_cells", len(snap.Cohorts)).
		Dur("elapsed", l.clock.Since(started)).
		Msg("Load complete")
	l.finish(gen, snap, model, OutcomeComputed, started)
	return snap, nil
}

// hydrate reads the tables in order of criticality and stops at the first miss.
func (l *Loader) hydrate(ctx context.Context, key string) (*Snapshot, bool) {
	summary, ok := cache.Fetch[types.Summary](ctx, l.cache, cache.NamespaceSummary, key, cache.SummaryCodec, cache.AllTiers)
	if !ok {
		return nil, false
	}
	master, ok := cache.Fetch[[]types.MetricRow](ctx, l.cache, cache.NamespaceMaster, key, cache.MasterCodec, cache.AllTiers)
	if !ok {
		return nil, false
	}
	cohorts, ok := cache.Fetch[[]types.CohortCell](ctx, l.cache, cache.NamespaceCohort, key, cache.CohortCodec, cache.AllTiers)
	if !ok {
		return nil, false
	}
	revenue, ok := cache.Fetch[types.RevenueRetention](ctx, l.cache, cache.NamespaceRevenue, key, cache.RevenueCodec, cache.AllTiers)
	if !ok {
		return nil, false
	}
	events, ok := cache.Fetch[[]types.Event](ctx, l.cache, cache.NamespaceEvents, key, cache.EventsCodec, cache.AllTiers)
	if !ok {
		return nil, false
	}
	return NewSnapshot(summary, master, cohorts, revenue, events, true), true
}

func (l *Loader) compute(ctx context.Context, key string, asOf time.Time, gen uint64, log zerolog.Logger) (*Snapshot, *churn.ModelSummary, error) {
	l.progress(progressSources, stageSources)
	var (
		accounts []types.Account
		events   []types.Event
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		accounts, err = l.source.LoadAccounts(gctx)
		return err
	})
	g.Go(func() (err error) {
		events, err = l.source.LoadEvents(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		if l.health != nil && ctx.Err() == nil {
			l.health.RecordError(ComponentSource, err)
		}
		return nil, nil, err
	}
	if l.health != nil {
		l.health.RecordSuccess(ComponentSource)
	}
	log.Debug().Int("accounts", len(accounts)).Int("events", len(events)).Str("source", l.source.Name()).Msg("Inputs loaded")

	l.progress(progressCompute, stageCompute)
	res, err := l.engine.Compute(ctx, accounts, events, asOf)
	if err != nil {
		return nil, nil, err
	}
	l.progress(progressCohorts, stageCohorts)

	l.progress(progressChurn, stageChurn)
	preds, err := l.classifier.Score(ctx, res.Master)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeComputeFailed, "churn scoring failed").
			WithComponent("loader").WithOperation("score")
	}
	churn.Apply(res.Master, preds)
	model := l.classifier.Summary()

	l.progress(progressCaching, stageCaching)
	summary := engine.Summarize(res.Master, res.Revenue, l.clock.Now())
	snap := NewSnapshot(summary, res.Master, res.Cohorts, res.Revenue, events, false)

	if l.stale(gen) {
		log.Warn().Msg("Invalidated during load, skipping cache write-through")
		return snap, &model, nil
	}
	l.writeThrough(ctx, key, snap, accounts, log)
	return snap, &model, nil
}

// writeThrough stores every table in all tiers.
func (l *Loader) writeThrough(ctx context.Context, key string, snap *Snapshot, accounts []types.Account, log zerolog.Logger) {
	scores := make([]types.ChurnScore, len(snap.Master))
	for i, row := range snap.Master {
		scores[i] = types.ChurnScore{AccountID: row.AccountID, Probability: row.ChurnProbability, Tier: row.ChurnRiskTier}
	}
	values := map[string]any{
		cache.NamespaceMaster:  snap.Master,
		cache.NamespaceCohort:  snap.Cohorts,
		cache.NamespaceRevenue: snap.Revenue,
		cache.NamespaceEvents:  snap.Events,
		cache.NamespaceUsers:   accounts,
		cache.NamespaceChurn:   scores,
		cache.NamespaceSummary: snap.Summary,
	}
	for _, t := range tables {
		opts := cache.WriteAll(l.cache.TTLFor(t.ns))
		if err := l.cache.Set(ctx, t.ns, key, values[t.ns], t.codec, opts); err != nil {
			log.Warn().Err(err).Str("namespace", t.ns).Msg("Cache write failed")
		}
	}
}

func (l *Loader) stale(gen uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.generation != gen
}

// progress advances the status; progress never moves backwards within a run.
func (l *Loader) progress(pct int, stage string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pct < l.status.Progress {
		pct = l.status.Progress
	}
	l.status.Progress = pct
	l.status.Stage = stage
}

func (l *Loader) finish(gen uint64, snap *Snapshot, model *churn.ModelSummary, outcome string, started time.Time) {
	finished := l.clock.Now()
	l.mu.Lock()
	published := l.generation == gen
	if published {
		stage := stageComplete
		if snap.FromCache {
			stage = stageFromCache
		}
		l.snapshot = snap
		l.status.State = StateLoaded
		l.status.Progress = progressComplete
		l.status.Stage = stage
		l.status.FromCache = snap.FromCache
		l.status.FinishedAt = &finished
		l.status.Model = model
	}
	l.mu.Unlock()

	if published {
		l.setMetricState(StateLoaded)
	}
	if l.metrics != nil {
		l.metrics.RecordLoad(outcome, finished.Sub(started))
	}
}

// fail records err and drops the published snapshot. Cache tiers are untouched,
// so the next load can hydrate again.
func (l *Loader) fail(gen uint64, err error, started time.Time) {
	finished := l.clock.Now()
	l.mu.Lock()
	published := l.generation == gen
	if published {
		l.snapshot = nil
		l.status.State = StateFailed
		l.status.Stage = stageFailed
		l.status.Error = err.Error()
		l.status.FinishedAt = &finished
	}
	l.mu.Unlock()

	if published {
		l.setMetricState(StateFailed)
	}
	if l.metrics != nil {
		l.metrics.RecordLoad(OutcomeFailed, finished.Sub(started))
	}
}

func (l *Loader) setMetricState(s State) {
	if l.metrics != nil {
		l.metrics.SetLoadState(string(s))
	}
}
