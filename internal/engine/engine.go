// Package engine computes per-account health metrics, cohort retention and revenue
// retention from immutable account and event inputs. Every result is a deterministic
// function of the inputs and the reference time passed to Compute.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cxhealth/cxhealth/pkg/errors"
	"github.com/cxhealth/cxhealth/pkg/types"
)

// Result is the output of one pipeline run.
type Result struct {
	Master  []types.MetricRow      `json:"master"`
	Cohorts []types.CohortCell     `json:"cohorts"`
	Revenue types.RevenueRetention `json:"revenue"`
	AsOf    time.Time              `json:"as_of"`
}

// Engine runs the aggregation stages concurrently and merges them per account.
type Engine struct {
	logger  zerolog.Logger
	metrics types.MetricsCollector
}

// New creates an engine. metrics may be nil.
func New(logger zerolog.Logger, metrics types.MetricsCollector) *Engine {
	return &Engine{
		logger:  logger.With().Str("component", "engine").Logger(),
		metrics: metrics,
	}
}

// Compute runs the pipeline against the fixed reference time asOf. The master table
// has exactly one row per account, sorted by AccountID; churn fields are left zero
// for the classifier to fill.
func (e *Engine) Compute(ctx context.Context, accounts []types.Account, events []types.Event, asOf time.Time) (*Result, error) {
	if asOf.IsZero() {
		return nil, errors.New(errors.ErrCodeComputeFailed, "reference time is required").
			WithComponent("engine").WithOperation("compute")
	}

	known := make(map[string]struct{}, len(accounts))
	for _, acc := range accounts {
		if acc.AccountID == "" {
			return nil, errors.New(errors.ErrCodeDataSourceMalformed, "account with empty account_id").
				WithComponent("engine").WithOperation("compute")
		}
		if _, dup := known[acc.AccountID]; dup {
			return nil, errors.Newf(errors.ErrCodeDataSourceMalformed, "duplicate account_id %q", acc.AccountID).
				WithComponent("engine").WithOperation("compute")
		}
		known[acc.AccountID] = struct{}{}
	}

	idx, orphans := indexEvents(events, known)
	if orphans > 0 {
		e.logger.Warn().Int("events", orphans).Msg("ignoring events for unknown accounts")
	}

	var (
		activity map[string]activityAgg
		logins   map[string]loginAgg
		core     map[string]coreAgg
		adoption map[string]adoptionAgg
		cohorts  []types.CohortCell
		revenue  types.RevenueRetention
	)

	g, gctx := errgroup.WithContext(ctx)
	e.stage(gctx, g, "activity", func() { activity = activityStage(idx, asOf) })
	e.stage(gctx, g, "logins", func() { logins = loginStage(idx, asOf) })
	e.stage(gctx, g, "core_actions", func() { core = coreActionStage(idx) })
	e.stage(gctx, g, "adoption", func() { adoption = adoptionStage(idx) })
	e.stage(gctx, g, "cohort_retention", func() { cohorts = CohortRetention(accounts, idx) })
	e.stage(gctx, g, "revenue_retention", func() { revenue = RevenueRetentionOf(accounts) })
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeComputeFailed, "pipeline stage failed").
			WithComponent("engine").WithOperation("compute")
	}

	start := time.Now()
	master := merge(accounts, activity, logins, core, adoption, asOf)
	e.record("score", start, nil)

	e.logger.Info().
		Int("accounts", len(master)).
		Int("events", len(events)).
		Int("cohort_cells", len(cohorts)).
		Time("as_of", asOf).
		Msg("metrics computed")

	return &Result{
		Master:  master,
		Cohorts: cohorts,
		Revenue: revenue,
		AsOf:    asOf,
	}, nil
}

func (e *Engine) stage(ctx context.Context, g *errgroup.Group, name string, fn func()) {
	g.Go(func() error {
		start := time.Now()
		if err := ctx.Err(); err != nil {
			e.record(name, start, err)
			return fmt.Errorf("stage %s: %w", name, err)
		}
		fn()
		e.record(name, start, nil)
		return nil
	})
}

func (e *Engine) record(stage string, start time.Time, err error) {
	if e.metrics != nil {
		e.metrics.RecordStage(stage, time.Since(start), err)
	}
}

func merge(
	accounts []types.Account,
	activity map[string]activityAgg,
	logins map[string]loginAgg,
	core map[string]coreAgg,
	adoption map[string]adoptionAgg,
	asOf time.Time,
) []types.MetricRow {
	var maxRevenue float64
	for _, acc := range accounts {
		if acc.AnnualRevenue > maxRevenue {
			maxRevenue = acc.AnnualRevenue
		}
	}

	rows := make([]types.MetricRow, 0, len(accounts))
	for _, acc := range accounts {
		row := types.MetricRow{Account: acc}

		if a, ok := activity[acc.AccountID]; ok {
			first, last, days := a.first, a.last, a.daysSinceActivity
			row.TotalEvents = a.total
			row.FirstActivity = &first
			row.LastActivity = &last
			row.Events30d, row.Events60d, row.Events90d = a.events[0], a.events[1], a.events[2]
			row.ActiveDays30d, row.ActiveDays60d, row.ActiveDays90d = a.activeDays[0], a.activeDays[1], a.activeDays[2]
			row.DaysSinceActivity = &days
		}
		if l, ok := logins[acc.AccountID]; ok {
			row.TotalLogins = l.total
			row.Logins30d = l.last30
			row.AvgSession = l.avgSession
			row.AvgSession30d = l.avgSession30
		}
		if c, ok := core[acc.AccountID]; ok {
			row.CoreActions = c.actions
			row.PaymentsCollected = c.payments
		}
		var featureNames map[string]struct{}
		if ad, ok := adoption[acc.AccountID]; ok {
			featureNames = ad.featureNames
			row.FeaturesAdopted = ad.features
			row.DistinctFeatures = len(ad.featureNames)
			row.TrainingsAttended = ad.trainings
			row.DistinctTrainings = ad.distinctTrainings
		}
		row.Capabilities = capabilities(featureNames, row.CoreActions)
		row.AdoptionBreadth = BreadthBucket(row.Capabilities)

		scores := Score(ScoreInputs{
			Logins30d:         row.Logins30d,
			AvgSession30d:     row.AvgSession30d,
			CoreActions:       row.CoreActions.Total(),
			DistinctFeatures:  row.DistinctFeatures,
			DaysSinceActivity: row.DaysSinceActivity,
			AnnualRevenue:     acc.AnnualRevenue,
			MaxRevenue:        maxRevenue,
			PortfolioSize:     acc.PortfolioSize,
			PlanTier:          acc.PlanTier,
			NPSScore:          acc.NPSScore,
			SupportTickets:    acc.SupportTickets90d,
			Trainings:         row.TrainingsAttended,
			Reports:           row.CoreActions[types.ActionGenerateReport],
			ActiveDays30d:     row.ActiveDays30d,
		})
		row.UsageScore = scores.Usage
		row.BusinessScore = scores.Business
		row.SentimentScore = scores.Sentiment
		row.EngagementScore = scores.Engagement
		row.HealthScore = scores.Health
		row.HealthTier = Tier(scores.Health)

		row.DaysToRenewal = DaysToRenewal(acc.RenewalDueDate, asOf)
		row.AtRenewalRisk = AtRenewalRisk(row.DaysToRenewal, row.HealthScore)

		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].AccountID < rows[j].AccountID })
	return rows
}
