package churn

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cxhealth/cxhealth/pkg/types"
)

// Factor weights for the rule-based blend.
const (
	inactivityWeight = 0.30
	lowUsageWeight   = 0.25
	trendWeight      = 0.20
	renewalWeight    = 0.15
	breadthWeight    = 0.10

	renewalHorizonDays = 30
)

// RuleBased scores churn as a weighted blend of inactivity, low usage, a falling
// activity trend, renewal proximity and narrow adoption. Ratios are relative to
// the maxima observed in the scored rows.
type RuleBased struct {
	logger zerolog.Logger
}

// NewRuleBased creates the rule-based classifier.
func NewRuleBased(logger zerolog.Logger) *RuleBased {
	return &RuleBased{logger: logger.With().Str("component", "churn").Str("model", "rule").Logger()}
}

// Name implements Classifier.
func (r *RuleBased) Name() string { return "rule_based" }

// Summary implements Classifier.
func (r *RuleBased) Summary() ModelSummary {
	return ModelSummary{Name: r.Name()}
}

// Score implements Classifier.
func (r *RuleBased) Score(ctx context.Context, rows []types.MetricRow) (map[string]Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var maxInactive, maxEvents, maxBreadth float64
	for _, row := range rows {
		if row.DaysSinceActivity != nil {
			maxInactive = max(maxInactive, float64(*row.DaysSinceActivity))
		}
		maxEvents = max(maxEvents, float64(row.Events30d))
		maxBreadth = max(maxBreadth, float64(row.Capabilities))
	}

	out := make(map[string]Prediction, len(rows))
	for _, row := range rows {
		var risk float64
		risk += inactivity(row, maxInactive) * inactivityWeight
		if maxEvents > 0 {
			risk += (1 - float64(row.Events30d)/maxEvents) * lowUsageWeight
		}
		if t := trend(row); t < 0 {
			risk += -t * trendWeight
		}
		if row.DaysToRenewal < renewalHorizonDays {
			closeness := types.Clamp(float64(renewalHorizonDays-row.DaysToRenewal)/renewalHorizonDays, 0, 1)
			risk += closeness * renewalWeight
		}
		if maxBreadth > 0 {
			risk += (1 - float64(row.Capabilities)/maxBreadth) * breadthWeight
		}
		out[row.AccountID] = predict(risk)
	}

	r.logger.Debug().Int("accounts", len(rows)).Msg("rule-based churn scored")
	return out, nil
}

// inactivity is days since last activity relative to the most inactive account.
// Accounts that never acted are maximally inactive.
func inactivity(row types.MetricRow, maxDays float64) float64 {
	if row.DaysSinceActivity == nil {
		return 1
	}
	if maxDays <= 0 {
		return 0
	}
	return float64(*row.DaysSinceActivity) / maxDays
}

// trend compares the last 30 days with the 30 days before, in [-1, 1].
func trend(row types.MetricRow) float64 {
	recent := float64(row.Events30d)
	prior := float64(row.Events60d - row.Events30d)
	denom := max(recent, prior)
	if denom == 0 {
		return 0
	}
	return (recent - prior) / denom
}
