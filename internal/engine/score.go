package engine

import (
	"math"
	"time"

	"github.com/cxhealth/cxhealth/pkg/types"
)

// Tier boundaries. Scores below AtRiskBelow are at-risk; scores up to and
// including HealthyAbove are stable; anything higher is healthy.
const (
	AtRiskBelow  = 60.0
	HealthyAbove = 80.0

	// RenewalWindowDays is the look-ahead for the renewal-risk flag.
	RenewalWindowDays = 90
	// MissingRenewalDays stands in for an unknown renewal date.
	MissingRenewalDays = 365
)

// Weights are integer percentages; blend divides by 100.
var (
	usageWeights      = [5]float64{15, 10, 30, 25, 20} // login, session, core, adoption, recency
	businessWeights   = [3]float64{40, 30, 30}         // arr, portfolio, plan
	sentimentWeights  = [2]float64{60, 40}             // nps, tickets
	engagementWeights = [3]float64{30, 30, 40}         // training, reporting, consistency
	finalWeights      = [4]float64{40, 30, 20, 10}     // usage, business, sentiment, engagement
)

var planScores = map[types.PlanTier]float64{
	types.PlanTop:   100,
	types.PlanMid:   65,
	types.PlanEntry: 35,
}

// ScoreInputs is everything the composite health score depends on.
type ScoreInputs struct {
	Logins30d         int
	AvgSession30d     float64
	CoreActions       int // all five core action types, generated reports included
	DistinctFeatures  int
	DaysSinceActivity *int

	AnnualRevenue float64
	MaxRevenue    float64
	PortfolioSize int
	PlanTier      types.PlanTier

	NPSScore       int
	SupportTickets int

	Trainings     int
	Reports       int
	ActiveDays30d int
}

// SubScores holds the four weighted components and the blended result.
type SubScores struct {
	Usage      float64
	Business   float64
	Sentiment  float64
	Engagement float64
	Health     float64
}

func pct(v, target float64) float64 {
	if target <= 0 {
		return 0
	}
	return types.Clamp(v/target*100, 0, 100)
}

func blend(weights []float64, scores ...float64) float64 {
	var sum float64
	for i, w := range weights {
		sum += w * types.Clamp(scores[i], 0, 100)
	}
	return sum / 100
}

// Score computes the composite health score. It is a pure function of its inputs.
func Score(in ScoreInputs) SubScores {
	recency := 0.0
	if in.DaysSinceActivity != nil {
		recency = RecencyBands.Lookup(float64(*in.DaysSinceActivity))
	}
	usage := blend(usageWeights[:],
		pct(float64(in.Logins30d), 20),
		pct(in.AvgSession30d, 30),
		CoreUsageBands.Lookup(float64(in.CoreActions)),
		pct(float64(in.DistinctFeatures), 5),
		recency,
	)

	business := blend(businessWeights[:],
		pct(in.AnnualRevenue, in.MaxRevenue),
		pct(float64(in.PortfolioSize), 20),
		planScores[in.PlanTier],
	)

	sentiment := blend(sentimentWeights[:],
		types.Clamp((float64(in.NPSScore)+100)/2, 0, 100),
		SupportTicketBands.Lookup(float64(in.SupportTickets)),
	)

	engagement := blend(engagementWeights[:],
		pct(float64(in.Trainings), 3),
		pct(float64(in.Reports), 10),
		pct(float64(in.ActiveDays30d), 30),
	)

	return SubScores{
		Usage:      usage,
		Business:   business,
		Sentiment:  sentiment,
		Engagement: engagement,
		Health:     types.Clamp(blend(finalWeights[:], usage, business, sentiment, engagement), 0, 100),
	}
}

// Tier classifies a health score. NaN is at-risk.
func Tier(score float64) types.HealthTier {
	switch {
	case math.IsNaN(score) || score < AtRiskBelow:
		return types.TierAtRisk
	case score <= HealthyAbove:
		return types.TierStable
	default:
		return types.TierHealthy
	}
}

// DaysToRenewal counts whole calendar days from asOf to the renewal date.
func DaysToRenewal(renewal, asOf time.Time) int {
	if renewal.IsZero() {
		return MissingRenewalDays
	}
	return int(utcDay(renewal).Sub(utcDay(asOf)) / day)
}

// AtRenewalRisk is true iff renewal is within the window and the account is unhealthy.
func AtRenewalRisk(daysToRenewal int, healthScore float64) bool {
	return daysToRenewal <= RenewalWindowDays && (math.IsNaN(healthScore) || healthScore < AtRiskBelow)
}
