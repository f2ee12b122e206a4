package engine

import (
	"time"

	"github.com/cxhealth/cxhealth/pkg/types"
)

// Summarize builds the headline statistics from a scored master table.
func Summarize(rows []types.MetricRow, revenue types.RevenueRetention, generatedAt time.Time) types.Summary {
	s := types.Summary{
		TotalAccounts: len(rows),
		HealthDistribution: map[types.HealthTier]int{
			types.TierAtRisk:  0,
			types.TierStable:  0,
			types.TierHealthy: 0,
		},
		PlanDistribution: make(map[types.PlanTier]int),
		GRR:              revenue.Aggregate.GRR,
		NRR:              revenue.Aggregate.NRR,
		GeneratedAt:      generatedAt,
	}

	var npsSum float64
	for _, r := range rows {
		if r.IsActive {
			s.ActiveAccounts++
		}
		s.TotalARR += r.AnnualRevenue
		npsSum += float64(r.NPSScore)
		s.HealthDistribution[r.HealthTier]++
		if r.PlanTier != "" {
			s.PlanDistribution[r.PlanTier]++
		}
		if r.ChurnRiskTier == types.ChurnHigh {
			s.HighRiskAccounts++
		}
		if r.AtRenewalRisk {
			s.RenewalRisk++
		}
	}
	s.InactiveAccounts = s.TotalAccounts - s.ActiveAccounts
	if len(rows) > 0 {
		s.AverageARR = s.TotalARR / float64(len(rows))
		s.AverageNPS = npsSum / float64(len(rows))
	}
	return s
}
