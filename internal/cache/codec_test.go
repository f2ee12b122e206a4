package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cxhealth/cxhealth/pkg/types"
)

func sampleMaster() []types.MetricRow {
	first := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	last := time.Date(2024, 6, 28, 17, 0, 0, 0, time.UTC)
	since := 2
	a := types.MetricRow{
		Account: types.Account{
			AccountID:              "acct-1",
			SignupDate:             time.Date(2023, 1, 15, 0, 0, 0, 0, time.UTC),
			PlanTier:               types.PlanTop,
			PortfolioSize:          12,
			AnnualRevenue:          48000,
			NPSScore:               40,
			SupportTickets90d:      3,
			RenewalDueDate:         time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC),
			SuccessManagerAssigned: true,
			IsActive:               true,
		},
		TotalEvents:       120,
		FirstActivity:     &first,
		LastActivity:      &last,
		Events30d:         40,
		ActiveDays30d:     18,
		DaysSinceActivity: &since,
		Logins30d:         15,
		AvgSession30d:     22.5,
		PaymentsCollected: 3100.25,
		DistinctFeatures:  4,
		Capabilities:      7,
		AdoptionBreadth:   "5+",
		HealthScore:       71.25,
		HealthTier:        types.TierStable,
		DaysToRenewal:     63,
		ChurnProbability:  0.42,
		ChurnRiskTier:     types.ChurnMedium,
	}
	a.CoreActions[types.ActionAddEntity] = 3
	a.CoreActions[types.ActionGenerateReport] = 9

	b := types.MetricRow{
		Account: types.Account{
			AccountID: "acct-2",
			PlanTier:  types.PlanEntry,
		},
		AdoptionBreadth: "0",
		HealthTier:      types.TierAtRisk,
		DaysToRenewal:   365,
		ChurnRiskTier:   types.ChurnLow,
	}
	return []types.MetricRow{a, b}
}

func TestMasterCodecPreservesRows(t *testing.T) {
	rows := sampleMaster()

	data, err := MasterCodec.Encode(rows)
	require.NoError(t, err)
	assert.Equal(t, "PAR1", string(data[:4]))

	v, err := MasterCodec.Decode(data)
	require.NoError(t, err)
	got := v.([]types.MetricRow)

	require.Len(t, got, 2)
	assert.Equal(t, rows, got)
	assert.Nil(t, got[1].FirstActivity)
	assert.Nil(t, got[1].DaysSinceActivity)
	assert.True(t, got[1].SignupDate.IsZero())
}

func TestTableCodecRejectsWrongType(t *testing.T) {
	_, err := MasterCodec.Encode("not rows")
	assert.Error(t, err)

	_, err = CohortCodec.Decode([]byte("garbage"))
	assert.Error(t, err)
}

func TestRevenueCodecKeepsAggregate(t *testing.T) {
	rr := types.RevenueRetention{
		Cohorts: []types.CohortRevenue{
			{CohortMonth: "2024-01", Accounts: 2, StartingMRR: 100, RetainedMRR: 80, ChurnedMRR: 20, GRR: 80, NRR: 80},
		},
		Aggregate: types.CohortRevenue{CohortMonth: "all", Accounts: 2, StartingMRR: 100, RetainedMRR: 80, ChurnedMRR: 20, GRR: 80, NRR: 80},
	}

	data, err := RevenueCodec.Encode(rr)
	require.NoError(t, err)
	v, err := RevenueCodec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, rr, v)
}

func TestEventsCodecKeepsOptionalValues(t *testing.T) {
	amount := 1200.0
	feature := "bulk_import"
	events := []types.Event{
		{EventID: "e-1", AccountID: "acct-1", Timestamp: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), Type: "receive_payment", ValueNum: &amount},
		{EventID: "e-2", AccountID: "acct-1", Timestamp: time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC), Type: "feature_adopted", ValueText: &feature},
	}

	data, err := EventsCodec.Encode(events)
	require.NoError(t, err)
	v, err := EventsCodec.Decode(data)
	require.NoError(t, err)
	got := v.([]types.Event)

	assert.Equal(t, events, got)
	assert.Nil(t, got[0].ValueText)
	assert.Nil(t, got[1].ValueNum)
}

func TestSummaryCodecIsText(t *testing.T) {
	s := types.Summary{
		TotalAccounts:      3,
		HealthDistribution: map[types.HealthTier]int{types.TierHealthy: 1},
		GeneratedAt:        time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
	}
	assert.False(t, SummaryCodec.Binary())
	assert.Equal(t, "json", SummaryCodec.Extension())

	data, err := SummaryCodec.Encode(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"total_accounts":3`)

	v, err := SummaryCodec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, s.TotalAccounts, v.(types.Summary).TotalAccounts)
	assert.True(t, s.GeneratedAt.Equal(v.(types.Summary).GeneratedAt))
}
