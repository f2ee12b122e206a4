package churn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cxhealth/cxhealth/internal/config"
	"github.com/cxhealth/cxhealth/pkg/types"
)

func days(v int) *int { return &v }

func quietLogger() zerolog.Logger { return zerolog.New(io.Discard) }

// population returns engaged active accounts and idle churned ones.
func population() []types.MetricRow {
	var rows []types.MetricRow
	for i := 0; i < 20; i++ {
		active := i%2 == 0
		row := types.MetricRow{
			Account: types.Account{
				AccountID: fmt.Sprintf("acct-%02d", i),
				PlanTier:  types.PlanMid,
				NPSScore:  -20,
				IsActive:  active,
			},
			DaysToRenewal: 200,
		}
		if active {
			row.Events30d = 40 + i
			row.Events60d = 70 + i
			row.ActiveDays30d = 20
			row.Logins30d = 15
			row.DaysSinceActivity = days(1)
			row.Capabilities = 6
			row.NPSScore = 60
			row.HealthScore = 85
		} else {
			row.Events60d = 3
			row.DaysSinceActivity = days(60 + i)
			row.Capabilities = 1
			row.HealthScore = 30
		}
		rows = append(rows, row)
	}
	return rows
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		p    float64
		want types.ChurnRiskTier
	}{
		{0, types.ChurnLow},
		{0.399, types.ChurnLow},
		{0.4, types.ChurnMedium},
		{0.699, types.ChurnMedium},
		{0.7, types.ChurnHigh},
		{1, types.ChurnHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierFor(tt.p), "p=%v", tt.p)
	}
}

func TestNew(t *testing.T) {
	c, err := New(config.ChurnConfig{Mode: config.ChurnRule}, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &RuleBased{}, c)

	c, err = New(config.ChurnConfig{Mode: config.ChurnTrained, Iterations: 10}, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &Trained{}, c)

	_, err = New(config.ChurnConfig{Mode: "forest"}, quietLogger())
	assert.Error(t, err)
}

func TestRuleBasedBounds(t *testing.T) {
	rows := population()
	preds, err := NewRuleBased(quietLogger()).Score(context.Background(), rows)
	require.NoError(t, err)
	require.Len(t, preds, len(rows))

	for id, p := range preds {
		assert.GreaterOrEqual(t, p.Probability, 0.0, id)
		assert.LessOrEqual(t, p.Probability, 1.0, id)
		assert.Equal(t, TierFor(p.Probability), p.Tier, id)
	}
}

func TestRuleBasedMonotonicInInactivity(t *testing.T) {
	base := types.MetricRow{
		Account:           types.Account{AccountID: "a"},
		Events30d:         5,
		Events60d:         10,
		Capabilities:      2,
		DaysSinceActivity: days(5),
		DaysToRenewal:     200,
	}
	idle := base
	idle.AccountID = "b"
	idle.DaysSinceActivity = days(50)
	anchor := base
	anchor.AccountID = "c"
	anchor.DaysSinceActivity = days(100)
	anchor.Events30d = 20

	preds, err := NewRuleBased(quietLogger()).Score(context.Background(), []types.MetricRow{base, idle, anchor})
	require.NoError(t, err)
	assert.Greater(t, preds["b"].Probability, preds["a"].Probability)
}

func TestRuleBasedRenewalProximity(t *testing.T) {
	far := types.MetricRow{Account: types.Account{AccountID: "far"}, DaysToRenewal: 200, DaysSinceActivity: days(0)}
	near := far
	near.AccountID = "near"
	near.DaysToRenewal = 0
	overdue := far
	overdue.AccountID = "overdue"
	overdue.DaysToRenewal = -40

	preds, err := NewRuleBased(quietLogger()).Score(context.Background(), []types.MetricRow{far, near, overdue})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, preds["far"].Probability, 1e-9)
	assert.InDelta(t, renewalWeight, preds["near"].Probability, 1e-9)
	assert.InDelta(t, renewalWeight, preds["overdue"].Probability, 1e-9)
}

func TestRuleBasedNeverActive(t *testing.T) {
	rows := []types.MetricRow{
		{Account: types.Account{AccountID: "ghost"}, DaysToRenewal: 365},
	}
	preds, err := NewRuleBased(quietLogger()).Score(context.Background(), rows)
	require.NoError(t, err)
	assert.InDelta(t, inactivityWeight, preds["ghost"].Probability, 1e-9)
}

func TestTrainedSeparatesClasses(t *testing.T) {
	rows := population()
	clf := NewTrained(TrainedConfig{Iterations: 300}, quietLogger())

	preds, err := clf.Score(context.Background(), rows)
	require.NoError(t, err)
	require.Len(t, preds, len(rows))

	for _, r := range rows {
		p := preds[r.AccountID]
		if r.IsActive {
			assert.Less(t, p.Probability, 0.5, r.AccountID)
		} else {
			assert.Greater(t, p.Probability, 0.5, r.AccountID)
		}
	}

	s := clf.Summary()
	assert.True(t, s.Trained)
	assert.Equal(t, len(rows), s.Samples)
	assert.Equal(t, len(features), s.Features)
	assert.Equal(t, 1.0, s.Accuracy)
	assert.Equal(t, 1.0, s.AUC)

	// Eight inputs vary across the population; the rest are constant and keep
	// a zero weight.
	require.Len(t, s.Importance, TopFeatures)
	for i := 1; i < len(s.Importance); i++ {
		assert.GreaterOrEqual(t, s.Importance[i-1].Importance, s.Importance[i].Importance, i)
	}
	weights := make(map[string]float64)
	for i, fw := range s.Importance {
		assert.Equal(t, math.Abs(fw.Weight), fw.Importance, fw.Feature)
		if i < 8 {
			assert.Greater(t, fw.Importance, 0.0, fw.Feature)
		} else {
			assert.Zero(t, fw.Importance, fw.Feature)
		}
		weights[fw.Feature] = fw.Weight
	}
	assert.Greater(t, weights["days_since_last_activity"], 0.0)
	assert.Greater(t, weights["engagement_declining"], 0.0)
	assert.Less(t, weights["health_score"], 0.0)
	assert.Less(t, weights["active_days_30d"], 0.0)
	assert.Equal(t, "active_days_60d", s.Importance[8].Feature)
	assert.Equal(t, "active_days_90d", s.Importance[9].Feature)
}

func TestTrainedDeterministic(t *testing.T) {
	rows := population()
	first, err := NewTrained(TrainedConfig{}, quietLogger()).Score(context.Background(), rows)
	require.NoError(t, err)

	reversed := make([]types.MetricRow, len(rows))
	for i, r := range rows {
		reversed[len(rows)-1-i] = r
	}
	second, err := NewTrained(TrainedConfig{}, quietLogger()).Score(context.Background(), reversed)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTrainedDegenerateInput(t *testing.T) {
	tests := []struct {
		name string
		rows []types.MetricRow
	}{
		{"empty", nil},
		{"all active", []types.MetricRow{
			{Account: types.Account{AccountID: "a", IsActive: true}},
			{Account: types.Account{AccountID: "b", IsActive: true}},
		}},
		{"all churned", []types.MetricRow{
			{Account: types.Account{AccountID: "a"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			clf := NewTrained(TrainedConfig{}, zerolog.New(&buf))

			preds, err := clf.Score(context.Background(), tt.rows)
			require.NoError(t, err)
			assert.Len(t, preds, len(tt.rows))
			for _, p := range preds {
				assert.Zero(t, p.Probability)
				assert.Equal(t, types.ChurnLow, p.Tier)
			}
			assert.Contains(t, buf.String(), "CLASSIFIER_TRAINING_FAILED")
			assert.False(t, clf.Summary().Trained)
			assert.Empty(t, clf.Summary().Importance)
		})
	}
}

func TestTrainedCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTrained(TrainedConfig{}, quietLogger()).Score(ctx, population())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestApply(t *testing.T) {
	rows := []types.MetricRow{
		{Account: types.Account{AccountID: "a"}},
		{Account: types.Account{AccountID: "b"}},
	}
	Apply(rows, map[string]Prediction{"a": {Probability: 0.8, Tier: types.ChurnHigh}})

	assert.Equal(t, 0.8, rows[0].ChurnProbability)
	assert.Equal(t, types.ChurnHigh, rows[0].ChurnRiskTier)
	assert.Zero(t, rows[1].ChurnProbability)
	assert.Equal(t, types.ChurnLow, rows[1].ChurnRiskTier)
}

func TestRocAUC(t *testing.T) {
	assert.Equal(t, 1.0, rocAUC([]float64{0.1, 0.2, 0.8, 0.9}, []float64{0, 0, 1, 1}))
	assert.Equal(t, 0.0, rocAUC([]float64{0.9, 0.8, 0.2, 0.1}, []float64{0, 0, 1, 1}))
	assert.Equal(t, 0.5, rocAUC([]float64{0.5, 0.5}, []float64{0, 1}))
}
