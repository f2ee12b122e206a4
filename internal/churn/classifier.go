// Package churn scores each account's probability of churning. Two strategies are
// available: a fixed rule-based blend and a logistic regression trained on the
// current master table with IsActive as the label.
package churn

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cxhealth/cxhealth/internal/config"
	"github.com/cxhealth/cxhealth/pkg/types"
)

// Tier thresholds on churn probability.
const (
	MediumAt = 0.4
	HighAt   = 0.7
)

// Prediction is the churn output for one account.
type Prediction struct {
	Probability float64             `json:"churn_probability"`
	Tier        types.ChurnRiskTier `json:"churn_risk_tier"`
}

// ModelSummary describes the classifier that produced the last predictions.
type ModelSummary struct {
	Name       string          `json:"name"`
	Trained    bool            `json:"trained"`
	Features   int             `json:"features,omitempty"`
	Samples    int             `json:"samples,omitempty"`
	Accuracy   float64         `json:"accuracy,omitempty"`
	AUC        float64         `json:"roc_auc,omitempty"`
	Importance []FeatureWeight `json:"feature_importance,omitempty"`
}

// FeatureWeight is one model input with its coefficient on standardized values.
// Importance is the coefficient's magnitude.
type FeatureWeight struct {
	Feature    string  `json:"feature"`
	Weight     float64 `json:"weight"`
	Importance float64 `json:"importance"`
}

// Classifier assigns a churn prediction to every row, keyed by AccountID.
type Classifier interface {
	Name() string
	Score(ctx context.Context, rows []types.MetricRow) (map[string]Prediction, error)
	Summary() ModelSummary
}

// TierFor buckets a probability: below 0.4 low, below 0.7 medium, otherwise high.
func TierFor(p float64) types.ChurnRiskTier {
	switch {
	case p >= HighAt:
		return types.ChurnHigh
	case p >= MediumAt:
		return types.ChurnMedium
	default:
		return types.ChurnLow
	}
}

// New builds the classifier selected by cfg.Mode.
func New(cfg config.ChurnConfig, logger zerolog.Logger) (Classifier, error) {
	switch cfg.Mode {
	case config.ChurnRule:
		return NewRuleBased(logger), nil
	case config.ChurnTrained, "":
		return NewTrained(TrainedConfig{
			Iterations:   cfg.Iterations,
			LearningRate: cfg.LearningRate,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown churn mode %q", cfg.Mode)
	}
}

// Apply copies predictions onto the matching rows. Rows without a prediction
// get probability 0 and the low tier.
func Apply(rows []types.MetricRow, preds map[string]Prediction) {
	for i := range rows {
		p, ok := preds[rows[i].AccountID]
		if !ok {
			p = Prediction{Probability: 0, Tier: types.ChurnLow}
		}
		rows[i].ChurnProbability = p.Probability
		rows[i].ChurnRiskTier = p.Tier
	}
}

func predict(p float64) Prediction {
	p = types.Clamp(p, 0, 1)
	return Prediction{Probability: p, Tier: TierFor(p)}
}
