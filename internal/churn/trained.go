package churn

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cxhealth/cxhealth/pkg/errors"
	"github.com/cxhealth/cxhealth/pkg/types"
)

// TrainedConfig tunes the gradient descent.
type TrainedConfig struct {
	Iterations   int
	LearningRate float64
	L2           float64
}

// TopFeatures is the number of features reported in ModelSummary.Importance.
const TopFeatures = 10

// DefaultTrainedConfig returns the standard training settings.
func DefaultTrainedConfig() TrainedConfig {
	return TrainedConfig{
		Iterations:   500,
		LearningRate: 0.1,
		L2:           0.01,
	}
}

// feature extracts one model input from a row.
type feature struct {
	name string
	fn   func(types.MetricRow) float64
}

var features = []feature{
	{"portfolio_size", func(r types.MetricRow) float64 { return float64(r.PortfolioSize) }},
	{"annual_revenue", func(r types.MetricRow) float64 { return r.AnnualRevenue }},
	{"success_manager_assigned", func(r types.MetricRow) float64 { return boolf(r.SuccessManagerAssigned) }},
	{"active_days_30d", func(r types.MetricRow) float64 { return float64(r.ActiveDays30d) }},
	{"active_days_60d", func(r types.MetricRow) float64 { return float64(r.ActiveDays60d) }},
	{"active_days_90d", func(r types.MetricRow) float64 { return float64(r.ActiveDays90d) }},
	{"logins_30d", func(r types.MetricRow) float64 { return float64(r.Logins30d) }},
	{"avg_session_30d", func(r types.MetricRow) float64 { return r.AvgSession30d }},
	{"total_events", func(r types.MetricRow) float64 { return float64(r.TotalEvents) }},
	{"events_30d", func(r types.MetricRow) float64 { return float64(r.Events30d) }},
	{"events_60d", func(r types.MetricRow) float64 { return float64(r.Events60d) }},
	{"days_since_last_activity", func(r types.MetricRow) float64 {
		if r.DaysSinceActivity == nil {
			return 365
		}
		return float64(*r.DaysSinceActivity)
	}},
	{"add_entity", coreCount(types.ActionAddEntity)},
	{"sign_contract", coreCount(types.ActionSignContract)},
	{"receive_payment", coreCount(types.ActionReceivePayment)},
	{"create_request", coreCount(types.ActionCreateRequest)},
	{"generate_report", coreCount(types.ActionGenerateReport)},
	{"distinct_features", func(r types.MetricRow) float64 { return float64(r.DistinctFeatures) }},
	{"trainings_attended", func(r types.MetricRow) float64 { return float64(r.TrainingsAttended) }},
	{"nps_score", func(r types.MetricRow) float64 { return float64(r.NPSScore) }},
	{"support_tickets_last_90d", func(r types.MetricRow) float64 { return float64(r.SupportTickets90d) }},
	{"usage_score", func(r types.MetricRow) float64 { return r.UsageScore }},
	{"business_value_score", func(r types.MetricRow) float64 { return r.BusinessScore }},
	{"sentiment_score", func(r types.MetricRow) float64 { return r.SentimentScore }},
	{"engagement_score", func(r types.MetricRow) float64 { return r.EngagementScore }},
	{"health_score", func(r types.MetricRow) float64 { return r.HealthScore }},
	{"plan_entry", planIs(types.PlanEntry)},
	{"plan_mid", planIs(types.PlanMid)},
	{"plan_top", planIs(types.PlanTop)},
	{"engagement_declining", func(r types.MetricRow) float64 { return boolf(r.Events30d < r.Events60d-r.Events30d) }},
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func coreCount(a types.CoreAction) func(types.MetricRow) float64 {
	return func(r types.MetricRow) float64 { return float64(r.CoreActions[a]) }
}

func planIs(p types.PlanTier) func(types.MetricRow) float64 {
	return func(r types.MetricRow) float64 { return boolf(r.PlanTier == p) }
}

// Trained is a class-balanced logistic regression fit on the rows it scores,
// labelled by !IsActive. Features are standardized and weights start at zero,
// so training is deterministic for a given input order.
type Trained struct {
	cfg    TrainedConfig
	logger zerolog.Logger

	mu      sync.RWMutex
	summary ModelSummary
}

// NewTrained creates the trained classifier. Zero config fields take defaults.
func NewTrained(cfg TrainedConfig, logger zerolog.Logger) *Trained {
	def := DefaultTrainedConfig()
	if cfg.Iterations <= 0 {
		cfg.Iterations = def.Iterations
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.L2 <= 0 {
		cfg.L2 = def.L2
	}
	return &Trained{
		cfg:     cfg,
		logger:  logger.With().Str("component", "churn").Str("model", "trained").Logger(),
		summary: ModelSummary{Name: "logistic_regression", Features: len(features)},
	}
}

// Name implements Classifier.
func (t *Trained) Name() string { return "logistic_regression" }

// Summary implements Classifier.
func (t *Trained) Summary() ModelSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.summary
}

// Score implements Classifier. Degenerate training data never fails the call:
// every account is scored 0 and the problem is logged.
func (t *Trained) Score(ctx context.Context, rows []types.MetricRow) (map[string]Prediction, error) {
	sorted := make([]types.MetricRow, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AccountID < sorted[j].AccountID })

	x := designMatrix(sorted)
	y := make([]float64, len(sorted))
	positives := 0
	for i, r := range sorted {
		if !r.IsActive {
			y[i] = 1
			positives++
		}
	}

	if len(sorted) == 0 || positives == 0 || positives == len(sorted) {
		err := errors.Newf(errors.ErrCodeClassifierTraining,
			"need both churned and retained accounts, got %d of %d churned", positives, len(sorted)).
			WithComponent("churn").WithOperation("train")
		t.logger.Warn().Err(err).Msg("falling back to constant low risk")
		t.setSummary(ModelSummary{Name: t.Name(), Features: len(features), Samples: len(sorted)})
		return constant(sorted, 0), nil
	}

	standardize(x)
	w, b, err := t.fit(ctx, x, y, positives)
	if err != nil {
		return nil, err
	}

	probs := make([]float64, len(sorted))
	out := make(map[string]Prediction, len(sorted))
	for i, r := range sorted {
		probs[i] = sigmoid(dot(w, x[i]) + b)
		out[r.AccountID] = predict(probs[i])
	}

	summary := ModelSummary{
		Name:       t.Name(),
		Trained:    true,
		Features:   len(features),
		Samples:    len(sorted),
		Accuracy:   accuracy(probs, y),
		AUC:        rocAUC(probs, y),
		Importance: importance(w, TopFeatures),
	}
	t.setSummary(summary)
	ev := t.logger.Info().
		Int("samples", summary.Samples).
		Int("churned", positives).
		Float64("accuracy", summary.Accuracy).
		Float64("roc_auc", summary.AUC)
	if len(summary.Importance) > 0 {
		ev = ev.Str("top_feature", summary.Importance[0].Feature)
	}
	ev.Msg("churn model trained")
	return out, nil
}

func (t *Trained) setSummary(s ModelSummary) {
	t.mu.Lock()
	t.summary = s
	t.mu.Unlock()
}

// fit runs batch gradient descent on the class-weighted log loss with L2.
func (t *Trained) fit(ctx context.Context, x [][]float64, y []float64, positives int) ([]float64, float64, error) {
	n := float64(len(y))
	wPos := n / (2 * float64(positives))
	wNeg := n / (2 * (n - float64(positives)))

	w := make([]float64, len(features))
	var b float64
	grad := make([]float64, len(w))

	for iter := 0; iter < t.cfg.Iterations; iter++ {
		if iter%50 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
		}
		for j := range grad {
			grad[j] = 0
		}
		var gradB float64
		for i, row := range x {
			cw := wNeg
			if y[i] == 1 {
				cw = wPos
			}
			diff := cw * (sigmoid(dot(w, row)+b) - y[i])
			for j, v := range row {
				grad[j] += diff * v
			}
			gradB += diff
		}
		for j := range w {
			w[j] -= t.cfg.LearningRate * (grad[j]/n + t.cfg.L2*w[j])
		}
		b -= t.cfg.LearningRate * gradB / n
	}
	return w, b, nil
}

// importance ranks the weights by magnitude, ties by feature name, and keeps
// the first n.
func importance(w []float64, n int) []FeatureWeight {
	out := make([]FeatureWeight, len(w))
	for j, v := range w {
		out[j] = FeatureWeight{Feature: features[j].name, Weight: v, Importance: math.Abs(v)}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Importance != out[b].Importance {
			return out[a].Importance > out[b].Importance
		}
		return out[a].Feature < out[b].Feature
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func designMatrix(rows []types.MetricRow) [][]float64 {
	x := make([][]float64, len(rows))
	for i, r := range rows {
		x[i] = make([]float64, len(features))
		for j, f := range features {
			v := f.fn(r)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = 0
			}
			x[i][j] = v
		}
	}
	return x
}

// standardize scales every column to zero mean and unit variance in place.
// Constant columns become zero.
func standardize(x [][]float64) {
	if len(x) == 0 {
		return
	}
	n := float64(len(x))
	for j := range x[0] {
		var mean float64
		for i := range x {
			mean += x[i][j]
		}
		mean /= n
		var variance float64
		for i := range x {
			d := x[i][j] - mean
			variance += d * d
		}
		std := math.Sqrt(variance / n)
		for i := range x {
			if std == 0 {
				x[i][j] = 0
				continue
			}
			x[i][j] = (x[i][j] - mean) / std
		}
	}
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func constant(rows []types.MetricRow, p float64) map[string]Prediction {
	out := make(map[string]Prediction, len(rows))
	for _, r := range rows {
		out[r.AccountID] = predict(p)
	}
	return out
}

func accuracy(probs, y []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	correct := 0
	for i, p := range probs {
		if boolf(p >= 0.5) == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(y))
}

// rocAUC is the Mann-Whitney statistic with average ranks for ties.
func rocAUC(probs, y []float64) float64 {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return probs[idx[a]] < probs[idx[b]] })

	ranks := make([]float64, len(probs))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && probs[idx[j+1]] == probs[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}

	var pos, neg, rankSum float64
	for i, label := range y {
		if label == 1 {
			pos++
			rankSum += ranks[i]
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0
	}
	return (rankSum - pos*(pos+1)/2) / (pos * neg)
}
