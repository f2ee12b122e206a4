package types

import (
	"math"
	"strings"
	"time"
)

// PlanTier is the commercial plan an account is on.
type PlanTier string

const (
	PlanEntry PlanTier = "entry"
	PlanMid   PlanTier = "mid"
	PlanTop   PlanTier = "top"
)

// ParsePlanTier normalizes a plan label, accepting the legacy starter/pro/premium names.
func ParsePlanTier(s string) (PlanTier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "entry", "starter", "basic":
		return PlanEntry, true
	case "mid", "pro", "professional":
		return PlanMid, true
	case "top", "premium", "enterprise":
		return PlanTop, true
	}
	return "", false
}

// HealthTier is the three-way classification of a health score.
type HealthTier string

const (
	TierAtRisk  HealthTier = "at-risk"
	TierStable  HealthTier = "stable"
	TierHealthy HealthTier = "healthy"
)

// ChurnRiskTier is the bucketed churn probability.
type ChurnRiskTier string

const (
	ChurnLow    ChurnRiskTier = "low"
	ChurnMedium ChurnRiskTier = "medium"
	ChurnHigh   ChurnRiskTier = "high"
)

// CoreAction is the closed set of product actions counted as core usage.
type CoreAction int

const (
	ActionAddEntity CoreAction = iota
	ActionSignContract
	ActionReceivePayment
	ActionCreateRequest
	ActionGenerateReport

	NumCoreActions
)

var coreActionNames = [NumCoreActions]string{
	ActionAddEntity:      "add_entity",
	ActionSignContract:   "sign_contract",
	ActionReceivePayment: "receive_payment",
	ActionCreateRequest:  "create_request",
	ActionGenerateReport: "generate_report",
}

// coreActionAliases maps event_type values onto core actions. The property
// management names come from the legacy event exports.
var coreActionAliases = map[string]CoreAction{
	"add_entity":                  ActionAddEntity,
	"property_added":              ActionAddEntity,
	"tenant_added":                ActionAddEntity,
	"sign_contract":               ActionSignContract,
	"lease_signed":                ActionSignContract,
	"receive_payment":             ActionReceivePayment,
	"rent_payment_received":       ActionReceivePayment,
	"create_request":              ActionCreateRequest,
	"maintenance_request_created": ActionCreateRequest,
	"generate_report":             ActionGenerateReport,
	"report_generated":            ActionGenerateReport,
}

// String returns the canonical event type for the action.
func (a CoreAction) String() string {
	if a < 0 || a >= NumCoreActions {
		return "unknown"
	}
	return coreActionNames[a]
}

// ParseCoreAction resolves an event type to a core action.
func ParseCoreAction(eventType string) (CoreAction, bool) {
	a, ok := coreActionAliases[strings.ToLower(strings.TrimSpace(eventType))]
	return a, ok
}

// Event types with dedicated aggregation stages.
const (
	EventLogin            = "login"
	EventFeatureAdopted   = "feature_adopted"
	EventTrainingAttended = "training_attended"
)

// CoreActions holds one count per core action.
type CoreActions [NumCoreActions]int

// Total returns the count across all core actions.
func (c CoreActions) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Used returns how many distinct core actions have a non-zero count.
func (c CoreActions) Used() int {
	n := 0
	for _, v := range c {
		if v > 0 {
			n++
		}
	}
	return n
}

// Account is one customer account as supplied by the data source.
type Account struct {
	AccountID              string    `json:"account_id"`
	SignupDate             time.Time `json:"signup_date"`
	PlanTier               PlanTier  `json:"plan_tier"`
	PortfolioSize          int       `json:"portfolio_size"`
	AnnualRevenue          float64   `json:"annual_revenue"`
	NPSScore               int       `json:"nps_score"`
	SupportTickets90d      int       `json:"support_tickets_last_90d"`
	RenewalDueDate         time.Time `json:"renewal_due_date"`
	SuccessManagerAssigned bool      `json:"success_manager_assigned"`
	IsActive               bool      `json:"is_active"`
}

// Event is one product event attributed to an account.
type Event struct {
	EventID   string    `json:"event_id"`
	AccountID string    `json:"account_id"`
	Timestamp time.Time `json:"event_ts"`
	Type      string    `json:"event_type"`
	ValueNum  *float64  `json:"event_value_num,omitempty"`
	ValueText *string   `json:"event_value_txt,omitempty"`
}

// MetricRow is the derived per-account record produced by one pipeline run.
type MetricRow struct {
	Account

	TotalEvents       int        `json:"total_events"`
	FirstActivity     *time.Time `json:"first_activity,omitempty"`
	LastActivity      *time.Time `json:"last_activity,omitempty"`
	Events30d         int        `json:"events_30d"`
	Events60d         int        `json:"events_60d"`
	Events90d         int        `json:"events_90d"`
	ActiveDays30d     int        `json:"active_days_30d"`
	ActiveDays60d     int        `json:"active_days_60d"`
	ActiveDays90d     int        `json:"active_days_90d"`
	DaysSinceActivity *int       `json:"days_since_last_activity,omitempty"`

	TotalLogins       int         `json:"total_logins"`
	Logins30d         int         `json:"logins_30d"`
	AvgSession        float64     `json:"avg_session_minutes"`
	AvgSession30d     float64     `json:"avg_session_minutes_30d"`
	CoreActions       CoreActions `json:"core_actions"`
	PaymentsCollected float64     `json:"payments_collected"`

	FeaturesAdopted   int    `json:"features_adopted"`
	DistinctFeatures  int    `json:"distinct_features"`
	TrainingsAttended int    `json:"trainings_attended"`
	DistinctTrainings int    `json:"distinct_trainings"`
	Capabilities      int    `json:"capabilities_used"`
	AdoptionBreadth   string `json:"adoption_breadth"`

	UsageScore      float64    `json:"usage_score"`
	BusinessScore   float64    `json:"business_value_score"`
	SentimentScore  float64    `json:"sentiment_score"`
	EngagementScore float64    `json:"engagement_score"`
	HealthScore     float64    `json:"health_score"`
	HealthTier      HealthTier `json:"health_tier"`

	DaysToRenewal int  `json:"days_to_renewal"`
	AtRenewalRisk bool `json:"at_renewal_risk"`

	ChurnProbability float64       `json:"churn_probability"`
	ChurnRiskTier    ChurnRiskTier `json:"churn_risk_tier"`
}

// ChurnScore is a churn prediction for one account.
type ChurnScore struct {
	AccountID   string        `json:"account_id"`
	Probability float64       `json:"churn_probability"`
	Tier        ChurnRiskTier `json:"churn_risk_tier"`
}

// CohortCell is one (cohort month, months since signup) retention cell.
type CohortCell struct {
	CohortMonth       string  `json:"cohort_month"`
	MonthsSinceSignup int     `json:"months_since_signup"`
	ActiveAccounts    int     `json:"active_accounts"`
	CohortSize        int     `json:"cohort_size"`
	RetentionRate     float64 `json:"retention_rate"`
}

// CohortRevenue is revenue retention for one signup cohort.
type CohortRevenue struct {
	CohortMonth string  `json:"cohort_month"`
	Accounts    int     `json:"accounts"`
	StartingMRR float64 `json:"starting_mrr"`
	RetainedMRR float64 `json:"retained_mrr"`
	ChurnedMRR  float64 `json:"churned_mrr"`
	GRR         float64 `json:"grr"`
	NRR         float64 `json:"nrr"`
}

// RevenueRetention aggregates MRR retention per cohort and overall.
type RevenueRetention struct {
	Cohorts   []CohortRevenue `json:"cohorts"`
	Aggregate CohortRevenue   `json:"aggregate"`
}

// Summary is the headline statistics object served to dashboards.
type Summary struct {
	TotalAccounts      int                `json:"total_accounts"`
	ActiveAccounts     int                `json:"active_accounts"`
	InactiveAccounts   int                `json:"inactive_accounts"`
	TotalARR           float64            `json:"total_arr"`
	AverageARR         float64            `json:"avg_arr"`
	AverageNPS         float64            `json:"avg_nps"`
	HealthDistribution map[HealthTier]int `json:"health_distribution"`
	PlanDistribution   map[PlanTier]int   `json:"plan_distribution"`
	HighRiskAccounts   int                `json:"high_risk_accounts"`
	RenewalRisk        int                `json:"renewal_risk_accounts"`
	GRR                float64            `json:"grr"`
	NRR                float64            `json:"nrr"`
	GeneratedAt        time.Time          `json:"generated_at"`
}

// CacheStats represents cache performance statistics.
type CacheStats struct {
	Hits                 uint64  `json:"hits"`
	Misses               uint64  `json:"misses"`
	HitRate              float64 `json:"hit_rate"`
	MemoryKeys           int     `json:"memory_keys"`
	Evictions            uint64  `json:"evictions"`
	DistributedConnected bool    `json:"distributed_connected"`
	DistributedBreaker   string  `json:"distributed_breaker,omitempty"`
	DistributedFailures  uint32  `json:"distributed_consecutive_failures,omitempty"`
	DiskEnabled          bool    `json:"disk_enabled"`
	Version              string  `json:"version"`
}

// Clamp limits v to [lo, hi]; NaN maps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
