package cache

import (
	"fmt"
	"time"

	"github.com/cxhealth/cxhealth/pkg/types"
)

// Parquet rows are flat: times are UTC unix nanoseconds with 0 for unset, and
// optional values are pointers.

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func optUnixNano(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func fromOptUnixNano(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := time.Unix(0, *n).UTC()
	return &t
}

func optInt64(v *int) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}

func fromOptInt64(v *int64) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}

type accountRow struct {
	AccountID              string  `parquet:"account_id"`
	SignupDate             int64   `parquet:"signup_date"`
	PlanTier               string  `parquet:"plan_tier"`
	PortfolioSize          int64   `parquet:"portfolio_size"`
	AnnualRevenue          float64 `parquet:"annual_revenue"`
	NPSScore               int64   `parquet:"nps_score"`
	SupportTickets90d      int64   `parquet:"support_tickets_last_90d"`
	RenewalDueDate         int64   `parquet:"renewal_due_date"`
	SuccessManagerAssigned bool    `parquet:"success_manager_assigned"`
	IsActive               bool    `parquet:"is_active"`
}

func toAccountRow(a types.Account) accountRow {
	return accountRow{
		AccountID:              a.AccountID,
		SignupDate:             unixNano(a.SignupDate),
		PlanTier:               string(a.PlanTier),
		PortfolioSize:          int64(a.PortfolioSize),
		AnnualRevenue:          a.AnnualRevenue,
		NPSScore:               int64(a.NPSScore),
		SupportTickets90d:      int64(a.SupportTickets90d),
		RenewalDueDate:         unixNano(a.RenewalDueDate),
		SuccessManagerAssigned: a.SuccessManagerAssigned,
		IsActive:               a.IsActive,
	}
}

func fromAccountRow(r accountRow) types.Account {
	return types.Account{
		AccountID:              r.AccountID,
		SignupDate:             fromUnixNano(r.SignupDate),
		PlanTier:               types.PlanTier(r.PlanTier),
		PortfolioSize:          int(r.PortfolioSize),
		AnnualRevenue:          r.AnnualRevenue,
		NPSScore:               int(r.NPSScore),
		SupportTickets90d:      int(r.SupportTickets90d),
		RenewalDueDate:         fromUnixNano(r.RenewalDueDate),
		SuccessManagerAssigned: r.SuccessManagerAssigned,
		IsActive:               r.IsActive,
	}
}

type masterRow struct {
	AccountID              string  `parquet:"account_id"`
	SignupDate             int64   `parquet:"signup_date"`
	PlanTier               string  `parquet:"plan_tier"`
	PortfolioSize          int64   `parquet:"portfolio_size"`
	AnnualRevenue          float64 `parquet:"annual_revenue"`
	NPSScore               int64   `parquet:"nps_score"`
	SupportTickets90d      int64   `parquet:"support_tickets_last_90d"`
	RenewalDueDate         int64   `parquet:"renewal_due_date"`
	SuccessManagerAssigned bool    `parquet:"success_manager_assigned"`
	IsActive               bool    `parquet:"is_active"`

	TotalEvents       int64  `parquet:"total_events"`
	FirstActivity     *int64 `parquet:"first_activity"`
	LastActivity      *int64 `parquet:"last_activity"`
	Events30d         int64  `parquet:"events_30d"`
	Events60d         int64  `parquet:"events_60d"`
	Events90d         int64  `parquet:"events_90d"`
	ActiveDays30d     int64  `parquet:"active_days_30d"`
	ActiveDays60d     int64  `parquet:"active_days_60d"`
	ActiveDays90d     int64  `parquet:"active_days_90d"`
	DaysSinceActivity *int64 `parquet:"days_since_last_activity"`

	TotalLogins       int64   `parquet:"total_logins"`
	Logins30d         int64   `parquet:"logins_30d"`
	AvgSession        float64 `parquet:"avg_session_minutes"`
	AvgSession30d     float64 `parquet:"avg_session_minutes_30d"`
	AddEntity         int64   `parquet:"add_entity_count"`
	SignContract      int64   `parquet:"sign_contract_count"`
	ReceivePayment    int64   `parquet:"receive_payment_count"`
	CreateRequest     int64   `parquet:"create_request_count"`
	GenerateReport    int64   `parquet:"generate_report_count"`
	PaymentsCollected float64 `parquet:"payments_collected"`

	FeaturesAdopted   int64  `parquet:"features_adopted"`
	DistinctFeatures  int64  `parquet:"distinct_features"`
	TrainingsAttended int64  `parquet:"trainings_attended"`
	DistinctTrainings int64  `parquet:"distinct_trainings"`
	Capabilities      int64  `parquet:"capabilities_used"`
	AdoptionBreadth   string `parquet:"adoption_breadth"`

	UsageScore      float64 `parquet:"usage_score"`
	BusinessScore   float64 `parquet:"business_value_score"`
	SentimentScore  float64 `parquet:"sentiment_score"`
	EngagementScore float64 `parquet:"engagement_score"`
	HealthScore     float64 `parquet:"health_score"`
	HealthTier      string  `parquet:"health_tier"`

	DaysToRenewal int64 `parquet:"days_to_renewal"`
	AtRenewalRisk bool  `parquet:"at_renewal_risk"`

	ChurnProbability float64 `parquet:"churn_probability"`
	ChurnRiskTier    string  `parquet:"churn_risk_tier"`
}

func toMasterRow(m types.MetricRow) masterRow {
	a := toAccountRow(m.Account)
	return masterRow{
		AccountID:              a.AccountID,
		SignupDate:             a.SignupDate,
		PlanTier:               a.PlanTier,
		PortfolioSize:          a.PortfolioSize,
		AnnualRevenue:          a.AnnualRevenue,
		NPSScore:               a.NPSScore,
		SupportTickets90d:      a.SupportTickets90d,
		RenewalDueDate:         a.RenewalDueDate,
		SuccessManagerAssigned: a.SuccessManagerAssigned,
		IsActive:               a.IsActive,

		TotalEvents:       int64(m.TotalEvents),
		FirstActivity:     optUnixNano(m.FirstActivity),
		LastActivity:      optUnixNano(m.LastActivity),
		Events30d:         int64(m.Events30d),
		Events60d:         int64(m.Events60d),
		Events90d:         int64(m.Events90d),
		ActiveDays30d:     int64(m.ActiveDays30d),
		ActiveDays60d:     int64(m.ActiveDays60d),
		ActiveDays90d:     int64(m.ActiveDays90d),
		DaysSinceActivity: optInt64(m.DaysSinceActivity),
		TotalLogins:       int64(m.TotalLogins),
		Logins30d:         int64(m.Logins30d),
		AvgSession:        m.AvgSession,
		AvgSession30d:     m.AvgSession30d,
		AddEntity:         int64(m.CoreActions[types.ActionAddEntity]),
		SignContract:      int64(m.CoreActions[types.ActionSignContract]),
		ReceivePayment:    int64(m.CoreActions[types.ActionReceivePayment]),
		CreateRequest:     int64(m.CoreActions[types.ActionCreateRequest]),
		GenerateReport:    int64(m.CoreActions[types.ActionGenerateReport]),
		PaymentsCollected: m.PaymentsCollected,
		FeaturesAdopted:   int64(m.FeaturesAdopted),
		DistinctFeatures:  int64(m.DistinctFeatures),
		TrainingsAttended: int64(m.TrainingsAttended),
		DistinctTrainings: int64(m.DistinctTrainings),
		Capabilities:      int64(m.Capabilities),
		AdoptionBreadth:   m.AdoptionBreadth,
		UsageScore:        m.UsageScore,
		BusinessScore:     m.BusinessScore,
		SentimentScore:    m.SentimentScore,
		EngagementScore:   m.EngagementScore,
		HealthScore:       m.HealthScore,
		HealthTier:        string(m.HealthTier),
		DaysToRenewal:     int64(m.DaysToRenewal),
		AtRenewalRisk:     m.AtRenewalRisk,
		ChurnProbability:  m.ChurnProbability,
		ChurnRiskTier:     string(m.ChurnRiskTier),
	}
}

func fromMasterRow(r masterRow) types.MetricRow {
	acct := fromAccountRow(accountRow{
		AccountID:              r.AccountID,
		SignupDate:             r.SignupDate,
		PlanTier:               r.PlanTier,
		PortfolioSize:          r.PortfolioSize,
		AnnualRevenue:          r.AnnualRevenue,
		NPSScore:               r.NPSScore,
		SupportTickets90d:      r.SupportTickets90d,
		RenewalDueDate:         r.RenewalDueDate,
		SuccessManagerAssigned: r.SuccessManagerAssigned,
		IsActive:               r.IsActive,
	})
	m := types.MetricRow{
		Account:           acct,
		TotalEvents:       int(r.TotalEvents),
		FirstActivity:     fromOptUnixNano(r.FirstActivity),
		LastActivity:      fromOptUnixNano(r.LastActivity),
		Events30d:         int(r.Events30d),
		Events60d:         int(r.Events60d),
		Events90d:         int(r.Events90d),
		ActiveDays30d:     int(r.ActiveDays30d),
		ActiveDays60d:     int(r.ActiveDays60d),
		ActiveDays90d:     int(r.ActiveDays90d),
		DaysSinceActivity: fromOptInt64(r.DaysSinceActivity),
		TotalLogins:       int(r.TotalLogins),
		Logins30d:         int(r.Logins30d),
		AvgSession:        r.AvgSession,
		AvgSession30d:     r.AvgSession30d,
		PaymentsCollected: r.PaymentsCollected,
		FeaturesAdopted:   int(r.FeaturesAdopted),
		DistinctFeatures:  int(r.DistinctFeatures),
		TrainingsAttended: int(r.TrainingsAttended),
		DistinctTrainings: int(r.DistinctTrainings),
		Capabilities:      int(r.Capabilities),
		AdoptionBreadth:   r.AdoptionBreadth,
		UsageScore:        r.UsageScore,
		BusinessScore:     r.BusinessScore,
		SentimentScore:    r.SentimentScore,
		EngagementScore:   r.EngagementScore,
		HealthScore:       r.HealthScore,
		HealthTier:        types.HealthTier(r.HealthTier),
		DaysToRenewal:     int(r.DaysToRenewal),
		AtRenewalRisk:     r.AtRenewalRisk,
		ChurnProbability:  r.ChurnProbability,
		ChurnRiskTier:     types.ChurnRiskTier(r.ChurnRiskTier),
	}
	m.CoreActions[types.ActionAddEntity] = int(r.AddEntity)
	m.CoreActions[types.ActionSignContract] = int(r.SignContract)
	m.CoreActions[types.ActionReceivePayment] = int(r.ReceivePayment)
	m.CoreActions[types.ActionCreateRequest] = int(r.CreateRequest)
	m.CoreActions[types.ActionGenerateReport] = int(r.GenerateReport)
	return m
}

type cohortRow struct {
	CohortMonth       string  `parquet:"cohort_month"`
	MonthsSinceSignup int64   `parquet:"months_since_signup"`
	ActiveAccounts    int64   `parquet:"active_accounts"`
	CohortSize        int64   `parquet:"cohort_size"`
	RetentionRate     float64 `parquet:"retention_rate"`
}

type revenueRow struct {
	CohortMonth string  `parquet:"cohort_month"`
	Accounts    int64   `parquet:"accounts"`
	StartingMRR float64 `parquet:"starting_mrr"`
	RetainedMRR float64 `parquet:"retained_mrr"`
	ChurnedMRR  float64 `parquet:"churned_mrr"`
	GRR         float64 `parquet:"grr"`
	NRR         float64 `parquet:"nrr"`
}

type eventRow struct {
	EventID   string   `parquet:"event_id"`
	AccountID string   `parquet:"account_id"`
	Timestamp int64    `parquet:"event_ts"`
	Type      string   `parquet:"event_type"`
	ValueNum  *float64 `parquet:"event_value_num"`
	ValueText *string  `parquet:"event_value_txt"`
}

type churnRow struct {
	AccountID   string  `parquet:"account_id"`
	Probability float64 `parquet:"churn_probability"`
	Tier        string  `parquet:"churn_risk_tier"`
}

// Codecs for the cached tables.
var (
	AccountsCodec = NewTableCodec(toAccountRow, fromAccountRow)
	MasterCodec   = NewTableCodec(toMasterRow, fromMasterRow)
	CohortCodec   = NewTableCodec(
		func(c types.CohortCell) cohortRow {
			return cohortRow{
				CohortMonth:       c.CohortMonth,
				MonthsSinceSignup: int64(c.MonthsSinceSignup),
				ActiveAccounts:    int64(c.ActiveAccounts),
				CohortSize:        int64(c.CohortSize),
				RetentionRate:     c.RetentionRate,
			}
		},
		func(r cohortRow) types.CohortCell {
			return types.CohortCell{
				CohortMonth:       r.CohortMonth,
				MonthsSinceSignup: int(r.MonthsSinceSignup),
				ActiveAccounts:    int(r.ActiveAccounts),
				CohortSize:        int(r.CohortSize),
				RetentionRate:     r.RetentionRate,
			}
		},
	)
	ChurnCodec = NewTableCodec(
		func(c types.ChurnScore) churnRow {
			return churnRow{AccountID: c.AccountID, Probability: c.Probability, Tier: string(c.Tier)}
		},
		func(r churnRow) types.ChurnScore {
			return types.ChurnScore{AccountID: r.AccountID, Probability: r.Probability, Tier: types.ChurnRiskTier(r.Tier)}
		},
	)
	EventsCodec = NewTableCodec(
		func(e types.Event) eventRow {
			return eventRow{
				EventID:   e.EventID,
				AccountID: e.AccountID,
				Timestamp: unixNano(e.Timestamp),
				Type:      e.Type,
				ValueNum:  e.ValueNum,
				ValueText: e.ValueText,
			}
		},
		func(r eventRow) types.Event {
			return types.Event{
				EventID:   r.EventID,
				AccountID: r.AccountID,
				Timestamp: fromUnixNano(r.Timestamp),
				Type:      r.Type,
				ValueNum:  r.ValueNum,
				ValueText: r.ValueText,
			}
		},
	)
	RevenueCodec Codec = revenueCodec{NewTableCodec(toRevenueRow, fromRevenueRow)}
	SummaryCodec Codec = JSONCodec[types.Summary]{}
)

func toRevenueRow(c types.CohortRevenue) revenueRow {
	return revenueRow{
		CohortMonth: c.CohortMonth,
		Accounts:    int64(c.Accounts),
		StartingMRR: c.StartingMRR,
		RetainedMRR: c.RetainedMRR,
		ChurnedMRR:  c.ChurnedMRR,
		GRR:         c.GRR,
		NRR:         c.NRR,
	}
}

func fromRevenueRow(r revenueRow) types.CohortRevenue {
	return types.CohortRevenue{
		CohortMonth: r.CohortMonth,
		Accounts:    int(r.Accounts),
		StartingMRR: r.StartingMRR,
		RetainedMRR: r.RetainedMRR,
		ChurnedMRR:  r.ChurnedMRR,
		GRR:         r.GRR,
		NRR:         r.NRR,
	}
}

// revenueCodec stores RevenueRetention as one table whose last row is the aggregate.
type revenueCodec struct {
	rows *TableCodec[types.CohortRevenue, revenueRow]
}

func (c revenueCodec) Extension() string { return c.rows.Extension() }
func (c revenueCodec) Binary() bool      { return c.rows.Binary() }

func (c revenueCodec) Encode(v any) ([]byte, error) {
	rr, ok := v.(types.RevenueRetention)
	if !ok {
		return nil, fmt.Errorf("revenue codec: unexpected value type %T", v)
	}
	all := make([]types.CohortRevenue, 0, len(rr.Cohorts)+1)
	all = append(all, rr.Cohorts...)
	all = append(all, rr.Aggregate)
	return c.rows.Encode(all)
}

func (c revenueCodec) Decode(data []byte) (any, error) {
	v, err := c.rows.Decode(data)
	if err != nil {
		return nil, err
	}
	all := v.([]types.CohortRevenue)
	if len(all) == 0 {
		return nil, fmt.Errorf("revenue codec: missing aggregate row")
	}
	return types.RevenueRetention{
		Cohorts:   all[:len(all)-1],
		Aggregate: all[len(all)-1],
	}, nil
}
