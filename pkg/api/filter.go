package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cxhealth/cxhealth/pkg/errors"
	"github.com/cxhealth/cxhealth/pkg/types"
)

// accountFilter selects master rows by health tier, churn tier and renewal risk.
// Zero fields match everything.
type accountFilter struct {
	tier        types.HealthTier
	churnTier   types.ChurnRiskTier
	renewalRisk *bool
}

func parseAccountFilter(r *http.Request) (accountFilter, error) {
	var f accountFilter
	q := r.URL.Query()

	if v := q.Get("tier"); v != "" {
		switch t := types.HealthTier(v); t {
		case types.TierAtRisk, types.TierStable, types.TierHealthy:
			f.tier = t
		default:
			return f, errors.Newf(errors.ErrCodeInvalidArgument, "unknown health tier %q", v).
				WithDetail("parameter", "tier")
		}
	}
	if v := q.Get("churn_tier"); v != "" {
		switch t := types.ChurnRiskTier(v); t {
		case types.ChurnLow, types.ChurnMedium, types.ChurnHigh:
			f.churnTier = t
		default:
			return f, errors.Newf(errors.ErrCodeInvalidArgument, "unknown churn tier %q", v).
				WithDetail("parameter", "churn_tier")
		}
	}
	if v := q.Get("renewal_risk"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.Newf(errors.ErrCodeInvalidArgument, "renewal_risk must be a boolean, got %q", v).
				WithDetail("parameter", "renewal_risk")
		}
		f.renewalRisk = &b
	}
	return f, nil
}

func (f accountFilter) match(row types.MetricRow) bool {
	if f.tier != "" && row.HealthTier != f.tier {
		return false
	}
	if f.churnTier != "" && row.ChurnRiskTier != f.churnTier {
		return false
	}
	if f.renewalRisk != nil && row.AtRenewalRisk != *f.renewalRisk {
		return false
	}
	return true
}

const (
	defaultEventLimit = 1000
	maxEventLimit     = 10000
)

// eventFilter selects events by account and type. Only the last limit matches
// in log order are returned.
type eventFilter struct {
	accountID string
	eventType string
	limit     int
}

func parseEventFilter(r *http.Request) (eventFilter, error) {
	q := r.URL.Query()
	f := eventFilter{
		accountID: q.Get("account_id"),
		eventType: strings.ToLower(strings.TrimSpace(q.Get("type"))),
		limit:     defaultEventLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxEventLimit {
			return f, errors.Newf(errors.ErrCodeInvalidArgument, "limit must be between 1 and %d, got %q", maxEventLimit, v).
				WithDetail("parameter", "limit")
		}
		f.limit = n
	}
	return f, nil
}

func (f eventFilter) match(e types.Event) bool {
	return f.eventType == "" || e.Type == f.eventType
}
