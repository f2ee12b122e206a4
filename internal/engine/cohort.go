package engine

import (
	"sort"
	"time"

	"github.com/cxhealth/cxhealth/pkg/types"
)

// CohortLayout formats a signup month.
const CohortLayout = "2006-01"

func monthsBetween(from, to time.Time) int {
	from, to = from.UTC(), to.UTC()
	return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
}

type cohortKey struct {
	cohort string
	offset int
}

// CohortRetention groups accounts by signup month and, for every month offset at
// which any member was active, reports the share of the cohort active in that month.
// Activity before signup is ignored. Accounts without a signup date are skipped.
func CohortRetention(accounts []types.Account, idx map[string][]types.Event) []types.CohortCell {
	sizes := make(map[string]int)
	active := make(map[cohortKey]map[string]struct{})

	for _, acc := range accounts {
		if acc.SignupDate.IsZero() {
			continue
		}
		cohort := acc.SignupDate.UTC().Format(CohortLayout)
		sizes[cohort]++

		for _, ev := range idx[acc.AccountID] {
			offset := monthsBetween(acc.SignupDate, ev.Timestamp)
			if offset < 0 {
				continue
			}
			k := cohortKey{cohort, offset}
			if active[k] == nil {
				active[k] = make(map[string]struct{})
			}
			active[k][acc.AccountID] = struct{}{}
		}
	}

	cells := make([]types.CohortCell, 0, len(active))
	for k, ids := range active {
		size := sizes[k.cohort]
		cells = append(cells, types.CohortCell{
			CohortMonth:       k.cohort,
			MonthsSinceSignup: k.offset,
			ActiveAccounts:    len(ids),
			CohortSize:        size,
			RetentionRate:     pct(float64(len(ids)), float64(size)),
		})
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].CohortMonth != cells[j].CohortMonth {
			return cells[i].CohortMonth < cells[j].CohortMonth
		}
		return cells[i].MonthsSinceSignup < cells[j].MonthsSinceSignup
	})
	return cells
}

// RevenueRetentionOf splits MRR (ARR/12) into retained and churned by the current
// active flag, per signup cohort and in aggregate.
func RevenueRetentionOf(accounts []types.Account) types.RevenueRetention {
	byCohort := make(map[string]*types.CohortRevenue)
	agg := types.CohortRevenue{CohortMonth: "all"}

	add := func(r *types.CohortRevenue, acc types.Account) {
		mrr := acc.AnnualRevenue / 12
		r.Accounts++
		r.StartingMRR += mrr
		if acc.IsActive {
			r.RetainedMRR += mrr
		} else {
			r.ChurnedMRR += mrr
		}
	}

	for _, acc := range accounts {
		add(&agg, acc)
		if acc.SignupDate.IsZero() {
			continue
		}
		cohort := acc.SignupDate.UTC().Format(CohortLayout)
		r, ok := byCohort[cohort]
		if !ok {
			r = &types.CohortRevenue{CohortMonth: cohort}
			byCohort[cohort] = r
		}
		add(r, acc)
	}

	out := types.RevenueRetention{Cohorts: make([]types.CohortRevenue, 0, len(byCohort))}
	for _, r := range byCohort {
		finishRetention(r)
		out.Cohorts = append(out.Cohorts, *r)
	}
	sort.Slice(out.Cohorts, func(i, j int) bool {
		return out.Cohorts[i].CohortMonth < out.Cohorts[j].CohortMonth
	})
	finishRetention(&agg)
	out.Aggregate = agg
	return out
}

// finishRetention fills GRR and NRR. Without expansion revenue in the inputs NRR
// equals the uncapped ratio and GRR is capped at 100.
func finishRetention(r *types.CohortRevenue) {
	if r.StartingMRR <= 0 {
		r.GRR, r.NRR = 0, 0
		return
	}
	ratio := r.RetainedMRR / r.StartingMRR * 100
	r.NRR = ratio
	if ratio > 100 {
		ratio = 100
	}
	r.GRR = ratio
}
