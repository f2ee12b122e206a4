package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/cxhealth/cxhealth/pkg/types"
)

const day = 24 * time.Hour

// eventIndex groups events by account, ordered by timestamp. Event types and
// adopted feature or training names are trimmed and lowercased.
type eventIndex map[string][]types.Event

func indexEvents(events []types.Event, known map[string]struct{}) (eventIndex, int) {
	idx := make(eventIndex)
	orphans := 0
	for _, ev := range events {
		if _, ok := known[ev.AccountID]; !ok {
			orphans++
			continue
		}
		idx[ev.AccountID] = append(idx[ev.AccountID], normalizeEvent(ev))
	}
	for id := range idx {
		evs := idx[id]
		sort.SliceStable(evs, func(i, j int) bool { return evs[i].Timestamp.Before(evs[j].Timestamp) })
	}
	return idx, orphans
}

// normalizeEvent returns a copy of ev with canonical type and name. The
// caller's ValueText is never modified.
func normalizeEvent(ev types.Event) types.Event {
	ev.Type = strings.ToLower(strings.TrimSpace(ev.Type))
	if ev.ValueText != nil && (ev.Type == types.EventFeatureAdopted || ev.Type == types.EventTrainingAttended) {
		name := strings.ToLower(strings.TrimSpace(*ev.ValueText))
		ev.ValueText = &name
	}
	return ev
}

// window reports whether ts falls in the trailing n-day window ending at asOf.
func window(ts, asOf time.Time, days int) bool {
	return !ts.Before(asOf.Add(-time.Duration(days)*day)) && !ts.After(asOf)
}

func utcDay(ts time.Time) time.Time {
	return ts.UTC().Truncate(day)
}

type activityAgg struct {
	total             int
	first, last       time.Time
	events            [3]int
	activeDays        [3]int
	daysSinceActivity int
}

var windowDays = [3]int{30, 60, 90}

func activityStage(idx eventIndex, asOf time.Time) map[string]activityAgg {
	out := make(map[string]activityAgg, len(idx))
	for id, evs := range idx {
		if len(evs) == 0 {
			continue
		}
		agg := activityAgg{
			total: len(evs),
			first: evs[0].Timestamp,
			last:  evs[len(evs)-1].Timestamp,
		}
		var days [3]map[time.Time]struct{}
		for i := range days {
			days[i] = make(map[time.Time]struct{})
		}
		for _, ev := range evs {
			for i, n := range windowDays {
				if window(ev.Timestamp, asOf, n) {
					agg.events[i]++
					days[i][utcDay(ev.Timestamp)] = struct{}{}
				}
			}
		}
		for i := range days {
			agg.activeDays[i] = len(days[i])
		}
		agg.daysSinceActivity = int(asOf.Sub(agg.last) / day)
		if agg.daysSinceActivity < 0 {
			agg.daysSinceActivity = 0
		}
		out[id] = agg
	}
	return out
}

type loginAgg struct {
	total, last30 int
	avgSession    float64
	avgSession30  float64
}

func loginStage(idx eventIndex, asOf time.Time) map[string]loginAgg {
	out := make(map[string]loginAgg)
	for id, evs := range idx {
		var agg loginAgg
		var sum, sum30 float64
		var n, n30 int
		for _, ev := range evs {
			if ev.Type != types.EventLogin {
				continue
			}
			agg.total++
			in30 := window(ev.Timestamp, asOf, 30)
			if in30 {
				agg.last30++
			}
			if ev.ValueNum != nil {
				sum += *ev.ValueNum
				n++
				if in30 {
					sum30 += *ev.ValueNum
					n30++
				}
			}
		}
		if agg.total == 0 {
			continue
		}
		if n > 0 {
			agg.avgSession = sum / float64(n)
		}
		if n30 > 0 {
			agg.avgSession30 = sum30 / float64(n30)
		}
		out[id] = agg
	}
	return out
}

type coreAgg struct {
	actions  types.CoreActions
	payments float64
}

func coreActionStage(idx eventIndex) map[string]coreAgg {
	out := make(map[string]coreAgg)
	for id, evs := range idx {
		var agg coreAgg
		for _, ev := range evs {
			action, ok := types.ParseCoreAction(ev.Type)
			if !ok {
				continue
			}
			agg.actions[action]++
			if action == types.ActionReceivePayment && ev.ValueNum != nil {
				agg.payments += *ev.ValueNum
			}
		}
		if agg.actions.Total() > 0 {
			out[id] = agg
		}
	}
	return out
}

type adoptionAgg struct {
	features          int
	featureNames      map[string]struct{}
	trainings         int
	distinctTrainings int
}

func adoptionStage(idx eventIndex) map[string]adoptionAgg {
	out := make(map[string]adoptionAgg)
	for id, evs := range idx {
		agg := adoptionAgg{featureNames: make(map[string]struct{})}
		trainingNames := make(map[string]struct{})
		for _, ev := range evs {
			switch ev.Type {
			case types.EventFeatureAdopted:
				agg.features++
				if name := textValue(ev); name != "" {
					agg.featureNames[name] = struct{}{}
				}
			case types.EventTrainingAttended:
				agg.trainings++
				if name := textValue(ev); name != "" {
					trainingNames[name] = struct{}{}
				}
			}
		}
		agg.distinctTrainings = len(trainingNames)
		if agg.features > 0 || agg.trainings > 0 {
			out[id] = agg
		}
	}
	return out
}

func textValue(ev types.Event) string {
	if ev.ValueText == nil {
		return ""
	}
	return *ev.ValueText
}

// capabilities counts distinct adopted features plus distinct core actions used.
// Login is not a capability.
func capabilities(featureNames map[string]struct{}, actions types.CoreActions) int {
	seen := make(map[string]struct{}, len(featureNames)+int(types.NumCoreActions))
	for name := range featureNames {
		seen["feature:"+name] = struct{}{}
	}
	for a, n := range actions {
		if n > 0 {
			seen["action:"+types.CoreAction(a).String()] = struct{}{}
		}
	}
	return len(seen)
}
