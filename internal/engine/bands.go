package engine

import "math"

// Bands maps a value onto a score through sorted inclusive upper bounds: the
// first bound >= v selects the matching value, and anything above the last
// bound gets Default.
type Bands struct {
	Upper   []float64
	Values  []float64
	Default float64
}

// Lookup returns the banded score for v. NaN maps to Default.
func (b Bands) Lookup(v float64) float64 {
	if math.IsNaN(v) {
		return b.Default
	}
	for i, upper := range b.Upper {
		if v <= upper {
			return b.Values[i]
		}
	}
	return b.Default
}

var (
	// CoreUsageBands scores the total core action count:
	// 0→0, 1→25, 2-5→50, 6-10→75, >10→100.
	CoreUsageBands = Bands{
		Upper:   []float64{0, 1, 5, 10},
		Values:  []float64{0, 25, 50, 75},
		Default: 100,
	}

	// RecencyBands scores days since last activity:
	// ≤7→100, ≤14→80, ≤30→60, ≤60→40, ≤90→20, else 0.
	RecencyBands = Bands{
		Upper:   []float64{7, 14, 30, 60, 90},
		Values:  []float64{100, 80, 60, 40, 20},
		Default: 0,
	}

	// SupportTicketBands scores tickets in the last 90 days inversely:
	// 0→100, 1-2→80, 3-5→60, 6-10→40, 11-20→20, >20→0.
	SupportTicketBands = Bands{
		Upper:   []float64{0, 2, 5, 10, 20},
		Values:  []float64{100, 80, 60, 40, 20},
		Default: 0,
	}
)

// BreadthBucket buckets a capability count into {"0","1","2","3","4","5+"}.
func BreadthBucket(n int) string {
	switch {
	case n <= 0:
		return "0"
	case n >= 5:
		return "5+"
	default:
		return string(rune('0' + n))
	}
}
