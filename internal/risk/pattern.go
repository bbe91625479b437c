package risk

import "fmt"

// Structuring thresholds: amounts sized just under these are suspicious.
var structuringThresholds = []float64{999, 2999, 4999, 9999}

const (
	structuringBand   = 0.95
	structuringPoints = 30

	layeringMinTx1h      = 10
	layeringMinDiversity = 0.8
	layeringPoints       = 25

	rapidFireMinTx1h  = 5
	rapidFireMaxGapMs = 60_000
	rapidFirePoints   = 20

	unusualHourWeight   = 0.3
	weekendWeight       = 0.2
	unusualTimingLimit  = 0.7
	unusualTimingPoints = 15
)

// PatternAnalyzer detects structuring, layering, rapid-fire and timing
// patterns in a feature vector. It is pure and has no fallback path.
type PatternAnalyzer struct{}

// Analyze runs every detector and sums their points.
func (PatternAnalyzer) Analyze(f *FeatureVector) AnalyzerResult {
	var r AnalyzerResult

	for _, t := range structuringThresholds {
		if f.Amount >= t*structuringBand && f.Amount < t {
			r.add(structuringPoints, fmt.Sprintf(
				"Possible structuring: amount $%.2f just below $%.0f threshold", f.Amount, t))
			break
		}
	}

	if f.TxCountLast1h > layeringMinTx1h && f.RecipientDiversity > layeringMinDiversity {
		r.add(layeringPoints, "Possible layering: high-frequency transfers to many recipients")
	}

	if f.TxCountLast1h > rapidFireMinTx1h && f.TimeSinceLastTxMs < rapidFireMaxGapMs {
		r.add(rapidFirePoints, fmt.Sprintf(
			"Rapid-fire transactions: %d in the last hour", f.TxCountLast1h))
	}

	// With the current weights this composite peaks at 0.5, so the branch
	// below never fires. Kept as-is pending a product decision.
	if unusualTimingScore(f) > unusualTimingLimit {
		r.add(unusualTimingPoints, "Unusual transaction timing")
	}

	return r
}

func unusualTimingScore(f *FeatureVector) float64 {
	var s float64
	if isUnusualHour(f.HourOfDay) {
		s += unusualHourWeight
	}
	if f.DayOfWeek == 0 || f.DayOfWeek == 6 {
		s += weekendWeight
	}
	return s
}

func isUnusualHour(h int) bool {
	return h < 6 || h > 22
}
