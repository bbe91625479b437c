package risk

import (
	"fmt"
	"math"
)

const (
	weightPattern  = 0.30
	weightBehavior = 0.30
	weightRisk     = 0.25
	weightNetwork  = 0.15

	baseConfidence = 0.5
)

// Compose fuses the four analyzer results into an anomaly score in [0,100]
// and a confidence in [0,1]. Confidence reflects how much history backs the
// score, not the score itself.
func Compose(pattern, behavior, indicator, network AnalyzerResult, f FeatureVector) (int, float64, error) {
	raw := pattern.Score*weightPattern +
		behavior.Score*weightBehavior +
		indicator.Score*weightRisk +
		network.Score*weightNetwork
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0, 0, fmt.Errorf("%w: %v", ErrNonFiniteScore, raw)
	}

	score := int(math.Round(clampFloat(raw, 0, 100)))
	return score, confidence(f.TotalTransactions, f.AccountAge), nil
}

func confidence(totalTx, accountAgeDays int) float64 {
	c := baseConfidence
	switch {
	case totalTx > 100:
		c += 0.3
	case totalTx > 20:
		c += 0.2
	case totalTx > 5:
		c += 0.1
	}
	switch {
	case accountAgeDays > 365:
		c += 0.2
	case accountAgeDays > 90:
		c += 0.1
	}
	return clampFloat(c, 0, 1)
}

// Level thresholds, inclusive lower bounds.
const (
	CriticalThreshold = 75
	HighThreshold     = 50
	MediumThreshold   = 25
)

// Classify maps a score to a risk level and its recommendations.
func Classify(score int) (RiskLevel, []string) {
	level := LevelLow
	switch {
	case score >= CriticalThreshold:
		level = LevelCritical
	case score >= HighThreshold:
		level = LevelHigh
	case score >= MediumThreshold:
		level = LevelMedium
	}
	return level, Recommendations(level)
}

// Recommendations returns a fresh copy of the actions for level.
func Recommendations(level RiskLevel) []string {
	switch level {
	case LevelCritical:
		return []string{
			"Block transaction",
			"Mandatory compliance review",
			"Require enhanced KYC verification",
		}
	case LevelHigh:
		return []string{
			"Flag for manual review",
			"Request additional documentation",
			"Monitor subsequent transactions",
		}
	case LevelMedium:
		return []string{
			"Enable automated monitoring",
			"Log for pattern analysis",
		}
	default:
		return []string{}
	}
}

// Severity maps a score to the severity label carried on risk updates.
// Bounds are exclusive, matching the on-chain risk flag thresholds.
func Severity(score int) string {
	switch {
	case score > 75:
		return "critical"
	case score > 50:
		return "high"
	case score > 25:
		return "medium"
	default:
		return "low"
	}
}
