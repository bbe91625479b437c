package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Strategy selects how an analyzer with an external primary path scores.
type Strategy int

const (
	// StrategyRuleBased scores with the deterministic rule set only.
	StrategyRuleBased Strategy = iota
	// StrategyExternal calls the external service and falls back to the
	// rule set on timeout, error or unparseable output.
	StrategyExternal
)

func (s Strategy) String() string {
	switch s {
	case StrategyRuleBased:
		return "rule_based"
	case StrategyExternal:
		return "external"
	default:
		return "unknown"
	}
}

// DefaultExternalTimeout bounds every external call made by an analyzer.
const DefaultExternalTimeout = 3 * time.Second

const (
	zScoreLimit        = 2
	zScorePoints       = 20
	velocityMultiple   = 5
	velocityPoints     = 25
	offHoursPoints     = 10
	newRecipientRatio  = 3
	newRecipientPoints = 15
)

// Text before SCORE is tolerated; anything after the INDICATORS line is not.
var behaviorResponse = regexp.MustCompile(`(?s)SCORE:\s*(-?\d+)\s*\|\s*INDICATORS:([^\n]*)(.*)`)

// BehaviorAnalyzer compares a transaction against the user's baseline.
type BehaviorAnalyzer struct {
	strategy Strategy
	gen      TextGenerationService
	timeout  time.Duration
	logger   *slog.Logger
}

// NewBehaviorAnalyzer returns an analyzer using gen as its primary path, or
// the rule set alone when gen is nil.
func NewBehaviorAnalyzer(gen TextGenerationService, timeout time.Duration, logger *slog.Logger) *BehaviorAnalyzer {
	a := &BehaviorAnalyzer{strategy: StrategyRuleBased, timeout: timeout, logger: logger}
	if gen != nil {
		a.strategy = StrategyExternal
		a.gen = gen
	}
	if a.timeout <= 0 {
		a.timeout = DefaultExternalTimeout
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Strategy reports which path the analyzer was built with.
func (a *BehaviorAnalyzer) Strategy() Strategy { return a.strategy }

// Analyze scores f against h.
func (a *BehaviorAnalyzer) Analyze(ctx context.Context, f *FeatureVector, h *UserHistory) AnalyzerResult {
	switch a.strategy {
	case StrategyExternal:
		res, err := a.analyzeExternal(ctx, f, h)
		if err == nil {
			return res
		}
		analyzerFallbacks.WithLabelValues("behavior").Inc()
		a.logger.Debug("behavior analyzer falling back to rules", "error", err)
		return BehaviorRules(f)
	default:
		return BehaviorRules(f)
	}
}

func (a *BehaviorAnalyzer) analyzeExternal(ctx context.Context, f *FeatureVector, h *UserHistory) (AnalyzerResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	prompt := behaviorPrompt(f, h)
	out, err := callWithin(ctx, func(ctx context.Context) (string, error) {
		return a.gen.Generate(ctx, prompt)
	})
	if err != nil {
		return AnalyzerResult{}, fmt.Errorf("generate: %w", err)
	}
	return ParseBehaviorResponse(out)
}

// ParseBehaviorResponse parses "SCORE: <int> | INDICATORS: <a, b, c>".
func ParseBehaviorResponse(s string) (AnalyzerResult, error) {
	m := behaviorResponse.FindStringSubmatch(s)
	if m == nil {
		return AnalyzerResult{}, fmt.Errorf("%w: missing SCORE/INDICATORS", ErrParse)
	}
	if strings.TrimSpace(m[3]) != "" {
		return AnalyzerResult{}, fmt.Errorf("%w: trailing content after INDICATORS", ErrParse)
	}
	score, err := strconv.Atoi(m[1])
	if err != nil {
		return AnalyzerResult{}, fmt.Errorf("%w: score %q", ErrParse, m[1])
	}
	res := AnalyzerResult{Score: clampFloat(float64(score), 0, 100)}
	for _, part := range strings.Split(m[2], ",") {
		if p := strings.TrimSpace(part); p != "" {
			res.Indicators = append(res.Indicators, p)
		}
	}
	return res, nil
}

// BehaviorRules is the deterministic behaviour rule set.
func BehaviorRules(f *FeatureVector) AnalyzerResult {
	var r AnalyzerResult

	if math.Abs(f.AmountZScore) > zScoreLimit {
		dir := "higher"
		if f.AmountZScore < 0 {
			dir = "lower"
		}
		r.add(zScorePoints, fmt.Sprintf(
			"Amount significantly %s than usual (z-score %.1f)", dir, f.AmountZScore))
	}

	normalVelocity := float64(f.TotalTransactions) / float64(maxInt(f.AccountAge, 1))
	if float64(f.TxCountLast24h) > normalVelocity*velocityMultiple {
		r.add(velocityPoints, fmt.Sprintf(
			"Transaction velocity %d/24h far above normal %.1f/day", f.TxCountLast24h, normalVelocity))
	}

	if isUnusualHour(f.HourOfDay) {
		r.add(offHoursPoints, fmt.Sprintf("Transaction at unusual hour (%02d:00 UTC)", f.HourOfDay))
	}

	if f.IsNewRecipient && f.Amount > f.AverageAmount*newRecipientRatio {
		r.add(newRecipientPoints, "Large transfer to a new recipient")
	}

	return r
}

func behaviorPrompt(f *FeatureVector, h *UserHistory) string {
	var b strings.Builder
	b.WriteString("You are a payments fraud analyst. Compare the transaction with the user's baseline.\n\n")
	b.WriteString("User profile:\n")
	fmt.Fprintf(&b, "- Account age: %d days\n", f.AccountAge)
	fmt.Fprintf(&b, "- Prior transactions: %d\n", f.TotalTransactions)
	fmt.Fprintf(&b, "- Average amount: $%.2f\n", f.AverageAmount)
	if h != nil {
		fmt.Fprintf(&b, "- Lifetime volume: $%.2f\n", h.TotalVolume)
		fmt.Fprintf(&b, "- Known recipients: %d\n", len(h.Recipients))
	}
	fmt.Fprintf(&b, "- Transactions in last 24h: %d (volume $%.2f)\n", f.TxCountLast24h, f.VolumeLast24h)
	fmt.Fprintf(&b, "- KYC level: %d\n\n", f.KYCLevel)
	b.WriteString("Current transaction:\n")
	fmt.Fprintf(&b, "- Amount: $%.2f (z-score %.2f)\n", f.Amount, f.AmountZScore)
	fmt.Fprintf(&b, "- Hour (UTC): %d, weekday: %d\n", f.HourOfDay, f.DayOfWeek)
	fmt.Fprintf(&b, "- New recipient: %t\n", f.IsNewRecipient)
	fmt.Fprintf(&b, "- Round amount: %t, sequential: %t, repeating: %t\n\n",
		f.RoundAmount, f.SequentialPattern, f.RepeatingPattern)
	b.WriteString("Respond with exactly one line: SCORE: <0-100> | INDICATORS: <comma-separated list>")
	return b.String()
}
