package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const (
	largeAmountUSD      = 10000
	largeAmountPoints   = 15
	roundAmountPoints   = 10
	lowKYCMaxLevel      = 2
	lowKYCAmountUSD     = 5000
	lowKYCPoints        = 20
	recipientRiskLimit  = 0.7
	recipientRiskPoints = 30
)

// ClassificationRequest is the categorised feature payload sent to the
// classification service.
type ClassificationRequest struct {
	AmountBucket       string                `json:"amountBucket"`
	VelocityBucket     string                `json:"velocityBucket"`
	TimeBucket         string                `json:"timeBucket"`
	RecipientRiskScore float64               `json:"recipientRiskScore"`
	NewRecipient       bool                  `json:"newRecipient"`
	Patterns           ClassificationFlags   `json:"patterns"`
	Profile            ClassificationProfile `json:"profile"`
}

// ClassificationFlags are the boolean pattern features.
type ClassificationFlags struct {
	RoundAmount bool `json:"roundAmount"`
	Sequential  bool `json:"sequential"`
	Repeating   bool `json:"repeating"`
	CrossChain  bool `json:"crossChain"`
}

// ClassificationProfile summarises the account.
type ClassificationProfile struct {
	AccountAge        int `json:"accountAge"`
	KYCLevel          int `json:"kycLevel"`
	TotalTransactions int `json:"totalTransactions"`
}

// ClassificationResponse is what the engine expects back.
type ClassificationResponse struct {
	RiskScore  *float64 `json:"riskScore"`
	Indicators []string `json:"indicators"`
}

// RiskIndicatorAnalyzer buckets features into coarse risk categories.
type RiskIndicatorAnalyzer struct {
	strategy Strategy
	svc      ClassificationService
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRiskIndicatorAnalyzer returns an analyzer that consults svc first. A
// nil svc means no credentials are configured: no call is ever attempted.
func NewRiskIndicatorAnalyzer(svc ClassificationService, timeout time.Duration, logger *slog.Logger) *RiskIndicatorAnalyzer {
	a := &RiskIndicatorAnalyzer{strategy: StrategyRuleBased, timeout: timeout, logger: logger}
	if svc != nil {
		a.strategy = StrategyExternal
		a.svc = svc
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
func (a *RiskIndicatorAnalyzer) Strategy() Strategy { return a.strategy }

// Analyze scores f.
func (a *RiskIndicatorAnalyzer) Analyze(ctx context.Context, f *FeatureVector) AnalyzerResult {
	switch a.strategy {
	case StrategyExternal:
		res, err := a.analyzeExternal(ctx, f)
		if err == nil {
			return res
		}
		analyzerFallbacks.WithLabelValues("risk_indicator").Inc()
		a.logger.Debug("risk indicator analyzer falling back to rules", "error", err)
		return IndicatorRules(f)
	default:
		return IndicatorRules(f)
	}
}

func (a *RiskIndicatorAnalyzer) analyzeExternal(ctx context.Context, f *FeatureVector) (AnalyzerResult, error) {
	payload, err := json.Marshal(Categorize(f))
	if err != nil {
		return AnalyzerResult{}, fmt.Errorf("marshal features: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := callWithin(ctx, func(ctx context.Context) (json.RawMessage, error) {
		return a.svc.Classify(ctx, payload)
	})
	if err != nil {
		return AnalyzerResult{}, fmt.Errorf("classify: %w", err)
	}
	return ParseClassification(raw)
}

// ParseClassification decodes a classification service response.
func ParseClassification(raw json.RawMessage) (AnalyzerResult, error) {
	var resp ClassificationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return AnalyzerResult{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if resp.RiskScore == nil {
		return AnalyzerResult{}, fmt.Errorf("%w: missing riskScore", ErrParse)
	}
	return AnalyzerResult{
		Score:      clampFloat(sanitizeAmount(*resp.RiskScore), 0, 100),
		Indicators: resp.Indicators,
	}, nil
}

// IndicatorRules is the deterministic risk-indicator rule set.
func IndicatorRules(f *FeatureVector) AnalyzerResult {
	var r AnalyzerResult

	if f.Amount > largeAmountUSD {
		r.add(largeAmountPoints, fmt.Sprintf("Large transaction amount ($%.2f)", f.Amount))
	}
	if f.RoundAmount {
		r.add(roundAmountPoints, "Round transaction amount")
	}
	if f.KYCLevel < lowKYCMaxLevel && f.Amount > lowKYCAmountUSD {
		r.add(lowKYCPoints, fmt.Sprintf("High amount with low KYC level (%d)", f.KYCLevel))
	}
	if f.RecipientRiskScore > recipientRiskLimit {
		r.add(recipientRiskPoints, fmt.Sprintf("High-risk recipient (score %.2f)", f.RecipientRiskScore))
	}

	return r
}

// Categorize reduces a feature vector to the coarse buckets sent to the
// classification service.
func Categorize(f *FeatureVector) ClassificationRequest {
	return ClassificationRequest{
		AmountBucket:       amountBucket(f.Amount),
		VelocityBucket:     velocityBucket(f.TxCountLast1h, f.TxCountLast24h),
		TimeBucket:         timeBucket(f.HourOfDay),
		RecipientRiskScore: f.RecipientRiskScore,
		NewRecipient:       f.IsNewRecipient,
		Patterns: ClassificationFlags{
			RoundAmount: f.RoundAmount,
			Sequential:  f.SequentialPattern,
			Repeating:   f.RepeatingPattern,
			CrossChain:  f.CrossChain,
		},
		Profile: ClassificationProfile{
			AccountAge:        f.AccountAge,
			KYCLevel:          f.KYCLevel,
			TotalTransactions: f.TotalTransactions,
		},
	}
}

func amountBucket(a float64) string {
	switch {
	case a < 10:
		return "micro"
	case a < 100:
		return "small"
	case a < 1000:
		return "medium"
	case a < 10000:
		return "large"
	default:
		return "very_large"
	}
}

func velocityBucket(last1h, last24h int) string {
	switch {
	case last1h > 10 || last24h > 50:
		return "high"
	case last1h > 3 || last24h > 10:
		return "elevated"
	default:
		return "normal"
	}
}

func timeBucket(hour int) string {
	switch {
	case hour < 6:
		return "night"
	case hour < 12:
		return "morning"
	case hour < 18:
		return "afternoon"
	default:
		return "evening"
	}
}
