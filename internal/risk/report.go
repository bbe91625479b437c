package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	maxIndicators      = 10
	maxEventIndicators = 5

	// NotifyThreshold is the score above which a risk update is published.
	NotifyThreshold = 25
)

// Reporter assembles assessments and publishes actionable ones.
type Reporter struct {
	sink   EventSink
	logger *slog.Logger
}

// NewReporter returns a reporter publishing to sink. A nil sink disables
// notification.
func NewReporter(sink EventSink, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{sink: sink, logger: logger}
}

// Assemble builds the final assessment. Indicators are concatenated in
// analyzer order, deduplicated keeping the first occurrence, and truncated.
func (r *Reporter) Assemble(pattern, behavior, indicator, network AnalyzerResult, score int, level RiskLevel, recommendations []string, confidence float64) RiskAssessment {
	seen := make(map[string]struct{})
	inds := make([]string, 0, maxIndicators)
	for _, res := range []AnalyzerResult{pattern, behavior, indicator, network} {
		for _, s := range res.Indicators {
			if len(inds) == maxIndicators {
				break
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			inds = append(inds, s)
		}
	}
	if recommendations == nil {
		recommendations = []string{}
	}
	return RiskAssessment{
		AnomalyScore:    score,
		RiskLevel:       level,
		Indicators:      inds,
		Recommendations: recommendations,
		Confidence:      confidence,
	}
}

// Notify publishes a risk update for userID when a is actionable. It never
// fails: sink errors and panics are logged and counted.
func (r *Reporter) Notify(ctx context.Context, userID string, a *RiskAssessment, now time.Time) {
	if r.sink == nil || a.AnomalyScore <= NotifyThreshold {
		return
	}

	inds := a.Indicators
	if len(inds) > maxEventIndicators {
		inds = inds[:maxEventIndicators]
	}
	ev := &RiskUpdateEvent{
		UserID:     userID,
		Score:      a.AnomalyScore,
		Indicators: append([]string(nil), inds...),
		Timestamp:  now.UTC(),
		Severity:   Severity(a.AnomalyScore),
	}

	if err := r.publish(ctx, ev); err != nil {
		sinkFailures.Inc()
		r.logger.Warn("risk update not delivered",
			"user_id", userID, "score", ev.Score, "error", err)
	}
}

func (r *Reporter) publish(ctx context.Context, ev *RiskUpdateEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sink panic: %v", rec)
		}
	}()
	return r.sink.Publish(ctx, ev)
}
