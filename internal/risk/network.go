package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	connectionRiskLimit  = 0.7
	connectionRiskPoints = 25
	mixerPoints          = 40
	exchangePoints       = 20
)

// NetworkRiskAnalyzer checks the counterparties of a transaction against a
// relationship graph. Each lookup fails open: an error means "not detected".
type NetworkRiskAnalyzer struct {
	graph   RelationshipGraph
	timeout time.Duration
	logger  *slog.Logger
}

// NewNetworkRiskAnalyzer returns an analyzer over graph. A nil graph scores 0.
func NewNetworkRiskAnalyzer(graph RelationshipGraph, timeout time.Duration, logger *slog.Logger) *NetworkRiskAnalyzer {
	if timeout <= 0 {
		timeout = DefaultExternalTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkRiskAnalyzer{graph: graph, timeout: timeout, logger: logger}
}

// Analyze runs the four lookups concurrently and scores what they find.
func (a *NetworkRiskAnalyzer) Analyze(ctx context.Context, tx *TransactionRecord) AnalyzerResult {
	var r AnalyzerResult
	if a.graph == nil || tx == nil {
		return r
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var (
		wg        sync.WaitGroup
		recipient *ConnectionRisk
		sender    *ConnectionRisk
		mixer     bool
		exchange  *ExchangePattern
	)
	wg.Add(4)
	go func() {
		defer wg.Done()
		recipient = lookup(ctx, a, "recipient_connections", func(ctx context.Context) (*ConnectionRisk, error) {
			return a.graph.RecipientConnections(ctx, tx.Recipient)
		})
	}()
	go func() {
		defer wg.Done()
		sender = lookup(ctx, a, "sender_connections", func(ctx context.Context) (*ConnectionRisk, error) {
			return a.graph.SenderConnections(ctx, tx.Sender)
		})
	}()
	go func() {
		defer wg.Done()
		mixer = lookup(ctx, a, "mixer_interaction", func(ctx context.Context) (bool, error) {
			return a.graph.MixerInteraction(ctx, tx.Recipient)
		})
	}()
	go func() {
		defer wg.Done()
		exchange = lookup(ctx, a, "exchange_interaction", func(ctx context.Context) (*ExchangePattern, error) {
			return a.graph.ExchangeInteraction(ctx, tx.Sender)
		})
	}()
	wg.Wait()

	if recipient != nil && recipient.RiskScore > connectionRiskLimit {
		r.add(connectionRiskPoints, fmt.Sprintf(
			"Recipient connected to high-risk accounts (%d, score %.2f)",
			recipient.HighRiskConnections, recipient.RiskScore))
	}
	if mixer {
		r.add(mixerPoints, "Recipient has interacted with a mixing service")
	}
	if exchange != nil && exchange.Suspicious {
		msg := "Suspicious exchange interaction pattern"
		if len(exchange.Exchanges) > 0 {
			msg += " (" + strings.Join(exchange.Exchanges, ", ") + ")"
		}
		r.add(exchangePoints, msg)
	}
	if sender != nil {
		a.logger.Debug("sender connections",
			"sender", tx.Sender,
			"risk_score", sender.RiskScore,
			"high_risk_connections", sender.HighRiskConnections)
	}

	return r
}

// lookup runs one graph query, converting errors, panics and calls still
// running at the deadline into the zero value so a single failing check
// never sinks the analyzer.
func lookup[T any](ctx context.Context, a *NetworkRiskAnalyzer, check string, fn func(context.Context) (T, error)) (out T) {
	defer func() {
		if rec := recover(); rec != nil {
			var zero T
			out = zero
			graphLookupFailures.WithLabelValues(check).Inc()
			a.logger.Warn("graph lookup panicked", "check", check, "panic", rec)
		}
	}()
	v, err := callWithin(ctx, fn)
	if err != nil {
		graphLookupFailures.WithLabelValues(check).Inc()
		a.logger.Debug("graph lookup failed, treating as not detected",
			"check", check, "error", err, "ctx_err", ctx.Err())
		var zero T
		return zero
	}
	return v
}
