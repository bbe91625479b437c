package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/txrisk/internal/traces"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Engine scores transactions. It holds no per-user state and is safe for
// concurrent use once built.
type Engine struct {
	pattern    PatternAnalyzer
	behavior   *BehaviorAnalyzer
	indicators *RiskIndicatorAnalyzer
	network    *NetworkRiskAnalyzer
	reporter   *Reporter
	history    UserHistoryProvider
	logger     *slog.Logger
}

type engineConfig struct {
	gen     TextGenerationService
	cls     ClassificationService
	graph   RelationshipGraph
	sink    EventSink
	history UserHistoryProvider
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*engineConfig)

// WithTextGenerator enables the external behaviour analysis path.
func WithTextGenerator(g TextGenerationService) Option {
	return func(c *engineConfig) { c.gen = g }
}

// WithClassifier enables the external risk-indicator path.
func WithClassifier(s ClassificationService) Option {
	return func(c *engineConfig) { c.cls = s }
}

// WithGraph sets the relationship graph used by the network analyzer.
func WithGraph(g RelationshipGraph) Option {
	return func(c *engineConfig) { c.graph = g }
}

// WithSink sets where actionable risk updates are published.
func WithSink(s EventSink) Option {
	return func(c *engineConfig) { c.sink = s }
}

// WithHistoryProvider sets the history source used by AssessForUser.
func WithHistoryProvider(p UserHistoryProvider) Option {
	return func(c *engineConfig) { c.history = p }
}

// WithAnalyzerTimeout bounds each external call. Defaults to 3s.
func WithAnalyzerTimeout(d time.Duration) Option {
	return func(c *engineConfig) { c.timeout = d }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// NewEngine builds an engine. With no options every analyzer runs its
// deterministic rule set and nothing is published.
func NewEngine(opts ...Option) *Engine {
	cfg := engineConfig{timeout: DefaultExternalTimeout, logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &Engine{
		behavior:   NewBehaviorAnalyzer(cfg.gen, cfg.timeout, cfg.logger),
		indicators: NewRiskIndicatorAnalyzer(cfg.cls, cfg.timeout, cfg.logger),
		network:    NewNetworkRiskAnalyzer(cfg.graph, cfg.timeout, cfg.logger),
		reporter:   NewReporter(cfg.sink, cfg.logger),
		history:    cfg.history,
		logger:     cfg.logger,
	}
}

// Strategies reports the scoring path of each analyzer with an external
// primary.
func (e *Engine) Strategies() map[string]string {
	return map[string]string{
		"behavior":       e.behavior.Strategy().String(),
		"risk_indicator": e.indicators.Strategy().String(),
	}
}

// AssessTransaction scores tx against history at now. It always returns a
// well-formed assessment: any internal fault yields Degraded().
func (e *Engine) AssessTransaction(ctx context.Context, tx *TransactionRecord, history *UserHistory, now time.Time) (out RiskAssessment) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "risk.AssessTransaction")
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			out = e.degrade(span, tx, fmt.Errorf("panic: %v", rec))
		}
		assessmentDuration.Observe(time.Since(start).Seconds())
		assessmentsTotal.WithLabelValues(out.RiskLevel.String()).Inc()
		span.SetAttributes(traces.Score(out.AnomalyScore), traces.Level(out.RiskLevel.String()))
	}()

	a, err := e.assess(ctx, tx, history, now)
	if err != nil {
		return e.degrade(span, tx, err)
	}
	return a
}

// AssessForUser loads the user's history and scores tx against it. A
// history lookup failure degrades the result.
func (e *Engine) AssessForUser(ctx context.Context, tx *TransactionRecord, now time.Time) RiskAssessment {
	if tx == nil {
		return e.AssessTransaction(ctx, nil, nil, now)
	}
	if e.history == nil {
		return e.AssessTransaction(ctx, tx, nil, now)
	}

	h, err := e.loadHistory(ctx, tx.Subject())
	if err != nil {
		degradedTotal.Inc()
		assessmentsTotal.WithLabelValues(LevelLow.String()).Inc()
		e.logger.Error("risk assessment degraded: history unavailable",
			"user_id", tx.Subject(), "error", err)
		return Degraded()
	}
	return e.AssessTransaction(ctx, tx, h, now)
}

func (e *Engine) loadHistory(ctx context.Context, userID string) (h *UserHistory, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("history provider panic: %v", rec)
		}
	}()
	return e.history.History(ctx, userID)
}

func (e *Engine) assess(ctx context.Context, tx *TransactionRecord, history *UserHistory, now time.Time) (RiskAssessment, error) {
	if tx == nil {
		return RiskAssessment{}, ErrNilTransaction
	}

	// f is complete before any analyzer starts and only read afterwards.
	f := Extract(tx, history, now)

	var p, b, r, n AnalyzerResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(e.analyzer(gctx, "pattern", func(context.Context) {
		p = e.pattern.Analyze(&f)
	}))
	g.Go(e.analyzer(gctx, "behavior", func(ctx context.Context) {
		b = e.behavior.Analyze(ctx, &f, history)
	}))
	g.Go(e.analyzer(gctx, "risk_indicator", func(ctx context.Context) {
		r = e.indicators.Analyze(ctx, &f)
	}))
	g.Go(e.analyzer(gctx, "network", func(ctx context.Context) {
		n = e.network.Analyze(ctx, tx)
	}))
	if err := g.Wait(); err != nil {
		return RiskAssessment{}, err
	}

	score, conf, err := Compose(p, b, r, n, f)
	if err != nil {
		return RiskAssessment{}, err
	}
	level, recs := Classify(score)
	a := e.reporter.Assemble(p, b, r, n, score, level, recs, conf)

	e.reporter.Notify(ctx, tx.Subject(), &a, now)
	return a, nil
}

// analyzer wraps one analyzer run in a span and turns a panic into an error
// so the join can report it.
func (e *Engine) analyzer(ctx context.Context, name string, fn func(context.Context)) func() error {
	return func() (err error) {
		ctx, span := traces.StartSpan(ctx, "risk.analyze."+name, traces.Analyzer(name))
		defer span.End()
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("%s analyzer: panic: %v", name, rec)
				span.RecordError(err)
				span.SetStatus(codes.Error, "analyzer panicked")
			}
		}()
		fn(ctx)
		return nil
	}
}

func (e *Engine) degrade(span trace.Span, tx *TransactionRecord, err error) RiskAssessment {
	degradedTotal.Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "assessment degraded")

	userID := ""
	if tx != nil {
		userID = tx.Subject()
	}
	e.logger.Error("risk assessment degraded", "user_id", userID, "error", err)
	return Degraded()
}
