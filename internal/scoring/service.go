// Package scoring is the service layer around the risk engine. It
// normalises requests, runs the engine, keeps the audit trail and user
// history, and fans completed assessments out to live observers.
package scoring

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/txrisk/internal/compliance"
	"github.com/mbd888/txrisk/internal/history"
	"github.com/mbd888/txrisk/internal/idgen"
	"github.com/mbd888/txrisk/internal/logging"
	"github.com/mbd888/txrisk/internal/metrics"
	"github.com/mbd888/txrisk/internal/risk"
	"github.com/mbd888/txrisk/internal/validation"
)

// Sources label where a scoring request came from.
const (
	SourceHTTP = "http"
	SourceMCP  = "mcp"
)

// DefaultListLimit and MaxListLimit bound assessment listings.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ErrNoSubject is returned when a transaction names neither a user nor a sender.
var ErrNoSubject = errors.New("scoring: transaction has no user or sender")

// ErrFutureAccount is returned when an account creation time is in the future.
var ErrFutureAccount = errors.New("scoring: account creation time is in the future")

// AssessmentObserver is told about every completed assessment.
type AssessmentObserver interface {
	BroadcastAssessment(a *risk.StoredAssessment)
}

// AssessRequest is one scoring call.
type AssessRequest struct {
	Transaction risk.TransactionRecord `json:"transaction"`
	// History overrides the stored history when supplied.
	History *risk.UserHistory `json:"history,omitempty"`
	// Record appends the transaction to the user's history after scoring.
	Record bool `json:"record,omitempty"`
}

// Service scores transactions and manages their side effects.
type Service struct {
	engine   *risk.Engine
	audit    risk.Store
	history  history.Store
	observer AssessmentObserver
	monitor  *compliance.Monitor
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithObserver sets who is told about completed assessments.
func WithObserver(o AssessmentObserver) Option { return func(s *Service) { s.observer = o } }

// WithCompliance screens every assessment with m and stores its verdict.
func WithCompliance(m *compliance.Monitor) Option { return func(s *Service) { s.monitor = m } }

// WithTimeout bounds a whole scoring call. Zero means no extra bound.
func WithTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService wires the engine to its stores.
func NewService(engine *risk.Engine, audit risk.Store, hist history.Store, opts ...Option) *Service {
	s := &Service{
		engine:  engine,
		audit:   audit,
		history: hist,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Strategies reports which analyzers use an external primary.
func (s *Service) Strategies() map[string]string {
	return s.engine.Strategies()
}

// Assess scores req and returns the audited result. Engine faults never
// surface as errors; they come back as a degraded assessment.
func (s *Service) Assess(ctx context.Context, req AssessRequest, source string) (*risk.StoredAssessment, error) {
	tx := req.Transaction
	userID := validation.NormalizeUserID(tx.Subject())
	if userID == "" {
		return nil, ErrNoSubject
	}
	tx.UserID = userID
	ctx = logging.WithUserID(ctx, userID)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	now := s.now()
	h := req.History
	if h == nil && s.monitor != nil {
		// The monitor needs the same snapshot the engine scores against.
		loaded, err := s.history.History(ctx, userID)
		if err != nil {
			logging.L(ctx).Warn("failed to load history for screening", "error", err)
		}
		h = loaded
	}
	var a risk.RiskAssessment
	if h != nil {
		a = s.engine.AssessTransaction(ctx, &tx, h, now)
	} else {
		a = s.engine.AssessForUser(ctx, &tx, now)
	}

	stored := &risk.StoredAssessment{
		ID:          idgen.TimeOrdered(idgen.PrefixAssessment, now),
		UserID:      userID,
		Transaction: tx,
		Assessment:  a,
		Degraded:    a.IsDegraded(),
		EvaluatedAt: now.UTC(),
	}
	metrics.ScoringRequestsTotal.WithLabelValues(source, a.RiskLevel.String()).Inc()

	if s.monitor != nil {
		f := risk.Extract(&tx, h, now)
		verdict, err := s.monitor.Evaluate(context.WithoutCancel(ctx), userID, &tx, &f, a)
		if err != nil {
			logging.L(ctx).Error("compliance screening failed", "assessment_id", stored.ID, "error", err)
		} else {
			stored.Compliance = verdict
		}
	}

	// The audit trail must not block or fail a scoring response.
	if s.audit != nil {
		if err := s.audit.Record(context.WithoutCancel(ctx), stored); err != nil {
			logging.L(ctx).Error("failed to record assessment", "assessment_id", stored.ID, "error", err)
		}
	}
	if s.observer != nil {
		s.observer.BroadcastAssessment(stored)
	}

	if req.Record {
		summary := risk.TxSummary{Recipient: tx.Recipient, AmountUSD: tx.AmountUSD, Timestamp: now.UnixMilli()}
		if err := s.RecordTransaction(context.WithoutCancel(ctx), userID, summary); err != nil {
			logging.L(ctx).Warn("failed to record scored transaction", "error", err)
		}
	}

	logging.L(ctx).Debug("transaction scored",
		"assessment_id", stored.ID,
		"score", a.AnomalyScore,
		"level", a.RiskLevel.String(),
		"source", source,
	)
	return stored, nil
}

// ListAssessments returns a user's audit trail, newest first.
func (s *Service) ListAssessments(ctx context.Context, userID string, limit int) ([]*risk.StoredAssessment, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.audit.ListByUser(ctx, validation.NormalizeUserID(userID), limit)
}

// RecordTransaction appends a completed transaction to the user's history.
// A zero timestamp is stamped with the service clock.
func (s *Service) RecordTransaction(ctx context.Context, userID string, tx risk.TxSummary) error {
	userID = validation.NormalizeUserID(userID)
	if err := history.Validate(userID, tx); err != nil {
		return err
	}
	if tx.Timestamp == 0 {
		tx.Timestamp = s.now().UnixMilli()
	}
	if err := s.history.Append(ctx, userID, tx); err != nil {
		return err
	}
	metrics.TransactionsRecordedTotal.Inc()
	return nil
}

// OpenAccount seeds a user's account creation time. A zero time means now.
func (s *Service) OpenAccount(ctx context.Context, userID string, createdAt time.Time) error {
	userID = validation.NormalizeUserID(userID)
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	if createdAt.After(s.now()) {
		return ErrFutureAccount
	}
	return s.history.OpenAccount(ctx, userID, createdAt.UTC())
}

// History returns the snapshot the engine would score against.
func (s *Service) History(ctx context.Context, userID string) (*risk.UserHistory, error) {
	return s.history.History(ctx, validation.NormalizeUserID(userID))
}
