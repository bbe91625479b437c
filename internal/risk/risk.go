// Package risk implements the transaction risk-scoring engine.
//
// A payment event plus a snapshot of the payer's history is turned into a
// feature vector, scored by four independent analyzers (pattern, behaviour,
// risk indicators, network), fused into a bounded 0-100 anomaly score,
// classified into a risk level and returned with recommendations. The
// engine only scores and recommends; callers decide what to do with the
// result and own its persistence.
package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNilTransaction is returned internally when no transaction was supplied.
	ErrNilTransaction = errors.New("risk: nil transaction")

	// ErrNonFiniteScore is returned when analyzer output fuses to NaN or Inf.
	ErrNonFiniteScore = errors.New("risk: non-finite composite score")

	// ErrParse is returned when an external service response cannot be parsed.
	ErrParse = errors.New("risk: unparseable service response")
)

// TransactionRecord is a single payment event to be scored.
type TransactionRecord struct {
	UserID             string  `json:"userId,omitempty"`
	Sender             string  `json:"sender"`
	Recipient          string  `json:"recipient"`
	AmountUSD          float64 `json:"amountUsd"`
	RecipientRiskScore float64 `json:"recipientRiskScore"`
	KYCLevel           int     `json:"kycLevel"`
	GasPrice           float64 `json:"gasPrice,omitempty"`
	NetworkCongestion  float64 `json:"networkCongestion,omitempty"`
	CrossChain         bool    `json:"crossChain,omitempty"`
}

// Subject returns the identifier the risk update is published for.
func (t *TransactionRecord) Subject() string {
	if t.UserID != "" {
		return t.UserID
	}
	return t.Sender
}

// TxSummary is one prior transaction in a user's history.
type TxSummary struct {
	Recipient string  `json:"recipient"`
	AmountUSD float64 `json:"amountUsd"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
}

// LastTransaction marks the most recent prior transaction.
type LastTransaction struct {
	Timestamp int64 `json:"timestamp"` // unix milliseconds
}

// UserHistory is a read-only snapshot of a user's past activity. The engine
// never mutates it and never keeps it past a single call.
type UserHistory struct {
	Transactions    []TxSummary      `json:"transactions"`
	Amounts         []float64        `json:"amounts"`
	Recipients      []string         `json:"recipients"` // set semantics
	LastTransaction *LastTransaction `json:"lastTransaction,omitempty"`
	AccountAge      int              `json:"accountAge"` // days
	TotalVolume     float64          `json:"totalVolume"`
}

// FeatureVector is derived fresh for every call and never persisted.
type FeatureVector struct {
	// Amount
	Amount       float64 `json:"amount"`
	AmountLog    float64 `json:"amountLog"`
	AmountZScore float64 `json:"amountZScore"`

	// Timing
	HourOfDay         int   `json:"hourOfDay"`
	DayOfWeek         int   `json:"dayOfWeek"`
	TimeSinceLastTxMs int64 `json:"timeSinceLastTxMs"`

	// Velocity
	TxCountLast24h int     `json:"txCountLast24h"`
	TxCountLast1h  int     `json:"txCountLast1h"`
	VolumeLast24h  float64 `json:"volumeLast24h"`

	// Recipient
	RecipientDiversity float64 `json:"recipientDiversity"`
	IsNewRecipient     bool    `json:"isNewRecipient"`
	RecipientRiskScore float64 `json:"recipientRiskScore"`

	// Pattern
	RoundAmount       bool `json:"roundAmount"`
	SequentialPattern bool `json:"sequentialPattern"`
	RepeatingPattern  bool `json:"repeatingPattern"`

	// Profile
	AccountAge        int     `json:"accountAge"`
	TotalTransactions int     `json:"totalTransactions"`
	AverageAmount     float64 `json:"averageAmount"`
	KYCLevel          int     `json:"kycLevel"`

	// Network passthrough
	GasPrice          float64 `json:"gasPrice"`
	NetworkCongestion float64 `json:"networkCongestion"`
	CrossChain        bool    `json:"crossChain"`
}

// AnalyzerResult is the output of one analyzer. Score is in [0,100] for the
// fallback rule sets but is not capped here; the composite is clamped later.
type AnalyzerResult struct {
	Score      float64  `json:"score"`
	Indicators []string `json:"indicators"`
}

func (r *AnalyzerResult) add(points float64, indicator string) {
	r.Score += points
	r.Indicators = append(r.Indicators, indicator)
}

// RiskLevel is the discrete classification of an anomaly score.
type RiskLevel int

const (
	LevelLow RiskLevel = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

// String returns the lowercase level name.
func (l RiskLevel) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l RiskLevel) MarshalText() ([]byte, error) {
	s := l.String()
	if s == "unknown" {
		return nil, fmt.Errorf("risk: invalid level %d", int(l))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *RiskLevel) UnmarshalText(b []byte) error {
	switch string(b) {
	case "low":
		*l = LevelLow
	case "medium":
		*l = LevelMedium
	case "high":
		*l = LevelHigh
	case "critical":
		*l = LevelCritical
	default:
		return fmt.Errorf("risk: unknown level %q", string(b))
	}
	return nil
}

// RiskAssessment is the only externally visible result of a scoring call.
// It carries no IDs or wall-clock fields so identical inputs produce
// identical output.
type RiskAssessment struct {
	AnomalyScore    int       `json:"anomalyScore"`
	RiskLevel       RiskLevel `json:"riskLevel"`
	Indicators      []string  `json:"indicators"`
	Recommendations []string  `json:"recommendations"`
	Confidence      float64   `json:"confidence"`
}

// Degraded returns the safe default produced when scoring fails internally.
// Callers should alert on repeated degraded results rather than treat them
// as "safe".
func Degraded() RiskAssessment {
	return RiskAssessment{
		AnomalyScore:    0,
		RiskLevel:       LevelLow,
		Indicators:      []string{"analysis failed"},
		Recommendations: []string{"Manual review required"},
		Confidence:      0,
	}
}

// IsDegraded reports whether a is the degraded safe default.
func (a *RiskAssessment) IsDegraded() bool {
	return a.Confidence == 0 && len(a.Indicators) == 1 && a.Indicators[0] == "analysis failed"
}

// RiskUpdateEvent is published when an assessment is actionable.
type RiskUpdateEvent struct {
	UserID     string    `json:"userId"`
	Score      int       `json:"score"`
	Indicators []string  `json:"indicators"`
	Timestamp  time.Time `json:"timestamp"`
	Severity   string    `json:"severity"`

	// Set by signing sinks.
	Signer    string `json:"signer,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// TextGenerationService is a hosted language model used by the behaviour
// analyzer. Deadlines are carried by ctx.
type TextGenerationService interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ClassificationService scores categorised features. Request and response
// are opaque JSON; the engine owns the parser.
type ClassificationService interface {
	Classify(ctx context.Context, features json.RawMessage) (json.RawMessage, error)
}

// ConnectionRisk describes an address's counterparty graph.
type ConnectionRisk struct {
	RiskScore           float64 `json:"riskScore"`
	HighRiskConnections int     `json:"highRiskConnections"`
}

// ExchangePattern describes an address's interaction with exchanges.
type ExchangePattern struct {
	Suspicious bool     `json:"suspicious"`
	Exchanges  []string `json:"exchanges,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// RelationshipGraph answers counterparty questions. Each lookup may fail
// independently.
type RelationshipGraph interface {
	RecipientConnections(ctx context.Context, addr string) (*ConnectionRisk, error)
	SenderConnections(ctx context.Context, addr string) (*ConnectionRisk, error)
	MixerInteraction(ctx context.Context, addr string) (bool, error)
	ExchangeInteraction(ctx context.Context, addr string) (*ExchangePattern, error)
}

// EventSink receives risk update events. Implementations must not block for
// long; the engine treats publishing as fire-and-forget.
type EventSink interface {
	Publish(ctx context.Context, ev *RiskUpdateEvent) error
}

// UserHistoryProvider loads history snapshots for a user.
type UserHistoryProvider interface {
	History(ctx context.Context, userID string) (*UserHistory, error)
}

// MultiSink publishes to every sink and joins their errors.
type MultiSink []EventSink

// Publish implements EventSink.
func (m MultiSink) Publish(ctx context.Context, ev *RiskUpdateEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// -----------------------------------------------------------------------------
// Audit trail
// -----------------------------------------------------------------------------

// StoredAssessment is an assessment as persisted by the scoring service.
type StoredAssessment struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	Transaction TransactionRecord `json:"transaction"`
	Assessment  RiskAssessment    `json:"assessment"`
	Degraded    bool              `json:"degraded"`
	EvaluatedAt time.Time         `json:"evaluatedAt"`
	// Compliance is set when a compliance monitor screened the transaction.
	Compliance *ComplianceVerdict `json:"compliance,omitempty"`
}

// ComplianceStatus is the outcome of screening a transaction against policy.
type ComplianceStatus string

const (
	ComplianceApproved ComplianceStatus = "approved"
	ComplianceFlagged  ComplianceStatus = "flagged"
	ComplianceBlocked  ComplianceStatus = "blocked"
)

// ComplianceFlag is one policy rule a transaction tripped.
type ComplianceFlag struct {
	Type        string    `json:"type"`
	Severity    RiskLevel `json:"severity"`
	Description string    `json:"description"`
}

// ComplianceVerdict is the policy decision recorded next to an assessment.
type ComplianceVerdict struct {
	Status ComplianceStatus `json:"status"`
	Flags  []ComplianceFlag `json:"flags"`
	// UserBlocked is set when this transaction caused the user to be blocked.
	UserBlocked bool `json:"userBlocked,omitempty"`
}

// Store persists assessments for audit.
type Store interface {
	Record(ctx context.Context, a *StoredAssessment) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*StoredAssessment, error)
}
