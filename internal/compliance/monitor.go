package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/txrisk/internal/risk"
)

// Flag types raised by the monitor.
const (
	FlagUserBlocked        = "user_blocked"
	FlagHighValue          = "high_value_transaction"
	FlagHighVelocity       = "high_velocity"
	FlagExcessiveVolume    = "excessive_volume"
	FlagHighRiskRecipient  = "high_risk_recipient"
	FlagKYCRequired        = "kyc_required"
	FlagKYCUpgradeRequired = "kyc_upgrade_required"
	FlagAutoBlocked        = "auto_blocked"
)

// Policy holds the compliance thresholds. A zero value disables its check.
type Policy struct {
	HighValueUSD       float64 `json:"highValueUsd"`
	VelocityThreshold  int     `json:"velocityThreshold"` // transactions per 24h
	MaxDailyVolumeUSD  float64 `json:"maxDailyVolumeUsd"`
	UnverifiedLimitUSD float64 `json:"unverifiedLimitUsd"` // KYC level 0
	BasicLimitUSD      float64 `json:"basicLimitUsd"`      // KYC level 1
	// AutoBlockScore blocks the user when an assessment scores above it.
	AutoBlockScore int `json:"autoBlockScore"`
}

// DefaultPolicy returns the thresholds used when none are configured.
func DefaultPolicy() Policy {
	return Policy{
		HighValueUSD:       10000,
		VelocityThreshold:  50,
		MaxDailyVolumeUSD:  50000,
		UnverifiedLimitUSD: 1000,
		BasicLimitUSD:      10000,
		AutoBlockScore:     90,
	}
}

// Monitor turns a scored transaction into a compliance verdict.
type Monitor struct {
	store  Store
	policy Policy
	now    func() time.Time
	logger *slog.Logger
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithClock overrides the time stamped on automatic blocks.
func WithClock(now func() time.Time) MonitorOption { return func(m *Monitor) { m.now = now } }

// WithLogger sets the monitor logger.
func WithLogger(l *slog.Logger) MonitorOption { return func(m *Monitor) { m.logger = l } }

// NewMonitor returns a monitor enforcing policy over store.
func NewMonitor(store Store, policy Policy, opts ...MonitorOption) *Monitor {
	m := &Monitor{store: store, policy: policy, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Policy returns the thresholds in force.
func (m *Monitor) Policy() Policy { return m.policy }

// Evaluate screens tx for userID. f carries the user's 24h counters as they
// stood before tx, and a is the assessment just produced for tx. A user who
// is already blocked gets a blocked verdict without further checks.
func (m *Monitor) Evaluate(ctx context.Context, userID string, tx *risk.TransactionRecord, f *risk.FeatureVector, a risk.RiskAssessment) (*risk.ComplianceVerdict, error) {
	block, err := m.store.Blocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	if block != nil {
		v := &risk.ComplianceVerdict{
			Status: risk.ComplianceBlocked,
			Flags: []risk.ComplianceFlag{{
				Type:        FlagUserBlocked,
				Severity:    risk.LevelCritical,
				Description: "User is blocked: " + block.Reason,
			}},
		}
		verdictsTotal.WithLabelValues(string(v.Status)).Inc()
		return v, nil
	}

	p := m.policy
	v := &risk.ComplianceVerdict{Flags: []risk.ComplianceFlag{}}
	shouldBlock := false
	flag := func(typ string, sev risk.RiskLevel, blocks bool, format string, args ...any) {
		v.Flags = append(v.Flags, risk.ComplianceFlag{Type: typ, Severity: sev, Description: fmt.Sprintf(format, args...)})
		shouldBlock = shouldBlock || blocks
	}

	amount := f.Amount
	if p.HighValueUSD > 0 && amount > p.HighValueUSD {
		flag(FlagHighValue, risk.LevelHigh, false,
			"Transaction amount $%.2f exceeds threshold $%.2f", amount, p.HighValueUSD)
	}
	if p.VelocityThreshold > 0 && f.TxCountLast24h >= p.VelocityThreshold {
		flag(FlagHighVelocity, risk.LevelMedium, false,
			"Daily transaction count %d reaches threshold %d", f.TxCountLast24h, p.VelocityThreshold)
	}
	if projected := f.VolumeLast24h + amount; p.MaxDailyVolumeUSD > 0 && projected > p.MaxDailyVolumeUSD {
		flag(FlagExcessiveVolume, risk.LevelHigh, true,
			"Daily volume $%.2f would exceed limit $%.2f", projected, p.MaxDailyVolumeUSD)
	}

	if tx.Recipient != "" {
		s, err := m.store.Screen(ctx, tx.Recipient)
		if err != nil {
			return nil, err
		}
		if s.Flagged() {
			flag(FlagHighRiskRecipient, risk.LevelCritical, true,
				"Recipient is on the high-risk registry (%s, %s)", s.Listing.Category, s.Listing.Level)
		}
	}

	switch {
	case f.KYCLevel == 0 && p.UnverifiedLimitUSD > 0 && amount > p.UnverifiedLimitUSD:
		flag(FlagKYCRequired, risk.LevelHigh, true,
			"KYC required for transactions over $%.2f", p.UnverifiedLimitUSD)
	case f.KYCLevel == 1 && p.BasicLimitUSD > 0 && amount > p.BasicLimitUSD:
		flag(FlagKYCUpgradeRequired, risk.LevelMedium, false,
			"Enhanced KYC required for transactions over $%.2f", p.BasicLimitUSD)
	}

	if p.AutoBlockScore > 0 && !a.IsDegraded() && a.AnomalyScore > p.AutoBlockScore {
		reason := fmt.Sprintf("anomaly score %d exceeds %d", a.AnomalyScore, p.AutoBlockScore)
		if err := m.store.Block(ctx, &Block{UserID: userID, Reason: reason, BlockedAt: m.now().UTC()}); err != nil {
			return nil, err
		}
		flag(FlagAutoBlocked, risk.LevelCritical, true, "User blocked: %s", reason)
		v.UserBlocked = true
		m.logger.Warn("user blocked automatically", "user_id", userID, "score", a.AnomalyScore)
	}

	switch {
	case shouldBlock:
		v.Status = risk.ComplianceBlocked
	case len(v.Flags) > 0:
		v.Status = risk.ComplianceFlagged
	default:
		v.Status = risk.ComplianceApproved
	}
	verdictsTotal.WithLabelValues(string(v.Status)).Inc()
	return v, nil
}
