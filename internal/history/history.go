// Package history records completed transactions per user and serves the
// read-only snapshots the risk engine scores against.
package history

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/txrisk/internal/risk"
)

// MaxSnapshot caps how many recent transactions a snapshot carries.
const MaxSnapshot = 1000

var (
	ErrInvalidUser   = errors.New("history: user id is required")
	ErrInvalidAmount = errors.New("history: amount must be a finite non-negative number")
)

// Store records transactions and serves history snapshots. Unknown users get
// an empty snapshot rather than an error.
type Store interface {
	risk.UserHistoryProvider
	Append(ctx context.Context, userID string, tx risk.TxSummary) error
	// OpenAccount sets when a user's account was created, which drives
	// AccountAge. Accounts that already exist keep their creation time.
	OpenAccount(ctx context.Context, userID string, createdAt time.Time) error
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used to compute account age.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Validate checks a transaction before it is recorded.
func Validate(userID string, tx risk.TxSummary) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUser
	}
	if tx.AmountUSD < 0 || math.IsNaN(tx.AmountUSD) || math.IsInf(tx.AmountUSD, 0) {
		return ErrInvalidAmount
	}
	return nil
}

// Snapshot builds a UserHistory from transactions in any order. Only the most
// recent MaxSnapshot entries are kept; totalVolume covers the full lifetime.
// known lists every recipient the user has ever paid, oldest first, so payees
// that fell out of the transaction window still count as known.
func Snapshot(txs []risk.TxSummary, known []string, totalVolume float64, createdAt, now time.Time) *risk.UserHistory {
	sorted := append([]risk.TxSummary(nil), txs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })
	if len(sorted) > MaxSnapshot {
		sorted = sorted[len(sorted)-MaxSnapshot:]
	}

	h := &risk.UserHistory{
		Transactions: sorted,
		Amounts:      make([]float64, 0, len(sorted)),
		Recipients:   []string{},
		TotalVolume:  totalVolume,
	}
	seen := make(map[string]struct{}, len(known))
	addRecipient := func(r string) {
		if _, ok := seen[r]; !ok && r != "" {
			seen[r] = struct{}{}
			h.Recipients = append(h.Recipients, r)
		}
	}
	for _, r := range known {
		addRecipient(r)
	}
	for _, t := range sorted {
		h.Amounts = append(h.Amounts, t.AmountUSD)
		addRecipient(t.Recipient)
	}
	if n := len(sorted); n > 0 {
		h.LastTransaction = &risk.LastTransaction{Timestamp: sorted[n-1].Timestamp}
	}
	if !createdAt.IsZero() && now.After(createdAt) {
		h.AccountAge = int(now.Sub(createdAt) / (24 * time.Hour))
	}
	return h
}
