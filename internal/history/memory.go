package history

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/txrisk/internal/risk"
)

type account struct {
	createdAt  time.Time
	txs        []risk.TxSummary
	volume     float64
	recipients []string // every payee, first-seen order
	paid       map[string]struct{}
}

func (a *account) notePayee(r string) {
	if r == "" {
		return
	}
	if a.paid == nil {
		a.paid = make(map[string]struct{})
	}
	if _, ok := a.paid[r]; !ok {
		a.paid[r] = struct{}{}
		a.recipients = append(a.recipients, r)
	}
}

// MemoryStore keeps history in process memory for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*account
	opts     options
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*account),
		opts:     buildOptions(opts),
	}
}

// Append records tx for userID, opening the account on first use.
func (s *MemoryStore) Append(ctx context.Context, userID string, tx risk.TxSummary) error {
	if err := Validate(userID, tx); err != nil {
		return err
	}
	userID = strings.ToLower(userID)
	if tx.Timestamp == 0 {
		tx.Timestamp = s.opts.now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		a = &account{createdAt: s.opts.now()}
		s.accounts[userID] = a
	}
	a.txs = append(a.txs, tx)
	a.notePayee(tx.Recipient)
	if len(a.txs) > 2*MaxSnapshot {
		a.txs = append([]risk.TxSummary(nil), a.txs[len(a.txs)-MaxSnapshot:]...)
	}
	a.volume += tx.AmountUSD
	return nil
}

// OpenAccount records an account creation time. Existing accounts keep
// their original creation time.
func (s *MemoryStore) OpenAccount(ctx context.Context, userID string, createdAt time.Time) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUser
	}
	userID = strings.ToLower(userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[userID]; !ok {
		s.accounts[userID] = &account{createdAt: createdAt}
	}
	return nil
}

// History returns a snapshot for userID.
func (s *MemoryStore) History(ctx context.Context, userID string) (*risk.UserHistory, error) {
	userID = strings.ToLower(userID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return Snapshot(nil, nil, 0, time.Time{}, s.opts.now()), nil
	}
	return Snapshot(a.txs, a.recipients, a.volume, a.createdAt, s.opts.now()), nil
}
