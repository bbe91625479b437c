package compliance

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps compliance state in process memory for demo/test use.
type MemoryStore struct {
	mu        sync.RWMutex
	listings  map[string]Listing
	whitelist map[string]time.Time
	blocks    map[string]Block
}

// NewMemoryStore creates an empty in-memory compliance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings:  make(map[string]Listing),
		whitelist: make(map[string]time.Time),
		blocks:    make(map[string]Block),
	}
}

func (m *MemoryStore) AddListing(ctx context.Context, l *Listing) error {
	if err := validateListing(l); err != nil {
		return err
	}
	c := *l
	c.Address = NormalizeAddress(l.Address)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[c.Address] = c
	return nil
}

func (m *MemoryStore) RemoveListing(ctx context.Context, addr string) error {
	addr = NormalizeAddress(addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listings[addr]; !ok {
		return ErrNotFound
	}
	delete(m.listings, addr)
	return nil
}

func (m *MemoryStore) Whitelist(ctx context.Context, addr string, at time.Time) error {
	addr = NormalizeAddress(addr)
	if addr == "" {
		return ErrInvalidAddress
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.whitelist[addr]; !ok {
		m.whitelist[addr] = at
	}
	return nil
}

func (m *MemoryStore) RemoveWhitelist(ctx context.Context, addr string) error {
	addr = NormalizeAddress(addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.whitelist[addr]; !ok {
		return ErrNotFound
	}
	delete(m.whitelist, addr)
	return nil
}

func (m *MemoryStore) Screen(ctx context.Context, addr string) (Screening, error) {
	addr = NormalizeAddress(addr)
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Screening{Address: addr}
	if l, ok := m.listings[addr]; ok {
		s.Listing = &l
	}
	if at, ok := m.whitelist[addr]; ok {
		s.Whitelisted = true
		s.WhitelistedAt = &at
	}
	return s, nil
}

func (m *MemoryStore) Block(ctx context.Context, b *Block) error {
	userID := strings.ToLower(strings.TrimSpace(b.UserID))
	if userID == "" {
		return ErrInvalidUser
	}
	c := *b
	c.UserID = userID

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[userID] = c
	return nil
}

func (m *MemoryStore) Unblock(ctx context.Context, userID string) error {
	userID = strings.ToLower(strings.TrimSpace(userID))
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[userID]; !ok {
		return ErrNotFound
	}
	delete(m.blocks, userID)
	return nil
}

func (m *MemoryStore) Blocked(ctx context.Context, userID string) (*Block, error) {
	userID = strings.ToLower(strings.TrimSpace(userID))
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[userID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}
