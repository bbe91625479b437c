package compliance

import (
	"context"

	"github.com/mbd888/txrisk/internal/risk"
)

// ScreenedGraph puts the address registry in front of another relationship
// graph. Whitelisted addresses come back clean without consulting next,
// listed addresses score by their level, and everything else is answered by
// next. A nil next has no connections.
type ScreenedGraph struct {
	store Store
	next  risk.RelationshipGraph
}

// NewScreenedGraph wraps next with the registry in store.
func NewScreenedGraph(store Store, next risk.RelationshipGraph) *ScreenedGraph {
	return &ScreenedGraph{store: store, next: next}
}

func (g *ScreenedGraph) connections(ctx context.Context, addr string,
	next func(context.Context, string) (*risk.ConnectionRisk, error)) (*risk.ConnectionRisk, error) {
	s, err := g.store.Screen(ctx, addr)
	if err != nil {
		return nil, err
	}
	switch {
	case s.Whitelisted:
		return &risk.ConnectionRisk{}, nil
	case s.Listing != nil:
		return &risk.ConnectionRisk{RiskScore: connectionScore(s.Listing.Level), HighRiskConnections: 1}, nil
	case g.next == nil:
		return &risk.ConnectionRisk{}, nil
	}
	return next(ctx, addr)
}

// RecipientConnections screens addr, then asks next.
func (g *ScreenedGraph) RecipientConnections(ctx context.Context, addr string) (*risk.ConnectionRisk, error) {
	return g.connections(ctx, addr, func(ctx context.Context, addr string) (*risk.ConnectionRisk, error) {
		return g.next.RecipientConnections(ctx, addr)
	})
}

// SenderConnections screens addr, then asks next.
func (g *ScreenedGraph) SenderConnections(ctx context.Context, addr string) (*risk.ConnectionRisk, error) {
	return g.connections(ctx, addr, func(ctx context.Context, addr string) (*risk.ConnectionRisk, error) {
		return g.next.SenderConnections(ctx, addr)
	})
}

// MixerInteraction is true for addresses listed as mixing services.
func (g *ScreenedGraph) MixerInteraction(ctx context.Context, addr string) (bool, error) {
	s, err := g.store.Screen(ctx, addr)
	if err != nil {
		return false, err
	}
	switch {
	case s.Whitelisted:
		return false, nil
	case s.Listing != nil && s.Listing.Category == CategoryMixer:
		return true, nil
	case g.next == nil:
		return false, nil
	}
	return g.next.MixerInteraction(ctx, addr)
}

// ExchangeInteraction skips next for whitelisted addresses.
func (g *ScreenedGraph) ExchangeInteraction(ctx context.Context, addr string) (*risk.ExchangePattern, error) {
	s, err := g.store.Screen(ctx, addr)
	if err != nil {
		return nil, err
	}
	if s.Whitelisted || g.next == nil {
		return &risk.ExchangePattern{}, nil
	}
	return g.next.ExchangeInteraction(ctx, addr)
}

var _ risk.RelationshipGraph = (*ScreenedGraph)(nil)
