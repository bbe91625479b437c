package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mbd888/txrisk/internal/risk"
)

// StaticEntry is one address in a static graph file.
type StaticEntry struct {
	Recipient *risk.ConnectionRisk  `json:"recipient,omitempty"`
	Sender    *risk.ConnectionRisk  `json:"sender,omitempty"`
	Mixer     bool                  `json:"mixer,omitempty"`
	Exchange  *risk.ExchangePattern `json:"exchange,omitempty"`
}

// StaticGraph is an in-memory RelationshipGraph for local runs and tests.
// Unknown addresses have no connections. Addresses are case-insensitive.
type StaticGraph struct {
	mu      sync.RWMutex
	entries map[string]StaticEntry
}

// NewStatic returns an empty static graph.
func NewStatic() *StaticGraph {
	return &StaticGraph{entries: make(map[string]StaticEntry)}
}

// LoadStatic reads a JSON object keyed by address.
func LoadStatic(r io.Reader) (*StaticGraph, error) {
	var raw map[string]StaticEntry
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("graph: decode static table: %w", err)
	}
	g := NewStatic()
	for addr, e := range raw {
		g.Set(addr, e)
	}
	return g, nil
}

// Set replaces the entry for addr.
func (g *StaticGraph) Set(addr string, e StaticEntry) {
	g.mu.Lock()
	g.entries[strings.ToLower(addr)] = e
	g.mu.Unlock()
}

func (g *StaticGraph) get(addr string) StaticEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entries[strings.ToLower(addr)]
}

func copyConn(c *risk.ConnectionRisk) *risk.ConnectionRisk {
	if c == nil {
		return &risk.ConnectionRisk{}
	}
	out := *c
	return &out
}

// RecipientConnections returns the recipient entry for addr, or no
// connections.
func (g *StaticGraph) RecipientConnections(_ context.Context, addr string) (*risk.ConnectionRisk, error) {
	return copyConn(g.get(addr).Recipient), nil
}

// SenderConnections returns the sender entry for addr, or no connections.
func (g *StaticGraph) SenderConnections(_ context.Context, addr string) (*risk.ConnectionRisk, error) {
	return copyConn(g.get(addr).Sender), nil
}

// MixerInteraction reports the mixer flag for addr.
func (g *StaticGraph) MixerInteraction(_ context.Context, addr string) (bool, error) {
	return g.get(addr).Mixer, nil
}

// ExchangeInteraction returns a copy of addr's exchange pattern.
func (g *StaticGraph) ExchangeInteraction(_ context.Context, addr string) (*risk.ExchangePattern, error) {
	e := g.get(addr).Exchange
	if e == nil {
		return &risk.ExchangePattern{}, nil
	}
	out := *e
	out.Exchanges = append([]string(nil), e.Exchanges...)
	return &out, nil
}

var _ risk.RelationshipGraph = (*StaticGraph)(nil)
