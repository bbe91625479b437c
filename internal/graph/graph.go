// Package graph answers counterparty questions about addresses, either from a
// remote relationship-graph service or from a static in-memory table.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/mbd888/txrisk/internal/circuitbreaker"
	"github.com/mbd888/txrisk/internal/risk"
	"github.com/mbd888/txrisk/internal/upstream"
)

// Config configures the remote graph service.
type Config struct {
	URL    string
	APIKey string
}

// Client implements risk.RelationshipGraph over HTTP:
//
//	GET /v1/addresses/:addr/connections?direction=recipient|sender
//	GET /v1/addresses/:addr/mixer
//	GET /v1/addresses/:addr/exchanges
type Client struct {
	api *upstream.Client
}

// New returns a client for the graph service at cfg.URL. Calls share the
// "graph" circuit in breaker.
func New(cfg Config, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Client {
	return &Client{
		api: upstream.New(upstream.Config{Name: "graph", BaseURL: cfg.URL, APIKey: cfg.APIKey}, breaker, logger),
	}
}

func addrPath(addr, leaf string) string {
	return "/v1/addresses/" + url.PathEscape(addr) + "/" + leaf
}

func (c *Client) connections(ctx context.Context, addr, direction string) (*risk.ConnectionRisk, error) {
	raw, err := c.api.Do(ctx, http.MethodGet, addrPath(addr, "connections"), url.Values{"direction": {direction}}, nil)
	if err != nil {
		return nil, err
	}
	var out risk.ConnectionRisk
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("graph: decode connections: %w", err)
	}
	return &out, nil
}

// RecipientConnections reports how addr is connected to high-risk accounts
// when it receives funds.
func (c *Client) RecipientConnections(ctx context.Context, addr string) (*risk.ConnectionRisk, error) {
	return c.connections(ctx, addr, "recipient")
}

// SenderConnections reports the same for addr as a sender.
func (c *Client) SenderConnections(ctx context.Context, addr string) (*risk.ConnectionRisk, error) {
	return c.connections(ctx, addr, "sender")
}

// MixerInteraction reports whether addr has interacted with a mixing service.
func (c *Client) MixerInteraction(ctx context.Context, addr string) (bool, error) {
	raw, err := c.api.Do(ctx, http.MethodGet, addrPath(addr, "mixer"), nil, nil)
	if err != nil {
		return false, err
	}
	var out struct {
		Interacted bool `json:"interacted"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, fmt.Errorf("graph: decode mixer: %w", err)
	}
	return out.Interacted, nil
}

// ExchangeInteraction returns addr's exchange usage pattern.
func (c *Client) ExchangeInteraction(ctx context.Context, addr string) (*risk.ExchangePattern, error) {
	raw, err := c.api.Do(ctx, http.MethodGet, addrPath(addr, "exchanges"), nil, nil)
	if err != nil {
		return nil, err
	}
	var out risk.ExchangePattern
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("graph: decode exchanges: %w", err)
	}
	return &out, nil
}

var _ risk.RelationshipGraph = (*Client)(nil)
