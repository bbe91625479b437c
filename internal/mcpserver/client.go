package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/txrisk/internal/retry"
	"github.com/mbd888/txrisk/internal/risk"
	"github.com/mbd888/txrisk/internal/upstream"
)

// Config holds the configuration for connecting to the txrisk API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // optional; sent as a Bearer token
	Timeout time.Duration
}

// Client is an HTTP client for the txrisk API.
type Client struct {
	api *upstream.Client
}

// NewClient creates a client for the txrisk API.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		api: upstream.New(upstream.Config{
			Name:    "txrisk",
			BaseURL: cfg.APIURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
			Retry:   retry.Policy{MaxAttempts: 2, BaseDelay: 200 * time.Millisecond},
		}, nil, logger),
	}
}

func userPath(userID, leaf string) string {
	return "/v1/users/" + url.PathEscape(userID) + "/" + leaf
}

// AssessTransaction scores tx. With record set the transaction is also
// appended to the user's history.
func (c *Client) AssessTransaction(ctx context.Context, tx risk.TransactionRecord, record bool) (*risk.StoredAssessment, error) {
	raw, err := c.api.Do(ctx, http.MethodPost, "/v1/assessments", nil, map[string]any{
		"transaction": tx,
		"record":      record,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Assessment risk.StoredAssessment `json:"assessment"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp.Assessment, nil
}

// ListAssessments returns the user's most recent assessments, newest first.
func (c *Client) ListAssessments(ctx context.Context, userID string, limit int) ([]*risk.StoredAssessment, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	raw, err := c.api.Do(ctx, http.MethodGet, userPath(userID, "assessments"), q, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Assessments []*risk.StoredAssessment `json:"assessments"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return resp.Assessments, nil
}

// GetHistory returns the user's history snapshot.
func (c *Client) GetHistory(ctx context.Context, userID string) (*risk.UserHistory, error) {
	raw, err := c.api.Do(ctx, http.MethodGet, userPath(userID, "history"), nil, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		History risk.UserHistory `json:"history"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp.History, nil
}

// RecordTransaction appends a completed transaction to the user's history.
func (c *Client) RecordTransaction(ctx context.Context, userID string, tx risk.TxSummary) error {
	_, err := c.api.Do(ctx, http.MethodPost, userPath(userID, "transactions"), nil, tx)
	return err
}

// Strategies returns the strategy each analyzer runs with.
func (c *Client) Strategies(ctx context.Context) (map[string]string, error) {
	raw, err := c.api.Do(ctx, http.MethodGet, "/v1/engine", nil, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Strategies map[string]string `json:"strategies"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return resp.Strategies, nil
}
