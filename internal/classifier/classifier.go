// Package classifier posts categorised transaction features to a hosted
// risk classification model.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mbd888/txrisk/internal/circuitbreaker"
	"github.com/mbd888/txrisk/internal/upstream"
)

var ErrEmptyResponse = errors.New("classifier: empty response")

// Config configures the classification endpoint.
type Config struct {
	URL    string
	APIKey string
}

// Client implements risk.ClassificationService. The response body is
// returned as-is; interpreting it belongs to the risk engine.
type Client struct {
	api *upstream.Client
}

func New(cfg Config, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Client {
	return &Client{
		api: upstream.New(upstream.Config{Name: "classifier", BaseURL: cfg.URL, APIKey: cfg.APIKey}, breaker, logger),
	}
}

func (c *Client) Classify(ctx context.Context, features json.RawMessage) (json.RawMessage, error) {
	raw, err := c.api.Do(ctx, http.MethodPost, "", nil, features)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrEmptyResponse
	}
	return raw, nil
}
