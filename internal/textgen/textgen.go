// Package textgen calls a hosted text-generation model (Hugging Face
// inference style) for the behaviour analyzer.
package textgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mbd888/txrisk/internal/circuitbreaker"
	"github.com/mbd888/txrisk/internal/upstream"
)

// ErrEmptyGeneration is returned when the model produced no text.
var ErrEmptyGeneration = errors.New("textgen: empty generation")

// Config configures the text-generation endpoint.
type Config struct {
	URL          string // inference base, e.g. https://api-inference.huggingface.co
	Model        string // appended as /models/<model> when set
	APIKey       string
	MaxNewTokens int
	Temperature  float64
}

type parameters struct {
	MaxNewTokens   int     `json:"max_new_tokens"`
	Temperature    float64 `json:"temperature"`
	ReturnFullText bool    `json:"return_full_text"`
}

type request struct {
	Inputs     string     `json:"inputs"`
	Parameters parameters `json:"parameters"`
}

type generation struct {
	GeneratedText string `json:"generated_text"`
}

// Client implements risk.TextGenerationService.
type Client struct {
	api    *upstream.Client
	path   string
	params parameters
}

// New creates a text-generation client.
func New(cfg Config, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Client {
	p := parameters{MaxNewTokens: cfg.MaxNewTokens, Temperature: cfg.Temperature}
	if p.MaxNewTokens <= 0 {
		p.MaxNewTokens = 256
	}
	if p.Temperature <= 0 {
		p.Temperature = 0.1
	}
	return &Client{
		api:    upstream.New(upstream.Config{Name: "textgen", BaseURL: cfg.URL, APIKey: cfg.APIKey}, breaker, logger),
		path:   modelPath(cfg.Model),
		params: p,
	}
}

func modelPath(model string) string {
	if model == "" {
		return ""
	}
	return "/models/" + model
}

// Generate returns the model's continuation of prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	raw, err := c.api.Do(ctx, http.MethodPost, c.path, nil, request{Inputs: prompt, Parameters: c.params})
	if err != nil {
		return "", err
	}
	return decode(raw)
}

// decode accepts both the list form and the single-object form.
func decode(raw json.RawMessage) (string, error) {
	var list []generation
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 || list[0].GeneratedText == "" {
			return "", ErrEmptyGeneration
		}
		return list[0].GeneratedText, nil
	}
	var one generation
	if err := json.Unmarshal(raw, &one); err != nil {
		return "", fmt.Errorf("textgen: decode response: %w", err)
	}
	if one.GeneratedText == "" {
		return "", ErrEmptyGeneration
	}
	return one.GeneratedText, nil
}
