// Package upstream is the shared JSON-over-HTTP client behind the model and
// graph integrations. Every call goes through a per-upstream circuit breaker
// and a bounded retry, and is counted in prometheus.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/txrisk/internal/circuitbreaker"
	"github.com/mbd888/txrisk/internal/retry"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxResponseBytes bounds how much of an upstream body is read.
const maxResponseBytes = 1 << 20

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txrisk",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Upstream calls by upstream and outcome (ok, client_error, server_error, transport_error, circuit_open).",
	}, []string{"upstream", "outcome"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "txrisk",
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Latency of a single upstream attempt.",
		Buckets:   []float64{.025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"upstream"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Upstream string
	Status   int
	Message  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: upstream error (%d): %s", e.Upstream, e.Status, e.Message)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Config describes one upstream.
type Config struct {
	Name    string // metric/breaker key, e.g. "textgen"
	BaseURL string
	APIKey  string // sent as a Bearer token when set
	Timeout time.Duration
	Retry   retry.Policy
}

// Client calls a single upstream.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

// New creates a client. breaker may be shared between upstreams since it is
// keyed by cfg.Name; nil gets a private breaker.
func New(cfg Config, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: breaker,
		logger:  logger.With("upstream", cfg.Name),
	}
}

// Name returns the upstream's configured name.
func (c *Client) Name() string { return c.cfg.Name }

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Do sends a JSON request and returns the raw response body. 4xx responses
// other than 429 are neither retried nor counted against the breaker.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = data
	}

	var out json.RawMessage
	err := c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		err := c.breaker.Execute(c.cfg.Name, func() error {
			var err error
			out, err = c.attempt(ctx, method, path, query, payload)
			return err
		}, countable)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, circuitbreaker.ErrOpen):
			requestsTotal.WithLabelValues(c.cfg.Name, "circuit_open").Inc()
			return retry.Permanent(err)
		case retry.IsPermanent(err):
			return err
		case !countable(err):
			return retry.Permanent(err)
		case ctx.Err() != nil:
			return retry.Permanent(err)
		default:
			c.logger.Debug("upstream attempt failed", "path", path, "error", err)
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) attempt(ctx context.Context, method, path string, query url.Values, payload []byte) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.BaseURL + path)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("invalid URL: %w", err))
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.WithLabelValues(c.cfg.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(c.cfg.Name, "transport_error").Inc()
		return nil, fmt.Errorf("%s: request failed: %w", c.cfg.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		requestsTotal.WithLabelValues(c.cfg.Name, "transport_error").Inc()
		return nil, fmt.Errorf("%s: read response: %w", c.cfg.Name, err)
	}

	if resp.StatusCode >= 400 {
		se := &StatusError{Upstream: c.cfg.Name, Status: resp.StatusCode, Message: string(respBody)}
		var ae apiError
		if json.Unmarshal(respBody, &ae) == nil && (ae.Message != "" || ae.Error != "") {
			se.Message = ae.Message
			if se.Message == "" {
				se.Message = ae.Error
			}
		}
		if se.Retryable() {
			requestsTotal.WithLabelValues(c.cfg.Name, "server_error").Inc()
		} else {
			requestsTotal.WithLabelValues(c.cfg.Name, "client_error").Inc()
		}
		return nil, se
	}

	requestsTotal.WithLabelValues(c.cfg.Name, "ok").Inc()
	return json.RawMessage(respBody), nil
}

// countable reports whether err indicates an unhealthy upstream.
func countable(err error) bool {
	if retry.IsPermanent(err) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}
