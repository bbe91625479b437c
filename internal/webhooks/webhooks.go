// Package webhooks delivers risk update events to subscriber endpoints.
//
// Payloads are signed with HMAC-SHA256 using the subscription secret, retried
// with backoff, and guarded by a per-subscription circuit breaker. A
// subscription that keeps failing is deactivated.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/txrisk/internal/circuitbreaker"
	"github.com/mbd888/txrisk/internal/retry"
	"github.com/mbd888/txrisk/internal/risk"
	"github.com/mbd888/txrisk/internal/security"
	"github.com/prometheus/client_golang/prometheus"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventRiskUpdated EventType = "risk.updated"
	EventTest        EventType = "webhook.test"
)

// Known reports whether t is an event type subscribers may ask for.
func (t EventType) Known() bool {
	return t == EventRiskUpdated || t == EventTest
}

const (
	HeaderEvent     = "X-TxRisk-Event"
	HeaderDelivery  = "X-TxRisk-Delivery"
	HeaderTimestamp = "X-TxRisk-Timestamp"
	HeaderSignature = "X-TxRisk-Signature"
)

// DefaultMaxFailures is how many failed deliveries in a row deactivate a
// subscription.
const DefaultMaxFailures = 10

var ErrSubscriptionNotFound = errors.New("webhooks: subscription not found")

var deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "txrisk",
	Subsystem: "webhook",
	Name:      "deliveries_total",
	Help:      "Webhook deliveries by outcome (ok, failed, circuit_open, deactivated).",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(deliveriesTotal)
}

// Event is the JSON body posted to subscribers.
type Event struct {
	ID        string                `json:"id"`
	Type      EventType             `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	Data      *risk.RiskUpdateEvent `json:"data,omitempty"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string         `json:"id"`
	Owner               string         `json:"owner"`
	UserID              string         `json:"userId,omitempty"` // empty watches every user
	URL                 string         `json:"url"`
	Secret              string         `json:"-"`
	Events              []EventType    `json:"events"`
	MinSeverity         risk.RiskLevel `json:"minSeverity"`
	Active              bool           `json:"active"`
	CreatedAt           time.Time      `json:"createdAt"`
	LastSuccess         *time.Time     `json:"lastSuccess,omitempty"`
	LastError           string         `json:"lastError,omitempty"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
}

// Wants reports whether the subscription should receive ev.
func (s *Subscription) Wants(ev *Event) bool {
	if !s.Active {
		return false
	}
	subscribed := false
	for _, et := range s.Events {
		if et == ev.Type {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return false
	}
	if ev.Data == nil {
		return true
	}
	if s.UserID != "" && s.UserID != ev.Data.UserID {
		return false
	}
	var sev risk.RiskLevel
	if err := sev.UnmarshalText([]byte(ev.Data.Severity)); err != nil {
		return false
	}
	return sev >= s.MinSeverity
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, owner string) ([]*Subscription, error)
	ListByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error
	// RecordSuccess clears the failure streak of subscription id.
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// RecordFailure bumps the failure streak of id in one step and
	// deactivates it once the streak reaches maxFailures (0 never does). It
	// returns the new streak and whether this call deactivated it.
	RecordFailure(ctx context.Context, id, errMsg string, maxFailures int) (failures int, deactivated bool, err error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRetryPolicy overrides per-delivery retries.
func WithRetryPolicy(p retry.Policy) Option { return func(d *Dispatcher) { d.policy = p } }

// WithBreaker overrides the per-subscription circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option { return func(d *Dispatcher) { d.breaker = b } }

// WithMaxFailures sets how many consecutive failures deactivate a subscription.
func WithMaxFailures(n int) Option { return func(d *Dispatcher) { d.maxFailures = n } }

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithHTTPClient replaces the delivery client.
func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.client = c } }

// Dispatcher sends webhook events
type Dispatcher struct {
	store        Store
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	policy       retry.Policy
	maxFailures  int
	logger       *slog.Logger
	urlValidator func(string) error
	wg           sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		breaker:      circuitbreaker.New(5, time.Minute),
		policy:       retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		maxFailures:  DefaultMaxFailures,
		logger:       slog.Default(),
		urlValidator: security.ValidateEndpointURL,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ValidateURL applies the dispatcher's endpoint policy to a subscriber URL.
func (d *Dispatcher) ValidateURL(u string) error {
	return d.urlValidator(u)
}

// Dispatch sends ev to every matching subscriber. Deliveries run in the
// background and outlive ctx's cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	subs, err := d.store.ListByEvent(ctx, ev.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}
	for _, sub := range subs {
		if !sub.Wants(ev) {
			continue
		}
		d.deliverAsync(ctx, sub, ev)
	}
	return nil
}

// DispatchTo sends ev to a single subscription regardless of its filters.
func (d *Dispatcher) DispatchTo(ctx context.Context, sub *Subscription, ev *Event) {
	d.deliverAsync(ctx, sub, ev)
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliverAsync(ctx context.Context, sub *Subscription, ev *Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		d.deliver(ctx, sub, ev)
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		d.recordFailure(ctx, sub, "failed to marshal event")
		return
	}

	err = d.policy.Do(ctx, func(ctx context.Context) error {
		err := d.breaker.Execute(sub.ID, func() error { return d.post(ctx, sub, ev, payload) }, countable)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
		deliveriesTotal.WithLabelValues("ok").Inc()
		d.recordSuccess(ctx, sub)
	case errors.Is(err, circuitbreaker.ErrOpen):
		deliveriesTotal.WithLabelValues("circuit_open").Inc()
		d.recordFailure(ctx, sub, err.Error())
	default:
		deliveriesTotal.WithLabelValues("failed").Inc()
		d.recordFailure(ctx, sub, err.Error())
	}
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, ev *Event, payload []byte) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(fmt.Errorf("endpoint rejected: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "txrisk-webhooks/1")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderDelivery, ev.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func countable(err error) bool { return !retry.IsPermanent(err) }

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header value in constant time.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	if err := d.store.RecordSuccess(ctx, sub.ID, time.Now()); err != nil {
		d.logger.Warn("webhook status update failed", "webhook_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	failures, deactivated, err := d.store.RecordFailure(ctx, sub.ID, errMsg, d.maxFailures)
	if err != nil {
		d.logger.Warn("webhook status update failed", "webhook_id", sub.ID, "error", err)
		return
	}
	if deactivated {
		deliveriesTotal.WithLabelValues("deactivated").Inc()
		d.logger.Warn("webhook deactivated after repeated failures",
			"webhook_id", sub.ID, "owner", sub.Owner, "failures", failures)
		return
	}
	d.logger.Debug("webhook delivery failed", "webhook_id", sub.ID, "error", errMsg)
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func cloneSub(s *Subscription) *Subscription {
	c := *s
	c.Events = append([]EventType(nil), s.Events...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = cloneSub(sub)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return cloneSub(sub), nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) ListByOwner(ctx context.Context, owner string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Owner == owner {
			result = append(result, cloneSub(sub))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if !sub.Active {
			continue
		}
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, cloneSub(sub))
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.LastSuccess = &at
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	return nil
}

func (m *MemoryStore) RecordFailure(ctx context.Context, id, errMsg string, maxFailures int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return 0, false, ErrSubscriptionNotFound
	}
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	deactivated := false
	if maxFailures > 0 && sub.ConsecutiveFailures >= maxFailures && sub.Active {
		sub.Active = false
		deactivated = true
	}
	return sub.ConsecutiveFailures, deactivated, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}
