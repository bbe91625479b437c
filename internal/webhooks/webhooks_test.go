package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/txrisk/internal/circuitbreaker"
	"github.com/mbd888/txrisk/internal/retry"
	"github.com/mbd888/txrisk/internal/risk"
)

// noopValidator allows any URL (including loopback) for test servers.
func noopValidator(_ string) error { return nil }

// newTestDispatcher creates a dispatcher that skips SSRF checks for localhost
// test servers and retries without real backoff.
func newTestDispatcher(store Store, opts ...Option) *Dispatcher {
	opts = append([]Option{WithRetryPolicy(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})}, opts...)
	d := NewDispatcher(store, opts...)
	d.urlValidator = noopValidator
	return d
}

func newSub(id, url string, sev risk.RiskLevel) *Subscription {
	return &Subscription{
		ID:          id,
		Owner:       "acme",
		URL:         url,
		Secret:      "secret123",
		Events:      []EventType{EventRiskUpdated},
		MinSeverity: sev,
		Active:      true,
		CreatedAt:   time.Now(),
	}
}

func riskEvent(user string, score int, severity string) *Event {
	return &Event{
		ID:        "evt_1",
		Type:      EventRiskUpdated,
		Timestamp: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
		Data: &risk.RiskUpdateEvent{
			UserID:     user,
			Score:      score,
			Indicators: []string{"Potential structuring detected"},
			Severity:   severity,
		},
	}
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := newSub("wh_1", "https://example.com/hook", risk.LevelMedium)
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := store.Get(ctx, "wh_1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	failures, deactivated, err := store.RecordFailure(ctx, "wh_1", "status 500", 1)
	if err != nil || failures != 1 || !deactivated {
		t.Fatalf("RecordFailure = %d, %v, %v", failures, deactivated, err)
	}

	byEvent, _ := store.ListByEvent(ctx, EventRiskUpdated)
	if len(byEvent) != 0 {
		t.Errorf("inactive subscriptions should not be listed by event, got %d", len(byEvent))
	}
	byOwner, _ := store.ListByOwner(ctx, "acme")
	if len(byOwner) != 1 || byOwner[0].Active {
		t.Errorf("ListByOwner = %+v", byOwner)
	}

	if err := store.Delete(ctx, "wh_1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "wh_1"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("expected ErrSubscriptionNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "wh_1"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("second delete: %v", err)
	}
	if err := store.RecordSuccess(ctx, "wh_1", time.Now()); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("record success on missing: %v", err)
	}
	if _, _, err := store.RecordFailure(ctx, "wh_1", "x", 0); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("record failure on missing: %v", err)
	}
}

func TestMemoryStore_RecordFailureConcurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newSub("wh_1", "https://example.com", risk.LevelLow))

	var (
		wg          sync.WaitGroup
		deactivated atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, off, err := store.RecordFailure(ctx, "wh_1", "status 500", 10); err == nil && off {
				deactivated.Add(1)
			}
		}()
	}
	wg.Wait()

	got, _ := store.Get(ctx, "wh_1")
	if got.ConsecutiveFailures != 20 || got.Active {
		t.Errorf("after 20 failures: %+v", got)
	}
	if deactivated.Load() != 1 {
		t.Errorf("deactivated reported %d times, want once", deactivated.Load())
	}

	if err := store.RecordSuccess(ctx, "wh_1", time.Now()); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get(ctx, "wh_1")
	if got.ConsecutiveFailures != 0 || got.LastError != "" || got.LastSuccess == nil {
		t.Errorf("success did not reset the streak: %+v", got)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newSub("wh_1", "https://example.com", risk.LevelLow))

	got, _ := store.Get(ctx, "wh_1")
	got.Events[0] = EventTest
	got.URL = "https://evil.example"

	again, _ := store.Get(ctx, "wh_1")
	if again.URL != "https://example.com" || again.Events[0] != EventRiskUpdated {
		t.Fatal("store leaked internal state")
	}
}

// ---------------------------------------------------------------------------
// Filtering
// ---------------------------------------------------------------------------

func TestSubscription_Wants(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Subscription)
		ev     *Event
		want   bool
	}{
		{"matching severity", nil, riskEvent("u1", 60, "high"), true},
		{"at threshold", nil, riskEvent("u1", 30, "medium"), true},
		{"below threshold", nil, riskEvent("u1", 10, "low"), false},
		{"inactive", func(s *Subscription) { s.Active = false }, riskEvent("u1", 90, "critical"), false},
		{"not subscribed", func(s *Subscription) { s.Events = []EventType{EventTest} }, riskEvent("u1", 90, "critical"), false},
		{"user filter hit", func(s *Subscription) { s.UserID = "u1" }, riskEvent("u1", 90, "critical"), true},
		{"user filter miss", func(s *Subscription) { s.UserID = "u2" }, riskEvent("u1", 90, "critical"), false},
		{"unknown severity", nil, riskEvent("u1", 90, "apocalyptic"), false},
		{"test event", func(s *Subscription) { s.Events = []EventType{EventTest} }, &Event{Type: EventTest}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSub("wh", "https://example.com", risk.LevelMedium)
			if tt.mutate != nil {
				tt.mutate(s)
			}
			if got := s.Wants(tt.ev); got != tt.want {
				t.Errorf("Wants = %v, want %v", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

func TestDispatch_SignsAndDelivers(t *testing.T) {
	var (
		mu       sync.Mutex
		body     []byte
		headers  http.Header
		received atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, headers = b, r.Header.Clone()
		mu.Unlock()
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newSub("wh_hit", srv.URL, risk.LevelMedium))
	_ = store.Create(ctx, newSub("wh_strict", srv.URL, risk.LevelCritical))

	d := newTestDispatcher(store)
	if err := d.Dispatch(ctx, riskEvent("u1", 60, "high")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	d.Wait()

	if n := received.Load(); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if headers.Get(HeaderEvent) != string(EventRiskUpdated) {
		t.Errorf("event header = %q", headers.Get(HeaderEvent))
	}
	if headers.Get(HeaderDelivery) != "evt_1" {
		t.Errorf("delivery header = %q", headers.Get(HeaderDelivery))
	}
	if !Verify(body, "secret123", headers.Get(HeaderSignature)) {
		t.Error("signature does not verify")
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if ev.Data == nil || ev.Data.Score != 60 || ev.Data.UserID != "u1" {
		t.Errorf("unexpected payload: %+v", ev.Data)
	}

	got, _ := store.Get(ctx, "wh_hit")
	if got.LastSuccess == nil || got.ConsecutiveFailures != 0 {
		t.Errorf("status not recorded: %+v", got)
	}
}

func TestDispatch_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	_ = store.Create(context.Background(), newSub("wh_1", srv.URL, risk.LevelLow))

	d := newTestDispatcher(store)
	_ = d.Dispatch(context.Background(), riskEvent("u1", 30, "medium"))
	d.Wait()

	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
	got, _ := store.Get(context.Background(), "wh_1")
	if got.LastError != "" || got.LastSuccess == nil {
		t.Errorf("expected success after retry, got %+v", got)
	}
}

func TestDispatch_DeactivatesAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newSub("wh_1", srv.URL, risk.LevelLow))

	d := newTestDispatcher(store, WithMaxFailures(3), WithRetryPolicy(retry.Policy{MaxAttempts: 1}))
	for i := 0; i < 3; i++ {
		_ = d.Dispatch(ctx, riskEvent("u1", 30, "medium"))
		d.Wait()
	}

	got, _ := store.Get(ctx, "wh_1")
	if got.Active {
		t.Fatal("subscription should be deactivated")
	}
	if got.ConsecutiveFailures != 3 || got.LastError == "" {
		t.Errorf("failure state = %+v", got)
	}

	subs, _ := store.ListByEvent(ctx, EventRiskUpdated)
	if len(subs) != 0 {
		t.Error("deactivated subscription still listed")
	}
}

func TestDispatch_ConcurrentFailuresAllCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	sub := newSub("wh_1", srv.URL, risk.LevelLow)
	_ = store.Create(ctx, sub)

	// A breaker that never opens keeps every delivery reaching the endpoint.
	d := newTestDispatcher(store,
		WithMaxFailures(10),
		WithRetryPolicy(retry.Policy{MaxAttempts: 1}),
		WithBreaker(circuitbreaker.New(1000, time.Minute)))
	for i := 0; i < 10; i++ {
		d.DispatchTo(ctx, sub, riskEvent("u1", 30, "medium"))
	}
	d.Wait()

	got, _ := store.Get(ctx, "wh_1")
	if got.ConsecutiveFailures != 10 {
		t.Errorf("failures = %d, want 10", got.ConsecutiveFailures)
	}
	if got.Active {
		t.Error("subscription should be deactivated at the tenth failure")
	}
}

func TestDispatch_RejectsBlockedEndpoint(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newSub("wh_1", "http://127.0.0.1:1/hook", risk.LevelLow))

	d := NewDispatcher(store, WithRetryPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}))
	_ = d.Dispatch(ctx, riskEvent("u1", 30, "medium"))
	d.Wait()

	got, _ := store.Get(ctx, "wh_1")
	if got.ConsecutiveFailures != 1 || got.LastError == "" {
		t.Errorf("blocked endpoint should fail once without retries: %+v", got)
	}
}

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	sig := Sign(payload, "k")
	if !Verify(payload, "k", sig) {
		t.Fatal("valid signature rejected")
	}
	if Verify(payload, "other", sig) || Verify([]byte(`{}`), "k", sig) || Verify(payload, "k", "zz") {
		t.Fatal("invalid signature accepted")
	}
}

// ---------------------------------------------------------------------------
// Sink
// ---------------------------------------------------------------------------

func TestSink_PublishDispatches(t *testing.T) {
	got := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		got <- ev
	}))
	defer srv.Close()

	store := NewMemoryStore()
	_ = store.Create(context.Background(), newSub("wh_1", srv.URL, risk.LevelHigh))

	d := newTestDispatcher(store)
	sink := NewSink(d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	err := sink.Publish(ctx, &risk.RiskUpdateEvent{UserID: "u9", Score: 80, Severity: "critical"})
	cancel() // delivery must survive the caller's context
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d.Wait()

	select {
	case ev := <-got:
		if ev.Type != EventRiskUpdated || ev.Data.UserID != "u9" {
			t.Errorf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("no delivery")
	}
}

func TestSink_NilSafe(t *testing.T) {
	var s *Sink
	if err := s.Publish(context.Background(), &risk.RiskUpdateEvent{}); err != nil {
		t.Fatal(err)
	}
	if err := NewSink(nil, nil).Publish(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
}
