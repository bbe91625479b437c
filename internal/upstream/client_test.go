package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/txrisk/internal/circuitbreaker"
	"github.com/mbd888/txrisk/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func TestClient_DoSendsJSONAndAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/score", r.URL.Path)
		assert.Equal(t, "fast", r.URL.Query().Get("mode"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 7, body["n"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(Config{Name: "test", BaseURL: srv.URL + "/", APIKey: "secret", Retry: fastRetry()}, nil, nil)
	out, err := c.Do(context.Background(), http.MethodPost, "/v1/score", map[string][]string{"mode": {"fast"}}, map[string]int{"n": 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
	assert.Equal(t, "test", c.Name())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(Config{Name: "test", BaseURL: srv.URL, Retry: fastRetry()}, nil, nil)
	out, err := c.Do(context.Background(), http.MethodGet, "/", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(out))
	assert.EqualValues(t, 3, calls.Load())
}

func TestClient_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad_request","message":"inputs missing"}`))
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(1, time.Minute)
	c := New(Config{Name: "test", BaseURL: srv.URL, Retry: fastRetry()}, breaker, nil)
	_, err := c.Do(context.Background(), http.MethodPost, "/", nil, map[string]string{})

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, "inputs missing", se.Message)
	assert.False(t, se.Retryable())
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State("test"))
}

func TestClient_BreakerOpensAndShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(2, time.Minute)
	c := New(Config{Name: "flaky", BaseURL: srv.URL, Retry: fastRetry()}, breaker, nil)

	_, err := c.Do(context.Background(), http.MethodGet, "/", nil, nil)
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State("flaky"))
	assert.EqualValues(t, 2, calls.Load(), "third attempt should be rejected by the open circuit")

	_, err = c.Do(context.Background(), http.MethodGet, "/", nil, nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.EqualValues(t, 2, calls.Load())
}

func TestClient_RespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(Config{Name: "slow", BaseURL: srv.URL, Retry: fastRetry()}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Do(ctx, http.MethodGet, "/", nil, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
