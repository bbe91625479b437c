package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/txrisk/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandler(t *testing.T) (*gin.Engine, *MemoryStore, *Dispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	d := newTestDispatcher(store)
	r := gin.New()
	NewHandler(store, d).RegisterRoutes(r.Group("/v1"))
	return r, store, d
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateWebhook(t *testing.T) {
	r, store, _ := setupHandler(t)

	w := doJSON(r, http.MethodPost, "/v1/owners/acme/webhooks", gin.H{
		"url":         "https://hooks.example.com/risk",
		"events":      []string{"risk.updated"},
		"minSeverity": "HIGH",
		"userId":      "u1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Webhook struct {
			ID          string `json:"id"`
			MinSeverity string `json:"minSeverity"`
		} `json:"webhook"`
		Secret string `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Secret, 64)
	assert.Equal(t, "high", resp.Webhook.MinSeverity)

	sub, err := store.Get(context.Background(), resp.Webhook.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", sub.Owner)
	assert.Equal(t, "u1", sub.UserID)
	assert.Equal(t, risk.LevelHigh, sub.MinSeverity)
	assert.Equal(t, resp.Secret, sub.Secret)
}

func TestCreateWebhook_Validation(t *testing.T) {
	r, _, _ := setupHandler(t)

	tests := []struct {
		name string
		body gin.H
		code string
	}{
		{"missing url", gin.H{"events": []string{"risk.updated"}}, "invalid_request"},
		{"no events", gin.H{"url": "https://x.example", "events": []string{}}, "invalid_request"},
		{"unknown event", gin.H{"url": "https://x.example", "events": []string{"payment.sent"}}, "invalid_event"},
		{"bad severity", gin.H{"url": "https://x.example", "events": []string{"risk.updated"}, "minSeverity": "extreme"}, "invalid_severity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/v1/owners/acme/webhooks", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
}

func TestCreateWebhook_RejectsInternalURL(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	r := gin.New()
	NewHandler(store, NewDispatcher(store)).RegisterRoutes(r.Group("/v1"))

	w := doJSON(r, http.MethodPost, "/v1/owners/acme/webhooks", gin.H{
		"url":    "http://localhost:9000/hook",
		"events": []string{"risk.updated"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_url")
}

func TestListAndDeleteWebhooks(t *testing.T) {
	r, store, _ := setupHandler(t)
	ctx := context.Background()
	_ = store.Create(ctx, newSub("wh_a", "https://a.example", risk.LevelMedium))
	other := newSub("wh_b", "https://b.example", risk.LevelMedium)
	other.Owner = "globex"
	_ = store.Create(ctx, other)

	w := doJSON(r, http.MethodGet, "/v1/owners/acme/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "wh_a")
	assert.NotContains(t, w.Body.String(), "wh_b")
	assert.NotContains(t, w.Body.String(), "secret123", "secrets are never listed")

	w = doJSON(r, http.MethodDelete, "/v1/owners/acme/webhooks/wh_b", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "cannot delete another owner's webhook")

	w = doJSON(r, http.MethodDelete, "/v1/owners/acme/webhooks/wh_a", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	_, err := store.Get(ctx, "wh_a")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	w = doJSON(r, http.MethodDelete, "/v1/owners/acme/webhooks/wh_a", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTestWebhook(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderEvent) == string(EventTest) {
			hits.Add(1)
		}
	}))
	defer srv.Close()

	r, store, d := setupHandler(t)
	_ = store.Create(context.Background(), newSub("wh_a", srv.URL, risk.LevelCritical))

	w := doJSON(r, http.MethodPost, "/v1/owners/acme/webhooks/wh_a/test", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	d.Wait()
	assert.EqualValues(t, 1, hits.Load(), "test events bypass subscription filters")
}
