package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL, APIKey: "sk_test_key"}, quietLogger())
	h := NewHandlers(client)
	h.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

const storedAssessment = `{
	"id": "asmt_0190a1b2c3d4e5f6a7b8c9d0",
	"userId": "alice",
	"transaction": {"sender": "0xabc", "recipient": "0xdef", "amountUsd": 5000},
	"assessment": {
		"anomalyScore": 62,
		"riskLevel": "high",
		"indicators": ["Unusually large amount", "New recipient"],
		"recommendations": ["Require additional authentication", "Delay transaction for review"],
		"confidence": 0.7
	},
	"degraded": false,
	"evaluatedAt": "2026-01-02T03:04:05Z",
	"compliance": {
		"status": "flagged",
		"flags": [{"type": "kyc_upgrade_required", "severity": "medium", "description": "Enhanced KYC required for transactions over $10000.00"}]
	}
}`

// ============================================================
// Client tests
// ============================================================

func TestClient_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"strategies":{"behavior":"rule_based"}}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "sk_secret123"}, quietLogger())
	_, err := client.Strategies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "invalid_user_id",
			"message": "Invalid user ID",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL}, quietLogger())
	_, err := client.GetHistory(context.Background(), "bad id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "Invalid user ID")
}

func TestClient_EscapesUserID(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{"userId":"a/b","history":{}}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL}, quietLogger())
	_, err := client.GetHistory(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "/v1/users/a%2Fb/history", gotPath)
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1"}, quietLogger())
	_, err := client.Strategies(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleAssessTransaction(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/assessments", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"assessment":` + storedAssessment + `}`))
	}))
	defer cleanup()

	result, err := h.HandleAssessTransaction(context.Background(), makeRequest(map[string]any{
		"sender":      "0xabc",
		"recipient":   "0xdef",
		"amount_usd":  5000.0,
		"user_id":     "alice",
		"kyc_level":   2.0,
		"cross_chain": true,
		"record":      true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Score: 62/100 (high)")
	assert.Contains(t, text, "Unusually large amount; New recipient")
	assert.Contains(t, text, "- Require additional authentication")
	assert.Contains(t, text, "Compliance: flagged")
	assert.Contains(t, text, "[medium] Enhanced KYC required")

	require.NotNil(t, body)
	assert.Equal(t, true, body["record"])
	tx := body["transaction"].(map[string]any)
	assert.Equal(t, "alice", tx["userId"])
	assert.Equal(t, 5000.0, tx["amountUsd"])
	assert.Equal(t, 2.0, tx["kycLevel"])
	assert.Equal(t, true, tx["crossChain"])
}

func TestHandleAssessTransaction_MissingArgs(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer cleanup()

	result, err := h.HandleAssessTransaction(context.Background(), makeRequest(map[string]any{"sender": "0xabc"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = h.HandleAssessTransaction(context.Background(), makeRequest(map[string]any{
		"sender": "0xabc", "recipient": "0xdef",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "amount_usd")
}

func TestHandleAssessTransaction_Degraded(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"assessment":{"id":"asmt_1","userId":"bob","degraded":true,
			"assessment":{"anomalyScore":0,"riskLevel":"low","indicators":["analysis failed"],
			"recommendations":["Manual review required"],"confidence":0}}}`))
	}))
	defer cleanup()

	result, err := h.HandleAssessTransaction(context.Background(), makeRequest(map[string]any{
		"sender": "0xabc", "recipient": "0xdef", "amount_usd": 10.0,
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "WARNING: scoring degraded")
	assert.Contains(t, text, "Manual review required")
}

func TestHandleAssessTransaction_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded","message":"Too many requests. Please slow down."}`))
	}))
	defer cleanup()

	result, err := h.HandleAssessTransaction(context.Background(), makeRequest(map[string]any{
		"sender": "0xabc", "recipient": "0xdef", "amount_usd": 10.0,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Too many requests")
}

func TestHandleListAssessments(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users/alice/assessments", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"assessments":[` + storedAssessment + `],"count":1}`))
	}))
	defer cleanup()

	result, err := h.HandleListAssessments(context.Background(), makeRequest(map[string]any{
		"user_id": "alice", "limit": 3.0,
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "1 assessment(s) for alice")
	assert.Contains(t, text, "asmt_0190a1b2c3d4e5f6a7b8c9d0")
	assert.Contains(t, text, "score 62 (high)")
	assert.Contains(t, text, "$5000.00")
}

func TestHandleListAssessments_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"assessments":[],"count":0}`))
	}))
	defer cleanup()

	result, err := h.HandleListAssessments(context.Background(), makeRequest(map[string]any{"user_id": "nobody"}))
	require.NoError(t, err)
	assert.Equal(t, "No assessments recorded for nobody.", resultText(t, result))

	result, err = h.HandleListAssessments(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleGetUserHistory(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"userId":"alice","history":{
			"transactions":[
				{"recipient":"0x1","amountUsd":10,"timestamp":1700000000000},
				{"recipient":"0x2","amountUsd":20.5,"timestamp":1700000060000}
			],
			"amounts":[10,20.5],
			"recipients":["0x1","0x2"],
			"accountAge":12,
			"totalVolume":30.5
		}}`))
	}))
	defer cleanup()

	result, err := h.HandleGetUserHistory(context.Background(), makeRequest(map[string]any{"user_id": "alice"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Transactions: 2  Distinct recipients: 2")
	assert.Contains(t, text, "Account age: 12 day(s)  Total volume: $30.50")
	assert.Contains(t, text, "2023-11-14T22:14:20Z  $20.50 → 0x2")
}

func TestHandleGetUserHistory_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"userId":"ghost","history":{"transactions":null}}`))
	}))
	defer cleanup()

	result, err := h.HandleGetUserHistory(context.Background(), makeRequest(map[string]any{"user_id": "ghost"}))
	require.NoError(t, err)
	assert.Equal(t, "No transactions recorded for ghost.", resultText(t, result))
}

func TestHandleRecordTransaction(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users/alice/transactions", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"recorded":true,"userId":"alice"}`))
	}))
	defer cleanup()

	result, err := h.HandleRecordTransaction(context.Background(), makeRequest(map[string]any{
		"user_id": "alice", "recipient": "0xdef", "amount_usd": 99.5,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "Recorded $99.50 to 0xdef for alice.", resultText(t, result))

	assert.Equal(t, "0xdef", body["recipient"])
	assert.Equal(t, 99.5, body["amountUsd"])
	assert.Equal(t, float64(1_700_000_000_000), body["timestamp"])
}

func TestHandleRecordTransaction_NegativeAmount(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer cleanup()

	result, err := h.HandleRecordTransaction(context.Background(), makeRequest(map[string]any{
		"user_id": "alice", "recipient": "0xdef", "amount_usd": -1.0,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleEngineInfo(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"strategies":{"indicators":"rule_based","behavior":"external"}}`))
	}))
	defer cleanup()

	result, err := h.HandleEngineInfo(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "Analyzer strategies:\n- behavior: external\n- indicators: rule_based\n", resultText(t, result))
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"}, "test", quietLogger())
	require.NotNil(t, s)
}
