package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/users/:id/history", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/users/:id/history", "2xx"))
	beforeMiss := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx"))

	for _, path := range []string{"/v1/users/u1/history", "/v1/users/u2/history", "/nope"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/users/:id/history", "2xx")) - before; got != 2 {
		t.Errorf("route counter delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")) - beforeMiss; got != 1 {
		t.Errorf("unmatched counter delta = %v, want 1", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	ScoringRequestsTotal.WithLabelValues("http", "low").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, name := range []string{
		"txrisk_active_websocket_clients",
		"txrisk_transactions_recorded_total",
		"txrisk_scoring_requests_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestSampleDBStats(t *testing.T) {
	// sql.Open does not connect, so Stats is available without a server.
	db, err := sql.Open("postgres", "postgres://localhost/none")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	sampleDBStats(db)
	if testutil.ToFloat64(GoroutineCount) <= 0 {
		t.Error("goroutine gauge not sampled")
	}
}
