package validation

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", true},
		{"user-42", true},
		{"acme:user@eu_1.prod", true},
		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{"slash/path", false},
		{strings.Repeat("a", MaxIdentifierLength), true},
		{strings.Repeat("a", MaxIdentifierLength+1), false},
	}

	for _, tc := range tests {
		if got := IsValidIdentifier(tc.id); got != tc.valid {
			t.Errorf("IsValidIdentifier(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestNormalizeUserID(t *testing.T) {
	if got := NormalizeUserID("  User-ABC "); got != "user-abc" {
		t.Errorf("NormalizeUserID = %q", got)
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("sender", ""),
		Identifier("recipient", "bad addr"),
		Identifier("userId", ""),
		NonNegative("amountUsd", -1),
		NonNegative("gasPrice", math.NaN()),
		Range("recipientRiskScore", 101, 0, 100),
		Range("networkCongestion", 0.5, 0, 1),
		IntRange("kycLevel", 4, 0, 3),
	)

	want := []string{"sender", "recipient", "amountUsd", "gasPrice", "recipientRiskScore", "kycLevel"}
	if len(errs) != len(want) {
		t.Fatalf("got %d errors (%v), want %d", len(errs), errs, len(want))
	}
	for i, f := range want {
		if errs[i].Field != f {
			t.Errorf("error %d field = %s, want %s", i, errs[i].Field, f)
		}
	}
	if errs.Error() != "sender: is required" {
		t.Errorf("Error() = %q", errs.Error())
	}
	if (ValidationErrors{}).Error() != "validation failed" {
		t.Error("empty errors should have a generic message")
	}
}

func TestUserParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/users/:id", UserParamMiddleware(), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("userID"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/Alice-1", nil))
	if w.Code != http.StatusOK || w.Body.String() != "alice-1" {
		t.Errorf("valid id: %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/a%3Bb", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid id status = %d, want 400", w.Code)
	}
}
