// Package validation checks request fields before they reach the engine or
// the history store.
package validation

import (
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxIdentifierLength bounds user IDs and account addresses.
const MaxIdentifierLength = 128

// identRegex accepts EVM hex addresses, base58 account keys, and opaque
// user IDs alike.
var identRegex = regexp.MustCompile(`^[A-Za-z0-9_.:@\-]+$`)

// IsValidIdentifier reports whether s can be used as a user ID or address.
func IsValidIdentifier(s string) bool {
	return len(s) > 0 && len(s) <= MaxIdentifierLength && identRegex.MatchString(s)
}

// NormalizeUserID trims and lowercases a user ID so the same user hashes to
// one history regardless of caller casing.
func NormalizeUserID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// Identifier checks an optional user ID or address field.
func Identifier(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidIdentifier(value) {
			return &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("must be 1-%d characters of letters, digits, or _.:@-", MaxIdentifierLength),
			}
		}
		return nil
	}
}

// NonNegative checks a finite amount that is zero or more.
func NonNegative(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
			return &ValidationError{Field: field, Message: "must be a finite non-negative number"}
		}
		return nil
	}
}

// Range checks that value lies in [lo, hi].
func Range(field string, value, lo, hi float64) func() *ValidationError {
	return func() *ValidationError {
		if math.IsNaN(value) || value < lo || value > hi {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %g and %g", lo, hi)}
		}
		return nil
	}
}

// IntRange checks that value lies in [lo, hi].
func IntRange(field string, value, lo, hi int) func() *ValidationError {
	return func() *ValidationError {
		if value < lo || value > hi {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %d and %d", lo, hi)}
		}
		return nil
	}
}

// UserParamMiddleware rejects malformed :id parameters early and stores the
// normalized ID under "userID".
func UserParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := NormalizeUserID(c.Param("id"))
		if !IsValidIdentifier(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user_id",
				"message": "user id must be 1-128 characters of letters, digits, or _.:@-",
			})
			return
		}
		c.Set("userID", id)
		c.Next()
	}
}
