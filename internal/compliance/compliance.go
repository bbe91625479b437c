// Package compliance screens transactions against operator policy: a registry
// of high-risk addresses, a whitelist that overrides it, per-user thresholds,
// and a list of blocked users.
//
// The registry also feeds the network analyzer through ScreenedGraph, so a
// listed recipient raises the anomaly score as well as the verdict.
package compliance

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/txrisk/internal/risk"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrNotFound        = errors.New("compliance: not found")
	ErrInvalidAddress  = errors.New("compliance: address is required")
	ErrInvalidCategory = errors.New("compliance: unknown risk category")
	ErrInvalidUser     = errors.New("compliance: user id is required")
)

var verdictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "txrisk",
	Subsystem: "compliance",
	Name:      "verdicts_total",
	Help:      "Compliance verdicts by status (approved, flagged, blocked).",
}, []string{"status"})

func init() {
	prometheus.MustRegister(verdictsTotal)
}

// Category says why an address is on the registry.
type Category string

const (
	CategorySanctions            Category = "sanctions"
	CategoryPEP                  Category = "pep"
	CategoryHighRiskJurisdiction Category = "high_risk_jurisdiction"
	CategoryKnownScammer         Category = "known_scammer"
	CategoryMixer                Category = "mixer_service"
	CategoryDarknetMarket        Category = "darknet_market"
	CategoryRansomware           Category = "ransomware"
	CategoryOther                Category = "other"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategorySanctions, CategoryPEP, CategoryHighRiskJurisdiction, CategoryKnownScammer,
		CategoryMixer, CategoryDarknetMarket, CategoryRansomware, CategoryOther:
		return true
	}
	return false
}

// Listing is one high-risk registry entry.
type Listing struct {
	Address     string         `json:"address"`
	Category    Category       `json:"category"`
	Level       risk.RiskLevel `json:"level"`
	Description string         `json:"description,omitempty"`
	AddedAt     time.Time      `json:"addedAt"`
}

// connectionScore maps a listing level onto the graph's 0-1 risk scale.
func connectionScore(l risk.RiskLevel) float64 {
	switch l {
	case risk.LevelCritical:
		return 1
	case risk.LevelHigh:
		return 0.85
	case risk.LevelMedium:
		return 0.5
	default:
		return 0.25
	}
}

// Screening is what the registry knows about one address.
type Screening struct {
	Address       string     `json:"address"`
	Listing       *Listing   `json:"listing,omitempty"`
	Whitelisted   bool       `json:"whitelisted"`
	WhitelistedAt *time.Time `json:"whitelistedAt,omitempty"`
}

// Flagged reports whether the address should be treated as high risk. The
// whitelist wins over a listing.
func (s Screening) Flagged() bool {
	return s.Listing != nil && !s.Whitelisted
}

// Block records why a user was blocked.
type Block struct {
	UserID    string    `json:"userId"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blockedAt"`
}

// Store persists the registry, the whitelist and blocked users. Addresses
// are case-insensitive.
type Store interface {
	// AddListing adds or replaces a registry entry.
	AddListing(ctx context.Context, l *Listing) error
	RemoveListing(ctx context.Context, addr string) error
	// Whitelist marks addr as trusted. Whitelisting twice keeps the first time.
	Whitelist(ctx context.Context, addr string, at time.Time) error
	RemoveWhitelist(ctx context.Context, addr string) error
	Screen(ctx context.Context, addr string) (Screening, error)

	// Block adds or replaces a user block.
	Block(ctx context.Context, b *Block) error
	Unblock(ctx context.Context, userID string) error
	// Blocked returns the user's block, or nil when the user is not blocked.
	Blocked(ctx context.Context, userID string) (*Block, error)
}

// NormalizeAddress trims and lowercases addr.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func validateListing(l *Listing) error {
	if NormalizeAddress(l.Address) == "" {
		return ErrInvalidAddress
	}
	if !l.Category.Valid() {
		return ErrInvalidCategory
	}
	return nil
}
