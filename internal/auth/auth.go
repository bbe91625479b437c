// Package auth authenticates API callers against a static keyring.
//
// Keys are configured per owner (API_KEYS="acme:sk_...,beta:sk_...") and
// only their SHA-256 hashes are held in memory. With an empty keyring the
// service runs open, which is the development default.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// Keyring maps key hashes to the owner they authenticate.
type Keyring struct {
	owners map[string]string // sha256(raw) hex → owner
}

// NewKeyring builds a keyring from owner → raw key pairs.
func NewKeyring(keys map[string]string) *Keyring {
	k := &Keyring{owners: make(map[string]string, len(keys))}
	for owner, raw := range keys {
		k.owners[hashKey(raw)] = strings.ToLower(owner)
	}
	return k
}

// ParseKeyring parses "owner:key" pairs separated by commas.
func ParseKeyring(s string) (*Keyring, error) {
	keys := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		owner, raw, ok := strings.Cut(pair, ":")
		owner, raw = strings.TrimSpace(owner), strings.TrimSpace(raw)
		if !ok || owner == "" || raw == "" {
			return nil, fmt.Errorf("auth: malformed key entry %q (want owner:key)", pair)
		}
		keys[owner] = raw
	}
	return NewKeyring(keys), nil
}

// Enabled reports whether any key is configured.
func (k *Keyring) Enabled() bool {
	return k != nil && len(k.owners) > 0
}

// Owner returns the owner a raw key (optionally "Bearer "-prefixed) belongs to.
func (k *Keyring) Owner(rawKey string) (string, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return "", ErrNoAPIKey
	}
	want := hashKey(rawKey)
	for hash, owner := range k.owners {
		if subtle.ConstantTimeCompare([]byte(hash), []byte(want)) == 1 {
			return owner, nil
		}
	}
	return "", ErrInvalidAPIKey
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
