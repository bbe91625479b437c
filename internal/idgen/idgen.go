// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// ID prefixes used across the service.
const (
	PrefixAssessment = "asmt_"
	PrefixWebhook    = "wh_"
	PrefixEvent      = "evt_"
)

func random(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}

// WithPrefix generates a random ID with a prefix.
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(random(12))
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	return hex.EncodeToString(random(numBytes))
}

// TimeOrdered generates prefix + 12 hex chars of millisecond timestamp + 16
// random hex chars. IDs from the same prefix sort lexically by creation
// time, which keeps audit rows in insertion order.
func TimeOrdered(prefix string, t time.Time) string {
	var b [14]byte
	ms := uint64(t.UnixMilli())
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], ms)
	copy(b[:6], ts[2:])
	copy(b[6:], random(8))
	return prefix + hex.EncodeToString(b[:])
}
