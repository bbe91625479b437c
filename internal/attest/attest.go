// Package attest signs risk update events with an oracle key so downstream
// consumers can verify who produced a score.
//
// Signatures follow EIP-191 personal_sign over the message
// "TxRisk|{userId}|{score}|{unixTimestamp}".
package attest

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/txrisk/internal/risk"
)

// ErrSignatureMismatch is returned when a signature recovers to a different address.
var ErrSignatureMismatch = errors.New("attest: signature mismatch")

// Message builds the signed payload for an event.
func Message(ev *risk.RiskUpdateEvent) string {
	return fmt.Sprintf("TxRisk|%s|%d|%d",
		strings.ToLower(ev.UserID),
		ev.Score,
		ev.Timestamp.Unix(),
	)
}

// HashMessage returns the EIP-191 prefixed Keccak256 hash of message.
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// Signer produces event signatures.
type Signer struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewSigner parses a hex-encoded secp256k1 private key (0x prefix optional).
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("attest: invalid private key: %w", err)
	}
	return &Signer{
		key:     key,
		address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}, nil
}

// Address returns the lowercase hex address of the signing key.
func (s *Signer) Address() string { return s.address }

// Sign fills ev.Signer and ev.Signature.
func (s *Signer) Sign(ev *risk.RiskUpdateEvent) error {
	sig, err := crypto.Sign(HashMessage(Message(ev)), s.key)
	if err != nil {
		return fmt.Errorf("attest: sign: %w", err)
	}
	sig[64] += 27 // wallets expect v in {27, 28}
	ev.Signer = s.address
	ev.Signature = "0x" + hex.EncodeToString(sig)
	return nil
}

// RecoverAddress returns the lowercase address that produced signatureHex over message.
func RecoverAddress(message, signatureHex string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(message), sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// Verify checks that ev carries a valid signature from ev.Signer.
func Verify(ev *risk.RiskUpdateEvent) error {
	if ev.Signature == "" {
		return errors.New("attest: event is unsigned")
	}
	addr, err := RecoverAddress(Message(ev), ev.Signature)
	if err != nil {
		return fmt.Errorf("attest: %w", err)
	}
	if !strings.EqualFold(addr, ev.Signer) {
		return fmt.Errorf("%w: expected %s, got %s", ErrSignatureMismatch, ev.Signer, addr)
	}
	return nil
}

// SigningSink signs a copy of each event before handing it to next.
type SigningSink struct {
	next   risk.EventSink
	signer *Signer
}

// NewSigningSink wraps next. A nil signer passes events through unsigned.
func NewSigningSink(next risk.EventSink, signer *Signer) *SigningSink {
	return &SigningSink{next: next, signer: signer}
}

// Publish implements risk.EventSink.
func (s *SigningSink) Publish(ctx context.Context, ev *risk.RiskUpdateEvent) error {
	if ev == nil || s.next == nil {
		return nil
	}
	if s.signer == nil {
		return s.next.Publish(ctx, ev)
	}
	signed := *ev
	signed.Indicators = append([]string(nil), ev.Indicators...)
	if err := s.signer.Sign(&signed); err != nil {
		return err
	}
	return s.next.Publish(ctx, &signed)
}

var _ risk.EventSink = (*SigningSink)(nil)
