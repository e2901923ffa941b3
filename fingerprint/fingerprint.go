package fingerprint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

// DisplayPrefix is prepended to digests rendered for end users. Stored and
// compared digests never carry it.
const DisplayPrefix = "0x"

// Digest returns the lowercase hex SHA-256 digest of the supplied bytes.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestString hashes the UTF-8 bytes of s.
func DigestString(s string) string {
	return Digest([]byte(s))
}

// WithPrefix renders a digest for display. Passing an already prefixed digest
// is a no-op.
func WithPrefix(digest string) string {
	if strings.HasPrefix(digest, DisplayPrefix) {
		return digest
	}
	return DisplayPrefix + digest
}

// StripPrefix removes the display prefix, if present, and lowercases the rest
// so digests compare canonically.
func StripPrefix(digest string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(digest), DisplayPrefix))
}

// canonicalize produces the canonical serialization signed by Sign. JSON
// marshalling is deterministic for struct and map payloads (map keys are
// sorted), which is what makes the MAC reproducible across processes.
func canonicalize(payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: canonicalize payload: %w", err)
	}
	return b, nil
}

// Sign computes an HMAC-SHA256 over the canonical serialization of payload,
// returned as lowercase hex. Identical payload and secret always yield the
// identical signature.
func Sign(payload any, secret string) (string, error) {
	b, err := canonicalize(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature for payload and compares it against the
// provided value in constant time. Malformed input yields false, never an
// error.
func Verify(payload any, secret, signature string) bool {
	expected, err := Sign(payload, secret)
	if err != nil {
		return false
	}
	provided, err := hex.DecodeString(StripPrefix(signature))
	if err != nil {
		return false
	}
	expectedBytes, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	return hmac.Equal(expectedBytes, provided)
}

// DeriveVerificationToken derives the capability token that lets an
// unauthenticated holder sign one specific agreement. The derivation is a
// keyed BLAKE3 hash, so the token is unguessable without the ledger secret and
// bound to the agreement id; the nonce guarantees distinct tokens across
// regenerations.
func DeriveVerificationToken(agreementID, secret string, nonce []byte) string {
	key := sha256.Sum256([]byte(secret))
	h := blake3.New(32, key[:])
	h.Write([]byte(agreementID))
	h.Write([]byte{0})
	h.Write(nonce)
	return hex.EncodeToString(h.Sum(nil))
}
