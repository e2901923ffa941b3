package fingerprint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AnchorHash derives the keccak256 identifier binding escrow terms to an
// agreement's content hash. The external ledger addresses anchors by this
// value, so the derivation must stay byte-stable: parts are joined with a NUL
// separator before hashing.
func AnchorHash(parts ...string) string {
	chunks := make([][]byte, 0, len(parts)*2)
	for i, part := range parts {
		if i > 0 {
			chunks = append(chunks, []byte{0})
		}
		chunks = append(chunks, []byte(part))
	}
	sum := ethcrypto.Keccak256Hash(chunks...)
	return hex.EncodeToString(sum[:])
}

// Equal compares two digests in constant time regardless of their lengths.
// Both sides are reduced through SHA-256 first so length differences leak
// nothing.
func Equal(a, b string) bool {
	ha := sha256.Sum256([]byte(StripPrefix(a)))
	hb := sha256.Sum256([]byte(StripPrefix(b)))
	return hmac.Equal(ha[:], hb[:])
}
