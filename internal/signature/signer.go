// Package signature produces tamper-evident receipts over prompt sequences.
//
// A signature is a keyed digest (HMAC-SHA256) over the concatenation of all
// turn contents in order, including the not-yet-persisted assistant answer.
// The same prompt sequence always yields the same signature, so a receipt
// can be verified later without re-invoking any model. Verification uses
// constant-time comparison — a signature gates message authenticity for
// sharing and audit, so a timing side-channel on it is unacceptable.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/parley-ai/parley/internal/chat"
)

// separator joins turn contents before digesting. A fixed single separator
// keeps the canonical form deterministic across processes.
const separator = "\n"

// Signer computes and verifies keyed digests over prompt sequences.
// The zero value is not usable; create instances with [New].
type Signer struct {
	key []byte
}

// New creates a Signer with the given shared secret. The secret must not be
// empty — an unkeyed digest would let anyone forge receipts.
func New(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("signature: secret must not be empty")
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Signer{key: key}, nil
}

// Sign returns the hex-encoded keyed digest over the contents of turns in
// order. Identical turn sequences produce byte-identical signatures.
func (s *Signer) Sign(turns []chat.Turn) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(canonical(turns)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature for turns. The comparison
// is constant-time; malformed hex input is rejected without comparison.
func (s *Signer) Verify(turns []chat.Turn, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(canonical(turns)))
	return hmac.Equal(want, mac.Sum(nil))
}

// canonical produces the deterministic byte form of a turn sequence.
func canonical(turns []chat.Turn) string {
	parts := make([]string, len(turns))
	for i, t := range turns {
		parts[i] = t.Content
	}
	return strings.Join(parts, separator)
}
