// Package crypto provides the hashing and signature-scheme primitives
// the rest of the engine builds on: double SHA-256 hashing and a
// tagged-sum family of classical, post-quantum, and hybrid signature
// schemes, each dispatched on an explicit scheme identifier rather than
// through an interface registry.
package crypto

import "crypto/sha256"

// Hash256 is double SHA-256, used for every txid, block hash, and
// header hash in the system.
func Hash256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// Hash256Concat hashes the concatenation of several byte slices without
// an intermediate allocation-heavy append chain.
func Hash256Concat(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	first := h.Sum(nil)
	second := sha256.Sum256(first)
	return second
}
