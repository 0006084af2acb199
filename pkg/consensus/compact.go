// Package consensus implements the difficulty engine and block
// validation pipeline. Grounded on the prior implementation's pkg/consensus/consensus.go
// (Consensus.ValidateBlock, calculateExpectedDifficulty, validateMerkleRoot),
// whose shape — a config struct, a ChainReader query interface, and a
// single ValidateBlock entry point — this package keeps, while replacing
// the REDESIGN-FLAGGED pieces: a placeholder XOR "hash256", a bare
// uint64 "difficulty" instead of compact bits, and a difficulty
// adjustment that looks at only the two interval-boundary blocks
// instead of weighted/trimmed window.
package consensus

import (
	"fmt"
	"math/big"
)

const (
	minExponent   = 0x03
	maxExponent   = 0x20
	minMantissa   = 0x008000
	maxMantissa   = 0x00FFFFFF
	mantissaShift = 24 // exponent occupies the top byte of bits
)

// CompactBits packs the given 256-bit target into compact ("bits")
// form: a 1-byte exponent and a 3-byte mantissa, It
// mirrors the classic Bitcoin "nBits" encoding: the mantissa is the
// most-significant 3 bytes of the target's minimal big-endian
// representation, and the exponent is the number of bytes in that
// representation.
func CompactBits(target *big.Int) uint32 {
	if target.Sign() <= 0 {
		return 0
	}
	raw := target.Bytes()
	exponent := len(raw)
	var mantissa uint32
	switch {
	case exponent <= 3:
		padded := make([]byte, 3)
		copy(padded[3-exponent:], raw)
		mantissa = uint32(padded[0])<<16 | uint32(padded[1])<<8 | uint32(padded[2])
	default:
		mantissa = uint32(raw[0])<<16 | uint32(raw[1])<<8 | uint32(raw[2])
	}
	// If the high bit of the mantissa's top byte is set, the value
	// would be interpreted as negative in a signed mantissa; shift
	// right one byte and bump the exponent, matching Bitcoin's
	// negative-bit convention.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}
	return uint32(exponent)<<mantissaShift | mantissa
}

// TargetFromBits expands a compact "bits" value into its 256-bit
// big-endian threshold: mantissa << (8*(exponent-3))
func TargetFromBits(bits uint32) (*big.Int, error) {
	exponent := int(bits >> mantissaShift)
	mantissa := bits & 0x00FFFFFF
	if exponent < minExponent || exponent > maxExponent {
		return nil, fmt.Errorf("bits 0x%08x: exponent %d out of range [%d,%d]", bits, exponent, minExponent, maxExponent)
	}
	if mantissa < minMantissa || mantissa > maxMantissa {
		return nil, fmt.Errorf("bits 0x%08x: mantissa 0x%06x out of range [0x%06x,0x%06x]", bits, mantissa, minMantissa, maxMantissa)
	}
	target := new(big.Int).Lsh(big.NewInt(int64(mantissa)), uint(8*(exponent-3)))
	return target, nil
}

// HashMeetsTarget reports whether a block hash, interpreted as a
// big-endian 256-bit integer, is numerically <= the threshold implied
// by bits.
func HashMeetsTarget(hash [32]byte, bits uint32) (bool, error) {
	target, err := TargetFromBits(bits)
	if err != nil {
		return false, err
	}
	h := new(big.Int).SetBytes(hash[:])
	return h.Cmp(target) <= 0, nil
}

var maxWorkDividend = new(big.Int).Lsh(big.NewInt(1), 256)

// BlockWork returns the work a block with the given bits contributes
// to accumulated chainwork: 2^256 / (target+1), so that lower targets
// (higher difficulty) contribute more work.
func BlockWork(bits uint32) (*big.Int, error) {
	target, err := TargetFromBits(bits)
	if err != nil {
		return nil, err
	}
	denom := new(big.Int).Add(target, big.NewInt(1))
	return new(big.Int).Div(maxWorkDividend, denom), nil
}

// ClampTarget bounds target to [minTarget, maxTarget] where minTarget
// is the maximum-difficulty (smallest numeric) bound and maxTarget the
// minimum-difficulty (largest numeric) bound.
func ClampTarget(target, minTarget, maxTarget *big.Int) *big.Int {
	if target.Cmp(minTarget) < 0 {
		return new(big.Int).Set(minTarget)
	}
	if target.Cmp(maxTarget) > 0 {
		return new(big.Int).Set(maxTarget)
	}
	return target
}
