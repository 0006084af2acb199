package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

// secp256k1Verifier implements the classical ECDSA scheme over the
// secp256k1 curve. Grounded on pkg/utxo/utxo.go's existing
// btcec.ParsePubKey + ecdsa.Verify usage, generalized
// behind the Verifier interface and hardened with explicit low-S
// canonicalization, which the prior implementation's inline check did not enforce.
type secp256k1Verifier struct{}

// secp256k1HalfOrder is half the order of the secp256k1 group; an S
// value above it is non-canonical (high-S) and is rejected.
var secp256k1HalfOrder = new(big.Int).Rsh(btcec.S256().N, 1)

func (secp256k1Verifier) Scheme() Scheme { return SchemeSecp256k1 }

func (secp256k1Verifier) Sign(priv []byte, msg []byte) ([]byte, error) {
	if len(priv) != 32 {
		return nil, newErr(ErrInvalidKeySize, SchemeSecp256k1, "private key must be 32 bytes")
	}
	privKey, _ := btcec.PrivKeyFromBytes(priv)
	digest := Hash256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, privKey.ToECDSA(), digest[:])
	if err != nil {
		return nil, newErr(ErrVerificationFailed, SchemeSecp256k1, err.Error())
	}
	if s.Cmp(secp256k1HalfOrder) > 0 {
		s.Sub(btcec.S256().N, s)
	}
	return concatRS(r, s), nil
}

func (secp256k1Verifier) Verify(pub []byte, msg []byte, sig []byte) (bool, error) {
	if len(pub) != 33 && len(pub) != 65 {
		return false, newErr(ErrInvalidKeySize, SchemeSecp256k1, "public key must be 33 or 65 bytes")
	}
	if len(sig) != 64 {
		return false, newErr(ErrInvalidSignatureEncoding, SchemeSecp256k1, "signature must be 64 bytes (R||S)")
	}
	pubKey, err := btcec.ParsePubKey(pub)
	if err != nil {
		return false, newErr(ErrInvalidKeySize, SchemeSecp256k1, "unparseable public key: "+err.Error())
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if r.Sign() <= 0 || s.Sign() <= 0 {
		return false, newErr(ErrInvalidSignatureEncoding, SchemeSecp256k1, "R or S not positive")
	}
	if s.Cmp(secp256k1HalfOrder) > 0 {
		// Non-canonical (high-S) signature, malleable under negation; reject.
		return false, newErr(ErrInvalidSignatureEncoding, SchemeSecp256k1, "non-canonical high-S signature")
	}
	digest := Hash256(msg)
	if !ecdsa.Verify(pubKey.ToECDSA(), digest[:], r, s) {
		return false, nil
	}
	return true, nil
}

func concatRS(r, s *big.Int) []byte {
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out
}
