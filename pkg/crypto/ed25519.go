package crypto

import (
	"crypto/ed25519"
)

// ed25519Verifier uses the standard library's ed25519 implementation
// directly: ed25519 is a fixed, unparameterized primitive, and the
// stdlib implementation is the ecosystem-canonical one (it is also
// what libp2p itself uses for peer identity keys).
type ed25519Verifier struct{}

func (ed25519Verifier) Scheme() Scheme { return SchemeEd25519 }

func (ed25519Verifier) Sign(priv []byte, msg []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, newErr(ErrInvalidKeySize, SchemeEd25519, "private key must be 64 bytes")
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), msg), nil
}

func (ed25519Verifier) Verify(pub []byte, msg []byte, sig []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, newErr(ErrInvalidKeySize, SchemeEd25519, "public key must be 32 bytes")
	}
	if len(sig) != ed25519.SignatureSize {
		return false, newErr(ErrInvalidSignatureEncoding, SchemeEd25519, "signature must be 64 bytes")
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil
}
