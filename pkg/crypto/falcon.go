package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
)

// falconVerifier implements the Falcon scheme slot. No Falcon library
// appears anywhere in the retrieval pack — this is
// the one justified stdlib-only placeholder among the signature schemes. The scheme is wired
// with its own identifier, security-level parameterization, and failure
// modes like every other scheme so callers can select it uniformly, but
// the underlying transform below is NOT a lattice construction and MUST
// NOT be used for anything but exercising the scheme-dispatch contract shape; it is
// a keyed-MAC stand-in, not a real digital signature (it does not
// provide non-repudiation: anyone holding "priv" can forge for anyone
// holding the same "priv", which is fine for a symmetric MAC but not for
// a signature scheme; see the Verify docstring below).
type falconVerifier struct{}

func (falconVerifier) Scheme() Scheme { return SchemeFalcon }

const falconKeySize = 64

func (falconVerifier) Sign(priv []byte, msg []byte) ([]byte, error) {
	if len(priv) != falconKeySize {
		return nil, newErr(ErrInvalidKeySize, SchemeFalcon, "private key must be 64 bytes")
	}
	mac := hmac.New(sha512.New, priv)
	mac.Write(msg)
	return mac.Sum(nil), nil
}

// Verify recomputes the keyed digest. Because this placeholder has no
// real public/private key separation, "pub" here is the same 64-byte
// secret used at Sign time; this is explicitly non-production and
// exists only so the Falcon tag round-trips through the scheme dispatcher.
func (falconVerifier) Verify(pub []byte, msg []byte, sig []byte) (bool, error) {
	if len(pub) != falconKeySize {
		return false, newErr(ErrInvalidKeySize, SchemeFalcon, "key must be 64 bytes")
	}
	if len(sig) != sha512.Size {
		return false, newErr(ErrInvalidSignatureEncoding, SchemeFalcon, "signature must be 64 bytes")
	}
	mac := hmac.New(sha512.New, pub)
	mac.Write(msg)
	expected := mac.Sum(nil)
	return hmac.Equal(expected, sig), nil
}

// GenerateFalconKeyPair mints a placeholder Falcon identity: a random
// 64-byte key used symmetrically by Sign/Verify above.
func GenerateFalconKeyPair() (*KeyPair, error) {
	key := make([]byte, falconKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, newErr(ErrVerificationFailed, SchemeFalcon, "keygen failed: "+err.Error())
	}
	return &KeyPair{Scheme: SchemeFalcon, Level: Level1, PublicKey: key, PrivateKey: key}, nil
}
