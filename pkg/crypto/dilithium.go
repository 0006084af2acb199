package crypto

import (
	"github.com/cloudflare/circl/sign/dilithium"
)

// dilithiumVerifier implements the post-quantum Dilithium lattice
// signature scheme via github.com/cloudflare/circl, grounded via the
// retrieval pack's parsdao-pars/luxfi-evm/ULedgerInc-go-sdk go.mod
// manifests.
type dilithiumVerifier struct {
	level SecurityLevel
}

func (dilithiumVerifier) Scheme() Scheme { return SchemeDilithium }

func modeFor(level SecurityLevel) (dilithium.Mode, error) {
	switch level {
	case Level1:
		return dilithium.Mode2, nil
	case Level3:
		return dilithium.Mode3, nil
	case Level5:
		return dilithium.Mode5, nil
	default:
		return nil, newErr(ErrUnsupportedScheme, SchemeDilithium, "security level must be 1, 3, or 5")
	}
}

func (d dilithiumVerifier) Sign(priv []byte, msg []byte) ([]byte, error) {
	mode, err := modeFor(d.level)
	if err != nil {
		return nil, err
	}
	if len(priv) != mode.PrivateKeySize() {
		return nil, newErr(ErrInvalidKeySize, SchemeDilithium, "private key has wrong size for level")
	}
	sk, err := mode.UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, newErr(ErrInvalidKeySize, SchemeDilithium, "unparseable private key: "+err.Error())
	}
	sig := make([]byte, mode.SignatureSize())
	mode.SignTo(sk, msg, sig)
	return sig, nil
}

func (d dilithiumVerifier) Verify(pub []byte, msg []byte, sig []byte) (bool, error) {
	mode, err := modeFor(d.level)
	if err != nil {
		return false, err
	}
	if len(pub) != mode.PublicKeySize() {
		return false, newErr(ErrInvalidKeySize, SchemeDilithium, "public key has wrong size for level")
	}
	if len(sig) != mode.SignatureSize() {
		return false, newErr(ErrInvalidSignatureEncoding, SchemeDilithium, "signature has wrong size for level")
	}
	pk, err := mode.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return false, newErr(ErrInvalidKeySize, SchemeDilithium, "unparseable public key: "+err.Error())
	}
	return mode.Verify(pk, msg, sig), nil
}

// GenerateDilithiumKeyPair is exposed for callers that need to mint new
// PQ identities (e.g. test fixtures, wallets outside this module).
func GenerateDilithiumKeyPair(level SecurityLevel) (*KeyPair, error) {
	mode, err := modeFor(level)
	if err != nil {
		return nil, err
	}
	pub, priv, err := mode.GenerateKey(nil)
	if err != nil {
		return nil, newErr(ErrVerificationFailed, SchemeDilithium, "keygen failed: "+err.Error())
	}
	return &KeyPair{
		Scheme:     SchemeDilithium,
		Level:      level,
		PublicKey:  pub.Bytes(),
		PrivateKey: priv.Bytes(),
	}, nil
}
