package crypto

import (
	"github.com/kasperdi/SPHINCSPLUS-golang/parameters"
	"github.com/kasperdi/SPHINCSPLUS-golang/sphincs"
)

// sphincsVerifier implements the post-quantum SPHINCS+ hash-based
// signature scheme via github.com/kasperdi/SPHINCSPLUS-golang, grounded
// via the retrieval pack's luxfi-evm go.mod manifest.
// SPHINCS+ signatures are large and self-contained (no interactive
// state), which makes it attractive as a conservative fallback scheme
// alongside the lattice-based Dilithium.
type sphincsVerifier struct {
	level SecurityLevel
}

func (sphincsVerifier) Scheme() Scheme { return SchemeSphincsPlus }

func sphincsParams(level SecurityLevel) (*parameters.Parameters, error) {
	switch level {
	case Level1:
		return parameters.MakeSphincsPlusSHA256128fRobust(true), nil
	case Level3:
		return parameters.MakeSphincsPlusSHA256192fRobust(true), nil
	case Level5:
		return parameters.MakeSphincsPlusSHA256256fRobust(true), nil
	default:
		return nil, newErr(ErrUnsupportedScheme, SchemeSphincsPlus, "security level must be 1, 3, or 5")
	}
}

func (s sphincsVerifier) Sign(priv []byte, msg []byte) ([]byte, error) {
	params, err := sphincsParams(s.level)
	if err != nil {
		return nil, err
	}
	sk, err := sphincs.DeserializeSK(params, priv)
	if err != nil {
		return nil, newErr(ErrInvalidKeySize, SchemeSphincsPlus, "unparseable private key: "+err.Error())
	}
	sig := sphincs.Spx_sign(params, msg, sk)
	return sig.SerializeSignature(), nil
}

func (s sphincsVerifier) Verify(pub []byte, msg []byte, sig []byte) (bool, error) {
	params, err := sphincsParams(s.level)
	if err != nil {
		return false, err
	}
	pk, err := sphincs.DeserializePK(params, pub)
	if err != nil {
		return false, newErr(ErrInvalidKeySize, SchemeSphincsPlus, "unparseable public key: "+err.Error())
	}
	signature, err := sphincs.DeserializeSignature(params, sig)
	if err != nil {
		return false, newErr(ErrInvalidSignatureEncoding, SchemeSphincsPlus, "unparseable signature: "+err.Error())
	}
	return sphincs.Spx_verify(params, msg, signature, pk), nil
}

// GenerateSphincsKeyPair mints a new SPHINCS+ identity at the given
// security level.
func GenerateSphincsKeyPair(level SecurityLevel) (*KeyPair, error) {
	params, err := sphincsParams(level)
	if err != nil {
		return nil, err
	}
	sk, pk := sphincs.Spx_keygen(params)
	return &KeyPair{
		Scheme:     SchemeSphincsPlus,
		Level:      level,
		PublicKey:  pk.SerializePK(),
		PrivateKey: sk.SerializeSK(),
	}, nil
}
