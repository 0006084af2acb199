package crypto

// Scheme is the tagged-sum signature-scheme identifier. It is serialized
// in a lock script next to the public key (pkg/consensus); a signature's
// own bytes carry no tag. Verification dispatches on the tag instead of
// on dynamic type information, replacing the prior
// implementation's QuantumResistantAlgorithm enum and interface-dispatch
// shape with a flat, exhaustively-matched constant set.
type Scheme uint8

const (
	SchemeUnspecified Scheme = iota
	SchemeSecp256k1
	SchemeEd25519
	SchemeDilithium
	SchemeFalcon
	SchemeSphincsPlus
	SchemeHybridSecp256k1Dilithium
	SchemeHybridEd25519Dilithium
)

func (s Scheme) String() string {
	switch s {
	case SchemeSecp256k1:
		return "secp256k1"
	case SchemeEd25519:
		return "ed25519"
	case SchemeDilithium:
		return "dilithium"
	case SchemeFalcon:
		return "falcon"
	case SchemeSphincsPlus:
		return "sphincs+"
	case SchemeHybridSecp256k1Dilithium:
		return "hybrid(secp256k1+dilithium)"
	case SchemeHybridEd25519Dilithium:
		return "hybrid(ed25519+dilithium)"
	default:
		return "unspecified"
	}
}

// IsPostQuantum reports whether the scheme resists a quantum adversary
// on its own (hybrid schemes are PQ by virtue of their PQ half).
func (s Scheme) IsPostQuantum() bool {
	switch s {
	case SchemeDilithium, SchemeFalcon, SchemeSphincsPlus,
		SchemeHybridSecp256k1Dilithium, SchemeHybridEd25519Dilithium:
		return true
	default:
		return false
	}
}

// SecurityLevel is a NIST PQC category; only {1,3,5} are valid.
type SecurityLevel uint8

const (
	Level1 SecurityLevel = 1
	Level3 SecurityLevel = 3
	Level5 SecurityLevel = 5
)

func validLevel(l SecurityLevel) bool {
	return l == Level1 || l == Level3 || l == Level5
}

// KeyPair is the uniform output of every scheme's Keygen.
type KeyPair struct {
	Scheme     Scheme
	Level      SecurityLevel
	PublicKey  []byte
	PrivateKey []byte
}

// Verifier is the uniform shape every scheme implements; Verify must be
// constant-time with respect to secret material and must reject
// malformed, non-canonical, or malleable signatures outright rather than
// degrading to "probably invalid".
type Verifier interface {
	Scheme() Scheme
	Sign(priv []byte, msg []byte) ([]byte, error)
	Verify(pub []byte, msg []byte, sig []byte) (bool, error)
}

var registry = map[Scheme]Verifier{
	SchemeSecp256k1:   secp256k1Verifier{},
	SchemeEd25519:     ed25519Verifier{},
	SchemeDilithium:   dilithiumVerifier{level: Level3},
	SchemeFalcon:      falconVerifier{},
	SchemeSphincsPlus: sphincsVerifier{level: Level3},
}

// Sign dispatches to the scheme's signer, or to the hybrid composer for
// hybrid tags.
func Sign(scheme Scheme, priv []byte, msg []byte) ([]byte, error) {
	if v, ok := hybridVerifier(scheme); ok {
		return v.Sign(priv, msg)
	}
	v, ok := registry[scheme]
	if !ok {
		return nil, newErr(ErrUnsupportedScheme, scheme, "no verifier registered")
	}
	return v.Sign(priv, msg)
}

// Verify dispatches on the scheme tag carried by the caller (the
// signature format itself does not self-describe its scheme at this
// layer — the caller supplies it explicitly; pkg/consensus takes it
// from the spent output's lock script).
func Verify(scheme Scheme, pub []byte, msg []byte, sig []byte) (bool, error) {
	if v, ok := hybridVerifier(scheme); ok {
		return v.Verify(pub, msg, sig)
	}
	v, ok := registry[scheme]
	if !ok {
		return false, newErr(ErrUnsupportedScheme, scheme, "no verifier registered")
	}
	return v.Verify(pub, msg, sig)
}

func hybridVerifier(scheme Scheme) (Verifier, bool) {
	switch scheme {
	case SchemeHybridSecp256k1Dilithium:
		return hybrid{classical: secp256k1Verifier{}, pq: dilithiumVerifier{level: Level3}, scheme: scheme}, true
	case SchemeHybridEd25519Dilithium:
		return hybrid{classical: ed25519Verifier{}, pq: dilithiumVerifier{level: Level3}, scheme: scheme}, true
	default:
		return nil, false
	}
}
