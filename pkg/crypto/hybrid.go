package crypto

// hybrid AND-composes a classical and a post-quantum scheme: a hybrid
// signature is the concatenation of one classical and one PQ
// signature, and verification requires both to verify.
type hybrid struct {
	classical Verifier
	pq        dilithiumVerifier
	scheme    Scheme
}

func (h hybrid) Scheme() Scheme { return h.scheme }

// hybridKeyPair bundles the two underlying key pairs; priv/pub below
// are each the plain concatenation of (classical key, pq key), with no
// length prefix, split at the classical scheme's fixed key length, so a
// hybrid signature can be produced and checked from a single opaque
// blob.
type hybridKeyPair struct {
	classicalPriv, classicalPub []byte
	pqPriv, pqPub               []byte
}

func splitHybridKey(key []byte, classicalLen int) (classical, pq []byte, ok bool) {
	if len(key) < classicalLen {
		return nil, nil, false
	}
	return key[:classicalLen], key[classicalLen:], true
}

func (h hybrid) classicalKeyLen() int {
	if h.classical.Scheme() == SchemeSecp256k1 {
		return 32 // private key length; callers must use 33/65 for pub split via Sign/Verify below
	}
	return 64 // ed25519 private key length
}

func (h hybrid) Sign(priv []byte, msg []byte) ([]byte, error) {
	classicalPriv, pqPriv, ok := splitHybridKey(priv, h.classicalKeyLen())
	if !ok {
		return nil, newErr(ErrInvalidKeySize, h.scheme, "hybrid private key too short to split")
	}
	classicalSig, err := h.classical.Sign(classicalPriv, msg)
	if err != nil {
		return nil, err
	}
	pqSig, err := h.pq.Sign(pqPriv, msg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(classicalSig)+len(pqSig)+4)
	out = append(out, byte(len(classicalSig)>>24), byte(len(classicalSig)>>16), byte(len(classicalSig)>>8), byte(len(classicalSig)))
	out = append(out, classicalSig...)
	out = append(out, pqSig...)
	return out, nil
}

// Verify requires both halves to independently verify (AND-composition).
// A signature that only satisfies one half is rejected outright: a
// quantum-capable forger of the classical half alone, or a classical
// attacker who somehow forges the PQ half alone, must not be able to
// pass hybrid verification.
func (h hybrid) Verify(pub []byte, msg []byte, sig []byte) (bool, error) {
	classicalKeyLen, pqKeyLen, ok := splitHybridPub(pub, h.classical.Scheme())
	if !ok {
		return false, newErr(ErrInvalidKeySize, h.scheme, "hybrid public key too short to split")
	}
	if len(sig) < 4 {
		return false, newErr(ErrInvalidSignatureEncoding, h.scheme, "hybrid signature missing length prefix")
	}
	classicalSigLen := int(sig[0])<<24 | int(sig[1])<<16 | int(sig[2])<<8 | int(sig[3])
	sig = sig[4:]
	if classicalSigLen < 0 || classicalSigLen > len(sig) {
		return false, newErr(ErrInvalidSignatureEncoding, h.scheme, "hybrid signature length prefix out of range")
	}
	classicalSig := sig[:classicalSigLen]
	pqSig := sig[classicalSigLen:]

	classicalOK, err := h.classical.Verify(classicalKeyLen, msg, classicalSig)
	if err != nil {
		return false, err
	}
	pqOK, err := h.pq.Verify(pqKeyLen, msg, pqSig)
	if err != nil {
		return false, err
	}
	return classicalOK && pqOK, nil
}

func splitHybridPub(pub []byte, classical Scheme) (classicalPub, pqPub []byte, ok bool) {
	var classicalLen int
	switch classical {
	case SchemeSecp256k1:
		classicalLen = 33
	case SchemeEd25519:
		classicalLen = 32
	}
	if len(pub) < classicalLen {
		return nil, nil, false
	}
	return pub[:classicalLen], pub[classicalLen:], true
}
