package crypto

import (
	"crypto/ed25519"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecp256k1SignAndVerifyRoundTrip(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeCompressed()

	msg := []byte("ledgercore test message")
	sig, err := Sign(SchemeSecp256k1, priv.Serialize(), msg)
	require.NoError(t, err)

	ok, err := Verify(SchemeSecp256k1, pub, msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(SchemeSecp256k1, pub, []byte("tampered"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSecp256k1RejectsHighSSignature(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeCompressed()
	msg := []byte("canonical-s test")

	sig, err := Sign(SchemeSecp256k1, priv.Serialize(), msg)
	require.NoError(t, err)

	// Flip S to its non-canonical (high-S) complement: N - S.
	tampered := make([]byte, len(sig))
	copy(tampered, sig)
	s := new(big.Int).SetBytes(tampered[32:])
	s.Sub(btcec.S256().N, s)
	s.FillBytes(tampered[32:])

	ok, err := Verify(SchemeSecp256k1, pub, msg, tampered)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestEd25519SignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	msg := []byte("ledgercore ed25519 message")
	sig, err := Sign(SchemeEd25519, priv, msg)
	require.NoError(t, err)

	ok, err := Verify(SchemeEd25519, pub, msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHybridRequiresBothHalvesToVerify(t *testing.T) {
	classicalPub, classicalPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pqKP, err := GenerateDilithiumKeyPair(Level3)
	require.NoError(t, err)

	priv := append(append([]byte{}, classicalPriv...), pqKP.PrivateKey...)
	pub := append(append([]byte{}, classicalPub...), pqKP.PublicKey...)
	msg := []byte("hybrid scheme message")

	sig, err := Sign(SchemeHybridEd25519Dilithium, priv, msg)
	require.NoError(t, err)

	ok, err := Verify(SchemeHybridEd25519Dilithium, pub, msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	// Corrupting only the classical half must fail verification even
	// though the PQ half alone still verifies.
	corrupted := make([]byte, len(pub))
	copy(corrupted, pub)
	corrupted[0] ^= 0xff
	ok, err = Verify(SchemeHybridEd25519Dilithium, corrupted, msg, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSchemeIsPostQuantum(t *testing.T) {
	assert.False(t, SchemeSecp256k1.IsPostQuantum())
	assert.False(t, SchemeEd25519.IsPostQuantum())
	assert.True(t, SchemeDilithium.IsPostQuantum())
	assert.True(t, SchemeHybridSecp256k1Dilithium.IsPostQuantum())
}

func TestUnsupportedSchemeReturnsTypedError(t *testing.T) {
	_, err := Sign(Scheme(200), []byte{}, []byte("x"))
	require.Error(t, err)
	ce, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrUnsupportedScheme, ce.Code)
}
