package consensus

import (
	"github.com/ledgercore/chain/pkg/block"
	"github.com/ledgercore/chain/pkg/crypto"
	"github.com/ledgercore/chain/pkg/wire"
)

// Standard policy locks/unlocks an output to a single declared
// signature scheme rather than a general-purpose script VM: the
// unlock script, concatenated with the referenced lock script, must
// validate under the script rules of the declared signature scheme.
// This package takes that literally and encodes exactly a
// (scheme, key) lock and a (signature) unlock, reusing the signature
// scheme package's dispatch for the actual cryptographic check. A
// general scripting language is out of scope.
//
// pub_key_script := scheme(1) || varbytes(public key)
// script_sig     := varbytes(signature)

func BuildLockScript(scheme crypto.Scheme, pubKey []byte) []byte {
	w := wire.NewWriter()
	w.WriteByte(byte(scheme))
	w.WriteVarBytes(pubKey)
	return w.Bytes()
}

func BuildUnlockScript(signature []byte) []byte {
	w := wire.NewWriter()
	w.WriteVarBytes(signature)
	return w.Bytes()
}

// verifyScript checks an input's script_sig against the lock script of
// the output it spends, over sigHash (the transaction digest the
// signature commits to).
func verifyScript(lockScript, unlockScript, sigHash []byte) error {
	lr := wire.NewReader(lockScript)
	schemeByte, err := lr.ReadByte()
	if err != nil {
		return failf(BadScript, "unparseable lock script: %v", err)
	}
	pubKey, err := lr.ReadVarBytes()
	if err != nil {
		return failf(BadScript, "unparseable lock script public key: %v", err)
	}

	ur := wire.NewReader(unlockScript)
	signature, err := ur.ReadVarBytes()
	if err != nil {
		return failf(BadScript, "unparseable unlock script: %v", err)
	}

	scheme := crypto.Scheme(schemeByte)
	ok, err := crypto.Verify(scheme, pubKey, sigHash, signature)
	if err != nil {
		return failf(BadSignature, "signature verification error: %v", err)
	}
	if !ok {
		return failf(BadSignature, "signature does not verify against declared scheme %s", scheme)
	}
	return nil
}

// SigHash returns the digest an input's signature commits to: the
// double-SHA-256 of the transaction's canonical serialization with
// every input's script_sig blanked out. A more elaborate sighash-flag
// scheme (sign only some inputs/outputs) is not modeled; every
// signature commits to the whole transaction.
//
// Blanking script_sig is required, not cosmetic: a signer computes
// SigHash before it has a script_sig to put in the input it is about
// to sign, and a verifier computes it again afterward, once every
// input's script_sig is already populated. Hashing the live bytes
// would make those two computations disagree the moment script_sig is
// non-empty, so every signature would fail its own verification.
// Blanking makes both computations see the same pre-signature shape.
func SigHash(tx *block.Transaction) [32]byte {
	blanked := &block.Transaction{
		Version:  tx.Version,
		Inputs:   make([]*block.TransactionInput, len(tx.Inputs)),
		Outputs:  tx.Outputs,
		LockTime: tx.LockTime,
	}
	for i, in := range tx.Inputs {
		blanked.Inputs[i] = &block.TransactionInput{
			PrevOutPoint: in.PrevOutPoint,
			Sequence:     in.Sequence,
		}
	}
	return crypto.Hash256(blanked.Bytes())
}
