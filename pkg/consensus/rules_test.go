package consensus

import (
	"crypto/ed25519"
	"math/big"
	"testing"
	"time"

	"github.com/ledgercore/chain/pkg/block"
	"github.com/ledgercore/chain/pkg/chainparams"
	"github.com/ledgercore/chain/pkg/crypto"
	"github.com/ledgercore/chain/pkg/utxo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUTXOView struct {
	entries map[block.OutPoint]*utxo.Entry
	spent   map[block.OutPoint]uint64
}

func newFakeUTXOView() *fakeUTXOView {
	return &fakeUTXOView{entries: make(map[block.OutPoint]*utxo.Entry), spent: make(map[block.OutPoint]uint64)}
}

func (f *fakeUTXOView) Get(op block.OutPoint) (*utxo.Entry, bool, error) {
	e, ok := f.entries[op]
	return e, ok, nil
}

func (f *fakeUTXOView) IsRecentlySpent(op block.OutPoint, currentHeight uint64) bool {
	spentAt, ok := f.spent[op]
	return ok && currentHeight < spentAt+10
}

func fund(view *fakeUTXOView, op block.OutPoint, pub ed25519.PublicKey, amount, height uint64, coinbase bool) {
	view.entries[op] = &utxo.Entry{
		OutPoint:   op,
		Output:     block.TransactionOutput{Amount: amount, PubKeyScript: BuildLockScript(crypto.SchemeEd25519, pub)},
		Height:     height,
		IsCoinbase: coinbase,
	}
}

func signedSpend(t *testing.T, priv ed25519.PrivateKey, op block.OutPoint, amount, fee uint64) *block.Transaction {
	t.Helper()
	tx := &block.Transaction{
		Version: 1,
		Inputs:  []*block.TransactionInput{{PrevOutPoint: op, Sequence: block.FinalSequence}},
		Outputs: []*block.TransactionOutput{{Amount: amount - fee, PubKeyScript: []byte("recipient")}},
	}
	sigHash := SigHash(tx)
	sig, err := crypto.Sign(crypto.SchemeEd25519, priv, sigHash[:])
	require.NoError(t, err)
	tx.Inputs[0].ScriptSig = BuildUnlockScript(sig)
	return tx
}

func coinbaseTx(reward uint64) *block.Transaction {
	return &block.Transaction{
		Version: 1,
		Inputs:  []*block.TransactionInput{{PrevOutPoint: block.NullOutPoint, Sequence: block.FinalSequence}},
		Outputs: []*block.TransactionOutput{{Amount: reward, PubKeyScript: []byte("miner")}},
	}
}

func TestValidateStandaloneTxAcceptsValidSignature(t *testing.T) {
	params := chainparams.RegtestParams()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	view := newFakeUTXOView()
	op := block.OutPoint{TxID: [32]byte{1}, Vout: 0}
	fund(view, op, pub, 1000, 0, false)

	tx := signedSpend(t, priv, op, 1000, 10)
	fee, err := ValidateStandaloneTx(tx, 5, view, params)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), fee)
}

func TestValidateStandaloneTxRejectsTamperedSignature(t *testing.T) {
	params := chainparams.RegtestParams()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	view := newFakeUTXOView()
	op := block.OutPoint{TxID: [32]byte{2}, Vout: 0}
	fund(view, op, pub, 1000, 0, false)

	tx := signedSpend(t, priv, op, 1000, 10)
	tx.Outputs[0].Amount = 1500 // tamper after signing: sighash no longer matches

	_, err = ValidateStandaloneTx(tx, 5, view, params)
	require.Error(t, err)
	ve, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, BadSignature, ve.Code)
}

func TestValidateStandaloneTxRejectsMissingInput(t *testing.T) {
	params := chainparams.RegtestParams()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	view := newFakeUTXOView()
	op := block.OutPoint{TxID: [32]byte{3}, Vout: 0}
	tx := signedSpend(t, priv, op, 1000, 10)

	_, err = ValidateStandaloneTx(tx, 5, view, params)
	require.Error(t, err)
	ve, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, MissingInput, ve.Code)
}

func TestValidateStandaloneTxRejectsImmatureCoinbase(t *testing.T) {
	params := chainparams.RegtestParams()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	view := newFakeUTXOView()
	op := block.OutPoint{TxID: [32]byte{4}, Vout: 0}
	fund(view, op, pub, 1000, 0, true) // coinbase, included at height 0

	tx := signedSpend(t, priv, op, 1000, 10)
	_, err = ValidateStandaloneTx(tx, 1, view, params) // maturity is 10 on regtest
	require.Error(t, err)
	ve, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, ImmatureCoinbase, ve.Code)
}

func TestValidateStandaloneTxRejectsOutputsExceedingInputs(t *testing.T) {
	params := chainparams.RegtestParams()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	view := newFakeUTXOView()
	op := block.OutPoint{TxID: [32]byte{5}, Vout: 0}
	fund(view, op, pub, 1000, 0, false)

	tx := &block.Transaction{
		Version: 1,
		Inputs:  []*block.TransactionInput{{PrevOutPoint: op, Sequence: block.FinalSequence}},
		Outputs: []*block.TransactionOutput{{Amount: 1001, PubKeyScript: []byte("recipient")}}, // exceeds the 1000 funded
	}
	sigHash := SigHash(tx)
	sig, err := crypto.Sign(crypto.SchemeEd25519, priv, sigHash[:])
	require.NoError(t, err)
	tx.Inputs[0].ScriptSig = BuildUnlockScript(sig)

	_, err = ValidateStandaloneTx(tx, 5, view, params)
	require.Error(t, err)
	ve, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, InsufficientInput, ve.Code)
}

func TestValidatePhaseARejectsFutureTimestamp(t *testing.T) {
	params := chainparams.RegtestParams()
	b := &block.Block{
		Header: &block.BlockHeader{
			Version:   1,
			Timestamp: uint64(time.Now().Add(3 * time.Hour).Unix()),
			Bits:      CompactBits(mustTarget(params.MaxTarget)),
		},
		Transactions: []*block.Transaction{coinbaseTx(params.Subsidy(0))},
	}
	b.Header.MerkleRoot = b.CalculateMerkleRoot()

	err := ValidatePhaseA(b, time.Now(), params)
	require.Error(t, err)
	ve, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, BadTimestampFuture, ve.Code)
}

func TestValidatePhaseARejectsUnmetTarget(t *testing.T) {
	params := chainparams.RegtestParams()
	// The smallest representable target (minExponent/minMantissa): an
	// unmined header meets it with a chance of about 2^-241.
	const hardestBits = uint32(3)<<24 | 0x008000
	b := &block.Block{
		Header: &block.BlockHeader{
			Version:   1,
			Timestamp: uint64(time.Now().Unix()),
			Bits:      hardestBits,
		},
		Transactions: []*block.Transaction{coinbaseTx(params.Subsidy(0))},
	}
	b.Header.MerkleRoot = b.CalculateMerkleRoot()

	err := ValidatePhaseA(b, time.Now(), params)
	require.Error(t, err)
	ve, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, BadPoW, ve.Code)
}

func TestValidatePhaseBRejectsStaleTimestamp(t *testing.T) {
	params := chainparams.RegtestParams()
	parent := &block.BlockHeader{Version: 1, Timestamp: 2000, Bits: CompactBits(mustTarget(params.MaxTarget)), Height: 9}

	b := &block.Block{
		Header: &block.BlockHeader{
			Version:   1,
			PrevHash:  parent.Hash(),
			Timestamp: 1000, // at or before every recent header
			Bits:      parent.Bits,
			Height:    10,
		},
		Transactions: []*block.Transaction{coinbaseTx(params.Subsidy(10))},
	}
	b.Header.MerkleRoot = b.CalculateMerkleRoot()

	view := ParentView{Parent: parent, RecentHeaders: []*block.BlockHeader{parent}, ExpectedBits: parent.Bits}
	_, err := ValidatePhaseB(b, view, newFakeUTXOView(), params)
	require.Error(t, err)
	ve, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, BadTimestampPast, ve.Code)
}

func TestValidatePhaseBRejectsCoinbaseOverSubsidy(t *testing.T) {
	params := chainparams.RegtestParams()
	parent := &block.BlockHeader{Version: 1, Timestamp: 1000, Bits: CompactBits(mustTarget(params.MaxTarget)), Height: 9}

	overpay := coinbaseTx(params.Subsidy(10) + 1)
	b := &block.Block{
		Header: &block.BlockHeader{
			Version:   1,
			PrevHash:  parent.Hash(),
			Timestamp: 2000,
			Bits:      parent.Bits,
			Height:    10,
		},
		Transactions: []*block.Transaction{overpay},
	}
	b.Header.MerkleRoot = b.CalculateMerkleRoot()

	view := ParentView{Parent: parent, RecentHeaders: []*block.BlockHeader{parent}, ExpectedBits: parent.Bits}
	_, err := ValidatePhaseB(b, view, newFakeUTXOView(), params)
	require.Error(t, err)
	ve, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, InvalidCoinbase, ve.Code)
}

func mustTarget(raw [32]byte) *big.Int {
	return new(big.Int).SetBytes(raw[:])
}
