package block

import (
	"testing"

	"github.com/ledgercore/chain/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func coinbaseTx(amount uint64) *Transaction {
	return &Transaction{
		Version: 1,
		Inputs: []*TransactionInput{
			{PrevOutPoint: NullOutPoint, ScriptSig: []byte("height 0"), Sequence: FinalSequence},
		},
		Outputs: []*TransactionOutput{
			{Amount: amount, PubKeyScript: []byte("miner")},
		},
	}
}

func spendTx(prev OutPoint, amount uint64) *Transaction {
	return &Transaction{
		Version: 1,
		Inputs: []*TransactionInput{
			{PrevOutPoint: prev, ScriptSig: []byte("sig"), Sequence: FinalSequence},
		},
		Outputs: []*TransactionOutput{
			{Amount: amount, PubKeyScript: []byte("recipient")},
		},
	}
}

func TestOutPointNullAndOrdering(t *testing.T) {
	assert.True(t, NullOutPoint.IsNull())

	a := OutPoint{TxID: [32]byte{1}, Vout: 0}
	b := OutPoint{TxID: [32]byte{1}, Vout: 1}
	c := OutPoint{TxID: [32]byte{2}, Vout: 0}
	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.True(t, a.Equal(OutPoint{TxID: [32]byte{1}, Vout: 0}))
}

func TestTransactionIsCoinbase(t *testing.T) {
	cb := coinbaseTx(50)
	assert.True(t, cb.IsCoinbase())

	spend := spendTx(OutPoint{TxID: cb.TxID(), Vout: 0}, 10)
	assert.False(t, spend.IsCoinbase())
}

func TestTransactionEncodeDecodeRoundTrip(t *testing.T) {
	tx := spendTx(OutPoint{TxID: [32]byte{9, 9}, Vout: 3}, 12345)
	tx.Inputs[0].Sequence = 5 // RBF opt-in

	w := wire.NewWriter()
	tx.Encode(w)

	decoded, err := DecodeTransaction(wire.NewReader(w.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, tx.TxID(), decoded.TxID())
	assert.Equal(t, tx.Inputs[0].PrevOutPoint, decoded.Inputs[0].PrevOutPoint)
	assert.Equal(t, tx.Outputs[0].Amount, decoded.Outputs[0].Amount)
	assert.True(t, decoded.Inputs[0].OptedIntoRBF())
}

func TestTransactionBasicSanityCheck(t *testing.T) {
	t.Run("rejects zero version", func(t *testing.T) {
		tx := coinbaseTx(1)
		tx.Version = 0
		assert.Error(t, tx.BasicSanityCheck())
	})

	t.Run("rejects zero-amount output", func(t *testing.T) {
		tx := coinbaseTx(0)
		assert.Error(t, tx.BasicSanityCheck())
	})

	t.Run("rejects null outpoint outside coinbase", func(t *testing.T) {
		tx := spendTx(OutPoint{TxID: [32]byte{7}, Vout: 0}, 10)
		tx.Inputs = append(tx.Inputs, &TransactionInput{PrevOutPoint: NullOutPoint, Sequence: FinalSequence})
		assert.Error(t, tx.BasicSanityCheck())
	})

	t.Run("accepts well-formed coinbase", func(t *testing.T) {
		assert.NoError(t, coinbaseTx(50).BasicSanityCheck())
	})
}

func buildBlock(t *testing.T, txs []*Transaction) *Block {
	t.Helper()
	b := &Block{
		Header:       &BlockHeader{Version: 1, Height: 1, Bits: 0x1d00ffff, Timestamp: 1000},
		Transactions: txs,
	}
	root := b.CalculateMerkleRoot()
	b.Header.MerkleRoot = root
	return b
}

func TestBlockBasicSanityCheck(t *testing.T) {
	cb := coinbaseTx(50)
	spend := spendTx(OutPoint{TxID: cb.TxID(), Vout: 0}, 10)

	t.Run("accepts a coinbase-only block", func(t *testing.T) {
		b := buildBlock(t, []*Transaction{cb})
		assert.NoError(t, b.BasicSanityCheck())
	})

	t.Run("accepts coinbase plus spend", func(t *testing.T) {
		b := buildBlock(t, []*Transaction{cb, spend})
		assert.NoError(t, b.BasicSanityCheck())
	})

	t.Run("rejects missing coinbase", func(t *testing.T) {
		b := buildBlock(t, []*Transaction{spend})
		assert.Error(t, b.BasicSanityCheck())
	})

	t.Run("rejects a second coinbase", func(t *testing.T) {
		b := buildBlock(t, []*Transaction{cb, coinbaseTx(50)})
		assert.Error(t, b.BasicSanityCheck())
	})

	t.Run("rejects a tampered merkle root", func(t *testing.T) {
		b := buildBlock(t, []*Transaction{cb})
		b.Header.MerkleRoot[0] ^= 0xff
		assert.Error(t, b.BasicSanityCheck())
	})
}

func TestBlockEncodeDecodeRoundTrip(t *testing.T) {
	cb := coinbaseTx(50)
	spend := spendTx(OutPoint{TxID: cb.TxID(), Vout: 0}, 10)
	b := buildBlock(t, []*Transaction{cb, spend})

	decoded, err := DecodeBlock(wire.NewReader(b.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, b.Hash(), decoded.Hash())
	assert.Len(t, decoded.Transactions, 2)
}

func TestHeaderHashChangesWithNonce(t *testing.T) {
	h := &BlockHeader{Version: 1, Height: 7, Bits: 0x1d00ffff}
	h1 := h.Hash()
	h.Nonce++
	h2 := h.Hash()
	assert.NotEqual(t, h1, h2)
}
