package chain

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ledgercore/chain/pkg/block"
	"github.com/ledgercore/chain/pkg/chainparams"
	"github.com/ledgercore/chain/pkg/consensus"
	"github.com/ledgercore/chain/pkg/storage"
	"github.com/ledgercore/chain/pkg/utxo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChain(t *testing.T) (*Chain, *chainparams.Params) {
	t.Helper()
	params := chainparams.RegtestParams()

	dataDir, err := os.MkdirTemp("", "chain-storage-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dataDir) })
	store, err := storage.NewBadgerStorage(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	utxoFile, err := os.CreateTemp("", "chain-utxo-*")
	require.NoError(t, err)
	utxoFile.Close()
	t.Cleanup(func() { os.Remove(utxoFile.Name()) })
	utxoSet, err := utxo.NewSet(utxo.Config{
		CacheCapacity:  params.UTXOCacheCapacity,
		StorePath:      utxoFile.Name(),
		SpentRetention: 50,
	})
	require.NoError(t, err)
	t.Cleanup(func() { utxoSet.Close() })

	c, err := New(Config{
		Params:  params,
		Storage: store,
		UTXOSet: utxoSet,
		Engine:  consensus.NewEngine(params),
	})
	require.NoError(t, err)
	return c, params
}

// mineChild builds a single-coinbase block extending parent, reusing
// parent's bits (valid off an adjustment boundary for regtest's
// AdjustmentInterval of 8) so the difficulty check passes, and searches
// nonces upward from nonce until the header meets those bits. The
// coinbase script carries nonce, so blocks built with different nonce
// arguments never share a coinbase txid.
func mineChild(parent *block.BlockHeader, params *chainparams.Params, reward uint64, nonce uint64) *block.Block {
	coinbase := &block.Transaction{
		Version: 1,
		Inputs:  []*block.TransactionInput{{PrevOutPoint: block.NullOutPoint, ScriptSig: new(big.Int).SetUint64(nonce).Bytes(), Sequence: block.FinalSequence}},
		Outputs: []*block.TransactionOutput{{Amount: reward, PubKeyScript: []byte("miner")}},
	}
	header := &block.BlockHeader{
		Version:   1,
		PrevHash:  parent.Hash(),
		Timestamp: parent.Timestamp + 1,
		Bits:      parent.Bits,
		Height:    parent.Height + 1,
		Nonce:     nonce,
	}
	b := &block.Block{Header: header, Transactions: []*block.Transaction{coinbase}}
	b.Header.MerkleRoot = b.CalculateMerkleRoot()
	for {
		meets, err := consensus.HashMeetsTarget(b.Hash(), b.Header.Bits)
		if err != nil || meets {
			return b
		}
		b.Header.Nonce++
	}
}

func TestNewChainCreatesGenesis(t *testing.T) {
	c, params := newTestChain(t)
	hash, height := c.Tip()
	assert.Equal(t, uint64(0), height)
	assert.Equal(t, c.GenesisHash(), hash)
	genesisWork, err := consensus.BlockWork(consensus.CompactBits(new(big.Int).SetBytes(params.MaxTarget[:])))
	require.NoError(t, err)
	assert.Equal(t, 0, c.TipWork().Cmp(genesisWork))

	genesis, err := c.GetBlockByHeight(0)
	require.NoError(t, err)
	require.NotNil(t, genesis)
	assert.True(t, genesis.Transactions[0].IsCoinbase())
	assert.LessOrEqual(t, genesis.Transactions[0].Outputs[0].Amount, params.Subsidy(0))
}

func TestAcceptBlockExtendsTip(t *testing.T) {
	c, params := newTestChain(t)
	genesis, err := c.GetBlockByHeight(0)
	require.NoError(t, err)

	b1 := mineChild(genesis.Header, params, params.Subsidy(1), 1)
	require.NoError(t, c.AcceptBlock(b1, time.Now()))

	tipHash, tipHeight := c.Tip()
	assert.Equal(t, uint64(1), tipHeight)
	assert.Equal(t, b1.Hash(), tipHash)

	got, err := c.GetBlockByHeight(1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b1.Hash(), got.Hash())
}

func TestAcceptBlockRejectsUnknownParent(t *testing.T) {
	c, params := newTestChain(t)
	orphan := &block.BlockHeader{
		Version:   1,
		PrevHash:  [32]byte{0xEE},
		Timestamp: uint64(time.Now().Unix()),
		Bits:      consensus.CompactBits(new(big.Int).SetBytes(params.MaxTarget[:])),
		Height:    5,
	}
	b := mineChild(orphan, params, params.Subsidy(6), 1)
	err := c.AcceptBlock(b, time.Now())
	assert.Error(t, err)
}

func TestReorgSwitchesToHeavierBranch(t *testing.T) {
	c, params := newTestChain(t)
	genesis, err := c.GetBlockByHeight(0)
	require.NoError(t, err)

	// Branch A: genesis -> a1 -> a2 (connects as the main chain).
	a1 := mineChild(genesis.Header, params, params.Subsidy(1), 10)
	require.NoError(t, c.AcceptBlock(a1, time.Now()))
	a2 := mineChild(a1.Header, params, params.Subsidy(2), 11)
	require.NoError(t, c.AcceptBlock(a2, time.Now()))

	tipHash, tipHeight := c.Tip()
	assert.Equal(t, a2.Hash(), tipHash)
	assert.Equal(t, uint64(2), tipHeight)

	// Branch B: genesis -> b1 -> b2 -> b3, longer and therefore heavier.
	b1 := mineChild(genesis.Header, params, params.Subsidy(1), 20)
	require.NoError(t, c.AcceptBlock(b1, time.Now()))
	// b1 alone has less work than the two-block A branch; still the A tip.
	tipHash, _ = c.Tip()
	assert.Equal(t, a2.Hash(), tipHash)

	b2 := mineChild(b1.Header, params, params.Subsidy(2), 21)
	require.NoError(t, c.AcceptBlock(b2, time.Now()))
	// b1+b2 ties A's accumulated work; ties do not trigger a reorg.
	tipHash, _ = c.Tip()
	assert.Equal(t, a2.Hash(), tipHash)

	b3 := mineChild(b2.Header, params, params.Subsidy(3), 22)
	require.NoError(t, c.AcceptBlock(b3, time.Now()))

	tipHash, tipHeight = c.Tip()
	assert.Equal(t, b3.Hash(), tipHash)
	assert.Equal(t, uint64(3), tipHeight)

	// The UTXO set must reflect branch B's coinbases, not branch A's.
	b3Coinbase := b3.Transactions[0]
	op := block.OutPoint{TxID: b3Coinbase.TxID(), Vout: 0}
	entry, found, err := c.utxos.Get(op)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, b3Coinbase.Outputs[0].Amount, entry.Output.Amount)

	a2Coinbase := a2.Transactions[0]
	_, found, err = c.utxos.Get(block.OutPoint{TxID: a2Coinbase.TxID(), Vout: 0})
	require.NoError(t, err)
	assert.False(t, found, "branch A's coinbase output should have been rolled back")
}

func TestGetBlockByHeightMissing(t *testing.T) {
	c, _ := newTestChain(t)
	b, err := c.GetBlockByHeight(99)
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestChainPersistsAcrossRestart(t *testing.T) {
	dataDir, err := os.MkdirTemp("", "chain-restart-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dataDir) })
	utxoPath := filepath.Join(dataDir, "utxo.db")

	params := chainparams.RegtestParams()

	build := func() *Chain {
		store, err := storage.NewBadgerStorage(dataDir)
		require.NoError(t, err)
		utxoSet, err := utxo.NewSet(utxo.Config{CacheCapacity: params.UTXOCacheCapacity, StorePath: utxoPath, SpentRetention: 50})
		require.NoError(t, err)
		c, err := New(Config{Params: params, Storage: store, UTXOSet: utxoSet, Engine: consensus.NewEngine(params)})
		require.NoError(t, err)
		return c
	}

	c1 := build()
	genesis, err := c1.GetBlockByHeight(0)
	require.NoError(t, err)
	b1 := mineChild(genesis.Header, params, params.Subsidy(1), 1)
	require.NoError(t, c1.AcceptBlock(b1, time.Now()))
	require.NoError(t, c1.Close())

	c2 := build()
	defer c2.Close()
	tipHash, tipHeight := c2.Tip()
	assert.Equal(t, uint64(1), tipHeight)
	assert.Equal(t, b1.Hash(), tipHash)
}
