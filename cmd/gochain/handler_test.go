package main

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgercore/chain/pkg/block"
	"github.com/ledgercore/chain/pkg/chain"
	"github.com/ledgercore/chain/pkg/chainparams"
	"github.com/ledgercore/chain/pkg/consensus"
	"github.com/ledgercore/chain/pkg/mempool"
	netpkg "github.com/ledgercore/chain/pkg/net"
	"github.com/ledgercore/chain/pkg/parallel"
	"github.com/ledgercore/chain/pkg/storage"
	"github.com/ledgercore/chain/pkg/utxo"
	"github.com/ledgercore/chain/pkg/wire"
)

// fakeTransport satisfies net.Transport without opening any real
// connection; handler tests that don't exercise the peer-fetch paths
// never call any of its methods.
type fakeTransport struct{}

func (fakeTransport) SendHeaders(string, *netpkg.Headers) error           { return nil }
func (fakeTransport) SendCompactBlock(string, *netpkg.CompactBlock) error { return nil }
func (fakeTransport) SendBlock(string, *netpkg.BlockMessage) error        { return nil }
func (fakeTransport) SendGetData(string, *wire.GetData) error             { return nil }
func (fakeTransport) RequestBlock(context.Context, string, [32]byte) (*block.Block, error) {
	return nil, nil
}
func (fakeTransport) RequestBlockTxn(context.Context, string, *netpkg.GetBlockTxn) (*netpkg.BlockTxn, error) {
	return nil, nil
}

func newTestHandler(t *testing.T) (*nodeHandler, *chain.Chain, *chainparams.Params) {
	t.Helper()
	params := chainparams.RegtestParams()

	dataDir, err := os.MkdirTemp("", "gochain-handler-storage-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dataDir) })
	store, err := storage.NewBadgerStorage(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	utxoFile, err := os.CreateTemp("", "gochain-handler-utxo-*")
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

	engine := consensus.NewEngine(params)
	pool := mempool.New(mempool.Config{MaxBytes: 1 << 20, MaxTxBytes: 1 << 16}, params)

	ledger, err := chain.New(chain.Config{
		Params:  params,
		Storage: store,
		UTXOSet: utxoSet,
		Engine:  engine,
		Mempool: pool,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	peerMgr := netpkg.NewManager(netpkg.DefaultConfig())
	prop := netpkg.NewPropagator(netpkg.DefaultPropagationConfig(), params, fakeTransport{}, ledger, ledger.AcceptBlock, peerMgr)

	validator := parallel.NewPool(parallel.DefaultConfig())
	t.Cleanup(validator.Close)

	h := &nodeHandler{
		chain:     ledger,
		pool:      pool,
		prop:      prop,
		transport: nil,
		validator: validator,
		params:    params,
		log:       zerolog.Nop(),
	}
	return h, ledger, params
}

func mineChild(parent *block.BlockHeader, params *chainparams.Params, reward uint64, nonce uint64) *block.Block {
	coinbase := &block.Transaction{
		Version: 1,
		Inputs:  []*block.TransactionInput{{PrevOutPoint: block.NullOutPoint, Sequence: block.FinalSequence}},
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

func TestLookupBlockFindsKnownHashes(t *testing.T) {
	h, ledger, _ := newTestHandler(t)

	genesis := ledger.GenesisHash()
	bm, ok := h.LookupBlock(genesis)
	require.True(t, ok)
	assert.Equal(t, genesis, bm.Block.Hash())

	var unknown [32]byte
	unknown[0] = 0xff
	_, ok = h.LookupBlock(unknown)
	assert.False(t, ok)
}

func TestLookupBlockTxnResolvesIndexes(t *testing.T) {
	h, ledger, _ := newTestHandler(t)
	genesis := ledger.GenesisHash()

	txn, ok := h.LookupBlockTxn(&netpkg.GetBlockTxn{BlockHash: genesis, Indexes: []uint32{0}})
	require.True(t, ok)
	require.Len(t, txn.Transactions, 1)
	assert.True(t, txn.Transactions[0].IsCoinbase())

	_, ok = h.LookupBlockTxn(&netpkg.GetBlockTxn{BlockHash: genesis, Indexes: []uint32{5}})
	assert.False(t, ok)
}

func TestOnHeadersSkipsAlreadyKnownBlocks(t *testing.T) {
	h, ledger, _ := newTestHandler(t)
	genesis, err := ledger.GetBlockByHeight(0)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		h.OnHeaders("peer1", &netpkg.Headers{Headers: []*block.BlockHeader{genesis.Header}})
	})
}

func TestOnBlockConnectsValidChild(t *testing.T) {
	h, ledger, params := newTestHandler(t)
	genesis, err := ledger.GetBlockByHeight(0)
	require.NoError(t, err)

	child := mineChild(genesis.Header, params, params.Subsidy(1), 1)
	h.OnBlock("peer1", &netpkg.BlockMessage{Block: child})

	_, height := ledger.Tip()
	assert.Equal(t, uint64(1), height)
}

func TestAdmitTxRejectsTransactionWithMissingInput(t *testing.T) {
	h, _, _ := newTestHandler(t)

	tx := &block.Transaction{
		Version: 1,
		Inputs: []*block.TransactionInput{
			{PrevOutPoint: block.OutPoint{TxID: [32]byte{1}, Vout: 0}, Sequence: block.FinalSequence},
		},
		Outputs: []*block.TransactionOutput{{Amount: 1, PubKeyScript: []byte("x")}},
	}

	h.onGossipTx(tx)
	assert.Equal(t, 0, h.pool.Count())
}

func TestOnCompactBlockReconstructsFromPrefilledTransactions(t *testing.T) {
	h, ledger, params := newTestHandler(t)
	genesis, err := ledger.GetBlockByHeight(0)
	require.NoError(t, err)

	child := mineChild(genesis.Header, params, params.Subsidy(1), 1)
	cb := &netpkg.CompactBlock{
		Header:   child.Header,
		Nonce:    0,
		ShortIDs: nil,
		Prefilled: []netpkg.PrefilledTx{
			{Index: 0, Tx: child.Transactions[0]},
		},
	}

	h.OnCompactBlock("peer1", cb)

	_, height := ledger.Tip()
	assert.Equal(t, uint64(1), height)
}
