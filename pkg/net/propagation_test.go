package net

import (
	"context"
	"testing"
	"time"

	"github.com/ledgercore/chain/pkg/block"
	"github.com/ledgercore/chain/pkg/chainparams"
	"github.com/ledgercore/chain/pkg/consensus"
	"github.com/ledgercore/chain/pkg/wire"
)

// easyBits is the compact encoding whose threshold rejects only
// roughly 1 in 2^24 hashes, so a deterministically constructed test
// header satisfies proof of work without an actual mining loop.
const easyBits = 0x20FFFFFF

func testParams() *chainparams.Params {
	p := chainparams.RegtestParams()
	p.MaxBlockSize = 4 * 1024 * 1024
	return p
}

func makeCoinbaseOnlyBlock(height uint64, prevHash [32]byte, amount uint64) *block.Block {
	coinbase := &block.Transaction{
		Version: 1,
		Inputs: []*block.TransactionInput{
			{PrevOutPoint: block.NullOutPoint, Sequence: 0xFFFFFFFF},
		},
		Outputs: []*block.TransactionOutput{
			{Amount: amount, PubKeyScript: []byte{0x01}},
		},
	}
	b := &block.Block{
		Header: &block.BlockHeader{
			Version:   1,
			PrevHash:  prevHash,
			Timestamp: uint64(time.Now().Unix()),
			Bits:      easyBits,
			Height:    height,
		},
		Transactions: []*block.Transaction{coinbase},
	}
	root := b.CalculateMerkleRoot()
	b.Header.MerkleRoot = root
	return b
}

// fakeTransport records every send for assertion and never errors.
type fakeTransport struct {
	headersSent []string
	compactSent []string
	fullSent    []string
}

func (f *fakeTransport) SendHeaders(peerID string, h *Headers) error {
	f.headersSent = append(f.headersSent, peerID)
	return nil
}
func (f *fakeTransport) SendCompactBlock(peerID string, cb *CompactBlock) error {
	f.compactSent = append(f.compactSent, peerID)
	return nil
}
func (f *fakeTransport) SendBlock(peerID string, bm *BlockMessage) error {
	f.fullSent = append(f.fullSent, peerID)
	return nil
}
func (f *fakeTransport) SendGetData(peerID string, gd *wire.GetData) error { return nil }
func (f *fakeTransport) RequestBlock(ctx context.Context, peerID string, hash [32]byte) (*block.Block, error) {
	return nil, nil
}
func (f *fakeTransport) RequestBlockTxn(ctx context.Context, peerID string, req *GetBlockTxn) (*BlockTxn, error) {
	return nil, nil
}

type fakeChainReader struct {
	have map[[32]byte]bool
}

func (f *fakeChainReader) HaveBlock(hash [32]byte) bool { return f.have[hash] }
func (f *fakeChainReader) Tip() ([32]byte, uint64)      { return [32]byte{}, 0 }

func TestAnnounceBlockSendsCompactToCapablePeersAndFullToOthers(t *testing.T) {
	b := makeCoinbaseOnlyBlock(1, [32]byte{}, 5000000000)
	transport := &fakeTransport{}
	chainReader := &fakeChainReader{have: map[[32]byte]bool{}}

	accepted := false
	p := NewPropagator(DefaultPropagationConfig(), testParams(), transport, chainReader, func(blk *block.Block, now time.Time) error {
		accepted = true
		return nil
	}, nil)

	p.AddPeer("compact-peer", Capability{SupportsCompactBlocks: true})
	p.AddPeer("legacy-peer", Capability{SupportsCompactBlocks: false})

	if err := p.AnnounceBlock(b, "", time.Now()); err != nil {
		t.Fatalf("AnnounceBlock: %v", err)
	}
	_ = accepted

	if len(transport.headersSent) != 2 {
		t.Fatalf("expected headers sent to both peers, got %d", len(transport.headersSent))
	}
	if len(transport.compactSent) != 1 || transport.compactSent[0] != "compact-peer" {
		t.Fatalf("expected compact block sent only to compact-peer, got %v", transport.compactSent)
	}
	if len(transport.fullSent) != 1 || transport.fullSent[0] != "legacy-peer" {
		t.Fatalf("expected full block sent only to legacy-peer, got %v", transport.fullSent)
	}
	if p.Stats.BlocksPropagated != 1 {
		t.Fatalf("expected BlocksPropagated=1, got %d", p.Stats.BlocksPropagated)
	}
}

func TestAnnounceBlockSkipsSourcePeer(t *testing.T) {
	b := makeCoinbaseOnlyBlock(1, [32]byte{}, 5000000000)
	transport := &fakeTransport{}
	chainReader := &fakeChainReader{have: map[[32]byte]bool{}}
	p := NewPropagator(DefaultPropagationConfig(), testParams(), transport, chainReader, func(*block.Block, time.Time) error { return nil }, nil)

	p.AddPeer("origin", Capability{SupportsCompactBlocks: true})
	p.AddPeer("other", Capability{SupportsCompactBlocks: true})

	if err := p.AnnounceBlock(b, "origin", time.Now()); err != nil {
		t.Fatalf("AnnounceBlock: %v", err)
	}
	if len(transport.headersSent) != 1 || transport.headersSent[0] != "other" {
		t.Fatalf("expected header sent only to the non-source peer, got %v", transport.headersSent)
	}
}

func TestBuildAndReconstructCompactBlockRoundTrip(t *testing.T) {
	b := makeCoinbaseOnlyBlock(1, [32]byte{}, 5000000000)
	spend := &block.Transaction{
		Version: 1,
		Inputs: []*block.TransactionInput{
			{PrevOutPoint: block.OutPoint{TxID: b.Transactions[0].TxID(), Vout: 0}},
		},
		Outputs: []*block.TransactionOutput{
			{Amount: 1000, PubKeyScript: []byte{0x01}},
		},
	}
	b.Transactions = append(b.Transactions, spend)
	b.Header.MerkleRoot = b.CalculateMerkleRoot()

	nonce := compactNonce(b)
	cb := buildCompactBlock(b, nonce)
	if len(cb.Prefilled) != 1 || cb.Prefilled[0].Index != 0 {
		t.Fatalf("expected only the coinbase prefilled, got %+v", cb.Prefilled)
	}
	if len(cb.ShortIDs) != 1 {
		t.Fatalf("expected one short id for the non-coinbase tx, got %d", len(cb.ShortIDs))
	}

	rebuilt, missing := ReconstructCompactBlock(cb, []*block.Transaction{spend})
	if len(missing) != 0 {
		t.Fatalf("expected no missing indexes, got %v", missing)
	}
	if rebuilt.Hash() != b.Hash() {
		t.Fatalf("reconstructed block hash mismatch")
	}
}

func TestReconstructCompactBlockReportsMissing(t *testing.T) {
	b := makeCoinbaseOnlyBlock(1, [32]byte{}, 5000000000)
	spend := &block.Transaction{
		Version: 1,
		Inputs: []*block.TransactionInput{
			{PrevOutPoint: block.OutPoint{TxID: b.Transactions[0].TxID(), Vout: 0}},
		},
		Outputs: []*block.TransactionOutput{{Amount: 1000, PubKeyScript: []byte{0x01}}},
	}
	b.Transactions = append(b.Transactions, spend)
	cb := buildCompactBlock(b, compactNonce(b))

	_, missing := ReconstructCompactBlock(cb, nil)
	if len(missing) != 1 || missing[0] != 1 {
		t.Fatalf("expected index 1 reported missing, got %v", missing)
	}
}

func TestOutOfOrderBufferDrainsOnAccept(t *testing.T) {
	genesis := makeCoinbaseOnlyBlock(0, [32]byte{}, 5000000000)
	h1 := makeCoinbaseOnlyBlock(1, genesis.Hash(), 5000000000)
	h2 := makeCoinbaseOnlyBlock(2, h1.Hash(), 5000000000)

	chainReader := &fakeChainReader{have: map[[32]byte]bool{genesis.Hash(): true}}
	var acceptedOrder [][32]byte
	accept := func(b *block.Block, now time.Time) error {
		if !chainReader.have[b.Header.PrevHash] {
			return &consensus.ValidationError{Code: consensus.UnknownParent, Reason: "parent not found"}
		}
		chainReader.have[b.Hash()] = true
		acceptedOrder = append(acceptedOrder, b.Hash())
		return nil
	}
	transport := &fakeTransport{}
	p := NewPropagator(DefaultPropagationConfig(), testParams(), transport, chainReader, accept, nil)

	if err := p.processFetchedBlock(h2, time.Now()); err != nil {
		t.Fatalf("buffering h2 should not error: %v", err)
	}
	if len(acceptedOrder) != 0 {
		t.Fatalf("h2 should not be accepted before its parent arrives")
	}

	if err := p.processFetchedBlock(h1, time.Now()); err != nil {
		t.Fatalf("accepting h1 should not error: %v", err)
	}
	if len(acceptedOrder) != 2 {
		t.Fatalf("expected both h1 and buffered h2 accepted, got %d", len(acceptedOrder))
	}
	if acceptedOrder[0] != h1.Hash() || acceptedOrder[1] != h2.Hash() {
		t.Fatalf("expected h1 then h2 in order")
	}
}
