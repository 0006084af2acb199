// Package chain maintains the canonical block sequence: block and
// chain-index storage, the live UTXO set, and fork choice by
// accumulated proof of work. Adapted from the prior implementation's
// pkg/chain/chain.go, whose Chain/NewChain/AddBlock shape this package
// keeps, but whose isBetterChain only compared "does this block extend
// the tip, else compare total difficulty" with no way to actually
// switch branches, and whose loadBlocksFromStorage was a no-op stub.
// This redesign adds real disconnect/connect reorg machinery with a
// persisted per-block undo log, so a heavier side branch can actually
// become the main chain and the UTXO set rolls back atomically if a
// reorg fails partway through.
package chain

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ledgercore/chain/pkg/block"
	"github.com/ledgercore/chain/pkg/chainparams"
	"github.com/ledgercore/chain/pkg/consensus"
	"github.com/ledgercore/chain/pkg/mempool"
	"github.com/ledgercore/chain/pkg/storage"
	"github.com/ledgercore/chain/pkg/utxo"
	"github.com/ledgercore/chain/pkg/wire"
)

// undoRetention bounds how many connected blocks back from the tip
// still carry undo data in memory and in storage. A reorg deeper than
// this many blocks is rejected rather than attempted, since the data
// needed to roll it back has already been discarded.
const undoRetention = 2000

// blockIndexEntry is the minimal per-header bookkeeping fork choice
// needs: every known header (main chain or side branch) plus the
// accumulated chainwork of the branch ending at it.
type blockIndexEntry struct {
	header    *block.BlockHeader
	chainWork *big.Int
}

// undoEntry records what a connected block did to the UTXO set, so
// disconnecting it can be undone exactly: entries removed by its
// inputs are restored, and outputs it created are dropped.
type undoEntry struct {
	spent   []*utxo.Entry
	created []block.OutPoint
}

func encodeUndo(u *undoEntry) []byte {
	w := wire.NewWriter()
	w.WriteVarInt(uint64(len(u.spent)))
	for _, e := range u.spent {
		w.WriteVarBytes(utxo.EncodeEntry(e))
	}
	w.WriteVarInt(uint64(len(u.created)))
	for _, op := range u.created {
		w.WriteFixed(op.TxID[:])
		w.WriteU32(op.Vout)
	}
	return w.Bytes()
}

func decodeUndo(data []byte) (*undoEntry, error) {
	r := wire.NewReader(data)
	n, err := r.ReadVarInt()
	if err != nil {
		return nil, err
	}
	u := &undoEntry{}
	for i := uint64(0); i < n; i++ {
		raw, err := r.ReadVarBytes()
		if err != nil {
			return nil, err
		}
		e, err := utxo.DecodeEntry(raw)
		if err != nil {
			return nil, err
		}
		u.spent = append(u.spent, e)
	}
	m, err := r.ReadVarInt()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < m; i++ {
		txid, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		var op block.OutPoint
		copy(op.TxID[:], txid)
		if op.Vout, err = r.ReadU32(); err != nil {
			return nil, err
		}
		u.created = append(u.created, op)
	}
	return u, nil
}

// Config bundles the collaborators a Chain needs at construction.
type Config struct {
	Params  *chainparams.Params
	Storage storage.Interface
	UTXOSet *utxo.Set
	Engine  *consensus.Engine
	Mempool *mempool.Mempool // optional; nil disables connect/disconnect mempool bookkeeping
	Logger  *zerolog.Logger  // optional; nil defaults to a no-op logger
}

// Chain is the canonical block sequence plus everything needed to
// extend or reorganize it: a header index over every known block
// (main chain and side branches), the live UTXO set, and per-block
// undo data for the blocks close enough to the tip to still be
// reorg-reachable.
type Chain struct {
	mu sync.RWMutex

	params  *chainparams.Params
	storage storage.Interface
	utxos   *utxo.Set
	engine  *consensus.Engine
	pool    *mempool.Mempool
	log     zerolog.Logger

	index map[[32]byte]*blockIndexEntry
	undo  map[[32]byte]*undoEntry

	genesisHash [32]byte
	tipHash     [32]byte
	tipHeight   uint64
	tipWork     *big.Int
}

// New constructs a Chain, loading an existing tip from storage or
// creating and connecting a genesis block if storage is empty.
func New(cfg Config) (*Chain, error) {
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	c := &Chain{
		params:  cfg.Params,
		storage: cfg.Storage,
		utxos:   cfg.UTXOSet,
		engine:  cfg.Engine,
		pool:    cfg.Mempool,
		log:     log,
		index:   make(map[[32]byte]*blockIndexEntry),
		undo:    make(map[[32]byte]*undoEntry),
	}

	tipHash, tipHeight, ok, err := cfg.Storage.GetTip()
	if err != nil {
		return nil, fmt.Errorf("chain: load tip: %w", err)
	}
	if !ok {
		genesis := c.createGenesisBlock()
		if err := cfg.Storage.StoreBlock(genesis); err != nil {
			return nil, fmt.Errorf("chain: store genesis: %w", err)
		}
		c.genesisHash = genesis.Hash()
		if err := c.connectBlock(genesis, nil); err != nil {
			return nil, fmt.Errorf("chain: connect genesis: %w", err)
		}
		return c, nil
	}

	if err := c.rebuildIndex(tipHash, tipHeight); err != nil {
		return nil, fmt.Errorf("chain: rebuild index: %w", err)
	}
	return c, nil
}

func (c *Chain) rebuildIndex(tipHash [32]byte, tipHeight uint64) error {
	for h := tipHeight + 1; h > 0; {
		h--
		hash, found, err := c.storage.GetHashAtHeight(h)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("chain: missing height index at %d", h)
		}
		b, err := c.storage.GetBlock(hash)
		if err != nil {
			return err
		}
		if b == nil {
			return fmt.Errorf("chain: missing block %x at height %d", hash, h)
		}
		work, found, err := c.storage.GetChainWork(hash)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("chain: missing chainwork for block %x", hash)
		}
		c.index[hash] = &blockIndexEntry{header: b.Header, chainWork: work}
		if h == 0 {
			c.genesisHash = hash
		}
		if data, found, err := c.storage.GetUndo(hash); err == nil && found {
			if u, err := decodeUndo(data); err == nil {
				c.undo[hash] = u
			}
		}
	}
	c.tipHash = tipHash
	c.tipHeight = tipHeight
	work, found, err := c.storage.GetChainWork(tipHash)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("chain: missing chainwork for tip %x", tipHash)
	}
	c.tipWork = work
	return nil
}

func (c *Chain) createGenesisBlock() *block.Block {
	coinbase := &block.Transaction{
		Version: 1,
		Inputs:  []*block.TransactionInput{{PrevOutPoint: block.NullOutPoint, Sequence: block.FinalSequence}},
		Outputs: []*block.TransactionOutput{{
			Amount:       c.params.Subsidy(0),
			PubKeyScript: []byte(fmt.Sprintf("unspendable-genesis-%s", c.params.Network)),
		}},
	}
	header := &block.BlockHeader{
		Version:   1,
		Timestamp: c.params.GenesisTimestamp,
		Bits:      consensus.CompactBits(new(big.Int).SetBytes(c.params.MaxTarget[:])),
		Height:    0,
	}
	b := &block.Block{Header: header, Transactions: []*block.Transaction{coinbase}}
	b.Header.MerkleRoot = b.CalculateMerkleRoot()
	return b
}

// collectHeaders walks parent pointers from fromHash, oldest-first,
// returning up to n headers including fromHash's own.
func (c *Chain) collectHeaders(fromHash [32]byte, n int) []*block.BlockHeader {
	headers := make([]*block.BlockHeader, 0, n)
	hash := fromHash
	for i := 0; i < n; i++ {
		entry, ok := c.index[hash]
		if !ok {
			break
		}
		headers = append(headers, entry.header)
		if entry.header.Height == 0 {
			break
		}
		hash = entry.header.PrevHash
	}
	for i, j := 0, len(headers)-1; i < j; i, j = i+1, j-1 {
		headers[i], headers[j] = headers[j], headers[i]
	}
	return headers
}

func (c *Chain) expectedBits(parent *blockIndexEntry) (uint32, error) {
	nextHeight := parent.header.Height + 1
	window := c.collectHeaders(parent.header.Hash(), int(c.params.AdjustmentInterval))
	samples := make([]consensus.HeaderSample, len(window))
	for i, h := range window {
		samples[i] = consensus.HeaderSample{Timestamp: h.Timestamp, Height: h.Height}
	}
	return c.engine.CalculateNextTarget(parent.header.Bits, nextHeight, samples)
}

func (c *Chain) parentView(parent *blockIndexEntry) (consensus.ParentView, error) {
	bits, err := c.expectedBits(parent)
	if err != nil {
		return consensus.ParentView{}, err
	}
	recent := c.collectHeaders(parent.header.Hash(), consensus.MedianTimePastWindow)
	return consensus.ParentView{
		Parent:        parent.header,
		RecentHeaders: recent,
		ExpectedBits:  bits,
	}, nil
}

// AcceptBlock runs full context-free validation on b, records it in
// the header index (even if it lands on a side branch), and switches
// the main chain to b's branch if doing so raises accumulated
// chainwork above the current tip's.
func (c *Chain) AcceptBlock(b *block.Block, now time.Time) error {
	if err := consensus.ValidatePhaseA(b, now, c.params); err != nil {
		return err
	}

	hash := b.Hash()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.index[hash]; exists {
		return fmt.Errorf("chain: block %x already known", hash)
	}
	parentEntry, ok := c.index[b.Header.PrevHash]
	if !ok {
		return fmt.Errorf("chain: unknown parent %x", b.Header.PrevHash)
	}

	work, err := consensus.BlockWork(b.Header.Bits)
	if err != nil {
		return err
	}
	candidateWork := new(big.Int).Add(parentEntry.chainWork, work)

	if err := c.storage.StoreBlock(b); err != nil {
		return fmt.Errorf("chain: store block: %w", err)
	}
	c.index[hash] = &blockIndexEntry{header: b.Header, chainWork: candidateWork}

	if candidateWork.Cmp(c.tipWork) <= 0 {
		return nil // valid but not heavier than the current tip; kept as a side branch
	}
	if b.Header.PrevHash == c.tipHash {
		return c.connectBlock(b, parentEntry)
	}
	return c.reorgTo(hash)
}

// reorgTo switches the main chain to the branch ending at newTipHash,
// disconnecting back to the fork point and connecting forward along
// the new branch. A failure while connecting rolls the chain back to
// its original tip before returning the error.
func (c *Chain) reorgTo(newTipHash [32]byte) error {
	oldTipHash, oldTipHeight := c.tipHash, c.tipHeight

	forkHeight, connectList, err := c.planReorg(newTipHash)
	if err != nil {
		return err
	}
	if oldTipHeight-forkHeight > undoRetention {
		return fmt.Errorf("chain: reorg: depth %d exceeds retained undo history of %d blocks", oldTipHeight-forkHeight, undoRetention)
	}

	c.log.Info().
		Hex("old_tip", oldTipHash[:]).
		Hex("new_tip", newTipHash[:]).
		Uint64("fork_height", forkHeight).
		Int("disconnect_count", int(oldTipHeight-forkHeight)).
		Int("connect_count", len(connectList)).
		Msg("reorg starting")

	disconnectCount := int(c.tipHeight - forkHeight)
	disconnected, err := c.disconnectN(disconnectCount)
	if err != nil {
		c.log.Error().Err(err).Hex("old_tip", oldTipHash[:]).Msg("reorg disconnect failed")
		return fmt.Errorf("chain: reorg: %w", err)
	}

	connected, cerr := c.connectChain(connectList)
	if cerr == nil {
		c.log.Info().
			Hex("old_tip", oldTipHash[:]).
			Hex("new_tip", newTipHash[:]).
			Uint64("new_height", c.tipHeight).
			Msg("reorg complete")
		return nil
	}

	c.log.Warn().Err(cerr).Hex("old_tip", oldTipHash[:]).Hex("new_tip", newTipHash[:]).Msg("reorg connect failed, rolling back")

	if _, derr := c.disconnectN(connected); derr != nil {
		c.log.Error().Err(derr).Msg("reorg rollback failed, chain state needs manual recovery")
		return fmt.Errorf("chain: reorg: connect failed (%v), and rollback failed (%v): chain state needs manual recovery", cerr, derr)
	}
	if _, rerr := c.connectChain(reverseBlocks(disconnected)); rerr != nil {
		c.log.Error().Err(rerr).Msg("reorg restore of original branch failed, chain state needs manual recovery")
		return fmt.Errorf("chain: reorg: connect failed (%v), and restoring the original branch failed (%v): chain state needs manual recovery", cerr, rerr)
	}
	c.log.Info().Hex("tip", oldTipHash[:]).Msg("reorg rolled back, original branch restored")
	return fmt.Errorf("chain: reorg: connect failed, rolled back to the original branch: %w", cerr)
}

// planReorg finds the fork point between the current tip and
// newTipHash, returning the fork height and the candidate branch's
// blocks from fork+1 to newTipHash, oldest first.
func (c *Chain) planReorg(newTipHash [32]byte) (uint64, []*block.Block, error) {
	newEntry, ok := c.index[newTipHash]
	if !ok {
		return 0, nil, fmt.Errorf("chain: reorg: unknown candidate tip %x", newTipHash)
	}

	aHash, bHash := c.tipHash, newTipHash
	aHeight, bHeight := c.tipHeight, newEntry.header.Height

	for aHeight > bHeight {
		aHash = c.index[aHash].header.PrevHash
		aHeight--
	}
	var newBlocks []*block.Block
	for bHeight > aHeight {
		b, err := c.storage.GetBlock(bHash)
		if err != nil || b == nil {
			return 0, nil, fmt.Errorf("chain: reorg: missing block %x along candidate branch", bHash)
		}
		newBlocks = append(newBlocks, b)
		bHash = c.index[bHash].header.PrevHash
		bHeight--
	}
	for aHash != bHash {
		b, err := c.storage.GetBlock(bHash)
		if err != nil || b == nil {
			return 0, nil, fmt.Errorf("chain: reorg: missing block %x along candidate branch", bHash)
		}
		newBlocks = append(newBlocks, b)
		aHash = c.index[aHash].header.PrevHash
		bHash = c.index[bHash].header.PrevHash
		aHeight--
		bHeight--
	}
	for i, j := 0, len(newBlocks)-1; i < j; i, j = i+1, j-1 {
		newBlocks[i], newBlocks[j] = newBlocks[j], newBlocks[i]
	}
	return aHeight, newBlocks, nil
}

func reverseBlocks(blocks []*block.Block) []*block.Block {
	out := make([]*block.Block, len(blocks))
	for i, b := range blocks {
		out[len(blocks)-1-i] = b
	}
	return out
}

// disconnectN undoes the n blocks nearest the tip, returning them
// newest-first (the order they were disconnected in).
func (c *Chain) disconnectN(n int) ([]*block.Block, error) {
	out := make([]*block.Block, 0, n)
	for i := 0; i < n; i++ {
		b, err := c.disconnectTip()
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
	return out, nil
}

// connectChain connects a sequence of parent-linked blocks onto the
// current tip, stopping at the first failure.
func (c *Chain) connectChain(blocks []*block.Block) (int, error) {
	for i, b := range blocks {
		parentEntry, ok := c.index[b.Header.PrevHash]
		if !ok {
			return i, fmt.Errorf("chain: missing parent index for %x", b.Hash())
		}
		if err := c.connectBlock(b, parentEntry); err != nil {
			return i, err
		}
	}
	return len(blocks), nil
}

func validateGenesisCoinbase(b *block.Block, params *chainparams.Params) error {
	if len(b.Transactions) == 0 || !b.Transactions[0].IsCoinbase() {
		return fmt.Errorf("chain: genesis block must start with a coinbase transaction")
	}
	var outputSum uint64
	for _, out := range b.Transactions[0].Outputs {
		outputSum += out.Amount
	}
	if outputSum > params.Subsidy(0) {
		return fmt.Errorf("chain: genesis coinbase pays %d, exceeds subsidy %d", outputSum, params.Subsidy(0))
	}
	return nil
}

// connectBlock applies b's transactions to the live UTXO set, records
// an undo log, and advances the tip. parentEntry is nil only for the
// genesis block.
func (c *Chain) connectBlock(b *block.Block, parentEntry *blockIndexEntry) error {
	parentWork := big.NewInt(0)
	if parentEntry != nil {
		view, err := c.parentView(parentEntry)
		if err != nil {
			return err
		}
		if _, err := consensus.ValidatePhaseB(b, view, c.utxos, c.params); err != nil {
			return err
		}
		parentWork = parentEntry.chainWork
	} else if err := validateGenesisCoinbase(b, c.params); err != nil {
		return err
	}

	hash := b.Hash()
	ue := &undoEntry{}
	for i, tx := range b.Transactions {
		if i > 0 {
			for _, in := range tx.Inputs {
				entry, found, err := c.utxos.Get(in.PrevOutPoint)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("chain: connect: missing utxo for input %x:%d", in.PrevOutPoint.TxID, in.PrevOutPoint.Vout)
				}
				ue.spent = append(ue.spent, entry)
				c.utxos.Spend(in.PrevOutPoint, b.Header.Height)
			}
		}
		txid := tx.TxID()
		for vout, out := range tx.Outputs {
			op := block.OutPoint{TxID: txid, Vout: uint32(vout)}
			if err := c.utxos.Put(&utxo.Entry{
				OutPoint:   op,
				Output:     *out,
				Height:     b.Header.Height,
				IsCoinbase: i == 0,
			}); err != nil {
				return fmt.Errorf("chain: connect: output %x:%d: %w", op.TxID, op.Vout, err)
			}
			ue.created = append(ue.created, op)
		}
	}

	work, err := consensus.BlockWork(b.Header.Bits)
	if err != nil {
		return err
	}
	chainWork := new(big.Int).Add(parentWork, work)

	if err := c.storage.StoreHeightIndex(b.Header.Height, hash); err != nil {
		return err
	}
	if err := c.storage.StoreChainWork(hash, chainWork); err != nil {
		return err
	}
	if err := c.storage.StoreUndo(hash, encodeUndo(ue)); err != nil {
		return err
	}
	if err := c.storage.StoreTip(hash, b.Header.Height); err != nil {
		return err
	}

	c.index[hash] = &blockIndexEntry{header: b.Header, chainWork: chainWork}
	c.undo[hash] = ue
	c.tipHash = hash
	c.tipHeight = b.Header.Height
	c.tipWork = chainWork

	if c.pool != nil {
		for _, tx := range b.Transactions[1:] {
			c.pool.Remove(tx.TxID())
		}
	}

	c.pruneUndo()
	c.log.Debug().
		Hex("hash", hash[:]).
		Uint64("height", b.Header.Height).
		Int("tx_count", len(b.Transactions)).
		Msg("block connected")
	return nil
}

// disconnectTip rolls the current tip block back off the main chain,
// restoring the UTXO set to its pre-block state and returning the
// disconnected block.
func (c *Chain) disconnectTip() (*block.Block, error) {
	hash := c.tipHash
	b, err := c.storage.GetBlock(hash)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("chain: disconnect: missing block %x", hash)
	}
	ue, ok := c.undo[hash]
	if !ok {
		return nil, fmt.Errorf("chain: disconnect: no undo data retained for block %x, reorg exceeds retained history", hash)
	}

	for _, op := range ue.created {
		c.utxos.Remove(op)
	}
	for _, e := range ue.spent {
		if err := c.utxos.Unspend(e); err != nil {
			return nil, fmt.Errorf("chain: disconnect: restore %x:%d: %w", e.OutPoint.TxID, e.OutPoint.Vout, err)
		}
	}
	if err := c.storage.DeleteHeightIndex(b.Header.Height); err != nil {
		return nil, err
	}
	if err := c.storage.DeleteUndo(hash); err != nil {
		return nil, err
	}
	delete(c.undo, hash)

	if c.pool != nil && b.Header.Height > 0 {
		for _, tx := range b.Transactions[1:] {
			_ = c.pool.Reintroduce(tx, b.Header.Height-1, c.utxos)
		}
	}

	parentEntry, ok := c.index[b.Header.PrevHash]
	if !ok {
		return nil, fmt.Errorf("chain: disconnect: missing parent index for %x", b.Header.PrevHash)
	}
	c.tipHash = b.Header.PrevHash
	c.tipHeight = parentEntry.header.Height
	c.tipWork = parentEntry.chainWork
	if err := c.storage.StoreTip(c.tipHash, c.tipHeight); err != nil {
		return nil, err
	}
	c.log.Debug().
		Hex("hash", hash[:]).
		Uint64("height", b.Header.Height).
		Msg("block disconnected")
	return b, nil
}

// pruneUndo drops undo data (in memory and in storage) for blocks far
// enough behind the tip that a reorg could no longer plausibly reach
// them, bounding memory and storage growth.
func (c *Chain) pruneUndo() {
	if c.tipHeight <= undoRetention {
		return
	}
	cutoff := c.tipHeight - undoRetention
	hash, found, err := c.storage.GetHashAtHeight(cutoff)
	if err != nil || !found {
		return
	}
	delete(c.undo, hash)
	_ = c.storage.DeleteUndo(hash)
}

// Tip returns the current best block's hash and height.
func (c *Chain) Tip() ([32]byte, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tipHash, c.tipHeight
}

// TipWork returns the accumulated chainwork of the current tip.
func (c *Chain) TipWork() *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return new(big.Int).Set(c.tipWork)
}

// NextExpectedBits returns the bits value a block extending the
// current tip must carry.
func (c *Chain) NextExpectedBits() (uint32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tipEntry, ok := c.index[c.tipHash]
	if !ok {
		return 0, fmt.Errorf("chain: tip not indexed")
	}
	return c.expectedBits(tipEntry)
}

// GenesisHash returns the hash of the chain's genesis block.
func (c *Chain) GenesisHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.genesisHash
}

// HaveBlock reports whether hash is a known header, on the main chain
// or a side branch.
func (c *Chain) HaveBlock(hash [32]byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[hash]
	return ok
}

// GetBlock returns the full block for hash, if known.
func (c *Chain) GetBlock(hash [32]byte) (*block.Block, error) {
	return c.storage.GetBlock(hash)
}

// GetBlockByHeight returns the main-chain block at height, if any.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	hash, found, err := c.storage.GetHashAtHeight(height)
	if err != nil || !found {
		return nil, err
	}
	return c.storage.GetBlock(hash)
}

// UTXOSet returns the chain's live UTXO set.
func (c *Chain) UTXOSet() *utxo.Set {
	return c.utxos
}

// Close releases the chain's underlying storage.
func (c *Chain) Close() error {
	return c.storage.Close()
}

func (c *Chain) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("Chain{Height: %d, Tip: %x, Work: %s}", c.tipHeight, c.tipHash, c.tipWork)
}
