// Package miner assembles candidate blocks from the mempool and the
// current chain tip and searches for a nonce satisfying the demanded
// proof-of-work target. Adapted from the prior implementation's
// pkg/miner/miner.go, whose StartMining/StopMining/mineBlocks loop
// shape this package keeps, but whose createNewBlock/createCoinbaseTransaction
// pair targeted the old flat block.Header/chain.Chain API; this
// version builds against pkg/chain.Chain, pkg/mempool.Mempool, and the
// compact-bits/Phase A/B pipeline in pkg/consensus.
package miner

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ledgercore/chain/pkg/block"
	"github.com/ledgercore/chain/pkg/chain"
	"github.com/ledgercore/chain/pkg/chainparams"
	"github.com/ledgercore/chain/pkg/consensus"
	"github.com/ledgercore/chain/pkg/mempool"
	"github.com/ledgercore/chain/pkg/utxo"
)

// Config bounds a miner's resource use and names the payout script.
type Config struct {
	BlockInterval   time.Duration // how often a mining attempt is made
	MaxBlockBytes   uint64
	CoinbaseScript  []byte // PubKeyScript the block reward pays to
	ExtraNonceStart uint64
}

// DefaultConfig returns sensible single-node defaults.
func DefaultConfig() Config {
	return Config{
		BlockInterval: 1 * time.Second,
		MaxBlockBytes: 1_000_000,
	}
}

// errNoSolutionFound marks a MineOne attempt that did not finish
// before the context was cancelled; it is not a block-level failure.
var errNoSolutionFound = fmt.Errorf("miner: no nonce found before context cancellation")

// Miner repeatedly assembles a candidate block from the mempool and
// current tip, searches for a nonce meeting the demanded target, and
// submits the result to the chain.
type Miner struct {
	mu     sync.RWMutex
	chain  *chain.Chain
	pool   *mempool.Mempool
	params *chainparams.Params
	cfg    Config
	mining bool
	stop   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	BlocksMined uint64

	// onBlockMined, when set, is invoked after a locally mined block
	// has been accepted onto the chain, so callers (cmd/gochain) can
	// announce it to the propagation layer without the miner needing
	// to know about transport.
	onBlockMined func(*block.Block)
}

// SetOnBlockMined installs a callback invoked after each locally mined
// block is connected to the chain.
func (m *Miner) SetOnBlockMined(fn func(*block.Block)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBlockMined = fn
}

// New constructs a Miner over chain c and mempool mp.
func New(c *chain.Chain, mp *mempool.Mempool, params *chainparams.Params, cfg Config) *Miner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Miner{
		chain:  c,
		pool:   mp,
		params: params,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the mining loop in a goroutine.
func (m *Miner) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mining {
		return fmt.Errorf("miner: already mining")
	}
	m.mining = true
	m.stop = make(chan struct{})
	go m.loop(m.stop)
	return nil
}

// Stop halts the mining loop.
func (m *Miner) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mining {
		return
	}
	m.mining = false
	close(m.stop)
}

// Close stops the miner and releases its background context.
func (m *Miner) Close() {
	m.Stop()
	m.cancel()
}

func (m *Miner) IsMining() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mining
}

func (m *Miner) loop(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.BlockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := m.MineOne(m.ctx); err != nil && err != errNoSolutionFound {
				continue
			}
		}
	}
}

// MineOne assembles one candidate block, searches for a valid nonce,
// and submits it to the chain on success. It returns errNoSolutionFound
// if ctx is cancelled mid-search rather than a block-level failure.
func (m *Miner) MineOne(ctx context.Context) (*block.Block, error) {
	candidate, err := m.assembleCandidate()
	if err != nil {
		return nil, fmt.Errorf("miner: assemble candidate: %w", err)
	}

	if err := mineNonce(ctx, candidate); err != nil {
		return nil, err
	}

	if err := m.chain.AcceptBlock(candidate, time.Now()); err != nil {
		return nil, fmt.Errorf("miner: mined block rejected: %w", err)
	}

	for _, tx := range candidate.Transactions[1:] {
		m.pool.Remove(tx.TxID())
	}

	m.mu.Lock()
	m.BlocksMined++
	onMined := m.onBlockMined
	m.mu.Unlock()

	if onMined != nil {
		onMined(candidate)
	}

	return candidate, nil
}

// assembleCandidate selects mempool transactions, computes their fees
// against the chain's live UTXO set, and builds an unsolved block
// extending the current tip.
func (m *Miner) assembleCandidate() (*block.Block, error) {
	tipHash, tipHeight := m.chain.Tip()
	bits, err := m.chain.NextExpectedBits()
	if err != nil {
		return nil, fmt.Errorf("next expected bits: %w", err)
	}

	height := tipHeight + 1
	txs := m.pool.SelectForBlock(m.cfg.MaxBlockBytes)

	utxos := m.chain.UTXOSet()
	var totalFees uint64
	for _, tx := range txs {
		fee, err := feeOf(tx, utxos)
		if err != nil {
			return nil, fmt.Errorf("compute fee for txid %x: %w", tx.TxID(), err)
		}
		totalFees += fee
	}

	coinbase := m.buildCoinbase(height, totalFees)
	transactions := make([]*block.Transaction, 0, len(txs)+1)
	transactions = append(transactions, coinbase)
	transactions = append(transactions, txs...)

	// Blocks mined within the same second as the tip would not exceed
	// median-time-past, so the timestamp is at least one past the tip's.
	timestamp := uint64(time.Now().Unix())
	if tip, err := m.chain.GetBlock(tipHash); err == nil && tip != nil && timestamp <= tip.Header.Timestamp {
		timestamp = tip.Header.Timestamp + 1
	}

	b := &block.Block{
		Header: &block.BlockHeader{
			Version:   1,
			PrevHash:  tipHash,
			Timestamp: timestamp,
			Bits:      bits,
			Height:    height,
		},
		Transactions: transactions,
	}
	b.Header.MerkleRoot = b.CalculateMerkleRoot()
	return b, nil
}

func feeOf(tx *block.Transaction, utxos *utxo.Set) (uint64, error) {
	var inputSum, outputSum uint64
	for _, in := range tx.Inputs {
		entry, found, err := utxos.Get(in.PrevOutPoint)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, fmt.Errorf("missing input %x:%d", in.PrevOutPoint.TxID, in.PrevOutPoint.Vout)
		}
		inputSum += entry.Output.Amount
	}
	for _, out := range tx.Outputs {
		outputSum += out.Amount
	}
	if inputSum < outputSum {
		return 0, fmt.Errorf("txid %x: input sum %d < output sum %d", tx.TxID(), inputSum, outputSum)
	}
	return inputSum - outputSum, nil
}

// buildCoinbase constructs the first transaction of a candidate block:
// a single null-outpoint input carrying the height (BIP34-style, so two
// coinbases at different heights never collide on txid by accident)
// plus an extra-nonce counter, and a single output paying the subsidy
// plus collected fees to the configured script.
func (m *Miner) buildCoinbase(height, fees uint64) *block.Transaction {
	script := make([]byte, 16)
	binary.LittleEndian.PutUint64(script[0:8], height)
	binary.LittleEndian.PutUint64(script[8:16], m.cfg.ExtraNonceStart)

	reward := m.params.Subsidy(height) + fees
	return &block.Transaction{
		Version: 1,
		Inputs: []*block.TransactionInput{
			{PrevOutPoint: block.NullOutPoint, ScriptSig: script, Sequence: block.FinalSequence},
		},
		Outputs: []*block.TransactionOutput{
			{Amount: reward, PubKeyScript: m.cfg.CoinbaseScript},
		},
	}
}

// mineNonce searches nonces (and, every nonceRollover attempts, bumps
// the timestamp so a regtest-speed chain doesn't stall on a timestamp
// that falls behind median-time-past while searching) until the
// header hash meets its declared target or ctx is cancelled.
func mineNonce(ctx context.Context, b *block.Block) error {
	const nonceRollover = 1 << 20
	for {
		for nonce := uint64(0); nonce < nonceRollover; nonce++ {
			select {
			case <-ctx.Done():
				return errNoSolutionFound
			default:
			}
			b.Header.Nonce = nonce
			meets, err := consensus.HashMeetsTarget(b.Hash(), b.Header.Bits)
			if err != nil {
				return fmt.Errorf("miner: bad bits 0x%08x: %w", b.Header.Bits, err)
			}
			if meets {
				return nil
			}
		}
		b.Header.Timestamp = uint64(time.Now().Unix())
	}
}
