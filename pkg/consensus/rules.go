package consensus

import (
	"time"

	"github.com/ledgercore/chain/pkg/block"
	"github.com/ledgercore/chain/pkg/chainparams"
	"github.com/ledgercore/chain/pkg/utxo"
)

// MaxFutureDrift bounds how far into the future a header's timestamp
// may sit relative to the validator's clock.
const MaxFutureDrift = 2 * time.Hour

// MedianTimePastWindow is the number of preceding headers whose median
// timestamp a new header must exceed.
const MedianTimePastWindow = 11

// ParentView is the minimal parent-chain context Phase B needs: the
// immediate parent header plus the preceding MedianTimePastWindow
// headers (oldest first) used for the median-time-past check, and the
// difficulty window needed to confirm the demanded bits value.
type ParentView struct {
	Parent           *block.BlockHeader
	RecentHeaders    []*block.BlockHeader // up to the last 11 headers ending at Parent, oldest first
	ExpectedBits     uint32               // bits the difficulty engine demands for this height
	Checkpoints      map[uint64][32]byte  // height -> required hash
}

// UTXOView is the read-only snapshot validation consults for input
// resolution; *utxo.Set satisfies it, and pkg/chain passes its live
// set directly.
type UTXOView interface {
	Get(op block.OutPoint) (*utxo.Entry, bool, error)
	IsRecentlySpent(op block.OutPoint, currentHeight uint64) bool
}

// ValidatePhaseA runs every context-free check on a full block: fixed
// schema (delegated to the already-decoded struct), future-timestamp
// bound, proof of work, and the block-shape checks pkg/block already
// implements (non-empty, first-is-coinbase, no duplicate txids, merkle
// root, structural transaction sanity). Oversized-block and PoW
// threshold checks need chain parameters, so they live here rather
// than in pkg/block.
func ValidatePhaseA(b *block.Block, now time.Time, params *chainparams.Params) error {
	if b == nil || b.Header == nil {
		return &ValidationError{Code: BadHeader, Reason: "nil block or header"}
	}
	if time.Unix(int64(b.Header.Timestamp), 0).After(now.Add(MaxFutureDrift)) {
		return failf(BadTimestampFuture, "timestamp %d exceeds now+2h", b.Header.Timestamp)
	}

	meets, err := HashMeetsTarget(b.Hash(), b.Header.Bits)
	if err != nil {
		return failf(BadPoW, "bits 0x%08x: %v", b.Header.Bits, err)
	}
	if !meets {
		return failf(BadPoW, "block hash does not meet target for bits 0x%08x", b.Header.Bits)
	}

	if err := b.BasicSanityCheck(); err != nil {
		return failf(BadHeader, "%v", err)
	}

	size := len(b.Bytes())
	if size > params.MaxBlockSize {
		return failf(OversizedBlock, "block is %d bytes, max is %d", size, params.MaxBlockSize)
	}
	return nil
}

// ValidatePhaseAHeader runs the subset of Phase A that a bare header
// (no transactions fetched yet) can satisfy: future-timestamp bound
// and proof of work. This is what header-first propagation calls
// before committing to a full block fetch.
func ValidatePhaseAHeader(h *block.BlockHeader, now time.Time) error {
	if h == nil {
		return &ValidationError{Code: BadHeader, Reason: "nil header"}
	}
	if time.Unix(int64(h.Timestamp), 0).After(now.Add(MaxFutureDrift)) {
		return failf(BadTimestampFuture, "timestamp %d exceeds now+2h", h.Timestamp)
	}
	meets, err := HashMeetsTarget(h.Hash(), h.Bits)
	if err != nil {
		return failf(BadPoW, "bits 0x%08x: %v", h.Bits, err)
	}
	if !meets {
		return failf(BadPoW, "header hash does not meet target for bits 0x%08x", h.Bits)
	}
	return nil
}

// MedianTimePast returns the median timestamp of recent (oldest-first,
// at most MedianTimePastWindow) headers.
func MedianTimePast(recent []*block.BlockHeader) uint64 {
	if len(recent) == 0 {
		return 0
	}
	n := len(recent)
	if n > MedianTimePastWindow {
		recent = recent[n-MedianTimePastWindow:]
		n = MedianTimePastWindow
	}
	ts := make([]uint64, n)
	for i, h := range recent {
		ts[i] = h.Timestamp
	}
	for i := 1; i < n; i++ {
		for j := i; j > 0 && ts[j-1] > ts[j]; j-- {
			ts[j-1], ts[j] = ts[j], ts[j-1]
		}
	}
	return ts[n/2]
}

// ValidatePhaseB runs every contextual check that requires parent
// chain state and the pre-block UTXO snapshot: parent linkage and
// height, median-time-past, the demanded difficulty, per-transaction
// input resolution/maturity/script verification/balance, in-block
// double-spend detection, and the coinbase subsidy bound. On success
// it returns the total fees collected, which the caller folds into the
// coinbase bound and the next block's candidate reward accounting.
func ValidatePhaseB(b *block.Block, view ParentView, utxos UTXOView, params *chainparams.Params) (fees uint64, err error) {
	if view.Parent == nil {
		return 0, failf(UnknownParent, "no parent header supplied")
	}
	if b.Header.Height != view.Parent.Height+1 {
		return 0, failf(BadHeader, "height %d is not parent height %d + 1", b.Header.Height, view.Parent.Height)
	}
	if b.Header.PrevHash != view.Parent.Hash() {
		return 0, failf(UnknownParent, "prev_hash does not match parent hash")
	}
	if required, ok := view.Checkpoints[b.Header.Height]; ok && required != b.Hash() {
		return 0, failf(BadHeader, "height %d does not match configured checkpoint", b.Header.Height)
	}

	mtp := MedianTimePast(view.RecentHeaders)
	if b.Header.Timestamp <= mtp {
		return 0, failf(BadTimestampPast, "timestamp %d does not exceed median time past %d", b.Header.Timestamp, mtp)
	}

	if b.Header.Bits != view.ExpectedBits {
		return 0, failf(BadDifficulty, "bits 0x%08x does not match demanded 0x%08x", b.Header.Bits, view.ExpectedBits)
	}

	spentInBlock := make(map[block.OutPoint]struct{})
	var totalFees uint64
	for i, tx := range b.Transactions {
		if i == 0 {
			continue // coinbase handled after the loop, once fees are known
		}
		txFee, vErr := validateNonCoinbaseTx(tx, b.Header.Height, spentInBlock, utxos, params)
		if vErr != nil {
			return 0, vErr
		}
		totalFees += txFee
	}

	if err := validateCoinbase(b.Transactions[0], b.Header.Height, totalFees, params); err != nil {
		return 0, err
	}

	return totalFees, nil
}

// ValidateStandaloneTx runs the same per-input resolution, maturity,
// script, and balance checks Phase B applies inside a block, for a
// transaction considered on its own (mempool admission). It has no
// in-block conflict set of its own; the mempool tracks its own
// candidate-output conflicts separately.
func ValidateStandaloneTx(tx *block.Transaction, height uint64, utxos UTXOView, params *chainparams.Params) (fee uint64, err error) {
	return validateNonCoinbaseTx(tx, height, make(map[block.OutPoint]struct{}), utxos, params)
}

func validateNonCoinbaseTx(tx *block.Transaction, height uint64, spentInBlock map[block.OutPoint]struct{}, utxos UTXOView, params *chainparams.Params) (uint64, error) {
	var inputSum uint64
	for _, in := range tx.Inputs {
		op := in.PrevOutPoint
		if _, dup := spentInBlock[op]; dup {
			return 0, failf(DoubleSpend, "outpoint %x:%d spent twice within block", op.TxID, op.Vout)
		}
		if utxos.IsRecentlySpent(op, height) {
			return 0, failf(DoubleSpend, "outpoint %x:%d was recently spent", op.TxID, op.Vout)
		}
		entry, found, err := utxos.Get(op)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, failf(MissingInput, "outpoint %x:%d not found in UTXO snapshot", op.TxID, op.Vout)
		}
		if !entry.SpendableAt(height, params.CoinbaseMaturity) {
			return 0, failf(ImmatureCoinbase, "outpoint %x:%d is an immature coinbase output (included at %d, spend at %d, maturity %d)", op.TxID, op.Vout, entry.Height, height, params.CoinbaseMaturity)
		}

		sigHash := SigHash(tx)
		if err := verifyScript(entry.Output.PubKeyScript, in.ScriptSig, sigHash[:]); err != nil {
			return 0, err
		}

		spentInBlock[op] = struct{}{}
		inputSum += entry.Output.Amount
	}

	var outputSum uint64
	for _, out := range tx.Outputs {
		outputSum += out.Amount
	}
	if inputSum < outputSum {
		return 0, failf(InsufficientInput, "txid %x: input sum %d < output sum %d", tx.TxID(), inputSum, outputSum)
	}
	return inputSum - outputSum, nil
}

func validateCoinbase(tx *block.Transaction, height uint64, fees uint64, params *chainparams.Params) error {
	if !tx.IsCoinbase() {
		return failf(InvalidCoinbase, "first transaction is not a valid coinbase")
	}
	var outputSum uint64
	for _, out := range tx.Outputs {
		outputSum += out.Amount
	}
	maxReward := params.Subsidy(height) + fees
	if outputSum > maxReward {
		return failf(InvalidCoinbase, "coinbase pays %d, exceeds subsidy(%d)=%d + fees=%d", outputSum, height, params.Subsidy(height), fees)
	}
	return nil
}
