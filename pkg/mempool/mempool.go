// Package mempool holds unconfirmed transactions and orders them for
// block template construction. Adapted from the prior implementation's
// pkg/mempool/mempool.go (TransactionEntry, the fee-rate min-heap used
// for eviction, and its overall lock/size-accounting shape), with its
// admission checks replaced by pkg/consensus.ValidateStandaloneTx and
// a replace-by-fee policy added, since the prior implementation had
// none.
package mempool

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ledgercore/chain/pkg/block"
	"github.com/ledgercore/chain/pkg/chainparams"
	"github.com/ledgercore/chain/pkg/consensus"
)

// TransactionEntry wraps a pooled transaction with the metadata used
// for ordering, eviction, and conflict tracking.
type TransactionEntry struct {
	Transaction *block.Transaction
	TxID        [32]byte
	Fee         uint64
	Size        uint64
	FeeRate     uint64 // fee per byte, truncated
	Timestamp   time.Time
	index       int // heap.Interface bookkeeping
}

// feeRateHeap is a min-heap over FeeRate, used to find the cheapest
// entries to evict first when the pool is over its byte budget.
type feeRateHeap []*TransactionEntry

func (h feeRateHeap) Len() int            { return len(h) }
func (h feeRateHeap) Less(i, j int) bool  { return h[i].FeeRate < h[j].FeeRate }
func (h feeRateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *feeRateHeap) Push(x interface{}) {
	e := x.(*TransactionEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *feeRateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
func (h *feeRateHeap) remove(e *TransactionEntry) {
	if e.index >= 0 && e.index < h.Len() {
		heap.Remove(h, e.index)
	}
}

// Config bundles the tunables a Mempool needs at construction.
type Config struct {
	MaxBytes   uint64 // total byte budget across all pooled transactions
	MaxTxBytes uint64 // largest single transaction admitted
}

// Mempool holds unconfirmed, individually-valid transactions awaiting
// inclusion in a block.
type Mempool struct {
	mu sync.RWMutex

	byTxID    map[[32]byte]*TransactionEntry
	byOutpoint map[block.OutPoint][32]byte // spender in the pool, for conflict/RBF detection
	feeOrder  feeRateHeap

	totalBytes uint64
	cfg        Config
	params     *chainparams.Params
}

func New(cfg Config, params *chainparams.Params) *Mempool {
	mp := &Mempool{
		byTxID:     make(map[[32]byte]*TransactionEntry),
		byOutpoint: make(map[block.OutPoint][32]byte),
		feeOrder:   feeRateHeap{},
		cfg:        cfg,
		params:     params,
	}
	heap.Init(&mp.feeOrder)
	return mp
}

// Accept validates tx against the current UTXO view at height and, if
// it passes admission, adds it to the pool. A transaction that
// conflicts with one or more pooled transactions is admitted only as
// a replacement: every conflicting input's spender must have opted
// into replacement, and the incoming transaction must pay a strictly
// higher absolute fee and a strictly higher fee rate than the combined
// fee and fee rate of the transactions it replaces. Conflicting transactions that would be
// replaced are evicted as part of a successful Accept.
func (mp *Mempool) Accept(tx *block.Transaction, height uint64, utxos consensus.UTXOView) error {
	if tx.IsCoinbase() {
		return fmt.Errorf("mempool: coinbase transactions are not relayed standalone")
	}
	if err := tx.BasicSanityCheck(); err != nil {
		return fmt.Errorf("mempool: %w", err)
	}

	size := uint64(len(tx.Bytes()))
	if mp.cfg.MaxTxBytes > 0 && size > mp.cfg.MaxTxBytes {
		return fmt.Errorf("mempool: transaction is %d bytes, max is %d", size, mp.cfg.MaxTxBytes)
	}

	txid := tx.TxID()

	mp.mu.Lock()
	defer mp.mu.Unlock()

	if _, exists := mp.byTxID[txid]; exists {
		return fmt.Errorf("mempool: transaction already pooled")
	}

	conflicts, err := mp.conflictingEntries(tx)
	if err != nil {
		return err
	}

	fee, err := consensus.ValidateStandaloneTx(tx, height, utxos, mp.params)
	if err != nil {
		return fmt.Errorf("mempool: %w", err)
	}

	feeRate := uint64(0)
	if size > 0 {
		feeRate = fee / size
	}
	if feeRate < mp.params.MinFeeRate {
		return fmt.Errorf("mempool: fee rate %d below minimum %d", feeRate, mp.params.MinFeeRate)
	}

	if len(conflicts) > 0 {
		if err := validateReplacement(conflicts, fee, feeRate); err != nil {
			return err
		}
		for _, c := range conflicts {
			mp.removeEntryLocked(c)
		}
	}

	if mp.cfg.MaxBytes > 0 && mp.totalBytes+size > mp.cfg.MaxBytes {
		if !mp.evictForSpaceLocked(size, feeRate) {
			return fmt.Errorf("mempool: full and no lower fee-rate transactions to evict")
		}
	}

	entry := &TransactionEntry{
		Transaction: tx,
		TxID:        txid,
		Fee:         fee,
		Size:        size,
		FeeRate:     feeRate,
		Timestamp:   time.Now(),
	}
	mp.byTxID[txid] = entry
	for _, in := range tx.Inputs {
		mp.byOutpoint[in.PrevOutPoint] = txid
	}
	mp.totalBytes += size
	heap.Push(&mp.feeOrder, entry)
	return nil
}

// conflictingEntries returns the distinct pooled entries that spend at
// least one outpoint tx also spends.
func (mp *Mempool) conflictingEntries(tx *block.Transaction) ([]*TransactionEntry, error) {
	seen := make(map[[32]byte]struct{})
	var conflicts []*TransactionEntry
	for _, in := range tx.Inputs {
		spender, ok := mp.byOutpoint[in.PrevOutPoint]
		if !ok {
			continue
		}
		if _, dup := seen[spender]; dup {
			continue
		}
		seen[spender] = struct{}{}
		entry, ok := mp.byTxID[spender]
		if !ok {
			return nil, fmt.Errorf("mempool: outpoint index inconsistent with pool")
		}
		conflicts = append(conflicts, entry)
	}
	return conflicts, nil
}

// validateReplacement enforces replace-by-fee: every conflicting
// transaction must have opted in via at least one input with a
// sub-threshold sequence, and the replacement must strictly beat the
// entire conflicting set's cumulative fee and fee rate, not each
// conflict individually — a replacement that only out-pays the
// cheapest conflict would let an attacker fragment a large pending
// spend into many small transactions to lower the bar for eviction.
func validateReplacement(conflicts []*TransactionEntry, newFee, newFeeRate uint64) error {
	var totalFee, totalSize uint64
	for _, c := range conflicts {
		if !optedIntoRBF(c.Transaction) {
			return fmt.Errorf("mempool: conflicting transaction did not opt into replacement")
		}
		totalFee += c.Fee
		totalSize += c.Size
	}
	if newFee <= totalFee {
		return fmt.Errorf("mempool: replacement fee %d does not exceed cumulative conflicting fee %d", newFee, totalFee)
	}
	if totalSize > 0 {
		cumulativeFeeRate := totalFee / totalSize
		if newFeeRate <= cumulativeFeeRate {
			return fmt.Errorf("mempool: replacement fee rate %d does not exceed cumulative conflicting fee rate %d", newFeeRate, cumulativeFeeRate)
		}
	}
	return nil
}

func optedIntoRBF(tx *block.Transaction) bool {
	for _, in := range tx.Inputs {
		if in.OptedIntoRBF() {
			return true
		}
	}
	return false
}

// evictForSpaceLocked evicts entries with a lower fee rate than
// candidateFeeRate, cheapest first, until size bytes are free or no
// more eligible entries remain. Caller must hold mp.mu.
func (mp *Mempool) evictForSpaceLocked(size, candidateFeeRate uint64) bool {
	var evicted []*TransactionEntry
	spare := make(feeRateHeap, len(mp.feeOrder))
	copy(spare, mp.feeOrder)
	heap.Init(&spare)

	freed := uint64(0)
	for freed < size && spare.Len() > 0 && spare[0].FeeRate < candidateFeeRate {
		e := heap.Pop(&spare).(*TransactionEntry)
		evicted = append(evicted, e)
		freed += e.Size
	}
	if freed < size {
		return false
	}
	for _, e := range evicted {
		mp.removeEntryLocked(e)
	}
	return true
}

// removeEntryLocked drops an entry from every index. Caller must hold mp.mu.
func (mp *Mempool) removeEntryLocked(e *TransactionEntry) {
	delete(mp.byTxID, e.TxID)
	mp.totalBytes -= e.Size
	mp.feeOrder.remove(e)
	for _, in := range e.Transaction.Inputs {
		if mp.byOutpoint[in.PrevOutPoint] == e.TxID {
			delete(mp.byOutpoint, in.PrevOutPoint)
		}
	}
}

// Remove drops a pooled transaction by id, as when a block connects
// and its transactions no longer need to wait in the pool.
func (mp *Mempool) Remove(txid [32]byte) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	e, ok := mp.byTxID[txid]
	if !ok {
		return false
	}
	mp.removeEntryLocked(e)
	return true
}

// Get returns the pooled transaction for txid, if present.
func (mp *Mempool) Get(txid [32]byte) (*block.Transaction, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	e, ok := mp.byTxID[txid]
	if !ok {
		return nil, false
	}
	return e.Transaction, true
}

// Reintroduce re-admits a transaction that was pooled, then dropped
// because its block connected, back into the pool after that block
// disconnects during a reorg. Unlike Accept, it skips the minimum fee
// rate floor, since the transaction already cleared it once and a
// since-raised floor should not strand a disconnected block's
// transactions.
func (mp *Mempool) Reintroduce(tx *block.Transaction, height uint64, utxos consensus.UTXOView) error {
	fee, err := consensus.ValidateStandaloneTx(tx, height, utxos, mp.params)
	if err != nil {
		return fmt.Errorf("mempool: reintroduced transaction no longer valid: %w", err)
	}
	txid := tx.TxID()

	mp.mu.Lock()
	defer mp.mu.Unlock()
	if _, exists := mp.byTxID[txid]; exists {
		return nil
	}
	size := uint64(len(tx.Bytes()))
	feeRate := uint64(0)
	if size > 0 {
		feeRate = fee / size
	}
	entry := &TransactionEntry{
		Transaction: tx,
		TxID:        txid,
		Fee:         fee,
		Size:        size,
		FeeRate:     feeRate,
		Timestamp:   time.Now(),
	}
	mp.byTxID[txid] = entry
	for _, in := range tx.Inputs {
		mp.byOutpoint[in.PrevOutPoint] = txid
	}
	mp.totalBytes += size
	heap.Push(&mp.feeOrder, entry)
	return nil
}

// SelectForBlock returns pooled transactions ordered highest fee rate
// first, skipping any transaction that would push the total past
// maxBytes.
func (mp *Mempool) SelectForBlock(maxBytes uint64) []*block.Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	candidates := make([]*TransactionEntry, len(mp.feeOrder))
	copy(candidates, mp.feeOrder)
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].FeeRate > candidates[j].FeeRate })

	var out []*block.Transaction
	var used uint64
	for _, e := range candidates {
		if used+e.Size > maxBytes {
			continue
		}
		out = append(out, e.Transaction)
		used += e.Size
	}
	return out
}

// All returns every pooled transaction, in no particular order. Used
// by compact-block reconstruction to match short ids against the
// receiver's own mempool contents.
func (mp *Mempool) All() []*block.Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	out := make([]*block.Transaction, 0, len(mp.byTxID))
	for _, e := range mp.byTxID {
		out = append(out, e.Transaction)
	}
	return out
}

// Count returns the number of pooled transactions.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.byTxID)
}

// Bytes returns the total size in bytes of all pooled transactions.
func (mp *Mempool) Bytes() uint64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.totalBytes
}

// ExpireOlderThan drops every entry whose Timestamp is older than
// maxAge and returns the number removed.
func (mp *Mempool) ExpireOlderThan(maxAge time.Duration) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	now := time.Now()
	var stale []*TransactionEntry
	for _, e := range mp.byTxID {
		if now.Sub(e.Timestamp) > maxAge {
			stale = append(stale, e)
		}
	}
	for _, e := range stale {
		mp.removeEntryLocked(e)
	}
	return len(stale)
}
