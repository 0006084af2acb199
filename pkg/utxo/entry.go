// Package utxo implements the two-tier UTXO set: a fixed-capacity
// LRU hot cache backed by a memory-mapped persistent store, a
// recently-spent guard against zombie reads of evicted-then-reinserted
// entries, and a Merkle-style commitment over the set's contents.
//
// Adapted from the prior implementation's pkg/utxo/utxo.go, which kept a single flat
// in-memory map (no tiering, no commitment, no persistence) plus a
// secondary address->balance index this redesign drops:
// UtxoEntry is keyed purely by OutPoint, and balance queries are a
// wallet-layer concern excluded by Non-goals.
package utxo

import "github.com/ledgercore/chain/pkg/block"

// Entry mirrors UtxoEntry: outpoint, output, inclusion
// height, coinbase flag, and confirmation status.
type Entry struct {
	OutPoint    block.OutPoint
	Output      block.TransactionOutput
	Height      uint64
	IsCoinbase  bool
	IsConfirmed bool
}

// MatureAt returns the height at which a coinbase entry becomes
// spendable given the network's coinbase maturity window.
func (e *Entry) MatureAt(coinbaseMaturity uint64) uint64 {
	return e.Height + coinbaseMaturity
}

// SpendableAt reports whether e can be spent by a transaction included
// at spendHeight (the coinbase maturity rule).
func (e *Entry) SpendableAt(spendHeight, coinbaseMaturity uint64) bool {
	if !e.IsCoinbase {
		return true
	}
	return spendHeight >= e.MatureAt(coinbaseMaturity)
}
