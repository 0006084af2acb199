// Package block implements the canonical data model: OutPoint,
// TransactionInput, TransactionOutput, Transaction, BlockHeader, and
// Block, plus their canonical serialization and hashing. Adapted from
// the prior implementation's pkg/block/block.go, whose Header and Transaction field
// names this package keeps, but whose hashing was single-SHA-256 over
// big-endian fields (fixed here to double-SHA-256 over the
// little-endian pkg/wire canonical encoding) and whose coinbase
// detection was "zero inputs" (fixed here to the precise null-outpoint
// check).
package block

import (
	"fmt"

	"github.com/ledgercore/chain/pkg/crypto"
	"github.com/ledgercore/chain/pkg/wire"
)

const OutPointSize = 36 // 32-byte txid + 4-byte vout

// OutPoint identifies a transaction output by (txid, vout).
type OutPoint struct {
	TxID [32]byte
	Vout uint32
}

// NullOutPoint is the sentinel outpoint a coinbase input must reference.
var NullOutPoint = OutPoint{Vout: 0xFFFFFFFF}

func (o OutPoint) IsNull() bool {
	return o.Vout == 0xFFFFFFFF && o.TxID == [32]byte{}
}

func (o OutPoint) Equal(other OutPoint) bool {
	return o.TxID == other.TxID && o.Vout == other.Vout
}

// Less orders outpoints ascending by (txid, vout), the ordering the
// UTXO commitment accumulation requires over its leaves.
func (o OutPoint) Less(other OutPoint) bool {
	for i := range o.TxID {
		if o.TxID[i] != other.TxID[i] {
			return o.TxID[i] < other.TxID[i]
		}
	}
	return o.Vout < other.Vout
}

func (o OutPoint) encode(w *wire.Writer) {
	w.WriteFixed(o.TxID[:])
	w.WriteU32(o.Vout)
}

func decodeOutPoint(r *wire.Reader) (OutPoint, error) {
	var o OutPoint
	txid, err := r.ReadFixed(32)
	if err != nil {
		return o, err
	}
	copy(o.TxID[:], txid)
	vout, err := r.ReadU32()
	if err != nil {
		return o, err
	}
	o.Vout = vout
	return o, nil
}

// TransactionInput spends an outpoint with an unlock script.
type TransactionInput struct {
	PrevOutPoint OutPoint
	ScriptSig    []byte
	Sequence     uint32
}

// FinalSequence is the sequence value that opts a transaction out of
// replace-by-fee regardless of the input count.
const FinalSequence uint32 = 0xFFFFFFFF

// RBFOptInThreshold: any sequence below this value marks RBF opt-in.
const RBFOptInThreshold uint32 = 0xFFFFFFFE

func (in *TransactionInput) OptedIntoRBF() bool {
	return in.Sequence < RBFOptInThreshold
}

func (in *TransactionInput) encode(w *wire.Writer) {
	in.PrevOutPoint.encode(w)
	w.WriteVarBytes(in.ScriptSig)
	w.WriteU32(in.Sequence)
}

func decodeInput(r *wire.Reader) (*TransactionInput, error) {
	op, err := decodeOutPoint(r)
	if err != nil {
		return nil, err
	}
	script, err := r.ReadVarBytes()
	if err != nil {
		return nil, err
	}
	seq, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	return &TransactionInput{PrevOutPoint: op, ScriptSig: script, Sequence: seq}, nil
}

// TransactionOutput locks an amount to a script.
type TransactionOutput struct {
	Amount       uint64
	PubKeyScript []byte
}

func (out *TransactionOutput) encode(w *wire.Writer) {
	w.WriteU64(out.Amount)
	w.WriteVarBytes(out.PubKeyScript)
}

func decodeOutput(r *wire.Reader) (*TransactionOutput, error) {
	amount, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	script, err := r.ReadVarBytes()
	if err != nil {
		return nil, err
	}
	return &TransactionOutput{Amount: amount, PubKeyScript: script}, nil
}

// Transaction is the canonical transaction type.
type Transaction struct {
	Version  uint32
	Inputs   []*TransactionInput
	Outputs  []*TransactionOutput
	LockTime uint32
}

// Encode writes the canonical serialization used for hashing and wire
// transmission.
func (tx *Transaction) Encode(w *wire.Writer) {
	w.WriteU32(tx.Version)
	w.WriteVarInt(uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		in.encode(w)
	}
	w.WriteVarInt(uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		out.encode(w)
	}
	w.WriteU32(tx.LockTime)
}

// Bytes returns the canonical serialized transaction.
func (tx *Transaction) Bytes() []byte {
	w := wire.NewWriter()
	tx.Encode(w)
	return w.Bytes()
}

// TxID returns the double-SHA-256 hash of the canonical serialization.
func (tx *Transaction) TxID() [32]byte {
	return crypto.Hash256(tx.Bytes())
}

// IsCoinbase reports whether tx has exactly one input whose outpoint
// is the null outpoint (txid all-zero, vout = 0xFFFFFFFF).
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].PrevOutPoint.IsNull()
}

// DecodeTransaction parses a canonically serialized transaction.
func DecodeTransaction(r *wire.Reader) (*Transaction, error) {
	version, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	numIn, err := r.ReadVarInt()
	if err != nil {
		return nil, err
	}
	inputs := make([]*TransactionInput, numIn)
	for i := range inputs {
		inputs[i], err = decodeInput(r)
		if err != nil {
			return nil, err
		}
	}
	numOut, err := r.ReadVarInt()
	if err != nil {
		return nil, err
	}
	outputs := make([]*TransactionOutput, numOut)
	for i := range outputs {
		outputs[i], err = decodeOutput(r)
		if err != nil {
			return nil, err
		}
	}
	lockTime, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	return &Transaction{Version: version, Inputs: inputs, Outputs: outputs, LockTime: lockTime}, nil
}

// BasicSanityCheck enforces the structural invariants of the data model that do
// not require chain context: version set, at least one input (exactly
// one null-outpoint input for coinbase), at least one positive-amount
// output.
func (tx *Transaction) BasicSanityCheck() error {
	if tx.Version == 0 {
		return fmt.Errorf("transaction version must be nonzero")
	}
	if len(tx.Inputs) == 0 {
		return fmt.Errorf("transaction must have at least one input")
	}
	if len(tx.Outputs) == 0 {
		return fmt.Errorf("transaction must have at least one output")
	}
	for i, out := range tx.Outputs {
		if out.Amount == 0 {
			return fmt.Errorf("output %d has zero amount", i)
		}
	}
	if !tx.IsCoinbase() {
		for i, in := range tx.Inputs {
			if in.PrevOutPoint.IsNull() {
				return fmt.Errorf("input %d references the null outpoint outside a coinbase transaction", i)
			}
		}
	} else if len(tx.Inputs) != 1 {
		return fmt.Errorf("coinbase transaction must have exactly one input")
	}
	return nil
}

// BlockHeader is the canonical block header.
type BlockHeader struct {
	Version    uint32
	PrevHash   [32]byte
	MerkleRoot [32]byte
	Timestamp  uint64
	Bits       uint32
	Nonce      uint64
	Height     uint64
}

func (h *BlockHeader) Encode(w *wire.Writer) {
	w.WriteU32(h.Version)
	w.WriteFixed(h.PrevHash[:])
	w.WriteFixed(h.MerkleRoot[:])
	w.WriteU64(h.Timestamp)
	w.WriteU32(h.Bits)
	w.WriteU64(h.Nonce)
	w.WriteU64(h.Height)
}

func (h *BlockHeader) Bytes() []byte {
	w := wire.NewWriter()
	h.Encode(w)
	return w.Bytes()
}

// Hash returns the double-SHA-256 of the serialized header — the
// block hash.
func (h *BlockHeader) Hash() [32]byte {
	return crypto.Hash256(h.Bytes())
}

func DecodeBlockHeader(r *wire.Reader) (*BlockHeader, error) {
	h := &BlockHeader{}
	var err error
	if h.Version, err = r.ReadU32(); err != nil {
		return nil, err
	}
	prev, err := r.ReadFixed(32)
	if err != nil {
		return nil, err
	}
	copy(h.PrevHash[:], prev)
	root, err := r.ReadFixed(32)
	if err != nil {
		return nil, err
	}
	copy(h.MerkleRoot[:], root)
	if h.Timestamp, err = r.ReadU64(); err != nil {
		return nil, err
	}
	if h.Bits, err = r.ReadU32(); err != nil {
		return nil, err
	}
	if h.Nonce, err = r.ReadU64(); err != nil {
		return nil, err
	}
	if h.Height, err = r.ReadU64(); err != nil {
		return nil, err
	}
	return h, nil
}

// Block is a header plus an ordered sequence of transactions whose
// first element must be a coinbase.
type Block struct {
	Header       *BlockHeader
	Transactions []*Transaction
}

func (b *Block) Hash() [32]byte { return b.Header.Hash() }

// Encode writes the canonical full-block serialization: header
// followed by a varint transaction count and the transactions in
// order.
func (b *Block) Encode(w *wire.Writer) {
	b.Header.Encode(w)
	w.WriteVarInt(uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		tx.Encode(w)
	}
}

func (b *Block) Bytes() []byte {
	w := wire.NewWriter()
	b.Encode(w)
	return w.Bytes()
}

func DecodeBlock(r *wire.Reader) (*Block, error) {
	header, err := DecodeBlockHeader(r)
	if err != nil {
		return nil, err
	}
	n, err := r.ReadVarInt()
	if err != nil {
		return nil, err
	}
	txs := make([]*Transaction, n)
	for i := range txs {
		txs[i], err = DecodeTransaction(r)
		if err != nil {
			return nil, err
		}
	}
	return &Block{Header: header, Transactions: txs}, nil
}

// CalculateMerkleRoot computes the Merkle root over the block's
// transaction ids, duplicating the last hash at each level that has an
// odd count, consistent with the prior implementation's buildMerkleTree shape but
// driven by double-SHA-256 txids rather than raw transaction hashes.
func (b *Block) CalculateMerkleRoot() [32]byte {
	if len(b.Transactions) == 0 {
		return crypto.Hash256(nil)
	}
	hashes := make([][32]byte, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.TxID()
	}
	return buildMerkleTree(hashes)
}

func buildMerkleTree(hashes [][32]byte) [32]byte {
	if len(hashes) == 1 {
		return hashes[0]
	}
	if len(hashes)%2 != 0 {
		hashes = append(hashes, hashes[len(hashes)-1])
	}
	next := make([][32]byte, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		next[i/2] = crypto.Hash256Concat(hashes[i][:], hashes[i+1][:])
	}
	return buildMerkleTree(next)
}

// BasicSanityCheck enforces the structural invariants of context-free validation
// that concern block shape: non-empty transaction list, first
// transaction is coinbase, no other transaction is a coinbase, no
// duplicate txids, Merkle root matches, and every transaction passes
// its own basic sanity check. PoW and size checks live in the
// consensus package, which has the chain parameters needed to
// evaluate them.
func (b *Block) BasicSanityCheck() error {
	if b.Header == nil {
		return fmt.Errorf("block header is nil")
	}
	if len(b.Transactions) == 0 {
		return fmt.Errorf("block has no transactions")
	}
	if !b.Transactions[0].IsCoinbase() {
		return fmt.Errorf("first transaction is not coinbase")
	}
	seen := make(map[[32]byte]struct{}, len(b.Transactions))
	for i, tx := range b.Transactions {
		if i > 0 && tx.IsCoinbase() {
			return fmt.Errorf("transaction %d is an unexpected second coinbase", i)
		}
		if err := tx.BasicSanityCheck(); err != nil {
			return fmt.Errorf("transaction %d: %w", i, err)
		}
		id := tx.TxID()
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate txid %x", id)
		}
		seen[id] = struct{}{}
	}
	root := b.CalculateMerkleRoot()
	if root != b.Header.MerkleRoot {
		return fmt.Errorf("merkle root mismatch: header has %x, computed %x", b.Header.MerkleRoot, root)
	}
	return nil
}

func (b *Block) String() string {
	h := b.Hash()
	return fmt.Sprintf("Block{Height: %d, Hash: %x, Transactions: %d}", b.Header.Height, h, len(b.Transactions))
}
