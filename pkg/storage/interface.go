// Package storage persists blocks and the chain index: hash -> block,
// height -> hash, and hash -> accumulated chainwork, plus the current
// tip pointer. Adapted from the prior implementation's pkg/storage,
// whose StorageInterface and badger/leveldb backend choice this
// package keeps, with JSON block encoding replaced by pkg/block's
// canonical binary codec so stored bytes match what gets hashed.
package storage

import (
	"math/big"

	"github.com/ledgercore/chain/pkg/block"
)

// Interface is the storage contract pkg/chain depends on.
type Interface interface {
	StoreBlock(b *block.Block) error
	GetBlock(hash [32]byte) (*block.Block, error)
	HasBlock(hash [32]byte) (bool, error)

	StoreHeightIndex(height uint64, hash [32]byte) error
	GetHashAtHeight(height uint64) ([32]byte, bool, error)
	DeleteHeightIndex(height uint64) error

	StoreChainWork(hash [32]byte, work *big.Int) error
	GetChainWork(hash [32]byte) (*big.Int, bool, error)

	StoreTip(hash [32]byte, height uint64) error
	GetTip() (hash [32]byte, height uint64, ok bool, err error)

	// StoreUndo/GetUndo/DeleteUndo persist the per-block UTXO undo log
	// pkg/chain needs to disconnect a block during a reorg without
	// rebuilding the whole UTXO set from genesis. The payload is an
	// opaque blob pkg/chain encodes and decodes itself.
	StoreUndo(hash [32]byte, data []byte) error
	GetUndo(hash [32]byte) ([]byte, bool, error)
	DeleteUndo(hash [32]byte) error

	// StorePeerRecord/GetPeerRecord/DeletePeerRecord/ListPeerRecords back
	// the peer address book (pkg/net's Manager): last-seen timestamps
	// and scoring history that should survive a node restart rather
	// than forcing a fresh discovery crawl. The payload is an opaque
	// blob the caller encodes and decodes itself, same convention as
	// the undo log above.
	StorePeerRecord(id string, data []byte) error
	GetPeerRecord(id string) ([]byte, bool, error)
	DeletePeerRecord(id string) error
	ListPeerRecords() (map[string][]byte, error)

	Close() error
}

// BackendType selects which key-value engine backs Interface.
type BackendType string

const (
	BackendBadger   BackendType = "badger"
	BackendLevelDB  BackendType = "leveldb"
)

// Open constructs the selected backend at dataDir.
func Open(backend BackendType, dataDir string) (Interface, error) {
	switch backend {
	case BackendLevelDB:
		return NewLevelDBStorage(dataDir)
	default:
		return NewBadgerStorage(dataDir)
	}
}
