package storage

import (
	"fmt"
	"math/big"

	"github.com/dgraph-io/badger/v4"
	"github.com/ledgercore/chain/pkg/block"
	"github.com/ledgercore/chain/pkg/wire"
)

// BadgerStorage is the default storage backend, grounded on the prior
// implementation's badger-backed pkg/storage/storage.go.
type BadgerStorage struct {
	db *badger.DB
}

func NewBadgerStorage(dataDir string) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(dataDir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &BadgerStorage{db: db}, nil
}

func blockKey(hash [32]byte) []byte {
	return append([]byte("block:"), hash[:]...)
}

func heightKey(height uint64) []byte {
	w := wire.NewWriter()
	w.WriteU64(height)
	return append([]byte("height:"), w.Bytes()...)
}

func workKey(hash [32]byte) []byte {
	return append([]byte("work:"), hash[:]...)
}

func undoKey(hash [32]byte) []byte {
	return append([]byte("undo:"), hash[:]...)
}

func peerKey(id string) []byte {
	return append([]byte("peer:"), []byte(id)...)
}

var tipKey = []byte("tip")
var peerPrefix = []byte("peer:")

func (s *BadgerStorage) StoreBlock(b *block.Block) error {
	hash := b.Hash()
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(hash), b.Bytes())
	})
}

func (s *BadgerStorage) GetBlock(hash [32]byte) (*block.Block, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(hash))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get block: %w", err)
	}
	return block.DecodeBlock(wire.NewReader(data))
}

func (s *BadgerStorage) HasBlock(hash [32]byte) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blockKey(hash))
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *BadgerStorage) StoreHeightIndex(height uint64, hash [32]byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(heightKey(height), hash[:])
	})
}

func (s *BadgerStorage) GetHashAtHeight(height uint64) ([32]byte, bool, error) {
	var hash [32]byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(heightKey(height))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			copy(hash[:], val)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return hash, false, nil
	}
	if err != nil {
		return hash, false, err
	}
	return hash, true, nil
}

func (s *BadgerStorage) DeleteHeightIndex(height uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(heightKey(height))
	})
}

func (s *BadgerStorage) StoreChainWork(hash [32]byte, work *big.Int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(workKey(hash), work.Bytes())
	})
}

func (s *BadgerStorage) GetChainWork(hash [32]byte) (*big.Int, bool, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(workKey(hash))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return new(big.Int).SetBytes(data), true, nil
}

func (s *BadgerStorage) StoreTip(hash [32]byte, height uint64) error {
	w := wire.NewWriter()
	w.WriteFixed(hash[:])
	w.WriteU64(height)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(tipKey, w.Bytes())
	})
}

func (s *BadgerStorage) GetTip() (hash [32]byte, height uint64, ok bool, err error) {
	var data []byte
	getErr := s.db.View(func(txn *badger.Txn) error {
		item, ierr := txn.Get(tipKey)
		if ierr != nil {
			return ierr
		}
		data, ierr = item.ValueCopy(nil)
		return ierr
	})
	if getErr == badger.ErrKeyNotFound {
		return hash, 0, false, nil
	}
	if getErr != nil {
		return hash, 0, false, getErr
	}
	r := wire.NewReader(data)
	raw, rerr := r.ReadFixed(32)
	if rerr != nil {
		return hash, 0, false, rerr
	}
	copy(hash[:], raw)
	height, rerr = r.ReadU64()
	if rerr != nil {
		return hash, 0, false, rerr
	}
	return hash, height, true, nil
}

func (s *BadgerStorage) StoreUndo(hash [32]byte, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(undoKey(hash), data)
	})
}

func (s *BadgerStorage) GetUndo(hash [32]byte) ([]byte, bool, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(undoKey(hash))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *BadgerStorage) DeleteUndo(hash [32]byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(undoKey(hash))
	})
}

func (s *BadgerStorage) StorePeerRecord(id string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(peerKey(id), data)
	})
}

func (s *BadgerStorage) GetPeerRecord(id string) ([]byte, bool, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(peerKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *BadgerStorage) DeletePeerRecord(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(peerKey(id))
	})
}

func (s *BadgerStorage) ListPeerRecords() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(peerPrefix); it.ValidForPrefix(peerPrefix); it.Next() {
			item := it.Item()
			id := string(item.KeyCopy(nil)[len(peerPrefix):])
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[id] = data
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list peer records: %w", err)
	}
	return out, nil
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}
