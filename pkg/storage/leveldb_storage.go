package storage

import (
	"fmt"
	"math/big"

	"github.com/ledgercore/chain/pkg/block"
	"github.com/ledgercore/chain/pkg/wire"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStorage is the alternative storage backend, grounded on the
// prior implementation's leveldb_storage.go, mirroring BadgerStorage's
// keyspace and canonical-binary encoding.
type LevelDBStorage struct {
	db *leveldb.DB
}

func NewLevelDBStorage(dataDir string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(dataDir, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelDBStorage{db: db}, nil
}

func (s *LevelDBStorage) StoreBlock(b *block.Block) error {
	hash := b.Hash()
	return s.db.Put(blockKey(hash), b.Bytes(), nil)
}

func (s *LevelDBStorage) GetBlock(hash [32]byte) (*block.Block, error) {
	data, err := s.db.Get(blockKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get block: %w", err)
	}
	return block.DecodeBlock(wire.NewReader(data))
}

func (s *LevelDBStorage) HasBlock(hash [32]byte) (bool, error) {
	return s.db.Has(blockKey(hash), nil)
}

func (s *LevelDBStorage) StoreHeightIndex(height uint64, hash [32]byte) error {
	return s.db.Put(heightKey(height), hash[:], nil)
}

func (s *LevelDBStorage) GetHashAtHeight(height uint64) ([32]byte, bool, error) {
	var hash [32]byte
	data, err := s.db.Get(heightKey(height), nil)
	if err == leveldb.ErrNotFound {
		return hash, false, nil
	}
	if err != nil {
		return hash, false, err
	}
	copy(hash[:], data)
	return hash, true, nil
}

func (s *LevelDBStorage) DeleteHeightIndex(height uint64) error {
	return s.db.Delete(heightKey(height), nil)
}

func (s *LevelDBStorage) StoreChainWork(hash [32]byte, work *big.Int) error {
	return s.db.Put(workKey(hash), work.Bytes(), nil)
}

func (s *LevelDBStorage) GetChainWork(hash [32]byte) (*big.Int, bool, error) {
	data, err := s.db.Get(workKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return new(big.Int).SetBytes(data), true, nil
}

func (s *LevelDBStorage) StoreTip(hash [32]byte, height uint64) error {
	w := wire.NewWriter()
	w.WriteFixed(hash[:])
	w.WriteU64(height)
	return s.db.Put(tipKey, w.Bytes(), nil)
}

func (s *LevelDBStorage) GetTip() (hash [32]byte, height uint64, ok bool, err error) {
	data, getErr := s.db.Get(tipKey, nil)
	if getErr == leveldb.ErrNotFound {
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

func (s *LevelDBStorage) StoreUndo(hash [32]byte, data []byte) error {
	return s.db.Put(undoKey(hash), data, nil)
}

func (s *LevelDBStorage) GetUndo(hash [32]byte) ([]byte, bool, error) {
	data, err := s.db.Get(undoKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *LevelDBStorage) DeleteUndo(hash [32]byte) error {
	err := s.db.Delete(undoKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	return err
}

func (s *LevelDBStorage) StorePeerRecord(id string, data []byte) error {
	return s.db.Put(peerKey(id), data, nil)
}

func (s *LevelDBStorage) GetPeerRecord(id string) ([]byte, bool, error) {
	data, err := s.db.Get(peerKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *LevelDBStorage) DeletePeerRecord(id string) error {
	err := s.db.Delete(peerKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	return err
}

func (s *LevelDBStorage) ListPeerRecords() (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := s.db.NewIterator(util.BytesPrefix(peerPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		id := string(iter.Key()[len(peerPrefix):])
		data := make([]byte, len(iter.Value()))
		copy(data, iter.Value())
		out[id] = data
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("list peer records: %w", err)
	}
	return out, nil
}

func (s *LevelDBStorage) Close() error {
	return s.db.Close()
}
