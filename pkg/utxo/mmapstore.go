package utxo

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/ledgercore/chain/pkg/block"
	"github.com/ledgercore/chain/pkg/wire"
)

// slot records where an entry's serialized form lives in the
// memory-mapped region: offset and capacity,'s Tier 2
// description. The in-memory index maps OutPoint -> slot.
type slot struct {
	offset   uint64
	capacity uint32
}

// freeSlot is a reclaimed region available for reuse by the append-only
// allocator, tracked in a simple linear free-list.
type freeSlot struct {
	offset   uint64
	capacity uint32
}

const (
	mmapGrowth   = 16 << 20 // grow the backing file 16 MiB at a time
	headerSize   = 32       // magic(4) + version(4) + tail(8) + reserved(16)
	headerMagic  = 0x5554584f // "UTXO" read as a big-endian u32; stored little-endian
	recordHeader = 9          // capacity(4) + tombstone(1) + payload length(4)
)

// mmapStore is the Tier-2 persistent store: a memory-mapped file
// plus an in-memory OutPoint -> (offset, capacity) index. Cold lookups
// consult the index, then read the mapped region directly; the
// allocator is append-only with a free-list of reclaimed slots, and
// the index itself is rebuilt by a linear scan of the file's records
// on open rather than persisted separately, so the only durable state
// is the records themselves plus the tail offset in the header. No
// precedent for this tier exists in the prior implementation, whose
// UTXO set is purely in-memory; built around edsrzf/mmap-go with an
// append-only allocator and a free-list of reclaimed slots.
type mmapStore struct {
	mu    sync.RWMutex
	file  *os.File
	data  mmap.MMap
	index map[block.OutPoint]slot
	free  []freeSlot
	tail  uint64 // next unallocated offset, relative to start of file
}

func openMmapStore(path string) (*mmapStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("utxo: open store file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	fresh := info.Size() == 0
	if fresh {
		if err := f.Truncate(mmapGrowth); err != nil {
			f.Close()
			return nil, err
		}
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("utxo: mmap file: %w", err)
	}

	s := &mmapStore{
		file:  f,
		data:  m,
		index: make(map[block.OutPoint]slot),
	}
	if fresh {
		binary.LittleEndian.PutUint32(s.data[0:], headerMagic)
		binary.LittleEndian.PutUint64(s.data[8:], headerSize)
		s.tail = headerSize
	} else {
		if err := s.rebuildFromDisk(); err != nil {
			m.Unmap()
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

// rebuildFromDisk replays the record log from headerSize to the
// persisted tail, reconstructing the index and free-list. Tombstoned
// (deleted) records are added to the free-list instead of the index.
func (s *mmapStore) rebuildFromDisk() error {
	if binary.LittleEndian.Uint32(s.data[0:]) != headerMagic {
		return fmt.Errorf("utxo: store file has no valid header")
	}
	s.tail = binary.LittleEndian.Uint64(s.data[8:])

	offset := uint64(headerSize)
	for offset+recordHeader <= s.tail {
		capacity := binary.LittleEndian.Uint32(s.data[offset:])
		tombstone := s.data[offset+4]
		payloadLen := binary.LittleEndian.Uint32(s.data[offset+5:])
		if capacity < recordHeader {
			break // corrupt tail; stop scanning rather than read garbage
		}
		if tombstone == 0 {
			payload := s.data[offset+recordHeader : offset+recordHeader+uint64(payloadLen)]
			e, err := decodeEntry(payload)
			if err == nil {
				s.index[e.OutPoint] = slot{offset: offset, capacity: capacity}
			}
		} else {
			s.free = append(s.free, freeSlot{offset: offset, capacity: capacity})
		}
		offset += uint64(capacity)
	}
	return nil
}

func (s *mmapStore) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	binary.LittleEndian.PutUint64(s.data[8:], s.tail)
	if err := s.data.Flush(); err != nil {
		return err
	}
	if err := s.data.Unmap(); err != nil {
		return err
	}
	return s.file.Close()
}

// grow extends the backing file (and remaps it) so tail+need fits.
func (s *mmapStore) grow(need uint64) error {
	cur := uint64(len(s.data))
	if s.tail+need <= cur {
		return nil
	}
	newSize := cur + mmapGrowth
	for newSize < s.tail+need {
		newSize += mmapGrowth
	}
	if err := s.data.Unmap(); err != nil {
		return err
	}
	if err := s.file.Truncate(int64(newSize)); err != nil {
		return err
	}
	m, err := mmap.Map(s.file, mmap.RDWR, 0)
	if err != nil {
		return err
	}
	s.data = m
	return nil
}

// allocate returns an offset with capacity for at least need bytes,
// preferring a free-list slot of adequate size over appending to the
// tail.
func (s *mmapStore) allocate(need uint32) (uint64, uint32, error) {
	for i, fs := range s.free {
		if fs.capacity >= need {
			s.free = append(s.free[:i], s.free[i+1:]...)
			return fs.offset, fs.capacity, nil
		}
	}
	if err := s.grow(uint64(need)); err != nil {
		return 0, 0, err
	}
	offset := s.tail
	s.tail += uint64(need)
	binary.LittleEndian.PutUint64(s.data[8:], s.tail)
	return offset, need, nil
}

func encodeEntry(e *Entry) []byte {
	w := wire.NewWriter()
	w.WriteFixed(e.OutPoint.TxID[:])
	w.WriteU32(e.OutPoint.Vout)
	w.WriteU64(e.Output.Amount)
	w.WriteVarBytes(e.Output.PubKeyScript)
	w.WriteU64(e.Height)
	if e.IsCoinbase {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	if e.IsConfirmed {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	return w.Bytes()
}

func decodeEntry(b []byte) (*Entry, error) {
	r := wire.NewReader(b)
	e := &Entry{}
	txid, err := r.ReadFixed(32)
	if err != nil {
		return nil, err
	}
	copy(e.OutPoint.TxID[:], txid)
	if e.OutPoint.Vout, err = r.ReadU32(); err != nil {
		return nil, err
	}
	if e.Output.Amount, err = r.ReadU64(); err != nil {
		return nil, err
	}
	if e.Output.PubKeyScript, err = r.ReadVarBytes(); err != nil {
		return nil, err
	}
	if e.Height, err = r.ReadU64(); err != nil {
		return nil, err
	}
	cb, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	e.IsCoinbase = cb == 1
	conf, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	e.IsConfirmed = conf == 1
	return e, nil
}

// put serializes and writes an entry, reusing its existing slot when
// it still fits and otherwise tombstoning the old slot (if any) and
// allocating a new one.
func (s *mmapStore) put(key block.OutPoint, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := encodeEntry(e)
	need := uint32(recordHeader + len(payload))

	if old, ok := s.index[key]; ok && old.capacity >= need {
		s.writeRecord(old.offset, old.capacity, payload)
		return nil
	}
	if old, ok := s.index[key]; ok {
		s.tombstone(old.offset)
		s.free = append(s.free, freeSlot{offset: old.offset, capacity: old.capacity})
	}
	offset, capacity, err := s.allocate(need)
	if err != nil {
		return err
	}
	s.writeRecord(offset, capacity, payload)
	s.index[key] = slot{offset: offset, capacity: capacity}
	return nil
}

func (s *mmapStore) writeRecord(offset uint64, capacity uint32, payload []byte) {
	binary.LittleEndian.PutUint32(s.data[offset:], capacity)
	s.data[offset+4] = 0 // live
	binary.LittleEndian.PutUint32(s.data[offset+5:], uint32(len(payload)))
	copy(s.data[offset+recordHeader:], payload)
}

func (s *mmapStore) tombstone(offset uint64) {
	s.data[offset+4] = 1
}

func (s *mmapStore) get(key block.OutPoint) (*Entry, bool, error) {
	s.mu.RLock()
	sl, ok := s.index[key]
	if !ok {
		s.mu.RUnlock()
		return nil, false, nil
	}
	n := binary.LittleEndian.Uint32(s.data[sl.offset+5:])
	payload := make([]byte, n)
	copy(payload, s.data[sl.offset+recordHeader:uint64(sl.offset)+recordHeader+uint64(n)])
	s.mu.RUnlock()

	e, err := decodeEntry(payload)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (s *mmapStore) delete(key block.OutPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.index[key]
	if !ok {
		return
	}
	delete(s.index, key)
	s.tombstone(sl.offset)
	s.free = append(s.free, freeSlot{offset: sl.offset, capacity: sl.capacity})
}

func (s *mmapStore) all() []block.OutPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]block.OutPoint, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	return keys
}
