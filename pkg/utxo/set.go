package utxo

import (
	"sync"

	"github.com/ledgercore/chain/pkg/block"
)

// spentRecord remembers the height at which an outpoint was spent, so
// a stale peer or a slow-to-evict cache entry cannot resurrect it as
// spendable again before the spend has propagated everywhere.
// Entries age out once enough blocks have passed that reorgs of that
// depth are no longer a concern.
type spentRecord struct {
	spentAtHeight uint64
}

// Set is the public utxo.Set contract: a two-tier UTXO set (lru hot cache
// over an mmapStore persistent tier) with a recently-spent guard and a
// running commitment. Lock ordering within Set, and from any caller
// that also holds chain/mempool locks, is cache -> index -> spent ->
// commitment, matching the global ordering mandates to avoid
// deadlock across components that share more than one lock.
type Set struct {
	cacheMu sync.RWMutex
	cache   *lruCache

	indexMu sync.RWMutex
	index   *mmapStore

	spentMu sync.Mutex
	spent   map[block.OutPoint]spentRecord

	commitMu   sync.Mutex
	commitment *Commitment

	spentRetention uint64
}

// Config bundles the tunables a Set needs at construction.
type Config struct {
	CacheCapacity  int
	StorePath      string
	SpentRetention uint64 // blocks after which a recently-spent record may be forgotten
}

func NewSet(cfg Config) (*Set, error) {
	store, err := openMmapStore(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	s := &Set{
		cache:          newLRUCache(cfg.CacheCapacity),
		index:          store,
		spent:          make(map[block.OutPoint]spentRecord),
		commitment:     NewCommitment(),
		spentRetention: cfg.SpentRetention,
	}
	return s, nil
}

func (s *Set) Close() error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.index.close()
}

// Get resolves an outpoint to its UtxoEntry, consulting the hot cache
// first and falling back to the persistent tier on a miss. A cold hit
// is promoted into the cache.
func (s *Set) Get(op block.OutPoint) (*Entry, bool, error) {
	s.cacheMu.RLock()
	if e, ok := s.cache.get(op); ok {
		s.cacheMu.RUnlock()
		return e, true, nil
	}
	s.cacheMu.RUnlock()

	s.indexMu.RLock()
	e, found, err := s.index.get(op)
	s.indexMu.RUnlock()
	if err != nil || !found {
		return nil, false, err
	}

	s.cacheMu.Lock()
	s.evictIfNeeded(s.cache.put(op, e, false))
	s.cacheMu.Unlock()
	return e, true, nil
}

// Contains reports presence without promoting the cache entry.
func (s *Set) Contains(op block.OutPoint) bool {
	s.cacheMu.RLock()
	if s.cache.contains(op) {
		s.cacheMu.RUnlock()
		return true
	}
	s.cacheMu.RUnlock()

	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	_, found, _ := s.index.get(op)
	return found
}

// IsRecentlySpent reports whether op was spent within the retention
// window, guarding against zombie reads of an entry that was evicted
// from the cache before its spend reached the persistent tier.
func (s *Set) IsRecentlySpent(op block.OutPoint, currentHeight uint64) bool {
	s.spentMu.Lock()
	defer s.spentMu.Unlock()
	rec, ok := s.spent[op]
	if !ok {
		return false
	}
	return currentHeight < rec.spentAtHeight+s.spentRetention
}

// Put inserts a new entry as dirty, scheduling an eviction write-out
// to tier 2 if the cache is at capacity, and folds the insertion into
// the running commitment. It fails with a DuplicateOutpoint error if
// the outpoint is already live in either tier: I2 requires an
// outpoint appear in the set at most once, and silently overwriting
// an existing entry is exactly the duplicate-coinbase/duplicate-txid
// hazard that invariant closes. cache and index are checked and
// mutated as one critical section under cacheMu, per the package's
// cache -> index -> spent -> commitment lock order.
func (s *Set) Put(e *Entry) error {
	s.cacheMu.Lock()
	if s.cache.contains(e.OutPoint) {
		s.cacheMu.Unlock()
		return errf(DuplicateOutpoint, "outpoint %x:%d already exists", e.OutPoint.TxID, e.OutPoint.Vout)
	}

	s.indexMu.RLock()
	_, found, err := s.index.get(e.OutPoint)
	s.indexMu.RUnlock()
	if err != nil {
		s.cacheMu.Unlock()
		return err
	}
	if found {
		s.cacheMu.Unlock()
		return errf(DuplicateOutpoint, "outpoint %x:%d already exists", e.OutPoint.TxID, e.OutPoint.Vout)
	}

	evicted := s.cache.put(e.OutPoint, e, true)
	s.cacheMu.Unlock()
	s.evictIfNeeded(evicted)

	s.commitMu.Lock()
	s.commitment.Add(e)
	s.commitMu.Unlock()
	return nil
}

// Spend removes an outpoint from the live set, records it in the
// recently-spent guard, and removes its leaf from the commitment.
func (s *Set) Spend(op block.OutPoint, spendHeight uint64) {
	s.cacheMu.Lock()
	s.cache.remove(op)
	s.cacheMu.Unlock()

	s.indexMu.Lock()
	s.index.delete(op)
	s.indexMu.Unlock()

	s.spentMu.Lock()
	s.spent[op] = spentRecord{spentAtHeight: spendHeight}
	s.spentMu.Unlock()

	s.commitMu.Lock()
	s.commitment.Remove(op)
	s.commitMu.Unlock()
}

// Unspend restores an entry that a disconnected block's transaction
// had spent, clearing any recently-spent record so the outpoint reads
// as live immediately. Used when a reorg disconnects a block and must
// roll its spends back. Spend always removes the outpoint from both
// tiers before a caller can reach here, so the duplicate check Put
// performs never rejects a legitimate restore.
func (s *Set) Unspend(e *Entry) error {
	s.spentMu.Lock()
	delete(s.spent, e.OutPoint)
	s.spentMu.Unlock()
	return s.Put(e)
}

// Remove drops an entry a disconnected block's transaction had
// created, without recording a recently-spent guard: the output never
// existed on the chain that remains after the reorg.
func (s *Set) Remove(op block.OutPoint) {
	s.cacheMu.Lock()
	s.cache.remove(op)
	s.cacheMu.Unlock()

	s.indexMu.Lock()
	s.index.delete(op)
	s.indexMu.Unlock()

	s.commitMu.Lock()
	s.commitment.Remove(op)
	s.commitMu.Unlock()
}

// PruneSpent forgets recently-spent records old enough that a reorg
// cannot plausibly resurrect them, bounding the guard's memory use.
func (s *Set) PruneSpent(currentHeight uint64) {
	s.spentMu.Lock()
	defer s.spentMu.Unlock()
	for op, rec := range s.spent {
		if currentHeight >= rec.spentAtHeight+s.spentRetention {
			delete(s.spent, op)
		}
	}
}

func (s *Set) evictIfNeeded(evicted *lruNode) {
	if evicted == nil || !evicted.dirty {
		return
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	_ = s.index.put(evicted.key, evicted.entry)
}

// CommitmentRoot returns the current UtxoCommitment snapshot.
func (s *Set) CommitmentRoot() CommitmentRoot {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.commitment.Root()
}
