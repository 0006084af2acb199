package utxo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ledgercore/chain/pkg/block"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSet(t *testing.T, capacity int) *Set {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSet(Config{CacheCapacity: capacity, StorePath: filepath.Join(dir, "utxo.db"), SpentRetention: 100})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entryAt(i byte, amount uint64, height uint64) *Entry {
	return &Entry{
		OutPoint: block.OutPoint{TxID: [32]byte{i}, Vout: 0},
		Output:   block.TransactionOutput{Amount: amount, PubKeyScript: []byte("script")},
		Height:   height,
	}
}

func TestSetPutGetRoundTrip(t *testing.T) {
	s := newTestSet(t, 4)
	e := entryAt(1, 500, 10)
	s.Put(e)

	got, found, err := s.Get(e.OutPoint)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, e.Output.Amount, got.Output.Amount)
	assert.True(t, s.Contains(e.OutPoint))
}

func TestPutRejectsDuplicateOutpoint(t *testing.T) {
	s := newTestSet(t, 4)
	e := entryAt(1, 500, 10)
	require.NoError(t, s.Put(e))

	dup := entryAt(1, 999, 20)
	err := s.Put(dup)
	require.Error(t, err)
	uerr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, DuplicateOutpoint, uerr.Code)

	got, found, getErr := s.Get(e.OutPoint)
	require.NoError(t, getErr)
	require.True(t, found)
	assert.Equal(t, e.Output.Amount, got.Output.Amount, "rejected duplicate must not overwrite the live entry")
}

func TestSetEvictionWritesThroughToTier2(t *testing.T) {
	s := newTestSet(t, 2)
	e1, e2, e3 := entryAt(1, 1, 0), entryAt(2, 2, 0), entryAt(3, 3, 0)
	s.Put(e1)
	s.Put(e2)
	s.Put(e3) // evicts e1 from the hot tier, should be written to tier 2

	got, found, err := s.Get(e1.OutPoint)
	require.NoError(t, err)
	require.True(t, found, "evicted-but-dirty entry must survive via tier 2")
	assert.Equal(t, e1.Output.Amount, got.Output.Amount)
}

func TestSetSpendRemovesEntryAndMarksRecentlySpent(t *testing.T) {
	s := newTestSet(t, 4)
	e := entryAt(1, 100, 5)
	s.Put(e)

	s.Spend(e.OutPoint, 6)

	_, found, err := s.Get(e.OutPoint)
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, s.IsRecentlySpent(e.OutPoint, 6))
	assert.True(t, s.IsRecentlySpent(e.OutPoint, 50))
	assert.False(t, s.IsRecentlySpent(e.OutPoint, 200))
}

func TestEntryMaturity(t *testing.T) {
	e := entryAt(1, 50, 10)
	e.IsCoinbase = true

	assert.False(t, e.SpendableAt(50, 100))
	assert.True(t, e.SpendableAt(110, 100))

	nonCoinbase := entryAt(2, 50, 10)
	assert.True(t, nonCoinbase.SpendableAt(10, 100))
}

func TestCommitmentChangesWithSetContents(t *testing.T) {
	s := newTestSet(t, 8)
	empty := s.CommitmentRoot()
	assert.Equal(t, uint64(0), empty.Count)

	e := entryAt(1, 777, 0)
	s.Put(e)
	afterPut := s.CommitmentRoot()
	assert.Equal(t, uint64(1), afterPut.Count)
	assert.Equal(t, uint64(777), afterPut.TotalValue)
	assert.NotEqual(t, empty.Root, afterPut.Root)

	s.Spend(e.OutPoint, 1)
	afterSpend := s.CommitmentRoot()
	assert.Equal(t, empty.Root, afterSpend.Root)
}

func TestCommitmentOrderingIsDeterministic(t *testing.T) {
	s1 := newTestSet(t, 8)
	s2 := newTestSet(t, 8)

	e1, e2 := entryAt(5, 10, 0), entryAt(3, 20, 0)
	// Insert in opposite order into each set.
	s1.Put(e1)
	s1.Put(e2)
	s2.Put(e2)
	s2.Put(e1)

	assert.Equal(t, s1.CommitmentRoot().Root, s2.CommitmentRoot().Root)
}

func TestMmapStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "utxo.db")

	store, err := openMmapStore(path)
	require.NoError(t, err)
	e := entryAt(9, 42, 3)
	require.NoError(t, store.put(e.OutPoint, e))
	require.NoError(t, store.close())

	_, err = os.Stat(path)
	require.NoError(t, err)

	reopened, err := openMmapStore(path)
	require.NoError(t, err)
	defer reopened.close()

	got, found, err := reopened.get(e.OutPoint)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, e.Output.Amount, got.Output.Amount)
}
