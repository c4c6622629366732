package storage

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orneryd/nornicdb-kernel/pkg/txlog"
)

func TestNewBadgerStoreWithOptions_RequiresDir(t *testing.T) {
	_, err := NewBadgerStoreWithOptions(BadgerOptions{})
	assert.Error(t, err)
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBadgerStoreWithOptions(BadgerOptions{
		DataDir:    dir,
		SyncWrites: true,
		LowMemory:  true,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	assert.False(t, store.IsInMemory())
	mustApply(t, store,
		createNode("a", map[string]any{"name": "alice"}),
		createNode("b", nil),
		createRel("r", "a", "b", "KNOWS"),
	)
	require.NoError(t, store.Checkpoint(txlog.Checkpoint{Segment: 2, TxID: 7}))
	require.NoError(t, store.Close())

	store, err = NewBadgerStoreWithOptions(BadgerOptions{DataDir: dir, LowMemory: true})
	require.NoError(t, err)
	defer store.Close()

	a, err := store.GetNode("a")
	require.NoError(t, err)
	assert.Equal(t, "alice", a.Properties["name"])
	out, err := store.OutgoingRelationships("a")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].To)

	cp, ok, err := store.LastCheckpoint()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), cp.Segment)
	assert.Equal(t, uint64(7), cp.TxID)
}

func TestBadgerStore_NodeCache(t *testing.T) {
	store, err := NewBadgerStoreInMemory()
	require.NoError(t, err)
	defer store.Close()

	mustApply(t, store, createNode("a", map[string]any{"v": float64(1)}))

	_, err = store.GetNode("a")
	require.NoError(t, err)
	_, err = store.GetNode("a")
	require.NoError(t, err)
	hits, misses := store.CacheStats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)

	// a write invalidates the cached copy
	mustApply(t, store, txlog.Operation{Kind: txlog.OpSetNodeProperty, ID: "a", Key: "v", Value: float64(2)})
	n, err := store.GetNode("a")
	require.NoError(t, err)
	assert.Equal(t, float64(2), n.Properties["v"])

	store.ClearCache()
	_, err = store.GetNode("a")
	require.NoError(t, err)
	_, misses = store.CacheStats()
	assert.Equal(t, int64(3), misses)
}

func TestBadgerStore_CorruptedCheckpoint(t *testing.T) {
	store, err := NewBadgerStoreInMemory()
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Checkpoint(txlog.Checkpoint{Segment: 1, TxID: 1}))

	// flip one byte of the stored payload
	require.NoError(t, store.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey)
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		val[len(val)-2] ^= 0xFF
		return txn.Set(checkpointKey, val)
	}))

	_, _, err = store.LastCheckpoint()
	assert.ErrorIs(t, err, ErrCheckpointCorrupted)
}
