package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicdb-kernel/pkg/fsys"
	"github.com/orneryd/nornicdb-kernel/pkg/gate"
	"github.com/orneryd/nornicdb-kernel/pkg/storage"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	k := openKernel(t, testConfig(false), WithFileSystem(fsys.NewMem()))
	t.Cleanup(func() { k.Shutdown() })
	return k
}

func TestTx_FinishedTransaction(t *testing.T) {
	k := newTestKernel(t)

	tx := k.Begin()
	_, err := tx.CreateNode(nil)
	require.NoError(t, err)
	_, err = tx.Commit()
	require.NoError(t, err)

	_, err = tx.CreateNode(nil)
	assert.ErrorIs(t, err, gate.ErrNoActiveTransaction)
	_, err = tx.Commit()
	assert.ErrorIs(t, err, gate.ErrNoActiveTransaction)
	assert.ErrorIs(t, tx.Rollback(), gate.ErrNoActiveTransaction)
}

func TestTx_Rollback(t *testing.T) {
	k := newTestKernel(t)

	tx := k.Begin()
	id, err := tx.CreateNode(map[string]any{"name": "ghost"})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	_, err = k.GetNode(id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, k.LastTxID())

	_, err = tx.CreateNode(nil)
	assert.ErrorIs(t, err, gate.ErrNoActiveTransaction)
}

func TestTx_EmptyCommit(t *testing.T) {
	k := newTestKernel(t)

	txID, err := k.Begin().Commit()
	require.NoError(t, err)
	assert.Zero(t, txID)
	assert.Zero(t, k.LastTxID())
}

func TestTx_ValidatesExistence(t *testing.T) {
	k := newTestKernel(t)
	existing := commitNode(t, k, nil)

	tx := k.Begin()
	assert.ErrorIs(t, tx.SetNodeProperty("node-missing", "a", 1), ErrNotFound)
	assert.ErrorIs(t, tx.RemoveNodeProperty("node-missing", "a"), ErrNotFound)
	assert.ErrorIs(t, tx.DeleteNode("node-missing"), ErrNotFound)
	_, err := tx.CreateRelationship(existing, "node-missing", "KNOWS", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tx.CreateRelationship(existing, existing, "", nil)
	assert.ErrorIs(t, err, storage.ErrInvalidOperation)
	assert.ErrorIs(t, tx.SetRelationshipProperty("rel-missing", "a", 1), ErrNotFound)
	assert.ErrorIs(t, tx.DeleteRelationship("rel-missing"), ErrNotFound)
	assert.Zero(t, tx.Len(), "rejected mutations are not buffered")

	_, err = tx.CreateNode(map[string]any{"bad": make(chan int)})
	assert.ErrorIs(t, err, storage.ErrInvalidOperation)
	require.NoError(t, tx.Rollback())
}

func TestTx_RejectsEmptyPropertyKey(t *testing.T) {
	fs := fsys.NewMem()
	k := openKernel(t, testConfig(false), WithFileSystem(fs))

	tx := k.Begin()
	a, err := tx.CreateNode(nil)
	require.NoError(t, err)
	b, err := tx.CreateNode(nil)
	require.NoError(t, err)
	rel, err := tx.CreateRelationship(a, b, "KNOWS", nil)
	require.NoError(t, err)
	n := tx.Len()

	assert.ErrorIs(t, tx.SetNodeProperty(a, "", 1), storage.ErrInvalidOperation)
	assert.ErrorIs(t, tx.RemoveNodeProperty(a, ""), storage.ErrInvalidOperation)
	assert.ErrorIs(t, tx.SetRelationshipProperty(rel, "", 1), storage.ErrInvalidOperation)
	assert.ErrorIs(t, tx.RemoveRelationshipProperty(rel, ""), storage.ErrInvalidOperation)
	assert.Equal(t, n, tx.Len())

	_, err = tx.Commit()
	require.NoError(t, err)
	assert.False(t, k.IsDegraded())
	require.NoError(t, k.Shutdown())

	k2 := openKernel(t, testConfig(false), WithFileSystem(fs))
	defer k2.Shutdown()
	assert.Equal(t, 1, k2.Startup().Replayed)
	_, err = k2.GetRelationship(rel)
	assert.NoError(t, err)
}

func TestTx_SeesItsOwnMutations(t *testing.T) {
	k := newTestKernel(t)
	stored := commitNode(t, k, nil)

	tx := k.Begin()
	fresh, err := tx.CreateNode(nil)
	require.NoError(t, err)
	rel, err := tx.CreateRelationship(stored, fresh, "LINKS", nil)
	require.NoError(t, err)
	require.NoError(t, tx.SetRelationshipProperty(rel, "weight", 0.5))

	require.NoError(t, tx.DeleteNode(fresh))
	assert.ErrorIs(t, tx.SetNodeProperty(fresh, "a", 1), ErrNotFound)
	assert.ErrorIs(t, tx.SetRelationshipProperty(rel, "weight", 1), ErrNotFound,
		"a relationship disappears with its endpoint")

	_, err = tx.Commit()
	require.NoError(t, err)

	_, err = k.GetNode(fresh)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = k.GetRelationship(rel)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTx_RelationshipLifecycle(t *testing.T) {
	k := newTestKernel(t)

	tx := k.Begin()
	a, _ := tx.CreateNode(nil)
	b, _ := tx.CreateNode(nil)
	rel, err := tx.CreateRelationship(a, b, "KNOWS", map[string]any{"since": 2020})
	require.NoError(t, err)
	_, err = tx.Commit()
	require.NoError(t, err)

	tx = k.Begin()
	require.NoError(t, tx.SetRelationshipProperty(rel, "close", true))
	require.NoError(t, tx.RemoveRelationshipProperty(rel, "since"))
	_, err = tx.Commit()
	require.NoError(t, err)

	got, err := k.GetRelationship(rel)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"close": true}, got.Properties)

	tx = k.Begin()
	require.NoError(t, tx.DeleteRelationship(rel))
	assert.ErrorIs(t, tx.DeleteRelationship(rel), ErrNotFound)
	_, err = tx.Commit()
	require.NoError(t, err)

	out, err := k.OutgoingRelationships(a)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestTx_DeleteNodeCascades(t *testing.T) {
	k := newTestKernel(t)

	tx := k.Begin()
	a, _ := tx.CreateNode(nil)
	b, _ := tx.CreateNode(nil)
	rel, _ := tx.CreateRelationship(a, b, "KNOWS", nil)
	_, err := tx.Commit()
	require.NoError(t, err)

	tx = k.Begin()
	require.NoError(t, tx.DeleteNode(b))
	_, err = tx.Commit()
	require.NoError(t, err)

	_, err = k.GetRelationship(rel)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	stats, err := k.Stats()
	require.NoError(t, err)
	assert.Equal(t, storage.Stats{Nodes: 1}, stats)
}

func TestNormalizeValue(t *testing.T) {
	type point struct {
		X int `json:"x"`
	}
	tests := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{42, float64(42)},
		{"s", "s"},
		{[]int{1, 2}, []any{float64(1), float64(2)}},
		{point{X: 3}, map[string]any{"x": float64(3)}},
	}
	for _, tt := range tests {
		got, err := normalizeValue(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
