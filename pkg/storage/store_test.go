package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicdb-kernel/pkg/txlog"
)

// storeFactories runs the shared behaviour tests against every Store.
var storeFactories = map[string]func(t *testing.T) Store{
	"memory": func(t *testing.T) Store {
		return NewMemoryStore()
	},
	"badger": func(t *testing.T) Store {
		s, err := NewBadgerStoreInMemory()
		require.NoError(t, err)
		return s
	},
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

func mustApply(t *testing.T, s Store, ops ...txlog.Operation) {
	t.Helper()
	for _, op := range ops {
		require.NoError(t, s.ApplyOperation(op), "%s", op)
	}
}

func createNode(id string, props map[string]any) txlog.Operation {
	return txlog.Operation{Kind: txlog.OpCreateNode, ID: id, Properties: props}
}

func createRel(id, from, to, typ string) txlog.Operation {
	return txlog.Operation{Kind: txlog.OpCreateRelationship, ID: id, From: from, To: to, Type: typ}
}

func TestStore_NodeLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustApply(t, s,
			createNode("n1", map[string]any{"name": "alice"}),
			txlog.Operation{Kind: txlog.OpSetNodeProperty, ID: "n1", Key: "age", Value: float64(30)},
		)

		n, err := s.GetNode("n1")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "alice", "age": float64(30)}, n.Properties)

		mustApply(t, s, txlog.Operation{Kind: txlog.OpRemoveNodeProperty, ID: "n1", Key: "name"})
		s.ClearCache()
		n, err = s.GetNode("n1")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"age": float64(30)}, n.Properties)

		mustApply(t, s, txlog.Operation{Kind: txlog.OpDeleteNode, ID: "n1"})
		_, err = s.GetNode("n1")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetNode("")
		assert.ErrorIs(t, err, ErrInvalidID)
	})
}

func TestStore_ReturnsCopies(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustApply(t, s, createNode("n1", map[string]any{"k": "v"}))

		n, err := s.GetNode("n1")
		require.NoError(t, err)
		n.Properties["k"] = "mutated"

		again, err := s.GetNode("n1")
		require.NoError(t, err)
		assert.Equal(t, "v", again.Properties["k"])
	})
}

func TestStore_Relationships(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustApply(t, s,
			createNode("a", nil),
			createNode("b", nil),
			createNode("c", nil),
			createRel("r2", "a", "c", "KNOWS"),
			createRel("r1", "a", "b", "KNOWS"),
			createRel("r3", "b", "a", "LIKES"),
			txlog.Operation{Kind: txlog.OpSetRelationshipProperty, ID: "r1", Key: "since", Value: float64(2020)},
		)

		r1, err := s.GetRelationship("r1")
		require.NoError(t, err)
		assert.Equal(t, "a", r1.From)
		assert.Equal(t, "b", r1.To)
		assert.Equal(t, "KNOWS", r1.Type)
		assert.Equal(t, float64(2020), r1.Properties["since"])

		out, err := s.OutgoingRelationships("a")
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, "r1", out[0].ID)
		assert.Equal(t, "r2", out[1].ID)

		mustApply(t, s,
			txlog.Operation{Kind: txlog.OpRemoveRelationshipProperty, ID: "r1", Key: "since"},
			txlog.Operation{Kind: txlog.OpDeleteRelationship, ID: "r2"},
		)
		r1, err = s.GetRelationship("r1")
		require.NoError(t, err)
		assert.Empty(t, r1.Properties)
		out, err = s.OutgoingRelationships("a")
		require.NoError(t, err)
		require.Len(t, out, 1)

		stats, err := s.Stats()
		require.NoError(t, err)
		assert.Equal(t, Stats{Nodes: 3, Relationships: 2}, stats)
	})
}

func TestStore_DeleteNodeCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustApply(t, s,
			createNode("a", nil),
			createNode("b", nil),
			createRel("out", "a", "b", "T"),
			createRel("in", "b", "a", "T"),
			createRel("self", "a", "a", "T"),
			txlog.Operation{Kind: txlog.OpDeleteNode, ID: "a"},
		)

		for _, id := range []string{"out", "in", "self"} {
			_, err := s.GetRelationship(id)
			assert.ErrorIs(t, err, ErrNotFound, id)
		}
		out, err := s.OutgoingRelationships("b")
		require.NoError(t, err)
		assert.Empty(t, out)

		stats, err := s.Stats()
		require.NoError(t, err)
		assert.Equal(t, Stats{Nodes: 1}, stats)
	})
}

// Replaying a log suffix over a store that already holds it converges to
// the same state.
func TestStore_RedoIsIdempotent(t *testing.T) {
	log := []txlog.Operation{
		createNode("a", map[string]any{"v": float64(1)}),
		createNode("b", nil),
		createRel("r", "a", "b", "T"),
		{Kind: txlog.OpSetNodeProperty, ID: "a", Key: "v", Value: float64(2)},
		{Kind: txlog.OpSetRelationshipProperty, ID: "r", Key: "w", Value: "x"},
		{Kind: txlog.OpDeleteNode, ID: "b"},
		{Kind: txlog.OpSetNodeProperty, ID: "a", Key: "v", Value: float64(3)},
	}

	forEachStore(t, func(t *testing.T, s Store) {
		mustApply(t, s, log...)
		// replay from the middle: targets deleted later are skipped
		mustApply(t, s, log[2:]...)
		mustApply(t, s, log...)

		a, err := s.GetNode("a")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"v": float64(3)}, a.Properties)
		_, err = s.GetNode("b")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetRelationship("r")
		assert.ErrorIs(t, err, ErrNotFound)

		stats, err := s.Stats()
		require.NoError(t, err)
		assert.Equal(t, Stats{Nodes: 1}, stats)
	})
}

func TestStore_InvalidOperations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		assert.ErrorIs(t, s.ApplyOperation(txlog.Operation{Kind: "explode", ID: "x"}), ErrUnknownOperation)
		assert.ErrorIs(t, s.ApplyOperation(txlog.Operation{Kind: txlog.OpCreateNode}), ErrInvalidID)
		assert.ErrorIs(t, s.ApplyOperation(txlog.Operation{Kind: txlog.OpSetNodeProperty, ID: "x"}), ErrInvalidOperation)
		assert.ErrorIs(t, s.ApplyOperation(txlog.Operation{Kind: txlog.OpCreateRelationship, ID: "r", From: "a"}), ErrInvalidOperation)
	})
}

func TestValidateOperation(t *testing.T) {
	tests := []struct {
		name string
		op   txlog.Operation
		want error
	}{
		{"create node", txlog.Operation{Kind: txlog.OpCreateNode, ID: "n"}, nil},
		{"set property on missing node", txlog.Operation{Kind: txlog.OpSetNodeProperty, ID: "ghost", Key: "k", Value: 1}, nil},
		{"relationship to missing nodes", txlog.Operation{Kind: txlog.OpCreateRelationship, ID: "r", From: "a", To: "b"}, nil},
		{"delete relationship", txlog.Operation{Kind: txlog.OpDeleteRelationship, ID: "r"}, nil},
		{"no id", txlog.Operation{Kind: txlog.OpDeleteNode}, ErrInvalidID},
		{"set node property without key", txlog.Operation{Kind: txlog.OpSetNodeProperty, ID: "n", Value: 1}, ErrInvalidOperation},
		{"remove node property without key", txlog.Operation{Kind: txlog.OpRemoveNodeProperty, ID: "n"}, ErrInvalidOperation},
		{"set relationship property without key", txlog.Operation{Kind: txlog.OpSetRelationshipProperty, ID: "r"}, ErrInvalidOperation},
		{"remove relationship property without key", txlog.Operation{Kind: txlog.OpRemoveRelationshipProperty, ID: "r"}, ErrInvalidOperation},
		{"relationship without target", txlog.Operation{Kind: txlog.OpCreateRelationship, ID: "r", From: "a"}, ErrInvalidOperation},
		{"unknown kind", txlog.Operation{Kind: "explode", ID: "x"}, ErrUnknownOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOperation(tt.op)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// A valid operation is never rejected for its shape, whatever the store
// holds.
func TestStore_AppliesEveryValidOperation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ops := []txlog.Operation{
			{Kind: txlog.OpSetNodeProperty, ID: "ghost", Key: "k", Value: 1},
			{Kind: txlog.OpRemoveNodeProperty, ID: "ghost", Key: "k"},
			{Kind: txlog.OpCreateRelationship, ID: "r", From: "ghost", To: "ghost", Type: "T"},
			{Kind: txlog.OpSetRelationshipProperty, ID: "r", Key: "k", Value: 1},
			{Kind: txlog.OpRemoveRelationshipProperty, ID: "r", Key: "k"},
			{Kind: txlog.OpDeleteRelationship, ID: "r"},
			{Kind: txlog.OpDeleteNode, ID: "ghost"},
		}
		for _, op := range ops {
			require.NoError(t, ValidateOperation(op))
		}
		mustApply(t, s, ops...)
	})
}

func TestStore_Checkpoint(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, ok, err := s.LastCheckpoint()
		require.NoError(t, err)
		assert.False(t, ok)

		cp := txlog.Checkpoint{Segment: 4, TxID: 99, Time: time.Unix(1700000000, 0).UTC(), Instance: "i-1"}
		require.NoError(t, s.Checkpoint(cp))

		got, ok, err := s.LastCheckpoint()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, cp.Segment, got.Segment)
		assert.Equal(t, cp.TxID, got.TxID)
		assert.True(t, cp.Time.Equal(got.Time))
		assert.Equal(t, cp.Instance, got.Instance)
	})
}

func TestStore_Closed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Close())
		assert.ErrorIs(t, s.ApplyOperation(createNode("n", nil)), ErrStorageClosed)
		assert.ErrorIs(t, s.Checkpoint(txlog.Checkpoint{}), ErrStorageClosed)
		_, err := s.GetNode("n")
		assert.ErrorIs(t, err, ErrStorageClosed)
		assert.NoError(t, s.Close())
	})
}
