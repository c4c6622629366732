package storage

import (
	"slices"
	"sync"

	"github.com/orneryd/nornicdb-kernel/pkg/txlog"
)

// MemoryStore is an in-memory implementation of Store.
// It's useful for:
// - Unit testing (no disk I/O)
// - Ephemeral kernels whose state is rebuilt from the log on every start
//
// Stored entities are deep copies; callers never share maps with the store.
type MemoryStore struct {
	mu            sync.RWMutex
	nodes         map[string]*Node
	relationships map[string]*Relationship

	// Indexes for efficient lookups
	outgoing map[string]map[string]struct{}
	incoming map[string]map[string]struct{}

	checkpoint *txlog.Checkpoint
	closed     bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:         make(map[string]*Node),
		relationships: make(map[string]*Relationship),
		outgoing:      make(map[string]map[string]struct{}),
		incoming:      make(map[string]map[string]struct{}),
	}
}

// ApplyOperation applies op with redo semantics.
func (m *MemoryStore) ApplyOperation(op txlog.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	return apply(memoryMutator{m}, op)
}

// Checkpoint records cp.
func (m *MemoryStore) Checkpoint(cp txlog.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	m.checkpoint = &cp
	return nil
}

// LastCheckpoint returns the last recorded checkpoint.
func (m *MemoryStore) LastCheckpoint() (txlog.Checkpoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return txlog.Checkpoint{}, false, ErrStorageClosed
	}
	if m.checkpoint == nil {
		return txlog.Checkpoint{}, false, nil
	}
	return *m.checkpoint, true, nil
}

// GetNode retrieves a node by ID.
func (m *MemoryStore) GetNode(id string) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	node, exists := m.nodes[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyNode(node), nil
}

// GetRelationship retrieves a relationship by ID.
func (m *MemoryStore) GetRelationship(id string) (*Relationship, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	rel, exists := m.relationships[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyRelationship(rel), nil
}

// OutgoingRelationships returns the relationships starting at nodeID, ordered by ID.
func (m *MemoryStore) OutgoingRelationships(nodeID string) ([]*Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	ids := make([]string, 0, len(m.outgoing[nodeID]))
	for id := range m.outgoing[nodeID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	rels := make([]*Relationship, 0, len(ids))
	for _, id := range ids {
		rels = append(rels, copyRelationship(m.relationships[id]))
	}
	return rels, nil
}

// Stats returns entity counts.
func (m *MemoryStore) Stats() (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Stats{}, ErrStorageClosed
	}
	return Stats{Nodes: int64(len(m.nodes)), Relationships: int64(len(m.relationships))}, nil
}

// ClearCache is a no-op: the maps are the storage.
func (m *MemoryStore) ClearCache() {}

// Close closes the store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// memoryMutator implements mutator. The caller holds m.mu.
type memoryMutator struct {
	m *MemoryStore
}

func (mm memoryMutator) getNode(id string) (*Node, error) {
	n, ok := mm.m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNode(n), nil
}

func (mm memoryMutator) putNode(n *Node) error {
	mm.m.nodes[n.ID] = copyNode(n)
	return nil
}

func (mm memoryMutator) deleteNode(id string) error {
	if _, ok := mm.m.nodes[id]; !ok {
		return nil
	}
	for relID := range mm.m.outgoing[id] {
		mm.deleteRelationship(relID)
	}
	for relID := range mm.m.incoming[id] {
		mm.deleteRelationship(relID)
	}
	delete(mm.m.outgoing, id)
	delete(mm.m.incoming, id)
	delete(mm.m.nodes, id)
	return nil
}

func (mm memoryMutator) getRelationship(id string) (*Relationship, error) {
	r, ok := mm.m.relationships[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRelationship(r), nil
}

func (mm memoryMutator) putRelationship(r *Relationship) error {
	if old, ok := mm.m.relationships[r.ID]; ok {
		mm.unindex(old)
	}
	mm.m.relationships[r.ID] = copyRelationship(r)

	if mm.m.outgoing[r.From] == nil {
		mm.m.outgoing[r.From] = make(map[string]struct{})
	}
	mm.m.outgoing[r.From][r.ID] = struct{}{}
	if mm.m.incoming[r.To] == nil {
		mm.m.incoming[r.To] = make(map[string]struct{})
	}
	mm.m.incoming[r.To][r.ID] = struct{}{}
	return nil
}

func (mm memoryMutator) deleteRelationship(id string) error {
	r, ok := mm.m.relationships[id]
	if !ok {
		return nil
	}
	mm.unindex(r)
	delete(mm.m.relationships, id)
	return nil
}

func (mm memoryMutator) unindex(r *Relationship) {
	delete(mm.m.outgoing[r.From], r.ID)
	delete(mm.m.incoming[r.To], r.ID)
}
