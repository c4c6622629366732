// Package storage provides the store layer the transaction log is applied to.
//
// Two implementations are provided:
//   - MemoryStore: maps guarded by a mutex, for tests and ephemeral kernels
//   - BadgerStore: persistent storage on BadgerDB
//
// Both apply txlog operations with redo semantics (see ApplyOperation), so a
// log suffix can be replayed over a store that already contains some of it.
package storage

import (
	"errors"
	"maps"

	"github.com/orneryd/nornicdb-kernel/pkg/txlog"
)

// Common storage errors
var (
	ErrNotFound            = errors.New("storage: not found")
	ErrInvalidID           = errors.New("storage: invalid id")
	ErrInvalidOperation    = errors.New("storage: invalid operation")
	ErrUnknownOperation    = errors.New("storage: unknown operation kind")
	ErrStorageClosed       = errors.New("storage: closed")
	ErrCheckpointCorrupted = errors.New("storage: checkpoint checksum mismatch")
)

// Node is a graph node: an id and its properties.
type Node struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
}

// Relationship is a directed, typed edge between two nodes.
type Relationship struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	Properties map[string]any `json:"properties"`
}

// Stats holds entity counts.
type Stats struct {
	Nodes         int64
	Relationships int64
}

// Store is the store layer consumed by recovery and the kernel.
type Store interface {
	// ApplyOperation applies one logged operation.
	ApplyOperation(op txlog.Operation) error
	// Checkpoint durably records that the log is applied up to cp.
	Checkpoint(cp txlog.Checkpoint) error
	// LastCheckpoint returns the most recent checkpoint, if any.
	LastCheckpoint() (txlog.Checkpoint, bool, error)

	GetNode(id string) (*Node, error)
	GetRelationship(id string) (*Relationship, error)
	OutgoingRelationships(nodeID string) ([]*Relationship, error)
	Stats() (Stats, error)

	// ClearCache drops any cached entities so the next read goes to storage.
	ClearCache()
	Close() error
}

func copyNode(n *Node) *Node {
	if n == nil {
		return nil
	}
	return &Node{ID: n.ID, Properties: copyProperties(n.Properties)}
}

func copyRelationship(r *Relationship) *Relationship {
	if r == nil {
		return nil
	}
	copied := *r
	copied.Properties = copyProperties(r.Properties)
	return &copied
}

// copyProperties copies the top-level map. Values come from JSON decoding
// and are never mutated in place.
func copyProperties(props map[string]any) map[string]any {
	copied := make(map[string]any, len(props))
	maps.Copy(copied, props)
	return copied
}
