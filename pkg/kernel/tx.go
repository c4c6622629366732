package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/orneryd/nornicdb-kernel/pkg/gate"
	"github.com/orneryd/nornicdb-kernel/pkg/storage"
	"github.com/orneryd/nornicdb-kernel/pkg/txlog"
)

// Tx buffers mutations until Commit. A Tx is safe for concurrent use but is
// meant for one goroutine.
//
// Mutations are validated when they are made, against the store as seen
// through the transaction's own earlier mutations. Nothing reaches the log
// or the store before Commit.
type Tx struct {
	k *Kernel

	mu   sync.Mutex
	done bool
	ops  []txlog.Operation

	// nodes and rels record entities created (true) or deleted (false)
	// by this transaction.
	nodes map[string]bool
	rels  map[string]txRel
}

type txRel struct {
	from, to string
	live     bool
}

func newTx(k *Kernel) *Tx {
	return &Tx{
		k:     k,
		nodes: make(map[string]bool),
		rels:  make(map[string]txRel),
	}
}

// checkLocked validates that a mutation may be buffered.
func (tx *Tx) checkLocked() error {
	if tx.done {
		return gate.ErrNoActiveTransaction
	}
	if tx.k.closed.Load() {
		return ErrClosed
	}
	if tx.k.degraded.Load() {
		return ErrDegraded
	}
	return tx.k.gate.Check(true)
}

func (tx *Tx) nodeExists(id string) (bool, error) {
	if live, ok := tx.nodes[id]; ok {
		return live, nil
	}
	_, err := tx.k.store.GetNode(id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// relExists reports whether relationship id is visible to this
// transaction. A relationship disappears with either endpoint.
func (tx *Tx) relExists(id string) (bool, error) {
	r, ok := tx.rels[id]
	if !ok {
		stored, err := tx.k.store.GetRelationship(id)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		r = txRel{from: stored.From, to: stored.To, live: true}
	}
	if !r.live {
		return false, nil
	}
	for _, end := range []string{r.from, r.to} {
		live, err := tx.nodeExists(end)
		if err != nil || !live {
			return false, err
		}
	}
	return true, nil
}

func (tx *Tx) requireNode(id string) error {
	ok, err := tx.nodeExists(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: node %s", ErrNotFound, id)
	}
	return nil
}

func requireKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: property key is required", storage.ErrInvalidOperation)
	}
	return nil
}

func (tx *Tx) requireRel(id string) error {
	ok, err := tx.relExists(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: relationship %s", ErrNotFound, id)
	}
	return nil
}

// CreateNode buffers a new node and returns its id.
func (tx *Tx) CreateNode(props map[string]any) (string, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkLocked(); err != nil {
		return "", err
	}
	props, err := normalizeProperties(props)
	if err != nil {
		return "", err
	}
	id := "node-" + uuid.NewString()
	tx.ops = append(tx.ops, txlog.Operation{Kind: txlog.OpCreateNode, ID: id, Properties: props})
	tx.nodes[id] = true
	return id, nil
}

// SetNodeProperty buffers a property update on an existing node.
func (tx *Tx) SetNodeProperty(id, key string, value any) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkLocked(); err != nil {
		return err
	}
	if err := requireKey(key); err != nil {
		return err
	}
	if err := tx.requireNode(id); err != nil {
		return err
	}
	v, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("kernel: property %q: %w", key, err)
	}
	tx.ops = append(tx.ops, txlog.Operation{Kind: txlog.OpSetNodeProperty, ID: id, Key: key, Value: v})
	return nil
}

// RemoveNodeProperty buffers the removal of a node property.
func (tx *Tx) RemoveNodeProperty(id, key string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkLocked(); err != nil {
		return err
	}
	if err := requireKey(key); err != nil {
		return err
	}
	if err := tx.requireNode(id); err != nil {
		return err
	}
	tx.ops = append(tx.ops, txlog.Operation{Kind: txlog.OpRemoveNodeProperty, ID: id, Key: key})
	return nil
}

// DeleteNode buffers the deletion of a node and, with it, its relationships.
func (tx *Tx) DeleteNode(id string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkLocked(); err != nil {
		return err
	}
	if err := tx.requireNode(id); err != nil {
		return err
	}
	tx.ops = append(tx.ops, txlog.Operation{Kind: txlog.OpDeleteNode, ID: id})
	tx.nodes[id] = false
	return nil
}

// CreateRelationship buffers a new relationship between two existing nodes
// and returns its id.
func (tx *Tx) CreateRelationship(from, to, relType string, props map[string]any) (string, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkLocked(); err != nil {
		return "", err
	}
	if relType == "" {
		return "", fmt.Errorf("%w: relationship type is required", storage.ErrInvalidOperation)
	}
	if err := tx.requireNode(from); err != nil {
		return "", err
	}
	if err := tx.requireNode(to); err != nil {
		return "", err
	}
	props, err := normalizeProperties(props)
	if err != nil {
		return "", err
	}
	id := "rel-" + uuid.NewString()
	tx.ops = append(tx.ops, txlog.Operation{
		Kind:       txlog.OpCreateRelationship,
		ID:         id,
		From:       from,
		To:         to,
		Type:       relType,
		Properties: props,
	})
	tx.rels[id] = txRel{from: from, to: to, live: true}
	return id, nil
}

// SetRelationshipProperty buffers a property update on an existing
// relationship.
func (tx *Tx) SetRelationshipProperty(id, key string, value any) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkLocked(); err != nil {
		return err
	}
	if err := requireKey(key); err != nil {
		return err
	}
	if err := tx.requireRel(id); err != nil {
		return err
	}
	v, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("kernel: property %q: %w", key, err)
	}
	tx.ops = append(tx.ops, txlog.Operation{Kind: txlog.OpSetRelationshipProperty, ID: id, Key: key, Value: v})
	return nil
}

// RemoveRelationshipProperty buffers the removal of a relationship property.
func (tx *Tx) RemoveRelationshipProperty(id, key string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkLocked(); err != nil {
		return err
	}
	if err := requireKey(key); err != nil {
		return err
	}
	if err := tx.requireRel(id); err != nil {
		return err
	}
	tx.ops = append(tx.ops, txlog.Operation{Kind: txlog.OpRemoveRelationshipProperty, ID: id, Key: key})
	return nil
}

// DeleteRelationship buffers the deletion of a relationship.
func (tx *Tx) DeleteRelationship(id string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkLocked(); err != nil {
		return err
	}
	if err := tx.requireRel(id); err != nil {
		return err
	}
	r := tx.rels[id]
	if r.from == "" {
		stored, err := tx.k.store.GetRelationship(id)
		if err != nil {
			return err
		}
		r = txRel{from: stored.From, to: stored.To}
	}
	r.live = false
	tx.rels[id] = r
	tx.ops = append(tx.ops, txlog.Operation{Kind: txlog.OpDeleteRelationship, ID: id})
	return nil
}

// Commit logs the buffered mutations as one transaction record and applies
// them to the store. It returns the transaction id, or 0 when there was
// nothing to commit. The transaction is finished whatever the outcome.
func (tx *Tx) Commit() (uint64, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return 0, gate.ErrNoActiveTransaction
	}
	tx.done = true
	if len(tx.ops) == 0 {
		return 0, nil
	}
	return tx.k.commit(tx.ops)
}

// Rollback discards the buffered mutations.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return gate.ErrNoActiveTransaction
	}
	tx.done = true
	tx.ops = nil
	return nil
}

// Len returns the number of buffered operations.
func (tx *Tx) Len() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.ops)
}

// normalizeValue converts v to the form it takes after a trip through the
// log (numbers become float64, structs become maps), so reads return the
// same value before and after a restart.
func normalizeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: unsupported value %T", storage.ErrInvalidOperation, v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeProperties(props map[string]any) (map[string]any, error) {
	if len(props) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("kernel: property %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}
