package storage

import (
	"errors"
	"fmt"

	"github.com/orneryd/nornicdb-kernel/pkg/txlog"
)

// mutator is the primitive surface a backend exposes to apply. Getters
// return ErrNotFound for missing entities; deletes of missing entities are
// no-ops.
type mutator interface {
	getNode(id string) (*Node, error)
	putNode(n *Node) error
	// deleteNode also deletes every relationship attached to the node.
	deleteNode(id string) error
	getRelationship(id string) (*Relationship, error)
	putRelationship(r *Relationship) error
	deleteRelationship(id string) error
}

// apply executes op against m with redo semantics:
//   - creates replace any existing entity with the same id
//   - deletes of missing entities succeed
//   - property changes on missing entities, and relationships whose
//     endpoint is missing, are skipped: a later operation in the log
//     already deleted the target
//
// The kernel validates existence before committing, so outside replay the
// skip cases never occur.
func apply(m mutator, op txlog.Operation) error {
	if err := ValidateOperation(op); err != nil {
		return err
	}

	switch op.Kind {
	case txlog.OpCreateNode:
		return m.putNode(&Node{ID: op.ID, Properties: copyProperties(op.Properties)})

	case txlog.OpDeleteNode:
		return m.deleteNode(op.ID)

	case txlog.OpSetNodeProperty, txlog.OpRemoveNodeProperty:
		n, err := m.getNode(op.ID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if op.Kind == txlog.OpSetNodeProperty {
			n.Properties[op.Key] = op.Value
		} else {
			delete(n.Properties, op.Key)
		}
		return m.putNode(n)

	case txlog.OpCreateRelationship:
		for _, end := range []string{op.From, op.To} {
			if _, err := m.getNode(end); err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil
				}
				return err
			}
		}
		return m.putRelationship(&Relationship{
			ID:         op.ID,
			Type:       op.Type,
			From:       op.From,
			To:         op.To,
			Properties: copyProperties(op.Properties),
		})

	case txlog.OpDeleteRelationship:
		return m.deleteRelationship(op.ID)

	case txlog.OpSetRelationshipProperty, txlog.OpRemoveRelationshipProperty:
		r, err := m.getRelationship(op.ID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if op.Kind == txlog.OpSetRelationshipProperty {
			r.Properties[op.Key] = op.Value
		} else {
			delete(r.Properties, op.Key)
		}
		return m.putRelationship(r)
	}
	return nil
}

// ValidateOperation checks the shape of op without touching a store:
// the id, the key of property operations, relationship endpoints and the
// kind. Referenced entities may be missing. Operations that pass are only
// ever rejected by a store for I/O reasons.
func ValidateOperation(op txlog.Operation) error {
	if op.ID == "" {
		return fmt.Errorf("%w: %s without id", ErrInvalidID, op.Kind)
	}
	switch op.Kind {
	case txlog.OpCreateNode, txlog.OpDeleteNode, txlog.OpDeleteRelationship:
	case txlog.OpSetNodeProperty, txlog.OpRemoveNodeProperty,
		txlog.OpSetRelationshipProperty, txlog.OpRemoveRelationshipProperty:
		if op.Key == "" {
			return fmt.Errorf("%w: %s without key", ErrInvalidOperation, op.Kind)
		}
	case txlog.OpCreateRelationship:
		if op.From == "" || op.To == "" {
			return fmt.Errorf("%w: relationship %s without endpoints", ErrInvalidOperation, op.ID)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperation, op.Kind)
	}
	return nil
}
