// Package ordering assigns and maintains sibling positions.
//
// Every mutation runs as one atomic unit against the store and takes the lock
// of the sibling group it writes before reading anything it depends on.
// Positions are ordering keys: gaps are left in place and nothing is ever
// compacted.
package ordering

import (
	"context"
	"fmt"
	"time"

	"github.com/systemshift/folio/internal/store"
	"github.com/systemshift/folio/internal/tree"
)

// Engine enforces unique sibling positions, parent validity and acyclicity.
type Engine struct {
	store store.Store
}

// New creates an engine over s
func New(s store.Store) *Engine {
	return &Engine{store: s}
}

// Stamp carries the audit values applied to a node an operation changes.
type Stamp struct {
	By string
	At time.Time
}

func (s Stamp) apply(n *tree.Node) {
	n.UpdatedBy = s.By
	n.UpdatedAt = s.At
}

// Insert stores a new node in the group named by its ScopeID and ParentID.
//
// A nil or negative position appends after the current last sibling (0 for an
// empty group). Otherwise every sibling at or above the requested position is
// shifted up by one and the node takes exactly that position.
func (e *Engine) Insert(ctx context.Context, node *tree.Node, position *int) (*tree.Node, error) {
	if !node.Kind.Valid() {
		return nil, fmt.Errorf("kind %q: %w", node.Kind, tree.ErrInvalidInput)
	}

	created := node.Clone()
	group := created.Group()

	err := e.store.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.LockGroup(ctx, group); err != nil {
			return err
		}

		if created.Kind == tree.KindBlock {
			if err := checkBlockScope(ctx, tx, created.ScopeID); err != nil {
				return err
			}
		}
		if created.ParentID != "" {
			if _, err := liveParent(ctx, tx, created, created.ParentID); err != nil {
				return err
			}
		}

		if position == nil || *position < 0 {
			max, ok, err := tx.MaxPosition(ctx, group)
			if err != nil {
				return err
			}
			created.Position = 0
			if ok {
				created.Position = max + 1
			}
		} else {
			if err := tx.ShiftPositionsFrom(ctx, group, *position, 1); err != nil {
				return err
			}
			created.Position = *position
		}

		return tx.Save(ctx, created)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// MoveResult describes a completed move
type MoveResult struct {
	Node      *tree.Node
	OldParent string
	OldPos    int
	Moved     bool // false when the move was a no-op
}

// Move places a node under newParentID (empty for the scope root) at exactly
// newPosition. Siblings at or above newPosition in the destination group are
// shifted up by one; the group the node leaves is not touched.
func (e *Engine) Move(ctx context.Context, nodeID, newParentID string, newPosition int, stamp Stamp) (*MoveResult, error) {
	if newPosition < 0 {
		return nil, fmt.Errorf("position %d: %w", newPosition, tree.ErrInvalidPosition)
	}
	if newParentID == nodeID {
		return nil, fmt.Errorf("node %s under itself: %w", nodeID, tree.ErrCycle)
	}

	var result *MoveResult
	err := e.store.Atomic(ctx, func(tx store.Tx) error {
		node, err := liveNode(ctx, tx, nodeID)
		if err != nil {
			return err
		}

		// Reparenting moves hold the scope lock first so two crossing moves
		// cannot both pass the ancestor check.
		scopeLocked := false
		if node.ParentID != newParentID {
			if err := tx.LockScope(ctx, node.ScopeID); err != nil {
				return err
			}
			scopeLocked = true
		}
		dest := tree.Group{ScopeID: node.ScopeID, ParentID: newParentID}
		if err := tx.LockGroup(ctx, dest); err != nil {
			return err
		}

		// Re-read under the locks.
		node, err = liveNode(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		reparent := node.ParentID != newParentID
		if reparent && !scopeLocked {
			if err := tx.LockScope(ctx, node.ScopeID); err != nil {
				return err
			}
		}
		if reparent {
			// Serialize with same-parent moves of this node in its current group.
			if err := tx.LockGroup(ctx, node.Group()); err != nil {
				return err
			}
		}

		if newParentID != "" {
			parent, err := liveParent(ctx, tx, node, newParentID)
			if err != nil {
				return err
			}
			if reparent {
				if err := checkAncestors(ctx, tx, node.ID, parent); err != nil {
					return err
				}
			}
		}

		result = &MoveResult{OldParent: node.ParentID, OldPos: node.Position}
		if !reparent && node.Position == newPosition {
			result.Node = node
			return nil
		}

		if err := tx.ShiftPositionsFrom(ctx, dest, newPosition, 1); err != nil {
			return err
		}
		node.ParentID = newParentID
		node.Position = newPosition
		stamp.apply(node)
		if err := tx.Place(ctx, node); err != nil {
			return err
		}

		result.Node = node
		result.Moved = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Update applies edit to the payload of a live node and writes it back without
// touching its parent or position. With archive set the node is archived in
// the same unit.
func (e *Engine) Update(ctx context.Context, nodeID string, edit func(n *tree.Node), archive bool, stamp Stamp) (*tree.Node, error) {
	var updated *tree.Node
	err := e.store.Atomic(ctx, func(tx store.Tx) error {
		node, err := liveNode(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		if err := lockNode(ctx, tx, node); err != nil {
			return err
		}
		// Re-read under the lock.
		node, err = liveNode(ctx, tx, nodeID)
		if err != nil {
			return err
		}

		if edit != nil {
			edit(node)
		}
		if archive {
			node.Archived = true
		}
		stamp.apply(node)
		if err := tx.UpdatePayload(ctx, node); err != nil {
			return err
		}
		if archive {
			if err := tx.ClearFavorites(ctx, nodeID); err != nil {
				return err
			}
		}

		updated = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Archive marks a node archived. Its position and children are left alone,
// and favorites pointing at it are dropped. Archiving an archived node is a
// no-op reported with changed == false.
func (e *Engine) Archive(ctx context.Context, nodeID string, stamp Stamp) (node *tree.Node, changed bool, err error) {
	err = e.store.Atomic(ctx, func(tx store.Tx) error {
		current, err := tx.Get(ctx, nodeID)
		if err != nil {
			return err
		}
		if current.Archived {
			node = current
			return nil
		}
		if err := lockNode(ctx, tx, current); err != nil {
			return err
		}
		if current, err = tx.Get(ctx, nodeID); err != nil {
			return err
		}
		if current.Archived {
			node = current
			return nil
		}

		current.Archived = true
		stamp.apply(current)
		if err := tx.UpdatePayload(ctx, current); err != nil {
			return err
		}
		if err := tx.ClearFavorites(ctx, nodeID); err != nil {
			return err
		}

		node = current
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return node, changed, nil
}

// lockNode takes the lock of the node's own child group. Edits and archives of
// the node, and inserts or moves into its children, all serialize on it.
func lockNode(ctx context.Context, tx store.Tx, node *tree.Node) error {
	return tx.LockGroup(ctx, tree.Group{ScopeID: node.ScopeID, ParentID: node.ID})
}

// liveNode loads a node, treating archived nodes as missing
func liveNode(ctx context.Context, tx store.Tx, id string) (*tree.Node, error) {
	n, err := tx.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Archived {
		return nil, fmt.Errorf("node %s is archived: %w", id, tree.ErrNotFound)
	}
	return n, nil
}

// liveParent loads parentID and checks it can hold child: it must be live,
// in the same scope, and of the same kind.
func liveParent(ctx context.Context, tx store.Tx, child *tree.Node, parentID string) (*tree.Node, error) {
	parent, err := liveNode(ctx, tx, parentID)
	if err != nil {
		return nil, fmt.Errorf("parent: %w", err)
	}
	if parent.ScopeID != child.ScopeID {
		return nil, fmt.Errorf("parent %s is in scope %s, not %s: %w", parentID, parent.ScopeID, child.ScopeID, tree.ErrScopeMismatch)
	}
	if parent.Kind != child.Kind {
		return nil, fmt.Errorf("parent %s is a %s, not a %s: %w", parentID, parent.Kind, child.Kind, tree.ErrScopeMismatch)
	}
	return parent, nil
}

// checkBlockScope requires a block's scope to be a live page
func checkBlockScope(ctx context.Context, tx store.Tx, scopeID string) error {
	page, err := liveNode(ctx, tx, scopeID)
	if err != nil {
		return fmt.Errorf("scope page: %w", err)
	}
	if page.Kind != tree.KindPage {
		return fmt.Errorf("scope %s is a %s: %w", scopeID, page.Kind, tree.ErrScopeMismatch)
	}
	return nil
}

// checkAncestors walks up from parent and fails if nodeID is found. Archived
// ancestors are followed too: the parent link survives archiving.
func checkAncestors(ctx context.Context, tx store.Tx, nodeID string, parent *tree.Node) error {
	visited := map[string]bool{}
	for cur := parent; ; {
		if cur.ID == nodeID {
			return fmt.Errorf("node %s is an ancestor of %s: %w", nodeID, parent.ID, tree.ErrCycle)
		}
		if cur.ParentID == "" {
			return nil
		}
		if visited[cur.ID] {
			return fmt.Errorf("ancestor chain of %s loops at %s: %w", parent.ID, cur.ID, tree.ErrCycle)
		}
		visited[cur.ID] = true

		next, err := tx.Get(ctx, cur.ParentID)
		if err != nil {
			return fmt.Errorf("walking ancestors: %w", err)
		}
		cur = next
	}
}
