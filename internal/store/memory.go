package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/systemshift/folio/internal/tree"
)

// MemoryStore keeps nodes in process memory. Atomic units run one at a time
// under a single writer lock, so every sibling group is serialized.
type MemoryStore struct {
	mu        sync.RWMutex
	nodes     map[string]*tree.Node
	favorites map[string]map[string]time.Time // user -> node -> favorited at
}

// NewMemory creates an empty in-memory store
func NewMemory() *MemoryStore {
	return &MemoryStore{
		nodes:     make(map[string]*tree.Node),
		favorites: make(map[string]map[string]time.Time),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Close(ctx context.Context) error { return nil }

func (s *MemoryStore) Get(ctx context.Context, id string) (*tree.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(id)
}

func (s *MemoryStore) ListSiblings(ctx context.Context, group tree.Group) ([]*tree.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.siblings(group), nil
}

func (s *MemoryStore) ListFavorites(ctx context.Context, userID string) ([]*tree.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type fav struct {
		node *tree.Node
		at   time.Time
	}
	var favs []fav
	for nodeID, at := range s.favorites[userID] {
		n, ok := s.nodes[nodeID]
		if !ok || n.Archived {
			continue
		}
		favs = append(favs, fav{node: n.Clone(), at: at})
	}
	sort.Slice(favs, func(i, j int) bool {
		if favs[i].at.Equal(favs[j].at) {
			return favs[i].node.ID < favs[j].node.ID
		}
		return favs[i].at.After(favs[j].at)
	})

	nodes := make([]*tree.Node, 0, len(favs))
	for _, f := range favs {
		nodes = append(nodes, f.node)
	}
	return nodes, nil
}

func (s *MemoryStore) ListCreatedBy(ctx context.Context, userID string, kind tree.Kind) ([]*tree.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*tree.Node
	for _, n := range s.nodes {
		if n.Archived || n.Kind != kind || n.CreatedBy != userID {
			continue
		}
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Atomic runs fn under the writer lock and undoes its writes if fn fails.
func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{s: s, undo: make(map[string]*tree.Node), favUndo: make(map[string]map[string]time.Time)}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) get(id string) (*tree.Node, error) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, notFound(id)
	}
	return n.Clone(), nil
}

func (s *MemoryStore) siblings(group tree.Group) []*tree.Node {
	var out []*tree.Node
	for _, n := range s.nodes {
		if n.Archived || n.ScopeID != group.ScopeID || n.ParentID != group.ParentID {
			continue
		}
		out = append(out, n.Clone())
	}
	sortByPosition(out)
	return out
}

func sortByPosition(nodes []*tree.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Position == nodes[j].Position {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].Position < nodes[j].Position
	})
}

// memoryTx records the prior state of everything it touches so a failed
// unit can be rolled back.
type memoryTx struct {
	s       *MemoryStore
	undo    map[string]*tree.Node // nil value: node did not exist
	favUndo map[string]map[string]time.Time
}

func (tx *memoryTx) remember(id string) {
	if _, seen := tx.undo[id]; seen {
		return
	}
	if n, ok := tx.s.nodes[id]; ok {
		tx.undo[id] = n.Clone()
	} else {
		tx.undo[id] = nil
	}
}

func (tx *memoryTx) rememberFavorites(userID string) {
	if _, seen := tx.favUndo[userID]; seen {
		return
	}
	prev := make(map[string]time.Time, len(tx.s.favorites[userID]))
	for k, v := range tx.s.favorites[userID] {
		prev[k] = v
	}
	tx.favUndo[userID] = prev
}

func (tx *memoryTx) rollback() {
	for id, prev := range tx.undo {
		if prev == nil {
			delete(tx.s.nodes, id)
			continue
		}
		tx.s.nodes[id] = prev
	}
	for userID, prev := range tx.favUndo {
		tx.s.favorites[userID] = prev
	}
}

func (tx *memoryTx) Get(ctx context.Context, id string) (*tree.Node, error) {
	return tx.s.get(id)
}

func (tx *memoryTx) ListSiblings(ctx context.Context, group tree.Group) ([]*tree.Node, error) {
	return tx.s.siblings(group), nil
}

func (tx *memoryTx) MaxPosition(ctx context.Context, group tree.Group) (int, bool, error) {
	max, ok := 0, false
	for _, n := range tx.s.nodes {
		if n.Archived || n.ScopeID != group.ScopeID || n.ParentID != group.ParentID {
			continue
		}
		if !ok || n.Position > max {
			max, ok = n.Position, true
		}
	}
	return max, ok, nil
}

func (tx *memoryTx) Save(ctx context.Context, node *tree.Node) error {
	tx.remember(node.ID)
	tx.s.nodes[node.ID] = node.Clone()
	return nil
}

func (tx *memoryTx) ShiftPositionsFrom(ctx context.Context, group tree.Group, from, delta int) error {
	for id, n := range tx.s.nodes {
		if n.Archived || n.ScopeID != group.ScopeID || n.ParentID != group.ParentID || n.Position < from {
			continue
		}
		tx.remember(id)
		shifted := n.Clone()
		shifted.Position += delta
		tx.s.nodes[id] = shifted
	}
	return nil
}

func (tx *memoryTx) UpdatePayload(ctx context.Context, node *tree.Node) error {
	n, ok := tx.s.nodes[node.ID]
	if !ok {
		return notFound(node.ID)
	}
	tx.remember(node.ID)
	updated := n.Clone()
	patch := node.Clone()
	updated.Archived = patch.Archived
	updated.Type = patch.Type
	updated.Content = patch.Content
	updated.Props = patch.Props
	updated.UpdatedAt = patch.UpdatedAt
	updated.UpdatedBy = patch.UpdatedBy
	tx.s.nodes[node.ID] = updated
	return nil
}

func (tx *memoryTx) Place(ctx context.Context, node *tree.Node) error {
	n, ok := tx.s.nodes[node.ID]
	if !ok {
		return notFound(node.ID)
	}
	tx.remember(node.ID)
	placed := n.Clone()
	placed.ParentID = node.ParentID
	placed.Position = node.Position
	placed.UpdatedAt = node.UpdatedAt
	placed.UpdatedBy = node.UpdatedBy
	tx.s.nodes[node.ID] = placed
	return nil
}

// LockGroup is a no-op: the whole store is already held by Atomic.
func (tx *memoryTx) LockGroup(ctx context.Context, group tree.Group) error { return nil }

func (tx *memoryTx) LockScope(ctx context.Context, scopeID string) error { return nil }

func (tx *memoryTx) SetFavorite(ctx context.Context, userID, nodeID string, on bool) error {
	tx.rememberFavorites(userID)
	favs := tx.s.favorites[userID]
	if on {
		if favs == nil {
			favs = make(map[string]time.Time)
			tx.s.favorites[userID] = favs
		}
		if _, exists := favs[nodeID]; !exists {
			favs[nodeID] = time.Now()
		}
		return nil
	}
	delete(favs, nodeID)
	return nil
}

func (tx *memoryTx) IsFavorite(ctx context.Context, userID, nodeID string) (bool, error) {
	_, ok := tx.s.favorites[userID][nodeID]
	return ok, nil
}

func (tx *memoryTx) ClearFavorites(ctx context.Context, nodeID string) error {
	for userID, favs := range tx.s.favorites {
		if _, ok := favs[nodeID]; ok {
			tx.rememberFavorites(userID)
			delete(tx.s.favorites[userID], nodeID)
		}
	}
	return nil
}
