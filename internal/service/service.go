// Package service is the public face of the tree: every operation takes an
// explicit caller, checks access once against the scope it touches, and
// delegates positional work to the ordering engine.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/systemshift/folio/internal/access"
	"github.com/systemshift/folio/internal/events"
	"github.com/systemshift/folio/internal/ordering"
	"github.com/systemshift/folio/internal/store"
	"github.com/systemshift/folio/internal/tree"
)

// Service implements the tree operations
type Service struct {
	store  store.Store
	engine *ordering.Engine
	access access.Checker
	events events.Publisher
	log    zerolog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Service
type Option func(*Service)

// WithClock sets the clock used for audit timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDs sets the node id generator
func WithIDs(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithPublisher sets where change events go
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithLogger sets the service logger
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New creates a Service
func New(st store.Store, checker access.Checker, opts ...Option) *Service {
	s := &Service{
		store:  st,
		engine: ordering.New(st),
		access: checker,
		log:    zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInput describes a new node
type CreateInput struct {
	Kind     tree.Kind      `json:"kind"`
	ScopeID  string         `json:"scope_id"`
	ParentID string         `json:"parent_id,omitempty"`
	Position *int           `json:"position,omitempty"`
	Type     string         `json:"type,omitempty"`
	Content  string         `json:"content,omitempty"`
	Props    map[string]any `json:"props,omitempty"`
}

// Patch is a merge-patch: nil fields are left alone. Props are merged key by
// key and a nil value deletes the key.
type Patch struct {
	Type     *string        `json:"type,omitempty"`
	Content  *string        `json:"content,omitempty"`
	Props    map[string]any `json:"props,omitempty"`
	Archived *bool          `json:"archived,omitempty"`
}

// authorize runs the access check for one operation
func (s *Service) authorize(ctx context.Context, caller tree.Caller, scopeID string) error {
	ok, err := s.access.IsAuthorized(ctx, caller.ID, scopeID)
	if err != nil {
		return fmt.Errorf("checking access: %w", err)
	}
	if !ok {
		return fmt.Errorf("caller %q on scope %s: %w", caller.ID, scopeID, tree.ErrUnauthorized)
	}
	return nil
}

// CreateNode inserts a node at the requested position, or appends it.
func (s *Service) CreateNode(ctx context.Context, caller tree.Caller, in CreateInput) (*tree.Node, error) {
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("kind %q: %w", in.Kind, tree.ErrInvalidInput)
	}
	if in.ScopeID == "" {
		return nil, fmt.Errorf("scope_id is required: %w", tree.ErrInvalidInput)
	}
	if err := s.authorize(ctx, caller, in.ScopeID); err != nil {
		return nil, err
	}

	now := s.now()
	node := &tree.Node{
		ID:        s.newID(),
		Kind:      in.Kind,
		ScopeID:   in.ScopeID,
		ParentID:  in.ParentID,
		Type:      in.Type,
		Content:   in.Content,
		Props:     in.Props,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: caller.ID,
		UpdatedBy: caller.ID,
	}

	created, err := s.engine.Insert(ctx, node, in.Position)
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("node", created.ID).Str("scope", created.ScopeID).Int("position", created.Position).Msg("node created")
	s.publish(events.EventNodeCreated, created, caller, nil)
	return created, nil
}

// UpdateNode applies a merge-patch to a live node. Position and parent are
// never touched; Archived=true archives the node.
func (s *Service) UpdateNode(ctx context.Context, caller tree.Caller, id string, patch Patch) (*tree.Node, error) {
	current, err := s.liveNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, caller, current.ScopeID); err != nil {
		return nil, err
	}

	if patch.Archived != nil && !*patch.Archived {
		return nil, fmt.Errorf("unarchiving is not supported: %w", tree.ErrInvalidInput)
	}

	edits := patch.Type != nil || patch.Content != nil || patch.Props != nil
	archive := patch.Archived != nil
	if !edits && !archive {
		return current, nil
	}

	updated, err := s.engine.Update(ctx, id, func(n *tree.Node) {
		if patch.Type != nil {
			n.Type = *patch.Type
		}
		if patch.Content != nil {
			n.Content = *patch.Content
		}
		n.Props = mergeProps(n.Props, patch.Props)
	}, archive, s.stamp(caller))
	if err != nil {
		return nil, err
	}

	if archive {
		s.log.Debug().Str("node", id).Bool("edited", edits).Msg("node archived")
		s.publish(events.EventNodeArchived, updated, caller, nil)
	} else {
		s.publish(events.EventNodeUpdated, updated, caller, nil)
	}
	return updated, nil
}

// ArchiveNode soft-deletes a node. Archiving an archived node succeeds.
func (s *Service) ArchiveNode(ctx context.Context, caller tree.Caller, id string) (*tree.Node, error) {
	node, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, caller, node.ScopeID); err != nil {
		return nil, err
	}
	return s.archive(ctx, caller, id)
}

func (s *Service) archive(ctx context.Context, caller tree.Caller, id string) (*tree.Node, error) {
	node, changed, err := s.engine.Archive(ctx, id, s.stamp(caller))
	if err != nil {
		return nil, err
	}
	if changed {
		s.log.Debug().Str("node", id).Msg("node archived")
		s.publish(events.EventNodeArchived, node, caller, nil)
	}
	return node, nil
}

// MoveNode places a node under newParentID (empty for the root of its scope)
// at newPosition.
func (s *Service) MoveNode(ctx context.Context, caller tree.Caller, id, newParentID string, newPosition int) (*tree.Node, error) {
	current, err := s.liveNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, caller, current.ScopeID); err != nil {
		return nil, err
	}

	res, err := s.engine.Move(ctx, id, newParentID, newPosition, s.stamp(caller))
	if err != nil {
		return nil, err
	}
	if res.Moved {
		s.log.Debug().
			Str("node", id).
			Str("from_parent", res.OldParent).
			Str("to_parent", res.Node.ParentID).
			Int("position", res.Node.Position).
			Msg("node moved")
		s.publish(events.EventNodeMoved, res.Node, caller, map[string]any{
			"old_parent":   res.OldParent,
			"old_position": res.OldPos,
		})
	}
	return res.Node, nil
}

// ListChildren returns the live children of parentID (empty for the scope
// roots) ordered by position.
func (s *Service) ListChildren(ctx context.Context, caller tree.Caller, scopeID, parentID string) ([]*tree.Node, error) {
	if err := s.authorize(ctx, caller, scopeID); err != nil {
		return nil, err
	}

	if parentID != "" {
		parent, err := s.liveNode(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent.ScopeID != scopeID {
			return nil, fmt.Errorf("parent %s is not in scope %s: %w", parentID, scopeID, tree.ErrScopeMismatch)
		}
	}

	return s.store.ListSiblings(ctx, tree.Group{ScopeID: scopeID, ParentID: parentID})
}

// ListChildViews is ListChildren with each node flagged when the caller has
// favorited it.
func (s *Service) ListChildViews(ctx context.Context, caller tree.Caller, scopeID, parentID string) ([]*tree.NodeView, error) {
	nodes, err := s.ListChildren(ctx, caller, scopeID, parentID)
	if err != nil {
		return nil, err
	}

	favorite := map[string]bool{}
	if caller.ID != "" {
		favs, err := s.store.ListFavorites(ctx, caller.ID)
		if err != nil {
			return nil, err
		}
		for _, f := range favs {
			favorite[f.ID] = true
		}
	}

	views := make([]*tree.NodeView, len(nodes))
	for i, n := range nodes {
		views[i] = &tree.NodeView{Node: n, Favorite: favorite[n.ID]}
	}
	return views, nil
}

// GetNode returns a live node by id. Children of archived nodes still resolve.
func (s *Service) GetNode(ctx context.Context, caller tree.Caller, id string) (*tree.Node, error) {
	node, err := s.liveNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, caller, node.ScopeID); err != nil {
		return nil, err
	}
	return node, nil
}

// Traverse returns the live forest of a scope. Children of archived nodes are
// unreachable from it.
func (s *Service) Traverse(ctx context.Context, caller tree.Caller, scopeID string) ([]*tree.TreeNode, error) {
	if err := s.authorize(ctx, caller, scopeID); err != nil {
		return nil, err
	}
	return s.subtree(ctx, scopeID, "")
}

// subtree builds the forest under parentID. Every node has one parent, so a
// walk down from the roots visits each node at most once and cannot loop.
func (s *Service) subtree(ctx context.Context, scopeID, parentID string) ([]*tree.TreeNode, error) {
	nodes, err := s.store.ListSiblings(ctx, tree.Group{ScopeID: scopeID, ParentID: parentID})
	if err != nil {
		return nil, err
	}

	out := make([]*tree.TreeNode, 0, len(nodes))
	for _, n := range nodes {
		children, err := s.subtree(ctx, scopeID, n.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, &tree.TreeNode{Node: n, Children: children})
	}
	return out, nil
}

// ToggleFavorite flips whether the caller favorites a live node and reports
// the new state.
func (s *Service) ToggleFavorite(ctx context.Context, caller tree.Caller, id string) (bool, error) {
	node, err := s.liveNode(ctx, id)
	if err != nil {
		return false, err
	}
	if err := s.authorize(ctx, caller, node.ScopeID); err != nil {
		return false, err
	}

	var on bool
	err = s.store.Atomic(ctx, func(tx store.Tx) error {
		current, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.Archived {
			return fmt.Errorf("node %s is archived: %w", id, tree.ErrNotFound)
		}

		fav, err := tx.IsFavorite(ctx, caller.ID, id)
		if err != nil {
			return err
		}
		on = !fav
		return tx.SetFavorite(ctx, caller.ID, id, on)
	})
	if err != nil {
		return false, err
	}
	return on, nil
}

// ListFavorites returns the caller's favorited live nodes, most recent first.
// Nodes in scopes the caller can no longer access are left out.
func (s *Service) ListFavorites(ctx context.Context, caller tree.Caller) ([]*tree.Node, error) {
	if caller.ID == "" {
		return nil, fmt.Errorf("anonymous caller: %w", tree.ErrUnauthorized)
	}

	nodes, err := s.store.ListFavorites(ctx, caller.ID)
	if err != nil {
		return nil, err
	}
	return s.visible(ctx, caller, nodes)
}

// ListCreatedBy returns the live nodes of one kind the caller created, newest
// first. Nodes in scopes the caller can no longer access are left out.
func (s *Service) ListCreatedBy(ctx context.Context, caller tree.Caller, kind tree.Kind) ([]*tree.Node, error) {
	if caller.ID == "" {
		return nil, fmt.Errorf("anonymous caller: %w", tree.ErrUnauthorized)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("kind %q: %w", kind, tree.ErrInvalidInput)
	}

	nodes, err := s.store.ListCreatedBy(ctx, caller.ID, kind)
	if err != nil {
		return nil, err
	}
	return s.visible(ctx, caller, nodes)
}

// visible filters nodes down to the scopes the caller may read, checking each
// scope once.
func (s *Service) visible(ctx context.Context, caller tree.Caller, nodes []*tree.Node) ([]*tree.Node, error) {
	allowed := map[string]bool{}
	out := make([]*tree.Node, 0, len(nodes))
	for _, n := range nodes {
		ok, seen := allowed[n.ScopeID]
		if !seen {
			var err error
			ok, err = s.access.IsAuthorized(ctx, caller.ID, n.ScopeID)
			if err != nil {
				return nil, fmt.Errorf("checking access: %w", err)
			}
			allowed[n.ScopeID] = ok
		}
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// ScopeParent resolves the scope enclosing scopeID: a page's workspace.
func (s *Service) ScopeParent(ctx context.Context, scopeID string) (string, bool, error) {
	return ScopeResolver(s.store)(ctx, scopeID)
}

// ScopeResolver plugs a store into access.Members so workspace members reach
// the blocks of the workspace's pages.
func ScopeResolver(st store.Store) access.ParentScope {
	return func(ctx context.Context, scopeID string) (string, bool, error) {
		node, err := st.Get(ctx, scopeID)
		if err != nil {
			if errors.Is(err, tree.ErrNotFound) {
				return "", false, nil
			}
			return "", false, err
		}
		if node.Kind != tree.KindPage {
			return "", false, nil
		}
		return node.ScopeID, true, nil
	}
}

func (s *Service) liveNode(ctx context.Context, id string) (*tree.Node, error) {
	node, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if node.Archived {
		return nil, fmt.Errorf("node %s is archived: %w", id, tree.ErrNotFound)
	}
	return node, nil
}

func (s *Service) stamp(caller tree.Caller) ordering.Stamp {
	return ordering.Stamp{By: caller.ID, At: s.now()}
}

func (s *Service) publish(eventType string, node *tree.Node, caller tree.Caller, meta map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: s.now(),
		NodeID:    node.ID,
		Kind:      node.Kind,
		ScopeID:   node.ScopeID,
		ParentID:  node.ParentID,
		Position:  node.Position,
		Actor:     caller.ID,
		Meta:      meta,
	})
}

// mergeProps applies patch to props key by key; nil values delete keys
func mergeProps(props, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return props
	}
	merged := make(map[string]any, len(props)+len(patch))
	for k, v := range props {
		merged[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}
