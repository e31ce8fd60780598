// Package storetest holds the behavior every store backend must share.
// Backend test files call Run with a constructor for a migrated, empty store.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/folio/internal/store"
	"github.com/systemshift/folio/internal/tree"
)

// Factory returns a ready store. It should register its own cleanup.
type Factory func(t *testing.T) store.Store

var errBoom = errors.New("boom")

// Run exercises a backend. Each test uses fresh scope ids, so backends that
// share a database between tests stay isolated.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"GetMissing", testGetMissing},
		{"SaveAndGet", testSaveAndGet},
		{"SaveReplaces", testSaveReplaces},
		{"ListSiblingsOrdered", testListSiblingsOrdered},
		{"MaxPosition", testMaxPosition},
		{"ShiftPositionsFrom", testShiftPositionsFrom},
		{"UpdatePayloadKeepsPlacement", testUpdatePayloadKeepsPlacement},
		{"ArchiveKeepsPosition", testArchiveKeepsPosition},
		{"UpdatePayloadMissing", testUpdatePayloadMissing},
		{"PlaceKeepsPayload", testPlaceKeepsPayload},
		{"PlaceMissing", testPlaceMissing},
		{"ListCreatedBy", testListCreatedBy},
		{"AtomicRollback", testAtomicRollback},
		{"AtomicPassesErrorThrough", testAtomicPassesErrorThrough},
		{"Locks", testLocks},
		{"Favorites", testFavorites},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newNode(scope, parent string, pos int) *tree.Node {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &tree.Node{
		ID:        uuid.NewString(),
		Kind:      tree.KindBlock,
		ScopeID:   scope,
		ParentID:  parent,
		Position:  pos,
		Type:      "text",
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: "tester",
		UpdatedBy: "tester",
	}
}

func save(t *testing.T, s store.Store, nodes ...*tree.Node) {
	t.Helper()
	err := s.Atomic(context.Background(), func(tx store.Tx) error {
		for _, n := range nodes {
			if err := tx.Save(context.Background(), n); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func ids(nodes []*tree.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func positions(nodes []*tree.Node) []int {
	out := make([]int, len(nodes))
	for i, n := range nodes {
		out[i] = n.Position
	}
	return out
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, tree.ErrNotFound)
}

func testSaveAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	scope := uuid.NewString()

	n := newNode(scope, "", 3)
	n.Content = "hello"
	n.Props = map[string]any{"title": "Intro", "icon": "book"}
	save(t, s, n)

	got, err := s.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)
	assert.Equal(t, tree.KindBlock, got.Kind)
	assert.Equal(t, scope, got.ScopeID)
	assert.Equal(t, "", got.ParentID)
	assert.Equal(t, 3, got.Position)
	assert.False(t, got.Archived)
	assert.Equal(t, "text", got.Type)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, map[string]any{"title": "Intro", "icon": "book"}, got.Props)
	assert.True(t, n.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", n.CreatedAt, got.CreatedAt)
	assert.Equal(t, "tester", got.CreatedBy)
}

func testSaveReplaces(t *testing.T, s store.Store) {
	ctx := context.Background()
	n := newNode(uuid.NewString(), "", 0)
	save(t, s, n)

	n.Content = "edited"
	n.Position = 7
	n.UpdatedBy = "editor"
	save(t, s, n)

	got, err := s.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Content)
	assert.Equal(t, 7, got.Position)
	assert.Equal(t, "editor", got.UpdatedBy)
}

func testListSiblingsOrdered(t *testing.T, s store.Store) {
	ctx := context.Background()
	scope := uuid.NewString()
	parent := uuid.NewString()

	c := newNode(scope, parent, 9)
	a := newNode(scope, parent, 1)
	b := newNode(scope, parent, 4)
	archived := newNode(scope, parent, 2)
	archived.Archived = true
	other := newNode(scope, "", 0)
	save(t, s, c, a, b, archived, other)

	siblings, err := s.ListSiblings(ctx, tree.Group{ScopeID: scope, ParentID: parent})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids(siblings))
	assert.Equal(t, []int{1, 4, 9}, positions(siblings))

	roots, err := s.ListSiblings(ctx, tree.Group{ScopeID: scope})
	require.NoError(t, err)
	assert.Equal(t, []string{other.ID}, ids(roots))
}

func testMaxPosition(t *testing.T, s store.Store) {
	ctx := context.Background()
	scope := uuid.NewString()
	group := tree.Group{ScopeID: scope}

	err := s.Atomic(ctx, func(tx store.Tx) error {
		_, ok, err := tx.MaxPosition(ctx, group)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)

	archived := newNode(scope, "", 20)
	archived.Archived = true
	save(t, s, newNode(scope, "", 2), newNode(scope, "", 5), archived)

	err = s.Atomic(ctx, func(tx store.Tx) error {
		max, ok, err := tx.MaxPosition(ctx, group)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 5, max)
		return nil
	})
	require.NoError(t, err)
}

func testShiftPositionsFrom(t *testing.T, s store.Store) {
	ctx := context.Background()
	scope := uuid.NewString()
	group := tree.Group{ScopeID: scope}

	a := newNode(scope, "", 0)
	b := newNode(scope, "", 1)
	c := newNode(scope, "", 2)
	archived := newNode(scope, "", 1)
	archived.Archived = true
	save(t, s, a, b, c, archived)

	err := s.Atomic(ctx, func(tx store.Tx) error {
		return tx.ShiftPositionsFrom(ctx, group, 1, 1)
	})
	require.NoError(t, err)

	siblings, err := s.ListSiblings(ctx, group)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 3}, positions(siblings))

	got, err := s.Get(ctx, archived.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Position, "archived rows are not shifted")
}

func testUpdatePayloadKeepsPlacement(t *testing.T, s store.Store) {
	ctx := context.Background()
	scope := uuid.NewString()
	group := tree.Group{ScopeID: scope}
	parent := newNode(scope, "", 0)
	child := newNode(scope, parent.ID, 0)
	b := newNode(scope, "", 3)
	save(t, s, parent, child, b)

	err := s.Atomic(ctx, func(tx store.Tx) error {
		stale, err := tx.Get(ctx, b.ID)
		if err != nil {
			return err
		}
		// A concurrent insert shifted the group after the read.
		if err := tx.ShiftPositionsFrom(ctx, group, 3, 1); err != nil {
			return err
		}
		stale.Content = "edited"
		stale.ParentID = parent.ID
		stale.Position = 0
		return tx.UpdatePayload(ctx, stale)
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Content)
	assert.Equal(t, 4, got.Position)
	assert.Equal(t, "", got.ParentID)
}

func testArchiveKeepsPosition(t *testing.T, s store.Store) {
	ctx := context.Background()
	scope := uuid.NewString()
	parent := newNode(scope, "", 0)
	child := newNode(scope, parent.ID, 0)
	save(t, s, parent, child)

	err := s.Atomic(ctx, func(tx store.Tx) error {
		n, err := tx.Get(ctx, parent.ID)
		if err != nil {
			return err
		}
		n.Archived = true
		return tx.UpdatePayload(ctx, n)
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.True(t, got.Archived)
	assert.Equal(t, 0, got.Position)

	kid, err := s.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.False(t, kid.Archived)
	assert.Equal(t, parent.ID, kid.ParentID)
}

func testUpdatePayloadMissing(t *testing.T, s store.Store) {
	ctx := context.Background()
	err := s.Atomic(ctx, func(tx store.Tx) error {
		return tx.UpdatePayload(ctx, newNode(uuid.NewString(), "", 0))
	})
	assert.ErrorIs(t, err, tree.ErrNotFound)
}

func testPlaceKeepsPayload(t *testing.T, s store.Store) {
	ctx := context.Background()
	scope := uuid.NewString()
	parent := newNode(scope, "", 0)
	b := newNode(scope, "", 1)
	b.Content = "before"
	save(t, s, parent, b)

	err := s.Atomic(ctx, func(tx store.Tx) error {
		stale, err := tx.Get(ctx, b.ID)
		if err != nil {
			return err
		}
		fresh := stale.Clone()
		fresh.Content = "after"
		if err := tx.UpdatePayload(ctx, fresh); err != nil {
			return err
		}
		stale.ParentID = parent.ID
		stale.Position = 2
		return tx.Place(ctx, stale)
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Content)
	assert.Equal(t, parent.ID, got.ParentID)
	assert.Equal(t, 2, got.Position)
}

func testPlaceMissing(t *testing.T, s store.Store) {
	ctx := context.Background()
	err := s.Atomic(ctx, func(tx store.Tx) error {
		return tx.Place(ctx, newNode(uuid.NewString(), "", 0))
	})
	assert.ErrorIs(t, err, tree.ErrNotFound)
}

func testListCreatedBy(t *testing.T, s store.Store) {
	ctx := context.Background()
	scope := uuid.NewString()
	user := uuid.NewString()

	older := newNode(scope, "", 0)
	older.Kind = tree.KindPage
	older.CreatedBy = user
	older.CreatedAt = older.CreatedAt.Add(-time.Minute)
	newer := newNode(scope, "", 1)
	newer.Kind = tree.KindPage
	newer.CreatedBy = user
	block := newNode(scope, "", 0)
	block.CreatedBy = user
	gone := newNode(scope, "", 2)
	gone.Kind = tree.KindPage
	gone.CreatedBy = user
	gone.Archived = true
	other := newNode(scope, "", 3)
	other.Kind = tree.KindPage
	save(t, s, older, newer, block, gone, other)

	pages, err := s.ListCreatedBy(ctx, user, tree.KindPage)
	require.NoError(t, err)
	assert.Equal(t, []string{newer.ID, older.ID}, ids(pages), "newest first")

	blocks, err := s.ListCreatedBy(ctx, user, tree.KindBlock)
	require.NoError(t, err)
	assert.Equal(t, []string{block.ID}, ids(blocks))

	none, err := s.ListCreatedBy(ctx, uuid.NewString(), tree.KindPage)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testAtomicRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	scope := uuid.NewString()
	group := tree.Group{ScopeID: scope}

	a := newNode(scope, "", 0)
	save(t, s, a)

	fresh := newNode(scope, "", 5)
	err := s.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.ShiftPositionsFrom(ctx, group, 0, 1); err != nil {
			return err
		}
		if err := tx.Save(ctx, fresh); err != nil {
			return err
		}
		archived := a.Clone()
		archived.Archived = true
		if err := tx.UpdatePayload(ctx, archived); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Position)
	assert.False(t, got.Archived)

	_, err = s.Get(ctx, fresh.ID)
	assert.ErrorIs(t, err, tree.ErrNotFound)
}

func testAtomicPassesErrorThrough(t *testing.T, s store.Store) {
	err := s.Atomic(context.Background(), func(tx store.Tx) error {
		return tree.ErrCycle
	})
	assert.ErrorIs(t, err, tree.ErrCycle)
	assert.NotErrorIs(t, err, tree.ErrConcurrentModification)
}

func testLocks(t *testing.T, s store.Store) {
	ctx := context.Background()
	scope := uuid.NewString()
	err := s.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.LockScope(ctx, scope); err != nil {
			return err
		}
		if err := tx.LockGroup(ctx, tree.Group{ScopeID: scope}); err != nil {
			return err
		}
		return tx.LockGroup(ctx, tree.Group{ScopeID: scope, ParentID: "p"})
	})
	assert.NoError(t, err)
}

func testFavorites(t *testing.T, s store.Store) {
	ctx := context.Background()
	scope := uuid.NewString()
	user := uuid.NewString()

	a := newNode(scope, "", 0)
	b := newNode(scope, "", 1)
	save(t, s, a, b)

	err := s.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.SetFavorite(ctx, user, a.ID, true); err != nil {
			return err
		}
		// setting twice is harmless
		return tx.SetFavorite(ctx, user, a.ID, true)
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	err = s.Atomic(ctx, func(tx store.Tx) error {
		return tx.SetFavorite(ctx, user, b.ID, true)
	})
	require.NoError(t, err)

	favs, err := s.ListFavorites(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, a.ID}, ids(favs), "most recent first")

	err = s.Atomic(ctx, func(tx store.Tx) error {
		on, err := tx.IsFavorite(ctx, user, a.ID)
		require.NoError(t, err)
		assert.True(t, on)

		if err := tx.SetFavorite(ctx, user, a.ID, false); err != nil {
			return err
		}
		on, err = tx.IsFavorite(ctx, user, a.ID)
		require.NoError(t, err)
		assert.False(t, on)
		return nil
	})
	require.NoError(t, err)

	err = s.Atomic(ctx, func(tx store.Tx) error {
		return tx.ClearFavorites(ctx, b.ID)
	})
	require.NoError(t, err)

	favs, err = s.ListFavorites(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, favs)
}
