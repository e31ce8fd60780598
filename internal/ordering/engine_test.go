package ordering_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/folio/internal/ordering"
	"github.com/systemshift/folio/internal/store"
	"github.com/systemshift/folio/internal/tree"
)

const workspace = "ws-1"

var stamp = ordering.Stamp{By: "tester", At: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}

// forEachBackend runs fn against every backend that needs no external server.
func forEachBackend(t *testing.T, fn func(t *testing.T, s store.Store)) {
	backends := map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store { return store.NewMemory() },
		"sqlite": func(t *testing.T) store.Store {
			ctx := context.Background()
			s, err := store.Open(ctx, store.Options{Backend: store.BackendSQLite})
			require.NoError(t, err)
			t.Cleanup(func() { s.Close(ctx) })
			return s
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func intp(i int) *int { return &i }

func page(id, parent string) *tree.Node {
	return &tree.Node{ID: id, Kind: tree.KindPage, ScopeID: workspace, ParentID: parent, CreatedBy: "tester"}
}

func insert(t *testing.T, e *ordering.Engine, n *tree.Node, pos *int) *tree.Node {
	t.Helper()
	got, err := e.Insert(context.Background(), n, pos)
	require.NoError(t, err)
	return got
}

// layout returns id:position pairs of a group in sibling order
func layout(t *testing.T, s store.Store, parent string) []string {
	t.Helper()
	nodes, err := s.ListSiblings(context.Background(), tree.Group{ScopeID: workspace, ParentID: parent})
	require.NoError(t, err)
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = fmt.Sprintf("%s:%d", n.ID, n.Position)
	}
	return out
}

func position(t *testing.T, s store.Store, id string) int {
	t.Helper()
	n, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return n.Position
}

func TestAppendYieldsSequentialPositions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		e := ordering.New(s)
		for i := 0; i < 5; i++ {
			n := insert(t, e, page(fmt.Sprintf("p%d", i), ""), nil)
			assert.Equal(t, i, n.Position)
		}
		assert.Equal(t, []string{"p0:0", "p1:1", "p2:2", "p3:3", "p4:4"}, layout(t, s, ""))
	})
}

func TestAppendAfterGap(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		e := ordering.New(s)
		insert(t, e, page("a", ""), intp(7))

		n := insert(t, e, page("b", ""), nil)
		assert.Equal(t, 8, n.Position)

		// negative means append too
		n = insert(t, e, page("c", ""), intp(-1))
		assert.Equal(t, 9, n.Position)
	})
}

func TestInsertAtShiftsSiblings(t *testing.T) {
	for p := 0; p <= 3; p++ {
		t.Run(fmt.Sprintf("at%d", p), func(t *testing.T) {
			forEachBackend(t, func(t *testing.T, s store.Store) {
				e := ordering.New(s)
				insert(t, e, page("a", ""), nil)
				insert(t, e, page("b", ""), nil)
				insert(t, e, page("c", ""), nil)

				n := insert(t, e, page("new", ""), intp(p))
				assert.Equal(t, p, n.Position)

				for i, id := range []string{"a", "b", "c"} {
					want := i
					if i >= p {
						want = i + 1
					}
					assert.Equal(t, want, position(t, s, id), id)
				}
			})
		})
	}
}

func TestInsertPastEndIsNotClamped(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		e := ordering.New(s)
		insert(t, e, page("a", ""), nil)

		n := insert(t, e, page("b", ""), intp(10))
		assert.Equal(t, 10, n.Position)
		assert.Equal(t, []string{"a:0", "b:10"}, layout(t, s, ""))
	})
}

func TestInsertValidatesParent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		e := ordering.New(s)
		insert(t, e, page("root", ""), nil)
		insert(t, e, page("gone", ""), nil)
		_, _, err := e.Archive(ctx, "gone", stamp)
		require.NoError(t, err)

		other := &tree.Node{ID: "elsewhere", Kind: tree.KindPage, ScopeID: "ws-2"}
		insert(t, e, other, nil)

		_, err = e.Insert(ctx, page("x", "missing"), nil)
		assert.ErrorIs(t, err, tree.ErrNotFound)

		_, err = e.Insert(ctx, page("x", "gone"), nil)
		assert.ErrorIs(t, err, tree.ErrNotFound)

		_, err = e.Insert(ctx, page("x", "elsewhere"), nil)
		assert.ErrorIs(t, err, tree.ErrScopeMismatch)

		_, err = e.Insert(ctx, &tree.Node{ID: "x", Kind: "folder", ScopeID: workspace}, nil)
		assert.ErrorIs(t, err, tree.ErrInvalidInput)

		_, err = s.Get(ctx, "x")
		assert.ErrorIs(t, err, tree.ErrNotFound, "failed inserts leave nothing behind")
	})
}

func TestInsertBlockRequiresLivePageScope(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		e := ordering.New(s)
		insert(t, e, page("doc", ""), nil)

		b1 := insert(t, e, &tree.Node{ID: "b1", Kind: tree.KindBlock, ScopeID: "doc"}, nil)
		assert.Equal(t, 0, b1.Position)

		child := insert(t, e, &tree.Node{ID: "b2", Kind: tree.KindBlock, ScopeID: "doc", ParentID: "b1"}, nil)
		assert.Equal(t, 0, child.Position)

		_, err := e.Insert(ctx, &tree.Node{ID: "b3", Kind: tree.KindBlock, ScopeID: "nope"}, nil)
		assert.ErrorIs(t, err, tree.ErrNotFound)

		_, err = e.Insert(ctx, &tree.Node{ID: "b3", Kind: tree.KindBlock, ScopeID: "b1"}, nil)
		assert.ErrorIs(t, err, tree.ErrScopeMismatch)

		// a page cannot hang under a block
		_, err = e.Insert(ctx, &tree.Node{ID: "p", Kind: tree.KindPage, ScopeID: "doc", ParentID: "b1"}, nil)
		assert.ErrorIs(t, err, tree.ErrScopeMismatch)
	})
}

func TestMoveWithinParentScenario(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		e := ordering.New(s)
		insert(t, e, page("P", ""), nil)
		insert(t, e, page("A", "P"), nil)
		insert(t, e, page("B", "P"), nil)
		insert(t, e, page("C", "P"), nil)

		res, err := e.Move(context.Background(), "C", "P", 0, stamp)
		require.NoError(t, err)
		assert.True(t, res.Moved)
		assert.Equal(t, 2, res.OldPos)
		assert.Equal(t, stamp.At, res.Node.UpdatedAt)

		assert.Equal(t, 1, position(t, s, "A"))
		assert.Equal(t, 2, position(t, s, "B"))
		assert.Equal(t, 0, position(t, s, "C"))
		assert.Equal(t, []string{"C:0", "A:1", "B:2"}, layout(t, s, "P"))
	})
}

func TestMoveDownWithinParent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		e := ordering.New(s)
		insert(t, e, page("A", ""), nil)
		insert(t, e, page("B", ""), nil)
		insert(t, e, page("C", ""), nil)

		// positions are keys: A takes key 2 and C, which held 2, moves up
		_, err := e.Move(context.Background(), "A", "", 2, stamp)
		require.NoError(t, err)
		assert.Equal(t, []string{"B:1", "A:2", "C:3"}, layout(t, s, ""))
	})
}

func TestMoveToCurrentPositionIsNoop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		e := ordering.New(s)
		insert(t, e, page("A", ""), nil)
		insert(t, e, page("B", ""), nil)

		res, err := e.Move(context.Background(), "B", "", 1, stamp)
		require.NoError(t, err)
		assert.False(t, res.Moved)
		assert.Equal(t, []string{"A:0", "B:1"}, layout(t, s, ""))
	})
}

func TestMoveAcrossParentsLeavesGap(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		e := ordering.New(s)
		insert(t, e, page("P", ""), nil)
		insert(t, e, page("Q", ""), nil)
		insert(t, e, page("A", "P"), nil)
		insert(t, e, page("B", "P"), nil)
		insert(t, e, page("C", "P"), nil)
		insert(t, e, page("X", "Q"), nil)

		res, err := e.Move(context.Background(), "B", "Q", 0, stamp)
		require.NoError(t, err)
		assert.Equal(t, "P", res.OldParent)
		assert.Equal(t, "Q", res.Node.ParentID)

		assert.Equal(t, []string{"A:0", "C:2"}, layout(t, s, "P"), "former siblings keep their keys")
		assert.Equal(t, []string{"B:0", "X:1"}, layout(t, s, "Q"))
	})
}

func TestMoveToRoot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		e := ordering.New(s)
		insert(t, e, page("P", ""), nil)
		insert(t, e, page("A", "P"), nil)

		res, err := e.Move(context.Background(), "A", "", 0, stamp)
		require.NoError(t, err)
		assert.Equal(t, "", res.Node.ParentID)
		assert.Equal(t, []string{"A:0", "P:1"}, layout(t, s, ""))
	})
}

func TestMoveUnderDescendantFails(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		e := ordering.New(s)
		insert(t, e, page("A", ""), nil)
		insert(t, e, page("B", "A"), nil)
		insert(t, e, page("C", "B"), nil)
		insert(t, e, page("D", "C"), nil)

		before := map[string]*tree.Node{}
		for _, id := range []string{"A", "B", "C", "D"} {
			n, err := s.Get(ctx, id)
			require.NoError(t, err)
			before[id] = n
		}

		_, err := e.Move(ctx, "A", "D", 0, stamp)
		assert.ErrorIs(t, err, tree.ErrCycle)

		_, err = e.Move(ctx, "B", "B", 0, stamp)
		assert.ErrorIs(t, err, tree.ErrCycle)

		for id, want := range before {
			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, want.ParentID, got.ParentID, id)
			assert.Equal(t, want.Position, got.Position, id)
		}
	})
}

func TestMoveErrors(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		e := ordering.New(s)
		insert(t, e, page("A", ""), nil)
		insert(t, e, page("B", ""), nil)
		insert(t, e, page("dead", ""), nil)
		insert(t, e, &tree.Node{ID: "far", Kind: tree.KindPage, ScopeID: "ws-2"}, nil)
		_, _, err := e.Archive(ctx, "dead", stamp)
		require.NoError(t, err)

		_, err = e.Move(ctx, "A", "", -1, stamp)
		assert.ErrorIs(t, err, tree.ErrInvalidPosition)

		_, err = e.Move(ctx, "missing", "", 0, stamp)
		assert.ErrorIs(t, err, tree.ErrNotFound)

		_, err = e.Move(ctx, "dead", "", 0, stamp)
		assert.ErrorIs(t, err, tree.ErrNotFound)

		_, err = e.Move(ctx, "A", "dead", 0, stamp)
		assert.ErrorIs(t, err, tree.ErrNotFound)

		_, err = e.Move(ctx, "A", "far", 0, stamp)
		assert.ErrorIs(t, err, tree.ErrScopeMismatch)

		assert.Equal(t, []string{"A:0", "B:1"}, layout(t, s, ""))
	})
}

func TestArchive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		e := ordering.New(s)
		insert(t, e, page("A", ""), nil)
		insert(t, e, page("B", ""), nil)
		insert(t, e, page("C", ""), nil)
		insert(t, e, page("B1", "B"), nil)

		require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
			return tx.SetFavorite(ctx, "u1", "B", true)
		}))

		node, changed, err := e.Archive(ctx, "B", stamp)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.True(t, node.Archived)
		assert.Equal(t, "tester", node.UpdatedBy)

		assert.Equal(t, []string{"A:0", "C:2"}, layout(t, s, ""), "no compaction")

		child, err := s.Get(ctx, "B1")
		require.NoError(t, err)
		assert.False(t, child.Archived)
		assert.Equal(t, "B", child.ParentID)

		favs, err := s.ListFavorites(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, favs)

		_, changed, err = e.Archive(ctx, "B", stamp)
		require.NoError(t, err)
		assert.False(t, changed, "archiving twice is a no-op")

		_, _, err = e.Archive(ctx, "missing", stamp)
		assert.ErrorIs(t, err, tree.ErrNotFound)
	})
}

func TestArchivedPositionIsReusable(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		e := ordering.New(s)
		insert(t, e, page("A", ""), nil)
		insert(t, e, page("B", ""), nil)
		_, _, err := e.Archive(ctx, "B", stamp)
		require.NoError(t, err)

		n := insert(t, e, page("C", ""), nil)
		assert.Equal(t, 1, n.Position)
	})
}

func TestUpdateEditsPayloadOnly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		e := ordering.New(s)
		insert(t, e, page("A", ""), nil)
		insert(t, e, page("B", ""), nil)

		node, err := e.Update(ctx, "B", func(n *tree.Node) {
			n.Content = "hello"
			n.ParentID = "A"
			n.Position = 9
		}, false, stamp)
		require.NoError(t, err)
		assert.Equal(t, "hello", node.Content)
		assert.False(t, node.Archived)

		got, err := s.Get(ctx, "B")
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Content)
		assert.Equal(t, "", got.ParentID, "parent is not written by an edit")
		assert.Equal(t, 1, got.Position, "position is not written by an edit")
		assert.Equal(t, "tester", got.UpdatedBy)
	})
}

func TestUpdateWithArchive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		e := ordering.New(s)
		insert(t, e, page("A", ""), nil)
		insert(t, e, page("B", ""), nil)
		require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
			return tx.SetFavorite(ctx, "u1", "B", true)
		}))

		node, err := e.Update(ctx, "B", func(n *tree.Node) { n.Content = "last words" }, true, stamp)
		require.NoError(t, err)
		assert.True(t, node.Archived)

		got, err := s.Get(ctx, "B")
		require.NoError(t, err)
		assert.True(t, got.Archived)
		assert.Equal(t, "last words", got.Content)
		assert.Equal(t, 1, got.Position)

		favs, err := s.ListFavorites(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, favs)

		_, err = e.Update(ctx, "B", nil, false, stamp)
		assert.ErrorIs(t, err, tree.ErrNotFound, "archived nodes cannot be edited")

		_, err = e.Update(ctx, "missing", nil, false, stamp)
		assert.ErrorIs(t, err, tree.ErrNotFound)
	})
}

func TestConcurrentUpdatesAndInsertsKeepPositions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		e := ordering.New(s)
		insert(t, e, page("A", ""), nil)
		insert(t, e, page("B", ""), nil)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				_, err := e.Insert(ctx, page(fmt.Sprintf("n%d", i), ""), intp(0))
				assert.NoError(t, err)
			}(i)
			go func(i int) {
				defer wg.Done()
				_, err := e.Update(ctx, "B", func(n *tree.Node) { n.Content = fmt.Sprint(i) }, false, stamp)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 11, position(t, s, "B"), "every insert at the head shifted B")
		positions := map[int]bool{}
		nodes, err := s.ListSiblings(ctx, tree.Group{ScopeID: workspace})
		require.NoError(t, err)
		for _, n := range nodes {
			assert.False(t, positions[n.Position], "duplicate position %d", n.Position)
			positions[n.Position] = true
		}
	})
}

func TestConcurrentAppendsToEmptyGroup(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		e := ordering.New(s)

		var wg sync.WaitGroup
		got := make([]int, 2)
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				n, err := e.Insert(context.Background(), page(fmt.Sprintf("n%d", i), ""), nil)
				errs[i] = err
				if err == nil {
					got[i] = n.Position
				}
			}(i)
		}
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		sort.Ints(got)
		assert.Equal(t, []int{0, 1}, got)
	})
}

func TestConcurrentInsertsKeepPositionsDistinct(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		e := ordering.New(s)
		insert(t, e, page("P", ""), nil)

		const workers = 16
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var pos *int
				if i%2 == 0 {
					pos = intp(0)
				}
				_, err := e.Insert(context.Background(), page(fmt.Sprintf("n%02d", i), "P"), pos)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		nodes, err := s.ListSiblings(context.Background(), tree.Group{ScopeID: workspace, ParentID: "P"})
		require.NoError(t, err)
		assert.Len(t, nodes, workers)
		assertDistinct(t, nodes)
	})
}

// Random inserts, moves and archives never leave two live siblings sharing a
// position.
func TestRandomOperationsKeepPositionsDistinct(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		e := ordering.New(s)
		rng := rand.New(rand.NewSource(42))

		ids := []string{}
		for i := 0; i < 150; i++ {
			switch op := rng.Intn(10); {
			case op < 5 || len(ids) < 3:
				parent := ""
				if len(ids) > 0 && rng.Intn(2) == 0 {
					parent = ids[rng.Intn(len(ids))]
				}
				var pos *int
				if rng.Intn(2) == 0 {
					pos = intp(rng.Intn(5))
				}
				id := fmt.Sprintf("n%03d", i)
				if _, err := e.Insert(ctx, page(id, parent), pos); err == nil {
					ids = append(ids, id)
				} else {
					assert.ErrorIs(t, err, tree.ErrNotFound)
				}
			case op < 9:
				node := ids[rng.Intn(len(ids))]
				parent := ""
				if rng.Intn(3) > 0 {
					parent = ids[rng.Intn(len(ids))]
				}
				_, err := e.Move(ctx, node, parent, rng.Intn(6), stamp)
				if err != nil {
					assert.True(t,
						errorsIsAny(err, tree.ErrCycle, tree.ErrNotFound),
						"unexpected move error: %v", err)
				}
			default:
				_, _, err := e.Archive(ctx, ids[rng.Intn(len(ids))], stamp)
				require.NoError(t, err)
			}
		}

		groups := map[string]bool{"": true}
		for _, id := range ids {
			groups[id] = true
		}
		for parent := range groups {
			nodes, err := s.ListSiblings(ctx, tree.Group{ScopeID: workspace, ParentID: parent})
			require.NoError(t, err)
			assertDistinct(t, nodes)
		}
	})
}

func assertDistinct(t *testing.T, nodes []*tree.Node) {
	t.Helper()
	seen := map[int]string{}
	for _, n := range nodes {
		if other, dup := seen[n.Position]; dup {
			t.Errorf("%s and %s share position %d", other, n.ID, n.Position)
		}
		seen[n.Position] = n.ID
	}
}

func errorsIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
