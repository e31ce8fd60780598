package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/systemshift/folio/internal/tree"
)

// Store defines the interface for node storage backends.
// Memory, SQLite, PostgreSQL and Neo4j implement this interface.
type Store interface {
	// Lifecycle
	Migrate(ctx context.Context) error
	Close(ctx context.Context) error

	// Read-only lookups outside of an atomic unit
	Get(ctx context.Context, id string) (*tree.Node, error)
	ListSiblings(ctx context.Context, group tree.Group) ([]*tree.Node, error)
	ListFavorites(ctx context.Context, userID string) ([]*tree.Node, error)
	// ListCreatedBy returns the live nodes of one kind a user created, newest first.
	ListCreatedBy(ctx context.Context, userID string, kind tree.Kind) ([]*tree.Node, error)

	// Atomic runs fn as one all-or-nothing unit. Errors returned by fn are passed
	// through unchanged; storage conflicts are reported as
	// tree.ErrConcurrentModification. Atomic never retries.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the view of a store inside an atomic unit.
type Tx interface {
	// Get returns the node with the given id, archived or not, or tree.ErrNotFound.
	Get(ctx context.Context, id string) (*tree.Node, error)

	// ListSiblings returns the non-archived nodes of a group ascending by position.
	ListSiblings(ctx context.Context, group tree.Group) ([]*tree.Node, error)

	// MaxPosition returns the highest position among non-archived nodes of the
	// group; ok is false when the group is empty.
	MaxPosition(ctx context.Context, group tree.Group) (max int, ok bool, err error)

	// Save inserts or replaces a whole node.
	Save(ctx context.Context, node *tree.Node) error

	// UpdatePayload writes only the archived flag, type, content, props and
	// updated_* of an existing node. Position and parent keep their stored values.
	UpdatePayload(ctx context.Context, node *tree.Node) error

	// Place writes only the parent, position and updated_* of an existing node.
	Place(ctx context.Context, node *tree.Node) error

	// ShiftPositionsFrom adds delta to the position of every non-archived node of
	// the group whose position is >= from.
	ShiftPositionsFrom(ctx context.Context, group tree.Group, from, delta int) error

	// LockGroup holds the write lock of a sibling group until the unit ends.
	LockGroup(ctx context.Context, group tree.Group) error

	// LockScope holds the reparenting lock of a scope until the unit ends.
	LockScope(ctx context.Context, scopeID string) error

	SetFavorite(ctx context.Context, userID, nodeID string, on bool) error
	IsFavorite(ctx context.Context, userID, nodeID string) (bool, error)
	ClearFavorites(ctx context.Context, nodeID string) error
}

// Backend names accepted by Open
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendNeo4j    = "neo4j"
)

// Options configures Open
type Options struct {
	Backend string

	SQLitePath string

	PostgresDSN string

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string
}

// Open creates the backend named in opts and applies its schema.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		s   Store
		err error
	)

	switch strings.ToLower(opts.Backend) {
	case BackendMemory:
		s = NewMemory()
	case BackendSQLite, "":
		s, err = NewSQLite(ctx, opts.SQLitePath)
	case BackendPostgres:
		s, err = NewPostgres(ctx, opts.PostgresDSN)
	case BackendNeo4j:
		s, err = NewNeo4j(ctx, Neo4jConfig{
			URI:      opts.Neo4jURI,
			Username: opts.Neo4jUser,
			Password: opts.Neo4jPassword,
			Database: opts.Neo4jDatabase,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	if err := s.Migrate(ctx); err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("migrating %s store: %w", opts.Backend, err)
	}
	return s, nil
}

func notFound(id string) error {
	return fmt.Errorf("node %s: %w", id, tree.ErrNotFound)
}

func conflict(err error) error {
	return fmt.Errorf("%w: %v", tree.ErrConcurrentModification, err)
}
