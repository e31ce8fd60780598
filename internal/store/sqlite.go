package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/systemshift/folio/internal/tree"
)

// sqliteTimeLayout is fixed width so stored timestamps sort as text
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using SQLite.
//
// The pool is limited to one connection, so an open transaction owns the
// database and every atomic unit is serialized across all sibling groups.
type SQLiteStore struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLite opens (creating if needed) the SQLite database at dbPath.
// An empty path or ":memory:" opens a private in-memory database.
func NewSQLite(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Verify connectivity
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(dbPath string) string {
	if dbPath == "" || dbPath == sqliteMemoryTarget {
		dbPath = sqliteMemoryTarget
	}
	params := url.Values{}
	for _, pragma := range allPragmas() {
		params.Add("_pragma", pragma)
	}
	params.Set("_txlock", "immediate")
	return "file:" + dbPath + "?" + params.Encode()
}

// Migrate creates the schema
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range allSchemaStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// Close closes the SQLite connection
func (s *SQLiteStore) Close(ctx context.Context) error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*tree.Node, error) {
	return sqliteGet(ctx, s.db, id)
}

func (s *SQLiteStore) ListSiblings(ctx context.Context, group tree.Group) ([]*tree.Node, error) {
	return sqliteSiblings(ctx, s.db, group)
}

// ListFavorites returns the live nodes a user favorited, most recent first
func (s *SQLiteStore) ListFavorites(ctx context.Context, userID string) ([]*tree.Node, error) {
	query := `
		SELECT ` + prefixed("n", nodeColumns) + `
		FROM nodes n
		JOIN favorites f ON f.node_id = n.id
		WHERE f.user_id = ? AND n.archived = 0
		ORDER BY f.created_at DESC, n.id
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing favorites: %w", err)
	}
	defer rows.Close()

	return scanNodes(rows)
}

// ListCreatedBy returns the live nodes of one kind a user created, newest first
func (s *SQLiteStore) ListCreatedBy(ctx context.Context, userID string, kind tree.Kind) ([]*tree.Node, error) {
	query := `
		SELECT ` + nodeColumns + `
		FROM nodes
		WHERE created_by = ? AND kind = ? AND archived = 0
		ORDER BY created_at DESC, id
	`
	rows, err := s.db.QueryContext(ctx, query, userID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("listing created nodes: %w", err)
	}
	defer rows.Close()

	return scanNodes(rows)
}

// Atomic runs fn inside an immediate transaction
func (s *SQLiteStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteClassify(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{q: tx}); err != nil {
		return sqliteClassify(err)
	}

	if err := tx.Commit(); err != nil {
		return sqliteClassify(fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// sqliteClassify turns lock contention into tree.ErrConcurrentModification
func sqliteClassify(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return conflict(err)
		}
	}
	return err
}

// sqliteTx binds the node queries to one transaction
type sqliteTx struct {
	q querier
}

func (t *sqliteTx) Get(ctx context.Context, id string) (*tree.Node, error) {
	return sqliteGet(ctx, t.q, id)
}

func (t *sqliteTx) ListSiblings(ctx context.Context, group tree.Group) ([]*tree.Node, error) {
	return sqliteSiblings(ctx, t.q, group)
}

func (t *sqliteTx) MaxPosition(ctx context.Context, group tree.Group) (int, bool, error) {
	var max sql.NullInt64
	err := t.q.QueryRowContext(ctx, `
		SELECT MAX(position) FROM nodes
		WHERE scope_id = ? AND parent_id = ? AND archived = 0
	`, group.ScopeID, group.ParentID).Scan(&max)
	if err != nil {
		return 0, false, fmt.Errorf("reading max position: %w", err)
	}
	if !max.Valid {
		return 0, false, nil
	}
	return int(max.Int64), true, nil
}

func (t *sqliteTx) Save(ctx context.Context, node *tree.Node) error {
	propsJSON, err := marshalProps(node.Props)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO nodes (id, kind, scope_id, parent_id, position, archived, type, content, properties,
		                   created_at, updated_at, created_by, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			position = excluded.position,
			archived = excluded.archived,
			type = excluded.type,
			content = excluded.content,
			properties = excluded.properties,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`
	_, err = t.q.ExecContext(ctx, query,
		node.ID,
		string(node.Kind),
		node.ScopeID,
		node.ParentID,
		node.Position,
		boolToInt(node.Archived),
		node.Type,
		node.Content,
		propsJSON,
		node.CreatedAt.UTC().Format(sqliteTimeLayout),
		node.UpdatedAt.UTC().Format(sqliteTimeLayout),
		node.CreatedBy,
		node.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("saving node: %w", err)
	}
	return nil
}

func (t *sqliteTx) ShiftPositionsFrom(ctx context.Context, group tree.Group, from, delta int) error {
	_, err := t.q.ExecContext(ctx, `
		UPDATE nodes SET position = position + ?
		WHERE scope_id = ? AND parent_id = ? AND archived = 0 AND position >= ?
	`, delta, group.ScopeID, group.ParentID, from)
	if err != nil {
		return fmt.Errorf("shifting positions: %w", err)
	}
	return nil
}

func (t *sqliteTx) UpdatePayload(ctx context.Context, node *tree.Node) error {
	propsJSON, err := marshalProps(node.Props)
	if err != nil {
		return err
	}

	res, err := t.q.ExecContext(ctx, `
		UPDATE nodes SET archived = ?, type = ?, content = ?, properties = ?, updated_at = ?, updated_by = ?
		WHERE id = ?
	`,
		boolToInt(node.Archived),
		node.Type,
		node.Content,
		propsJSON,
		node.UpdatedAt.UTC().Format(sqliteTimeLayout),
		node.UpdatedBy,
		node.ID,
	)
	if err != nil {
		return fmt.Errorf("updating node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(node.ID)
	}
	return nil
}

func (t *sqliteTx) Place(ctx context.Context, node *tree.Node) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE nodes SET parent_id = ?, position = ?, updated_at = ?, updated_by = ?
		WHERE id = ?
	`,
		node.ParentID,
		node.Position,
		node.UpdatedAt.UTC().Format(sqliteTimeLayout),
		node.UpdatedBy,
		node.ID,
	)
	if err != nil {
		return fmt.Errorf("placing node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(node.ID)
	}
	return nil
}

// LockGroup is a no-op: the immediate transaction already holds the write lock.
func (t *sqliteTx) LockGroup(ctx context.Context, group tree.Group) error { return nil }

func (t *sqliteTx) LockScope(ctx context.Context, scopeID string) error { return nil }

func (t *sqliteTx) SetFavorite(ctx context.Context, userID, nodeID string, on bool) error {
	var err error
	if on {
		_, err = t.q.ExecContext(ctx, `
			INSERT INTO favorites (user_id, node_id, created_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id, node_id) DO NOTHING
		`, userID, nodeID, time.Now().UTC().Format(sqliteTimeLayout))
	} else {
		_, err = t.q.ExecContext(ctx, `DELETE FROM favorites WHERE user_id = ? AND node_id = ?`, userID, nodeID)
	}
	if err != nil {
		return fmt.Errorf("updating favorite: %w", err)
	}
	return nil
}

func (t *sqliteTx) IsFavorite(ctx context.Context, userID, nodeID string) (bool, error) {
	var n int
	err := t.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM favorites WHERE user_id = ? AND node_id = ?`, userID, nodeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("reading favorite: %w", err)
	}
	return n > 0, nil
}

func (t *sqliteTx) ClearFavorites(ctx context.Context, nodeID string) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM favorites WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("clearing favorites: %w", err)
	}
	return nil
}

// Helper functions

const nodeColumns = `id, kind, scope_id, parent_id, position, archived, type, content, properties,
		       created_at, updated_at, created_by, updated_by`

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func sqliteGet(ctx context.Context, q querier, id string) (*tree.Node, error) {
	row := q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return node, err
}

func sqliteSiblings(ctx context.Context, q querier, group tree.Group) ([]*tree.Node, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE scope_id = ? AND parent_id = ? AND archived = 0
		ORDER BY position, id
	`, group.ScopeID, group.ParentID)
	if err != nil {
		return nil, fmt.Errorf("listing siblings: %w", err)
	}
	defer rows.Close()

	return scanNodes(rows)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*tree.Node, error) {
	var id, kind, scopeID, parentID, nodeType, content string
	var position, archived int
	var properties sql.NullString
	var createdAt, updatedAt, createdBy, updatedBy string

	err := row.Scan(&id, &kind, &scopeID, &parentID, &position, &archived, &nodeType, &content, &properties,
		&createdAt, &updatedAt, &createdBy, &updatedBy)
	if err != nil {
		return nil, err
	}

	node := &tree.Node{
		ID:        id,
		Kind:      tree.Kind(kind),
		ScopeID:   scopeID,
		ParentID:  parentID,
		Position:  position,
		Archived:  archived == 1,
		Type:      nodeType,
		Content:   content,
		CreatedBy: createdBy,
		UpdatedBy: updatedBy,
	}

	if properties.Valid && properties.String != "" {
		if err := json.Unmarshal([]byte(properties.String), &node.Props); err != nil {
			return nil, fmt.Errorf("unmarshaling properties: %w", err)
		}
	}
	node.CreatedAt = parseSQLiteTime(createdAt)
	node.UpdatedAt = parseSQLiteTime(updatedAt)

	return node, nil
}

func scanNodes(rows *sql.Rows) ([]*tree.Node, error) {
	var nodes []*tree.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func parseSQLiteTime(s string) time.Time {
	if t, err := time.Parse(sqliteTimeLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func marshalProps(props map[string]any) (any, error) {
	if len(props) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("marshaling properties: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
