package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/systemshift/folio/internal/tree"
)

// Neo4jStore implements Store on a Neo4j graph.
//
// Nodes are :TreeNode vertices carrying their parent id and position as
// properties. Sibling groups are serialized by taking a write lock on a
// :SiblingGroup vertex inside the transaction.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
}

// Neo4jConfig holds Neo4j connection configuration
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// runner is satisfied by managed and explicit transactions
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (neo4j.ResultWithContext, error)
}

// NewNeo4j creates a Neo4j-backed store
func NewNeo4j(ctx context.Context, cfg Neo4jConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	// Verify connectivity
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}

	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}
	return &Neo4jStore{driver: driver, database: database}, nil
}

var neo4jSchema = []string{
	`CREATE CONSTRAINT tree_node_id IF NOT EXISTS FOR (n:TreeNode) REQUIRE n.id IS UNIQUE`,
	`CREATE CONSTRAINT sibling_group_key IF NOT EXISTS FOR (g:SiblingGroup) REQUIRE g.key IS UNIQUE`,
	`CREATE CONSTRAINT user_id IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE`,
	`CREATE INDEX tree_node_group IF NOT EXISTS FOR (n:TreeNode) ON (n.scope_id, n.parent_id)`,
	`CREATE INDEX tree_node_creator IF NOT EXISTS FOR (n:TreeNode) ON (n.created_by, n.kind)`,
}

// Migrate creates constraints and indexes
func (s *Neo4jStore) Migrate(ctx context.Context) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	for _, stmt := range neo4jSchema {
		result, err := session.Run(ctx, stmt, nil)
		if err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
		if _, err := result.Consume(ctx); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// Close closes the Neo4j connection
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database, AccessMode: mode})
}

func (s *Neo4jStore) Get(ctx context.Context, id string) (*tree.Node, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return neo4jGet(ctx, tx, id)
	})
	if err != nil {
		return nil, err
	}
	return result.(*tree.Node), nil
}

func (s *Neo4jStore) ListSiblings(ctx context.Context, group tree.Group) ([]*tree.Node, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return neo4jSiblings(ctx, tx, group)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*tree.Node), nil
}

func (s *Neo4jStore) ListFavorites(ctx context.Context, userID string) ([]*tree.Node, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (:User {id: $user})-[f:FAVORITED]->(n:TreeNode)
			WHERE n.archived = false
			RETURN n
			ORDER BY f.at DESC, n.id
		`
		return collectNodes(ctx, tx, query, map[string]any{"user": userID})
	})
	if err != nil {
		return nil, fmt.Errorf("listing favorites: %w", err)
	}
	return result.([]*tree.Node), nil
}

func (s *Neo4jStore) ListCreatedBy(ctx context.Context, userID string, kind tree.Kind) ([]*tree.Node, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (n:TreeNode {created_by: $user, kind: $kind})
			WHERE n.archived = false
			RETURN n
			ORDER BY datetime(n.created_at) DESC, n.id
		`
		return collectNodes(ctx, tx, query, map[string]any{"user": userID, "kind": string(kind)})
	})
	if err != nil {
		return nil, fmt.Errorf("listing created nodes: %w", err)
	}
	return result.([]*tree.Node), nil
}

// Atomic runs fn in an explicit transaction. Unlike ExecuteWrite, an explicit
// transaction is never retried by the driver.
func (s *Neo4jStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		return neo4jClassify(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Close(ctx)

	if err := fn(&neo4jTx{r: tx}); err != nil {
		tx.Rollback(ctx)
		return neo4jClassify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return neo4jClassify(fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// neo4jClassify maps transient errors (deadlocks, lock timeouts) to
// tree.ErrConcurrentModification.
func neo4jClassify(err error) error {
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) && strings.HasPrefix(neoErr.Code, "Neo.TransientError") {
		return conflict(err)
	}
	return err
}

type neo4jTx struct {
	r runner
}

func (t *neo4jTx) Get(ctx context.Context, id string) (*tree.Node, error) {
	return neo4jGet(ctx, t.r, id)
}

func (t *neo4jTx) ListSiblings(ctx context.Context, group tree.Group) ([]*tree.Node, error) {
	return neo4jSiblings(ctx, t.r, group)
}

func (t *neo4jTx) MaxPosition(ctx context.Context, group tree.Group) (int, bool, error) {
	query := `
		MATCH (n:TreeNode {scope_id: $scope, parent_id: $parent, archived: false})
		RETURN max(n.position) AS max
	`
	result, err := t.r.Run(ctx, query, groupParams(group))
	if err != nil {
		return 0, false, fmt.Errorf("reading max position: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("reading max position: %w", err)
	}
	value, _ := record.Get("max")
	max, ok := value.(int64)
	if !ok {
		return 0, false, nil
	}
	return int(max), true, nil
}

func (t *neo4jTx) Save(ctx context.Context, node *tree.Node) error {
	props, err := nodeProps(node)
	if err != nil {
		return err
	}

	query := `
		MERGE (n:TreeNode {id: $id})
		SET n += $props
	`
	return consume(ctx, t.r, query, map[string]any{"id": node.ID, "props": props}, "saving node")
}

func (t *neo4jTx) ShiftPositionsFrom(ctx context.Context, group tree.Group, from, delta int) error {
	query := `
		MATCH (n:TreeNode {scope_id: $scope, parent_id: $parent, archived: false})
		WHERE n.position >= $from
		SET n.position = n.position + $delta
	`
	params := groupParams(group)
	params["from"] = from
	params["delta"] = delta
	return consume(ctx, t.r, query, params, "shifting positions")
}

func (t *neo4jTx) UpdatePayload(ctx context.Context, node *tree.Node) error {
	props, err := nodeProps(node)
	if err != nil {
		return err
	}
	query := `
		MATCH (n:TreeNode {id: $id})
		SET n.archived = $archived, n.type = $type, n.content = $content, n.properties = $properties,
		    n.updated_at = $updated_at, n.updated_by = $updated_by
		RETURN n.id AS id
	`
	params := map[string]any{"id": node.ID}
	for _, k := range []string{"archived", "type", "content", "properties", "updated_at", "updated_by"} {
		params[k] = props[k]
	}
	return t.setExisting(ctx, node.ID, query, params, "updating node")
}

func (t *neo4jTx) Place(ctx context.Context, node *tree.Node) error {
	query := `
		MATCH (n:TreeNode {id: $id})
		SET n.parent_id = $parent_id, n.position = $position, n.updated_at = $updated_at, n.updated_by = $updated_by
		RETURN n.id AS id
	`
	params := map[string]any{
		"id":         node.ID,
		"parent_id":  node.ParentID,
		"position":   int64(node.Position),
		"updated_at": node.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"updated_by": node.UpdatedBy,
	}
	return t.setExisting(ctx, node.ID, query, params, "placing node")
}

// setExisting runs a MATCH ... SET query and reports a missing node as not found
func (t *neo4jTx) setExisting(ctx context.Context, id, query string, params map[string]any, what string) error {
	result, err := t.r.Run(ctx, query, params)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if len(records) == 0 {
		return notFound(id)
	}
	return nil
}

func (t *neo4jTx) LockGroup(ctx context.Context, group tree.Group) error {
	return t.lock(ctx, "group:"+group.Key())
}

func (t *neo4jTx) LockScope(ctx context.Context, scopeID string) error {
	return t.lock(ctx, "scope:"+scopeID)
}

// lock writes to a :SiblingGroup vertex, which holds its write lock until
// the transaction ends.
func (t *neo4jTx) lock(ctx context.Context, key string) error {
	query := `
		MERGE (g:SiblingGroup {key: $key})
		SET g.locked_at = timestamp()
	`
	return consume(ctx, t.r, query, map[string]any{"key": key}, "locking "+key)
}

func (t *neo4jTx) SetFavorite(ctx context.Context, userID, nodeID string, on bool) error {
	params := map[string]any{"user": userID, "node": nodeID}
	if on {
		params["at"] = time.Now().UnixNano()
		query := `
			MATCH (n:TreeNode {id: $node})
			MERGE (u:User {id: $user})
			MERGE (u)-[f:FAVORITED]->(n)
			ON CREATE SET f.at = $at
		`
		return consume(ctx, t.r, query, params, "updating favorite")
	}
	query := `
		MATCH (:User {id: $user})-[f:FAVORITED]->(:TreeNode {id: $node})
		DELETE f
	`
	return consume(ctx, t.r, query, params, "updating favorite")
}

func (t *neo4jTx) IsFavorite(ctx context.Context, userID, nodeID string) (bool, error) {
	query := `
		OPTIONAL MATCH (:User {id: $user})-[f:FAVORITED]->(:TreeNode {id: $node})
		RETURN count(f) AS c
	`
	result, err := t.r.Run(ctx, query, map[string]any{"user": userID, "node": nodeID})
	if err != nil {
		return false, fmt.Errorf("reading favorite: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return false, fmt.Errorf("reading favorite: %w", err)
	}
	value, _ := record.Get("c")
	count, _ := value.(int64)
	return count > 0, nil
}

func (t *neo4jTx) ClearFavorites(ctx context.Context, nodeID string) error {
	query := `
		MATCH (:User)-[f:FAVORITED]->(:TreeNode {id: $node})
		DELETE f
	`
	return consume(ctx, t.r, query, map[string]any{"node": nodeID}, "clearing favorites")
}

// Helper functions

func consume(ctx context.Context, r runner, query string, params map[string]any, what string) error {
	result, err := r.Run(ctx, query, params)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if _, err := result.Consume(ctx); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func groupParams(group tree.Group) map[string]any {
	return map[string]any{"scope": group.ScopeID, "parent": group.ParentID}
}

func neo4jGet(ctx context.Context, r runner, id string) (*tree.Node, error) {
	nodes, err := collectNodes(ctx, r, `MATCH (n:TreeNode {id: $id}) RETURN n`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("getting node: %w", err)
	}
	if len(nodes) == 0 {
		return nil, notFound(id)
	}
	return nodes[0], nil
}

func neo4jSiblings(ctx context.Context, r runner, group tree.Group) ([]*tree.Node, error) {
	query := `
		MATCH (n:TreeNode {scope_id: $scope, parent_id: $parent, archived: false})
		RETURN n
		ORDER BY n.position, n.id
	`
	nodes, err := collectNodes(ctx, r, query, groupParams(group))
	if err != nil {
		return nil, fmt.Errorf("listing siblings: %w", err)
	}
	return nodes, nil
}

func collectNodes(ctx context.Context, r runner, query string, params map[string]any) ([]*tree.Node, error) {
	result, err := r.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make([]*tree.Node, 0, len(records))
	for _, record := range records {
		value, _ := record.Get("n")
		graphNode, ok := value.(neo4j.Node)
		if !ok {
			return nil, fmt.Errorf("unexpected record value %T", value)
		}
		node, err := nodeFromProps(graphNode.Props)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// nodeProps flattens a node into graph properties. Props are stored as a JSON
// string because Neo4j properties cannot hold nested maps.
func nodeProps(node *tree.Node) (map[string]any, error) {
	propsJSON := ""
	if len(node.Props) > 0 {
		data, err := json.Marshal(node.Props)
		if err != nil {
			return nil, fmt.Errorf("marshaling properties: %w", err)
		}
		propsJSON = string(data)
	}

	return map[string]any{
		"kind":       string(node.Kind),
		"scope_id":   node.ScopeID,
		"parent_id":  node.ParentID,
		"position":   int64(node.Position),
		"archived":   node.Archived,
		"type":       node.Type,
		"content":    node.Content,
		"properties": propsJSON,
		"created_at": node.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": node.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"created_by": node.CreatedBy,
		"updated_by": node.UpdatedBy,
	}, nil
}

func nodeFromProps(props map[string]any) (*tree.Node, error) {
	str := func(key string) string {
		s, _ := props[key].(string)
		return s
	}

	position, _ := props["position"].(int64)
	archived, _ := props["archived"].(bool)

	node := &tree.Node{
		ID:        str("id"),
		Kind:      tree.Kind(str("kind")),
		ScopeID:   str("scope_id"),
		ParentID:  str("parent_id"),
		Position:  int(position),
		Archived:  archived,
		Type:      str("type"),
		Content:   str("content"),
		CreatedBy: str("created_by"),
		UpdatedBy: str("updated_by"),
	}

	if raw := str("properties"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &node.Props); err != nil {
			return nil, fmt.Errorf("unmarshaling properties: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, str("created_at")); err == nil {
		node.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, str("updated_at")); err == nil {
		node.UpdatedAt = t
	}
	return node, nil
}
