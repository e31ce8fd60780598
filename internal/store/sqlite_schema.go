package store

// SQLite schema DDL constants

const schemaNodes = `
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    scope_id TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    position INTEGER NOT NULL,
    archived INTEGER NOT NULL DEFAULT 0,
    type TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    properties TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    created_by TEXT NOT NULL DEFAULT '',
    updated_by TEXT NOT NULL DEFAULT ''
)`

const schemaFavorites = `
CREATE TABLE IF NOT EXISTS favorites (
    user_id TEXT NOT NULL,
    node_id TEXT NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (user_id, node_id)
)`

// Index definitions
const indexNodesGroup = `CREATE INDEX IF NOT EXISTS idx_nodes_group ON nodes(scope_id, parent_id, archived, position)`
const indexNodesParent = `CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id)`
const indexNodesCreator = `CREATE INDEX IF NOT EXISTS idx_nodes_creator ON nodes(created_by, kind, created_at)`
const indexFavoritesNode = `CREATE INDEX IF NOT EXISTS idx_favorites_node ON favorites(node_id)`

// Pragmas are passed through the DSN so every pooled connection gets them.
const (
	pragmaWAL          = "journal_mode(WAL)"
	pragmaFK           = "foreign_keys(ON)"
	pragmaBusyTimeout  = "busy_timeout(5000)"
	pragmaSynchronous  = "synchronous(NORMAL)"
	sqliteMemoryTarget = ":memory:"
)

// allSchemaStatements returns all schema DDL in order
func allSchemaStatements() []string {
	return []string{
		schemaNodes,
		schemaFavorites,
		indexNodesGroup,
		indexNodesParent,
		indexNodesCreator,
		indexFavoritesNode,
	}
}

// allPragmas returns all pragma settings
func allPragmas() []string {
	return []string{
		pragmaWAL,
		pragmaFK,
		pragmaBusyTimeout,
		pragmaSynchronous,
	}
}
