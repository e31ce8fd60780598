package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/systemshift/folio/internal/tree"
)

// PostgresStore implements Store on PostgreSQL through gorm.
//
// Sibling groups are serialized with transaction-scoped advisory locks, so
// writers to different groups proceed in parallel.
type PostgresStore struct {
	db *gorm.DB
}

// jsonMap stores node props as JSONB
type jsonMap map[string]any

func (j jsonMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *jsonMap) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported props type %T", value)
	}
	return json.Unmarshal(data, j)
}

type nodeRecord struct {
	ID        string    `gorm:"type:text;primaryKey"`
	Kind      string    `gorm:"type:text;not null;index:idx_nodes_creator,priority:2"`
	ScopeID   string    `gorm:"type:text;not null;index:idx_nodes_group,priority:1"`
	ParentID  string    `gorm:"type:text;not null;index:idx_nodes_group,priority:2;index:idx_nodes_parent"`
	Archived  bool      `gorm:"not null;index:idx_nodes_group,priority:3"`
	Position  int       `gorm:"not null;index:idx_nodes_group,priority:4"`
	Type      string    `gorm:"type:text;not null"`
	Content   string    `gorm:"type:text;not null"`
	Props     jsonMap   `gorm:"column:properties;type:jsonb"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:false;index:idx_nodes_creator,priority:3"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false"`
	CreatedBy string    `gorm:"type:text;not null;index:idx_nodes_creator,priority:1"`
	UpdatedBy string    `gorm:"type:text;not null"`
}

func (nodeRecord) TableName() string { return "nodes" }

type favoriteRecord struct {
	UserID    string    `gorm:"type:text;primaryKey"`
	NodeID    string    `gorm:"type:text;primaryKey;index:idx_favorites_node"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:false"`
}

func (favoriteRecord) TableName() string { return "favorites" }

// NewPostgres connects to PostgreSQL using a libpq-style or URL DSN
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting postgres pool: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Migrate creates or extends the schema with AutoMigrate
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&nodeRecord{}, &favoriteRecord{}); err != nil {
		return fmt.Errorf("auto-migrating schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*tree.Node, error) {
	return pgGet(s.db.WithContext(ctx), id)
}

func (s *PostgresStore) ListSiblings(ctx context.Context, group tree.Group) ([]*tree.Node, error) {
	return pgSiblings(s.db.WithContext(ctx), group)
}

func (s *PostgresStore) ListFavorites(ctx context.Context, userID string) ([]*tree.Node, error) {
	var recs []nodeRecord
	err := s.db.WithContext(ctx).
		Table("nodes").
		Select("nodes.*").
		Joins("JOIN favorites ON favorites.node_id = nodes.id").
		Where("favorites.user_id = ? AND nodes.archived = ?", userID, false).
		Order("favorites.created_at DESC, nodes.id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing favorites: %w", err)
	}
	return fromRecords(recs), nil
}

func (s *PostgresStore) ListCreatedBy(ctx context.Context, userID string, kind tree.Kind) ([]*tree.Node, error) {
	var recs []nodeRecord
	err := s.db.WithContext(ctx).
		Where("created_by = ? AND kind = ? AND archived = ?", userID, string(kind), false).
		Order("created_at DESC, id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing created nodes: %w", err)
	}
	return fromRecords(recs), nil
}

// Atomic runs fn in one gorm transaction
func (s *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&postgresTx{db: tx})
	})
	return pgClassify(err)
}

// pgClassify maps serialization failures, deadlocks and lock timeouts to
// tree.ErrConcurrentModification.
func pgClassify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return conflict(err)
		}
	}
	return err
}

type postgresTx struct {
	db *gorm.DB
}

func (t *postgresTx) Get(ctx context.Context, id string) (*tree.Node, error) {
	return pgGet(t.db.WithContext(ctx), id)
}

func (t *postgresTx) ListSiblings(ctx context.Context, group tree.Group) ([]*tree.Node, error) {
	return pgSiblings(t.db.WithContext(ctx), group)
}

func (t *postgresTx) MaxPosition(ctx context.Context, group tree.Group) (int, bool, error) {
	var max sql.NullInt64
	err := t.db.WithContext(ctx).
		Model(&nodeRecord{}).
		Where("scope_id = ? AND parent_id = ? AND archived = ?", group.ScopeID, group.ParentID, false).
		Select("MAX(position)").
		Row().
		Scan(&max)
	if err != nil {
		return 0, false, fmt.Errorf("reading max position: %w", err)
	}
	if !max.Valid {
		return 0, false, nil
	}
	return int(max.Int64), true, nil
}

func (t *postgresTx) Save(ctx context.Context, node *tree.Node) error {
	rec := toRecord(node)
	if err := t.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("saving node: %w", err)
	}
	return nil
}

func (t *postgresTx) ShiftPositionsFrom(ctx context.Context, group tree.Group, from, delta int) error {
	err := t.db.WithContext(ctx).
		Model(&nodeRecord{}).
		Where("scope_id = ? AND parent_id = ? AND archived = ? AND position >= ?", group.ScopeID, group.ParentID, false, from).
		Update("position", gorm.Expr("position + ?", delta)).Error
	if err != nil {
		return fmt.Errorf("shifting positions: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdatePayload(ctx context.Context, node *tree.Node) error {
	res := t.db.WithContext(ctx).
		Model(&nodeRecord{}).
		Where("id = ?", node.ID).
		Updates(map[string]any{
			"archived":   node.Archived,
			"type":       node.Type,
			"content":    node.Content,
			"properties": jsonMap(node.Props),
			"updated_at": node.UpdatedAt.UTC(),
			"updated_by": node.UpdatedBy,
		})
	if res.Error != nil {
		return fmt.Errorf("updating node: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound(node.ID)
	}
	return nil
}

func (t *postgresTx) Place(ctx context.Context, node *tree.Node) error {
	res := t.db.WithContext(ctx).
		Model(&nodeRecord{}).
		Where("id = ?", node.ID).
		Updates(map[string]any{
			"parent_id":  node.ParentID,
			"position":   node.Position,
			"updated_at": node.UpdatedAt.UTC(),
			"updated_by": node.UpdatedBy,
		})
	if res.Error != nil {
		return fmt.Errorf("placing node: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound(node.ID)
	}
	return nil
}

func (t *postgresTx) LockGroup(ctx context.Context, group tree.Group) error {
	return t.advisoryLock(ctx, "group:"+group.Key())
}

func (t *postgresTx) LockScope(ctx context.Context, scopeID string) error {
	return t.advisoryLock(ctx, "scope:"+scopeID)
}

// advisoryLock holds a lock keyed by name until the transaction ends
func (t *postgresTx) advisoryLock(ctx context.Context, name string) error {
	if err := t.db.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(hashtext(?))", name).Error; err != nil {
		return fmt.Errorf("locking %s: %w", name, err)
	}
	return nil
}

func (t *postgresTx) SetFavorite(ctx context.Context, userID, nodeID string, on bool) error {
	db := t.db.WithContext(ctx)
	var err error
	if on {
		err = db.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&favoriteRecord{UserID: userID, NodeID: nodeID, CreatedAt: time.Now().UTC()}).Error
	} else {
		err = db.Where("user_id = ? AND node_id = ?", userID, nodeID).Delete(&favoriteRecord{}).Error
	}
	if err != nil {
		return fmt.Errorf("updating favorite: %w", err)
	}
	return nil
}

func (t *postgresTx) IsFavorite(ctx context.Context, userID, nodeID string) (bool, error) {
	var n int64
	err := t.db.WithContext(ctx).
		Model(&favoriteRecord{}).
		Where("user_id = ? AND node_id = ?", userID, nodeID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("reading favorite: %w", err)
	}
	return n > 0, nil
}

func (t *postgresTx) ClearFavorites(ctx context.Context, nodeID string) error {
	if err := t.db.WithContext(ctx).Where("node_id = ?", nodeID).Delete(&favoriteRecord{}).Error; err != nil {
		return fmt.Errorf("clearing favorites: %w", err)
	}
	return nil
}

func pgGet(db *gorm.DB, id string) (*tree.Node, error) {
	var rec nodeRecord
	err := db.Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting node: %w", err)
	}
	return rec.toNode(), nil
}

func pgSiblings(db *gorm.DB, group tree.Group) ([]*tree.Node, error) {
	var recs []nodeRecord
	err := db.Where("scope_id = ? AND parent_id = ? AND archived = ?", group.ScopeID, group.ParentID, false).
		Order("position, id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing siblings: %w", err)
	}
	return fromRecords(recs), nil
}

func toRecord(n *tree.Node) nodeRecord {
	return nodeRecord{
		ID:        n.ID,
		Kind:      string(n.Kind),
		ScopeID:   n.ScopeID,
		ParentID:  n.ParentID,
		Archived:  n.Archived,
		Position:  n.Position,
		Type:      n.Type,
		Content:   n.Content,
		Props:     jsonMap(n.Props),
		CreatedAt: n.CreatedAt.UTC(),
		UpdatedAt: n.UpdatedAt.UTC(),
		CreatedBy: n.CreatedBy,
		UpdatedBy: n.UpdatedBy,
	}
}

func (r nodeRecord) toNode() *tree.Node {
	return &tree.Node{
		ID:        r.ID,
		Kind:      tree.Kind(r.Kind),
		ScopeID:   r.ScopeID,
		ParentID:  r.ParentID,
		Position:  r.Position,
		Archived:  r.Archived,
		Type:      r.Type,
		Content:   r.Content,
		Props:     map[string]any(r.Props),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		CreatedBy: r.CreatedBy,
		UpdatedBy: r.UpdatedBy,
	}
}

func fromRecords(recs []nodeRecord) []*tree.Node {
	nodes := make([]*tree.Node, 0, len(recs))
	for _, r := range recs {
		nodes = append(nodes, r.toNode())
	}
	return nodes
}
