// Package postgres provides a PostgreSQL-backed node store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/explorer/internal/logging"
	"github.com/fruitsalade/explorer/internal/metrics"
	"github.com/fruitsalade/explorer/internal/repository"
	"github.com/fruitsalade/explorer/pkg/models"
)

var (
	_ repository.Store    = (*Store)(nil)
	_ repository.Replacer = (*Store)(nil)
)

// Store is a PostgreSQL node store.
type Store struct {
	db *sql.DB
}

// NodeRow maps to the explorer_nodes table.
type NodeRow struct {
	ID               int
	ParentID         sql.NullInt64
	ExplorerID       sql.NullString
	Position         int
	Name             string
	Label            string
	Description      string
	Tooltip          string
	IconURI          string
	IconIndex        int
	ResourceURI      string
	ContextValue     string
	Command          string
	CollapsibleState int
	Deletable        bool
}

const nodeColumns = `id, parent_id, explorer_id, position, name, label, description, tooltip,
	icon_uri, icon_index, resource_uri, context_value, command, collapsible_state, deletable`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (*NodeRow, error) {
	var r NodeRow
	err := sc.Scan(&r.ID, &r.ParentID, &r.ExplorerID, &r.Position, &r.Name, &r.Label,
		&r.Description, &r.Tooltip, &r.IconURI, &r.IconIndex, &r.ResourceURI,
		&r.ContextValue, &r.Command, &r.CollapsibleState, &r.Deletable)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func rowToNode(r *NodeRow) *models.Node {
	n := &models.Node{
		NodeInfo: models.NodeInfo{
			ID:               r.ID,
			Name:             r.Name,
			Label:            r.Label,
			Description:      r.Description,
			Tooltip:          r.Tooltip,
			IconURI:          r.IconURI,
			IconIndex:        r.IconIndex,
			ResourceURI:      r.ResourceURI,
			ContextValue:     r.ContextValue,
			Command:          r.Command,
			CollapsibleState: models.CollapsibleState(r.CollapsibleState),
		},
		Deletable: r.Deletable,
	}
	if r.ParentID.Valid {
		pid := int(r.ParentID.Int64)
		n.ParentID = &pid
	}
	if r.ExplorerID.Valid {
		n.ExplorerID = r.ExplorerID.String
	}
	return n
}

// New creates a new PostgreSQL node store.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs SQL migration files.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// Explorer returns the root node of explorerID, or nil.
func (s *Store) Explorer(ctx context.Context, explorerID string) (*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("explorer", time.Since(start)) }()

	r, err := scanRow(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM explorer_nodes WHERE explorer_id = $1 AND parent_id IS NULL`, explorerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query explorer: %w", err)
	}
	return s.withChildren(ctx, rowToNode(r))
}

// Explorers returns every explorer id with its root id.
func (s *Store) Explorers(ctx context.Context) (map[string]int, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("explorers", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT explorer_id, id FROM explorer_nodes WHERE parent_id IS NULL AND explorer_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query explorers: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var name string
		var id int
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out[name] = id
	}
	return out, rows.Err()
}

// Node returns a node with its ordered child ids.
func (s *Store) Node(ctx context.Context, id int) (*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("node", time.Since(start)) }()

	r, err := scanRow(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM explorer_nodes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %d: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query node: %w", err)
	}
	return s.withChildren(ctx, rowToNode(r))
}

func (s *Store) withChildren(ctx context.Context, n *models.Node) (*models.Node, error) {
	ids, err := s.childIDs(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	n.Children = ids
	return n, nil
}

func (s *Store) childIDs(ctx context.Context, id int) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM explorer_nodes WHERE parent_id = $1 ORDER BY position, id`, id)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var c int
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		ids = append(ids, c)
	}
	return ids, rows.Err()
}

// Children returns the ordered child ids of a node.
func (s *Store) Children(ctx context.Context, id int) ([]int, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("children", time.Since(start)) }()

	if _, err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	return s.childIDs(ctx, id)
}

func (s *Store) exists(ctx context.Context, id int) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM explorer_nodes WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query node: %w", err)
	}
	if !ok {
		return false, fmt.Errorf("node %d: %w", id, repository.ErrNotFound)
	}
	return true, nil
}

// RootOf finds the root above id with a recursive query.
func (s *Store) RootOf(ctx context.Context, id int) (int, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("root_of", time.Since(start)) }()

	var root int
	err := s.db.QueryRowContext(ctx,
		`WITH RECURSIVE up(id, parent_id, depth) AS (
			SELECT id, parent_id, 0 FROM explorer_nodes WHERE id = $1
			UNION ALL
			SELECT n.id, n.parent_id, up.depth + 1
			FROM explorer_nodes n JOIN up ON n.id = up.parent_id
			WHERE up.depth < 10000
		 )
		 SELECT id FROM up WHERE parent_id IS NULL`, id).Scan(&root)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("node %d: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("query root: %w", err)
	}
	return root, nil
}

// Insert appends node as the last child of parentID.
func (s *Store) Insert(ctx context.Context, parentID int, node models.Node) (*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert_node", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var position int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(c.position) + 1, 0)
		 FROM explorer_nodes p LEFT JOIN explorer_nodes c ON c.parent_id = p.id
		 WHERE p.id = $1
		 GROUP BY p.id`, parentID).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("parent %d: %w", parentID, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}

	info := node.NodeInfo
	var id int
	if info.ID != 0 {
		err = tx.QueryRowContext(ctx,
			`INSERT INTO explorer_nodes (id, parent_id, position, name, label, description, tooltip,
				icon_uri, icon_index, resource_uri, context_value, command, collapsible_state, deletable)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 RETURNING id`,
			info.ID, parentID, position, info.Name, info.Label, info.Description, info.Tooltip,
			info.IconURI, info.IconIndex, info.ResourceURI, info.ContextValue, info.Command,
			int(info.CollapsibleState), node.Deletable).Scan(&id)
	} else {
		err = tx.QueryRowContext(ctx,
			`INSERT INTO explorer_nodes (parent_id, position, name, label, description, tooltip,
				icon_uri, icon_index, resource_uri, context_value, command, collapsible_state, deletable)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 RETURNING id`,
			parentID, position, info.Name, info.Label, info.Description, info.Tooltip,
			info.IconURI, info.IconIndex, info.ResourceURI, info.ContextValue, info.Command,
			int(info.CollapsibleState), node.Deletable).Scan(&id)
	}
	if err != nil {
		return nil, fmt.Errorf("insert node: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE explorer_nodes SET collapsible_state = $1, updated_at = NOW()
		 WHERE id = $2 AND collapsible_state = $3`,
		int(models.Collapsed), parentID, int(models.None)); err != nil {
		return nil, fmt.Errorf("update parent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	logging.Debug("inserted node", logging.NodeID(id), zap.Int("parent_id", parentID))

	info.ID = id
	pid := parentID
	return &models.Node{NodeInfo: info, ParentID: &pid, Deletable: node.Deletable}, nil
}

// Update replaces the presentation of an existing node.
func (s *Store) Update(ctx context.Context, info models.NodeInfo) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("update_node", time.Since(start)) }()

	result, err := s.db.ExecContext(ctx,
		`UPDATE explorer_nodes SET
			name = $2, label = $3, description = $4, tooltip = $5, icon_uri = $6,
			icon_index = $7, resource_uri = $8, context_value = $9, command = $10,
			collapsible_state = $11, updated_at = NOW()
		 WHERE id = $1`,
		info.ID, info.Name, info.Label, info.Description, info.Tooltip, info.IconURI,
		info.IconIndex, info.ResourceURI, info.ContextValue, info.Command, int(info.CollapsibleState))
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("node %d: %w", info.ID, repository.ErrNotFound)
	}
	return nil
}

// Delete removes a deletable, non-root node. Its subtree goes with it through
// the foreign key cascade.
func (s *Store) Delete(ctx context.Context, id int) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_node", time.Since(start)) }()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM explorer_nodes WHERE id = $1 AND parent_id IS NOT NULL AND deletable`, id)
	if err != nil {
		return false, fmt.Errorf("delete node: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.exists(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	logging.Debug("deleted node", logging.NodeID(id))
	return true, nil
}

// Count returns the number of stored nodes.
func (s *Store) Count(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("count_nodes", time.Since(start)) }()

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM explorer_nodes`).Scan(&count)
	return count, err
}

// Replace swaps the table content for seed in one transaction.
func (s *Store) Replace(ctx context.Context, seed *repository.Seed) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("replace", time.Since(start)) }()

	if err := seed.Normalize(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM explorer_nodes`); err != nil {
		return fmt.Errorf("clear nodes: %w", err)
	}

	positions := make(map[int]int)
	err = seed.Walk(func(explorerID string, parent, n *repository.SeedNode) error {
		info := n.Info(parent == nil)
		var parentID sql.NullInt64
		var explorer sql.NullString
		position := 0
		if parent == nil {
			explorer = sql.NullString{String: explorerID, Valid: true}
		} else {
			parentID = sql.NullInt64{Int64: int64(parent.ID), Valid: true}
			position = positions[parent.ID]
			positions[parent.ID]++
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO explorer_nodes (id, parent_id, explorer_id, position, name, label, description,
				tooltip, icon_uri, icon_index, resource_uri, context_value, command, collapsible_state, deletable)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			info.ID, parentID, explorer, position, info.Name, info.Label, info.Description,
			info.Tooltip, info.IconURI, info.IconIndex, info.ResourceURI, info.ContextValue,
			info.Command, int(info.CollapsibleState), n.Deletable)
		if err != nil {
			return fmt.Errorf("insert node %d: %w", info.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Keep the serial ahead of the explicit ids.
	if _, err := tx.ExecContext(ctx,
		`SELECT setval(pg_get_serial_sequence('explorer_nodes', 'id'),
			GREATEST((SELECT COALESCE(MAX(id), 0) FROM explorer_nodes), 1))`); err != nil {
		return fmt.Errorf("reset id sequence: %w", err)
	}

	return tx.Commit()
}
