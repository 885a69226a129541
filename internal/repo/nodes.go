package repo

import (
	"context"
	"database/sql"

	"nodegrid/internal/domain"
)

// NodeFilters narrows ListNodes. Zero OrganizationID means no scoping.
type NodeFilters struct {
	OrganizationID  int64
	CollaborationID int64
}

// InsertNode stores a node. apiKeyHash must already contain the hashed key;
// the UNIQUE index on api_key_hash enforces key uniqueness across all nodes.
func (r Repo) InsertNode(ctx context.Context, n domain.Node, apiKeyHash string) (domain.Node, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO nodes(name, organization_id, collaboration_id, api_key_hash, created_at) VALUES (?,?,?,?,?)`,
		n.Name, n.OrganizationID, n.CollaborationID, apiKeyHash, n.CreatedAt)
	if err != nil {
		return domain.Node{}, err
	}
	n.ID, err = res.LastInsertId()
	return n, err
}

func scanNode(row *sql.Row) (domain.Node, error) {
	var n domain.Node
	err := row.Scan(&n.ID, &n.Name, &n.OrganizationID, &n.CollaborationID, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	return n, err
}

func (r Repo) GetNode(ctx context.Context, id int64) (domain.Node, error) {
	return scanNode(r.DB.QueryRowContext(ctx,
		`SELECT id,name,organization_id,collaboration_id,created_at FROM nodes WHERE id=?`, id))
}

// GetNodeByAPIKeyHash resolves a node credential during authentication.
func (r Repo) GetNodeByAPIKeyHash(ctx context.Context, hash string) (domain.Node, error) {
	return scanNode(r.DB.QueryRowContext(ctx,
		`SELECT id,name,organization_id,collaboration_id,created_at FROM nodes WHERE api_key_hash=?`, hash))
}

func (r Repo) ListNodes(ctx context.Context, f NodeFilters) ([]domain.Node, error) {
	query := `SELECT id,name,organization_id,collaboration_id,created_at FROM nodes`
	var clauses []string
	var args []any
	if f.OrganizationID != 0 {
		clauses = append(clauses, `organization_id=?`)
		args = append(args, f.OrganizationID)
	}
	if f.CollaborationID != 0 {
		clauses = append(clauses, `collaboration_id=?`)
		args = append(args, f.CollaborationID)
	}
	for i, c := range clauses {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Node
	for rows.Next() {
		var n domain.Node
		if err := rows.Scan(&n.ID, &n.Name, &n.OrganizationID, &n.CollaborationID, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// UpdateNodeCollaboration reassigns a node; the api_key_hash column is
// deliberately untouched so the node's credential survives updates.
func (r Repo) UpdateNodeCollaboration(ctx context.Context, id, collaborationID int64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE nodes SET collaboration_id=? WHERE id=?`, collaborationID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteNode(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM nodes WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
