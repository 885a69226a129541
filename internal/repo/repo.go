package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"nodegrid/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// HashSecret returns a stable SHA-256 hex digest for a credential. Used for
// node API keys and user passwords; only digests are stored.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}

func (r Repo) InsertOrganization(ctx context.Context, name, now string) (domain.Organization, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO organizations(name, created_at) VALUES (?,?)`, name, now)
	if err != nil {
		return domain.Organization{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Organization{}, err
	}
	return domain.Organization{ID: id, Name: name, CreatedAt: now}, nil
}

func (r Repo) GetOrganization(ctx context.Context, id int64) (domain.Organization, error) {
	var o domain.Organization
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM organizations WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) ListOrganizations(ctx context.Context) ([]domain.Organization, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM organizations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Organization
	for rows.Next() {
		var o domain.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// InsertCollaboration creates the collaboration and its membership rows in
// one transaction.
func (r Repo) InsertCollaboration(ctx context.Context, name string, organizationIDs []int64, now string) (domain.Collaboration, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Collaboration{}, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `INSERT INTO collaborations(name, created_at) VALUES (?,?)`, name, now)
	if err != nil {
		return domain.Collaboration{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Collaboration{}, err
	}
	for _, orgID := range organizationIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO collaboration_members(collaboration_id, organization_id) VALUES (?,?)`, id, orgID); err != nil {
			return domain.Collaboration{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Collaboration{}, err
	}
	return domain.Collaboration{ID: id, Name: name, OrganizationIDs: organizationIDs, CreatedAt: now}, nil
}

func (r Repo) GetCollaboration(ctx context.Context, id int64) (domain.Collaboration, error) {
	var c domain.Collaboration
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM collaborations WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.OrganizationIDs, err = r.collaborationMembers(ctx, id)
	return c, err
}

func (r Repo) ListCollaborations(ctx context.Context) ([]domain.Collaboration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM collaborations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Collaboration
	for rows.Next() {
		var c domain.Collaboration
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		members, err := r.collaborationMembers(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].OrganizationIDs = members
	}
	return res, nil
}

func (r Repo) collaborationMembers(ctx context.Context, collaborationID int64) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT organization_id FROM collaboration_members WHERE collaboration_id=? ORDER BY organization_id`, collaborationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO users(username, password_hash, organization_id, role, created_at) VALUES (?,?,?,?,?)`,
		u.Username, u.PasswordHash, u.OrganizationID, u.Role, u.CreatedAt)
	if err != nil {
		return domain.User{}, err
	}
	u.ID, err = res.LastInsertId()
	return u, err
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.OrganizationID, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx,
		`SELECT id,username,password_hash,organization_id,role,created_at FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx,
		`SELECT id,username,password_hash,organization_id,role,created_at FROM users WHERE username=?`, username))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,username,password_hash,organization_id,role,created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.OrganizationID, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
