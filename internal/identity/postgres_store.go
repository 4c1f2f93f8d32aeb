package identity

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists users and organizations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed identity store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateOrganization(ctx context.Context, org *Organization) error {
	if err := org.Validate(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, owner_id, members, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		org.ID, org.Name, nullString(org.OwnerID), pq.Array(org.Members), string(org.Status),
		org.CreatedAt, org.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	o := &Organization{}
	var (
		owner  sql.NullString
		status string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, members, status, created_at, updated_at
		FROM organizations WHERE id = $1`, id).
		Scan(&o.ID, &o.Name, &owner, pq.Array(&o.Members), &status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, err
	}
	o.OwnerID = owner.String
	o.Status = OrgStatus(status)
	return o, nil
}

func (p *PostgresStore) AddMember(ctx context.Context, orgID, userID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE organizations
		SET members = array_append(members, $2), updated_at = NOW()
		WHERE id = $1 AND NOT ($2 = ANY(members))`, orgID, userID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either already a member or the organization is missing.
		if _, err := p.GetOrganization(ctx, orgID); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, status, organization_id, created_at, updated_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7, $8, $9)`,
		u.ID, u.Name, u.Email, u.PasswordHash, string(u.Role), string(u.Status),
		nullString(u.OrganizationID), u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrEmailTaken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, status, organization_id, created_at, updated_at
		FROM users WHERE id = $1`, id))
}

func (p *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, status, organization_id, created_at, updated_at
		FROM users WHERE email = LOWER($1)`, email))
}

func (p *PostgresStore) UpdateUser(ctx context.Context, u *User) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET name = $1, role = $2, status = $3, organization_id = $4, updated_at = $5
		WHERE id = $6`,
		u.Name, string(u.Role), string(u.Status), nullString(u.OrganizationID), u.UpdatedAt, u.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (p *PostgresStore) scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	var (
		role, status string
		orgID        sql.NullString
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &role, &status, &orgID,
		&u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	parsed, err := ParseRole(role)
	if err != nil {
		return nil, err
	}
	u.Role = parsed
	u.Status = UserStatus(status)
	u.OrganizationID = orgID.String
	return u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
