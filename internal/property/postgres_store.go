package property

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists properties in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed property store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const columns = `id, organization_id, name, address, units, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProperty(row scanner) (*Property, error) {
	p := &Property{}
	err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Address, &p.Units, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPropertyNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) Create(ctx context.Context, p *Property) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO properties (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.OrganizationID, p.Name, p.Address, p.Units, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, orgID, id string) (*Property, error) {
	return scanProperty(s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM properties WHERE id = $1 AND organization_id = $2`, id, orgID))
}

func (s *PostgresStore) List(ctx context.Context, orgID string) ([]*Property, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+` FROM properties
		WHERE organization_id = $1
		ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM properties WHERE organization_id = $1`, orgID).Scan(&n)
	return n, err
}

func (s *PostgresStore) Update(ctx context.Context, p *Property) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE properties SET name = $1, address = $2, units = $3, updated_at = $4
		WHERE id = $5 AND organization_id = $6`,
		p.Name, p.Address, p.Units, p.UpdatedAt, p.ID, p.OrganizationID,
	)
	if err != nil {
		return err
	}
	return expectRow(result)
}

func (s *PostgresStore) Delete(ctx context.Context, orgID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM properties WHERE id = $1 AND organization_id = $2`, id, orgID)
	if err != nil {
		return err
	}
	return expectRow(result)
}

func expectRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPropertyNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
