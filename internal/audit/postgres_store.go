package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresStore persists audit entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	details := []byte("{}")
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("audit: marshal details: %w", err)
		}
		details = b
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_id, organization_id, action, resource, resource_id,
			details, ip_address, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB, $8, $9, $10)`,
		e.ID, e.ActorID, nullString(e.OrganizationID), e.Action,
		nullString(e.Resource), nullString(e.ResourceID),
		string(details), nullString(e.IPAddress), nullString(e.UserAgent), e.Timestamp,
	)
	return err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.OrganizationID != "" {
		add("organization_id = $%d", f.OrganizationID)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action ILIKE '%%' || $%d || '%%'", f.Action)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}
	if f.Before != nil {
		args = append(args, f.Before.CreatedAt, f.Before.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT id, actor_id, organization_id, action, resource, resource_id,
		details, ip_address, user_agent, created_at FROM audit_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		var (
			e                                 Entry
			org, resource, resourceID, ip, ua sql.NullString
			details                           []byte
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &org, &e.Action, &resource, &resourceID,
			&details, &ip, &ua, &e.Timestamp); err != nil {
			return nil, err
		}
		e.OrganizationID = org.String
		e.Resource = resource.String
		e.ResourceID = resourceID.String
		e.IPAddress = ip.String
		e.UserAgent = ua.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("audit: decode details for %s: %w", e.ID, err)
			}
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
