package subscription

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists plans and subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const planColumns = `id, name, price, currency, duration, features,
	max_properties, max_tenants, max_agents, is_public, trial_days, created_at, updated_at`

func (p *PostgresStore) CreatePlan(ctx context.Context, pl *Plan) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		pl.ID, pl.Name, pl.Price, pl.Currency, string(pl.Duration), pq.Array(pl.Features),
		pl.Limits.MaxProperties, pl.Limits.MaxTenants, pl.Limits.MaxAgents,
		pl.Public, pl.TrialDays, pl.CreatedAt, pl.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrPlanNameTaken
	}
	return err
}

func (p *PostgresStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	return p.scanPlan(p.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
}

func (p *PostgresStore) GetPlanByName(ctx context.Context, name string) (*Plan, error) {
	return p.scanPlan(p.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE LOWER(name) = LOWER($1)`, name))
}

func (p *PostgresStore) ListPlans(ctx context.Context, publicOnly bool) ([]*Plan, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+planColumns+` FROM plans
		WHERE ($1 = FALSE OR is_public)
		ORDER BY price ASC, name ASC`, publicOnly)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Plan
	for rows.Next() {
		pl, err := p.scanPlan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pl)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdatePlan(ctx context.Context, pl *Plan) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE plans SET
			name = $1, price = $2, currency = $3, duration = $4, features = $5,
			max_properties = $6, max_tenants = $7, max_agents = $8,
			is_public = $9, trial_days = $10, updated_at = $11
		WHERE id = $12`,
		pl.Name, pl.Price, pl.Currency, string(pl.Duration), pq.Array(pl.Features),
		pl.Limits.MaxProperties, pl.Limits.MaxTenants, pl.Limits.MaxAgents,
		pl.Public, pl.TrialDays, pl.UpdatedAt, pl.ID,
	)
	if isUniqueViolation(err) {
		return ErrPlanNameTaken
	}
	if err != nil {
		return err
	}
	return expectRow(result, ErrPlanNotFound)
}

const subColumns = `id, organization_id, plan_id, status, is_lifetime,
	trial_expires_at, current_period_ends_at, external_ref, canceled_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.OrganizationID, s.PlanID, string(s.Status), s.IsLifetime,
		nullTime(s.TrialExpiresAt), nullTime(s.CurrentPeriodEndsAt), nullString(s.ExternalRef),
		nullTime(s.CanceledAt), s.CreatedAt, s.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) GetByOrganization(ctx context.Context, orgID string) (*Subscription, error) {
	return p.scanSub(p.db.QueryRowContext(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE organization_id = $1`, orgID))
}

func (p *PostgresStore) Update(ctx context.Context, s *Subscription) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			plan_id = $1, status = $2, is_lifetime = $3,
			trial_expires_at = $4, current_period_ends_at = $5,
			external_ref = $6, canceled_at = $7, updated_at = $8
		WHERE id = $9`,
		s.PlanID, string(s.Status), s.IsLifetime,
		nullTime(s.TrialExpiresAt), nullTime(s.CurrentPeriodEndsAt),
		nullString(s.ExternalRef), nullTime(s.CanceledAt), s.UpdatedAt, s.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(result, ErrSubscriptionNotFound)
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status Status, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = $1, updated_at = $2
		WHERE id = $3 AND status <> $1`, string(status), at, id)
	if err != nil {
		return false, err
	}
	return p.changed(ctx, result, id)
}

// lapsedPredicate mirrors Subscription.Lapsed with $1 as now.
const lapsedPredicate = `NOT is_lifetime AND status <> 'expired'
		  AND ((status = 'trialing' AND trial_expires_at < $1) OR current_period_ends_at < $1)`

func (p *PostgresStore) ExpireLapsed(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = 'expired', updated_at = $1
		WHERE id = $2 AND `+lapsedPredicate, now, id)
	if err != nil {
		return false, err
	}
	return p.changed(ctx, result, id)
}

// changed reports whether a conditional update hit the row, distinguishing
// "condition not met" from "no such row".
func (p *PostgresStore) changed(ctx context.Context, result sql.Result, id string) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM subscriptions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrSubscriptionNotFound
	}
	return false, nil
}

func (p *PostgresStore) ListLapsed(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE `+lapsedPredicate+`
		ORDER BY created_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Subscription
	for rows.Next() {
		s, err := p.scanSub(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) scanPlan(row scanner) (*Plan, error) {
	pl := &Plan{}
	var duration string
	err := row.Scan(&pl.ID, &pl.Name, &pl.Price, &pl.Currency, &duration, pq.Array(&pl.Features),
		&pl.Limits.MaxProperties, &pl.Limits.MaxTenants, &pl.Limits.MaxAgents,
		&pl.Public, &pl.TrialDays, &pl.CreatedAt, &pl.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	pl.Duration = Duration(duration)
	return pl, nil
}

func (p *PostgresStore) scanSub(row scanner) (*Subscription, error) {
	s := &Subscription{}
	var (
		status                        string
		trialEnds, periodEnds, cancel sql.NullTime
		externalRef                   sql.NullString
	)
	err := row.Scan(&s.ID, &s.OrganizationID, &s.PlanID, &status, &s.IsLifetime,
		&trialEnds, &periodEnds, &externalRef, &cancel, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	if !ValidStatus(s.Status) {
		return nil, ErrInvalidStatus
	}
	s.TrialExpiresAt = timePtr(trialEnds)
	s.CurrentPeriodEndsAt = timePtr(periodEnds)
	s.CanceledAt = timePtr(cancel)
	s.ExternalRef = externalRef.String
	return s, nil
}

func expectRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ Store = (*PostgresStore)(nil)
