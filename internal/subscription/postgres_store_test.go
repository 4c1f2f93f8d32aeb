package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/estatedesk/internal/testutil"
)

func seedOrganization(t *testing.T, ctx context.Context, store *PostgresStore, id string) {
	t.Helper()
	_, err := store.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, owner_id, members, status) VALUES ($1, $1, NULL, '{}', 'active')`, id)
	require.NoError(t, err)
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	now := time.Now().UTC().Truncate(time.Microsecond)
	plan := &Plan{
		ID: "pln_1", Name: "Basic", Price: 2900, Currency: "usd", Duration: Monthly,
		Features: []string{"billing", "reports"}, Limits: Limits{MaxProperties: 20, MaxTenants: Unlimited},
		Public: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreatePlan(ctx, plan))
	assert.ErrorIs(t, store.CreatePlan(ctx, &Plan{ID: "pln_2", Name: "basic", Duration: Monthly, CreatedAt: now, UpdatedAt: now}), ErrPlanNameTaken)

	got, err := store.GetPlanByName(ctx, "BASIC")
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "reports"}, got.Features)
	assert.Equal(t, Unlimited, got.Limits.MaxTenants)

	seedOrganization(t, ctx, store, "org_1")
	trialEnds := now.Add(-time.Hour)
	sub := &Subscription{
		ID: "sub_1", OrganizationID: "org_1", PlanID: plan.ID, Status: StatusTrialing,
		TrialExpiresAt: &trialEnds, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, sub))
	assert.ErrorIs(t, store.Create(ctx, &Subscription{ID: "sub_2", OrganizationID: "org_1", PlanID: plan.ID, Status: StatusActive, CreatedAt: now, UpdatedAt: now}), ErrAlreadyExists)

	lapsed, err := store.ListLapsed(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, lapsed, 1)
	assert.Equal(t, "sub_1", lapsed[0].ID)

	changed, err := store.ExpireLapsed(ctx, "sub_1", now)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = store.ExpireLapsed(ctx, "sub_1", now)
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = store.ExpireLapsed(ctx, "sub_missing", now)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	_, err = store.SetStatus(ctx, "sub_missing", StatusPastDue, now)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	lapsed, err = store.ListLapsed(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, lapsed)

	loaded, err := store.GetByOrganization(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, loaded.Status)
	assert.Nil(t, loaded.CurrentPeriodEndsAt)

	periodEnds := now.AddDate(0, 1, 0)
	loaded.Status = StatusActive
	loaded.TrialExpiresAt = nil
	loaded.CurrentPeriodEndsAt = &periodEnds
	loaded.ExternalRef = "sub_ext"
	require.NoError(t, store.Update(ctx, loaded))

	loaded, err = store.GetByOrganization(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, loaded.Status)
	assert.Equal(t, "sub_ext", loaded.ExternalRef)
	assert.Nil(t, loaded.TrialExpiresAt)
	require.NotNil(t, loaded.CurrentPeriodEndsAt)
	assert.True(t, periodEnds.Equal(*loaded.CurrentPeriodEndsAt))

	_, err = store.GetByOrganization(ctx, "org_none")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestPostgresStore_StaleExpiryDoesNotOverwriteRenewal(t *testing.T) {
	exerciseExpiryRaces(t, func(t *testing.T) Store {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		store := NewPostgresStore(db)
		seedOrganization(t, context.Background(), store, "org_race")
		return store
	})
}
