package property

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/estatedesk/internal/testutil"
)

// exerciseStore runs the same contract against any Store.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	older := &Property{ID: "prp_1", OrganizationID: "org_1", Name: "Older", Units: 2, CreatedAt: now.Add(-time.Hour), UpdatedAt: now}
	newer := &Property{ID: "prp_2", OrganizationID: "org_1", Name: "Newer", Address: "1 Main St", Units: 4, CreatedAt: now, UpdatedAt: now}
	other := &Property{ID: "prp_3", OrganizationID: "org_2", Name: "Elsewhere", Units: 1, CreatedAt: now, UpdatedAt: now}
	for _, p := range []*Property{older, newer, other} {
		require.NoError(t, store.Create(ctx, p))
	}

	list, err := store.List(ctx, "org_1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "prp_2", list[0].ID)
	assert.Equal(t, "prp_1", list[1].ID)

	n, err := store.Count(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.Get(ctx, "org_1", "prp_3")
	assert.ErrorIs(t, err, ErrPropertyNotFound)

	newer.Units = 6
	require.NoError(t, store.Update(ctx, newer))
	got, err := store.Get(ctx, "org_1", "prp_2")
	require.NoError(t, err)
	assert.Equal(t, 6, got.Units)
	assert.Equal(t, "1 Main St", got.Address)

	foreign := *other
	foreign.OrganizationID = "org_1"
	assert.ErrorIs(t, store.Update(ctx, &foreign), ErrPropertyNotFound)

	assert.ErrorIs(t, store.Delete(ctx, "org_1", "prp_3"), ErrPropertyNotFound)
	require.NoError(t, store.Delete(ctx, "org_1", "prp_1"))
	assert.ErrorIs(t, store.Delete(ctx, "org_1", "prp_1"), ErrPropertyNotFound)

	n, err = store.Count(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Property{ID: "prp_1", OrganizationID: "org_1", Name: "A", Units: 1}))

	got, err := store.Get(ctx, "org_1", "prp_1")
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := store.Get(ctx, "org_1", "prp_1")
	require.NoError(t, err)
	assert.Equal(t, "A", again.Name)
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"org_1", "org_2"} {
		_, err := db.ExecContext(ctx,
			`INSERT INTO organizations (id, name, owner_id, members, status) VALUES ($1, $1, NULL, '{}', 'active')`, id)
		require.NoError(t, err)
	}
	exerciseStore(t, NewPostgresStore(db))
}

func TestProperty_Validate(t *testing.T) {
	tests := []struct {
		name string
		p    Property
		ok   bool
	}{
		{"valid", Property{OrganizationID: "org_1", Name: "A", Units: 1}, true},
		{"no org", Property{Name: "A", Units: 1}, false},
		{"blank name", Property{OrganizationID: "org_1", Name: "  ", Units: 1}, false},
		{"zero units", Property{OrganizationID: "org_1", Name: "A"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidProperty)
			}
		})
	}
}
