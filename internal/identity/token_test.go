package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-long-enough-for-hs256"

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, time.Hour)
	u := &User{ID: "usr_1", Role: RoleLandlord, OrganizationID: "org_1"}

	tok, err := issuer.Issue(u)
	require.NoError(t, err)

	claims, err := issuer.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "usr_1", claims.Subject)
	assert.Equal(t, RoleLandlord, claims.Role)
	assert.Equal(t, "org_1", claims.OrganizationID)
}

func TestTokenIssuer_Expired(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, time.Minute)
	base := time.Now()
	issuer.now = func() time.Time { return base }

	tok, err := issuer.Issue(&User{ID: "usr_1", Role: RoleAgent})
	require.NoError(t, err)

	issuer.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = issuer.Verify(tok)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestTokenIssuer_WrongSecret(t *testing.T) {
	tok, err := NewTokenIssuer(testSecret, time.Hour).Issue(&User{ID: "usr_1"})
	require.NoError(t, err)

	_, err = NewTokenIssuer("another-secret-that-is-long-enough-x", time.Hour).Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenIssuer_RejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   "usr_1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = NewTokenIssuer(testSecret, time.Hour).Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenIssuer_Garbage(t *testing.T) {
	_, err := NewTokenIssuer(testSecret, time.Hour).Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("Super Admin")
	require.NoError(t, err)
	assert.Equal(t, RoleSuperAdmin, r)
	assert.True(t, r.Valid())

	_, err = ParseRole("Owner")
	assert.ErrorIs(t, err, ErrInvalidRole)
	assert.False(t, Role("Owner").Valid())
}

func TestUser_Active(t *testing.T) {
	assert.True(t, (&User{Status: UserActive}).Active())
	assert.False(t, (&User{Status: UserSuspended}).Active())
	assert.False(t, (&User{Status: UserPending}).Active())
}

func TestOrganization_Validate(t *testing.T) {
	ok := &Organization{OwnerID: "usr_1", Members: []string{"usr_1", "usr_2"}}
	assert.NoError(t, ok.Validate())
	assert.True(t, ok.HasMember("usr_2"))

	bad := &Organization{OwnerID: "usr_1", Members: []string{"usr_2"}}
	assert.ErrorIs(t, bad.Validate(), ErrOwnerNotMember)
}
