package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T) (*TokenIssuer, *MemoryStore, *fakeClock) {
	t.Helper()
	store := NewMemoryStore()
	clock := newFakeClock(time.Now().UTC().Truncate(time.Second))
	return NewTokenIssuer(testConfig(), clock.Now), store, clock
}

func TestMintAndParse(t *testing.T) {
	issuer, store, clock := newTestIssuer(t)
	account := seedAccount(t, store, clock, nil)
	ctx := context.Background()

	token, err := issuer.Mint(ctx, store, account, []string{"staff"})
	require.NoError(t, err)
	assert.Equal(t, account.ID, token.AccountID)
	assert.Equal(t, clock.Now().Add(3*time.Hour), token.ExpiresAt)

	// The row is persisted under the jti so it can be revoked later.
	stored, err := store.GetAccessToken(ctx, token.ID)
	require.NoError(t, err)
	assert.Equal(t, token.Token, stored.Token)

	claims, err := ParseAccessToken(token.Token, testConfig().JWTSecret)
	require.NoError(t, err)
	assert.Equal(t, token.ID, claims.ID)
	assert.Equal(t, account.ID, claims.Subject)
	assert.Equal(t, account.Username, claims.Username)
	assert.Equal(t, []string{"staff"}, claims.Roles)
	assert.Equal(t, "access", claims.TokenType)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	issuer, store, clock := newTestIssuer(t)
	account := seedAccount(t, store, clock, nil)

	token, err := issuer.Mint(context.Background(), store, account, nil)
	require.NoError(t, err)

	_, err = ParseAccessToken(token.Token, []byte("other-secret"))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestParseRejectsExpired(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock(time.Now().UTC().Add(-4 * time.Hour))
	issuer := NewTokenIssuer(testConfig(), clock.Now)
	account := seedAccount(t, store, clock, nil)

	token, err := issuer.Mint(context.Background(), store, account, nil)
	require.NoError(t, err)

	_, err = ParseAccessToken(token.Token, testConfig().JWTSecret)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestParseRejectsNonAccessType(t *testing.T) {
	secret := testConfig().JWTSecret
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "tok-1",
			Subject:   "acc-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TokenType: "refresh",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = ParseAccessToken(signed, secret)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := ParseAccessToken("not-a-jwt", testConfig().JWTSecret)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRevokeIsIdempotent(t *testing.T) {
	issuer, store, clock := newTestIssuer(t)
	account := seedAccount(t, store, clock, nil)
	ctx := context.Background()

	token, err := issuer.Mint(ctx, store, account, nil)
	require.NoError(t, err)

	require.NoError(t, issuer.Revoke(ctx, store, token.ID, "logout"))
	first, err := store.GetAccessToken(ctx, token.ID)
	require.NoError(t, err)
	require.NotNil(t, first.RevokedAt)

	clock.Advance(time.Minute)
	require.NoError(t, issuer.Revoke(ctx, store, token.ID, "logout-all"))

	second, err := store.GetAccessToken(ctx, token.ID)
	require.NoError(t, err)
	assert.Equal(t, first.RevokedAt, second.RevokedAt)
	assert.Equal(t, "logout", second.RevokedBy)
}

func TestRevokeAllForAccount(t *testing.T) {
	issuer, store, clock := newTestIssuer(t)
	account := seedAccount(t, store, clock, nil)
	ctx := context.Background()

	first, err := issuer.Mint(ctx, store, account, nil)
	require.NoError(t, err)
	second, err := issuer.Mint(ctx, store, account, nil)
	require.NoError(t, err)

	require.NoError(t, issuer.RevokeAllForAccount(ctx, store, account.ID, "logout-all"))

	now := clock.Now()
	for _, id := range []string{first.ID, second.ID} {
		stored, err := store.GetAccessToken(ctx, id)
		require.NoError(t, err)
		assert.False(t, stored.Active(now))
	}
}
