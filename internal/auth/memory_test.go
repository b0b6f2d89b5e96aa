package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryWithinTxRollsBackOnError(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock(time.Now().UTC())
	seedAccount(t, store, clock, nil)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(ctx context.Context, s Store) error {
		if err := s.UpdateLoginState(ctx, "acc-1", 3, nil, clock.Now()); err != nil {
			return err
		}
		other := Account{ID: "acc-2", Username: "other", Email: "other@example.com"}
		if err := s.CreateAccount(ctx, &other); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Neither write survived the rollback.
	account, err := store.GetAccountByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 0, account.AccessFailedCount)

	_, err = store.GetAccountByID(ctx, "acc-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryWithinTxCommits(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock(time.Now().UTC())
	seedAccount(t, store, clock, nil)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(ctx context.Context, s Store) error {
		return s.UpdateLoginState(ctx, "acc-1", 2, nil, clock.Now())
	})
	require.NoError(t, err)

	account, err := store.GetAccountByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, account.AccessFailedCount)
}

func TestMemoryCleanupStale(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore().WithClock(clock.Now)
	ctx := context.Background()
	now := clock.Now()

	require.NoError(t, store.CreateRefreshToken(ctx, RefreshToken{
		ID: "rt-old", TokenHash: "h1", ExpiresAt: now.Add(-time.Hour), CreatedAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, store.CreateRefreshToken(ctx, RefreshToken{
		ID: "rt-live", TokenHash: "h2", ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}))
	require.NoError(t, store.ReplaceOneTimeToken(ctx, OneTimeToken{
		ID: "ott-old", AccountID: "acc-1", Purpose: PurposePasswordReset,
		TokenHash: "h3", IssuedAt: now.Add(-72 * time.Hour),
	}))

	result, err := store.CleanupStale(ctx, CleanupOptions{
		RefreshRetention:      14 * 24 * time.Hour,
		LoginAttemptRetention: 30 * 24 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.DeletedRefreshTokens)
	assert.Equal(t, int64(1), result.DeletedOneTimeTokens)

	_, err = store.GetRefreshTokenByHashForUpdate(ctx, "h2")
	assert.NoError(t, err)
	_, err = store.GetRefreshTokenByHashForUpdate(ctx, "h1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Once the clock moves past its expiry the surviving token goes too.
	clock.Advance(15 * 24 * time.Hour)
	result, err = store.CleanupStale(ctx, CleanupOptions{
		RefreshRetention:      14 * 24 * time.Hour,
		LoginAttemptRetention: 30 * 24 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.DeletedRefreshTokens)
	_, err = store.GetRefreshTokenByHashForUpdate(ctx, "h2")
	assert.ErrorIs(t, err, ErrNotFound)
}
