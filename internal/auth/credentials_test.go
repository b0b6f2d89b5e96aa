package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVerifier(t *testing.T) (*Verifier, *MemoryStore, *fakeClock) {
	t.Helper()
	store := NewMemoryStore()
	clock := newFakeClock(time.Now().UTC().Truncate(time.Second))
	return NewVerifier(testConfig(), clock.Now), store, clock
}

func TestAuthenticateSuccess(t *testing.T) {
	verifier, store, clock := newTestVerifier(t)
	seedAccount(t, store, clock, nil)

	account, err := verifier.Authenticate(context.Background(), store, "cashier", testPassword)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", account.ID)

	// The email works as an identifier too.
	account, err = verifier.Authenticate(context.Background(), store, "cashier@example.com", testPassword)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", account.ID)
}

func TestAuthenticateUnknownIdentifier(t *testing.T) {
	verifier, store, _ := newTestVerifier(t)

	_, err := verifier.Authenticate(context.Background(), store, "nobody", testPassword)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthenticateWrongPasswordCountsDown(t *testing.T) {
	verifier, store, clock := newTestVerifier(t)
	seedAccount(t, store, clock, nil)
	ctx := context.Background()

	for attempt := 1; attempt <= 4; attempt++ {
		_, err := verifier.Authenticate(ctx, store, "cashier", "wrong-password")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidCredentials)

		var invalid InvalidCredentialsError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, 5-attempt, invalid.RemainingAttempts)
	}

	// The fifth failure trips the lockout.
	_, err := verifier.Authenticate(ctx, store, "cashier", "wrong-password")
	var locked LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, clock.Now().Add(30*time.Minute), locked.Until)

	account, err := store.GetAccountByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 5, account.AccessFailedCount)
	require.NotNil(t, account.LockoutUntil)
}

func TestAuthenticateLockedRejectsCorrectPassword(t *testing.T) {
	verifier, store, clock := newTestVerifier(t)
	seedAccount(t, store, clock, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = verifier.Authenticate(ctx, store, "cashier", "wrong-password")
	}

	_, err := verifier.Authenticate(ctx, store, "cashier", testPassword)
	var locked LockedError
	assert.ErrorAs(t, err, &locked)
}

func TestAuthenticateLockoutExpires(t *testing.T) {
	verifier, store, clock := newTestVerifier(t)
	seedAccount(t, store, clock, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = verifier.Authenticate(ctx, store, "cashier", "wrong-password")
	}

	clock.Advance(30*time.Minute + time.Second)

	account, err := verifier.Authenticate(ctx, store, "cashier", testPassword)
	require.NoError(t, err)
	assert.Equal(t, 0, account.AccessFailedCount)
	assert.Nil(t, account.LockoutUntil)
}

func TestAuthenticateSuccessResetsFailureCount(t *testing.T) {
	verifier, store, clock := newTestVerifier(t)
	seedAccount(t, store, clock, nil)
	ctx := context.Background()

	_, _ = verifier.Authenticate(ctx, store, "cashier", "wrong-password")
	_, _ = verifier.Authenticate(ctx, store, "cashier", "wrong-password")

	_, err := verifier.Authenticate(ctx, store, "cashier", testPassword)
	require.NoError(t, err)

	account, err := store.GetAccountByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 0, account.AccessFailedCount)
	assert.Nil(t, account.LockoutUntil)
}

func TestAuthenticateUnconfirmedEmail(t *testing.T) {
	verifier, store, clock := newTestVerifier(t)
	seedAccount(t, store, clock, func(a *Account) { a.EmailConfirmed = false })
	ctx := context.Background()

	// Correct password: rejected, and the failure counter is untouched.
	_, err := verifier.Authenticate(ctx, store, "cashier", testPassword)
	assert.ErrorIs(t, err, ErrEmailNotConfirmed)

	account, err := store.GetAccountByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 0, account.AccessFailedCount)

	// Wrong password: the lockout machinery still protects the account.
	_, err = verifier.Authenticate(ctx, store, "cashier", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	account, err = store.GetAccountByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, account.AccessFailedCount)
}

func TestAuthenticateDisabledAccount(t *testing.T) {
	verifier, store, clock := newTestVerifier(t)
	seedAccount(t, store, clock, func(a *Account) { a.IsActive = false })

	_, err := verifier.Authenticate(context.Background(), store, "cashier", testPassword)
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

func TestUnlockClearsLockout(t *testing.T) {
	verifier, store, clock := newTestVerifier(t)
	seedAccount(t, store, clock, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = verifier.Authenticate(ctx, store, "cashier", "wrong-password")
	}

	account, err := verifier.Unlock(ctx, store, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 0, account.AccessFailedCount)
	assert.Nil(t, account.LockoutUntil)

	_, err = verifier.Authenticate(ctx, store, "cashier", testPassword)
	assert.NoError(t, err)
}

func TestUnlockNotLocked(t *testing.T) {
	verifier, store, clock := newTestVerifier(t)
	seedAccount(t, store, clock, nil)
	ctx := context.Background()

	_, err := verifier.Unlock(ctx, store, "acc-1")
	assert.ErrorIs(t, err, ErrNotLocked)

	// An expired lockout does not count as locked either.
	for i := 0; i < 5; i++ {
		_, _ = verifier.Authenticate(ctx, store, "cashier", "wrong-password")
	}
	clock.Advance(31 * time.Minute)

	_, err = verifier.Unlock(ctx, store, "acc-1")
	assert.ErrorIs(t, err, ErrNotLocked)

	_, err = verifier.Unlock(ctx, store, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterFailurePersistsAcrossLookups(t *testing.T) {
	verifier, store, clock := newTestVerifier(t)
	seedAccount(t, store, clock, nil)
	ctx := context.Background()

	_, err := verifier.Authenticate(ctx, store, "cashier", "wrong-password")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidCredentials))

	account, err := store.GetAccountByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, account.AccessFailedCount)
}
