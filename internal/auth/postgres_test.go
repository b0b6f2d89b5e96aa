package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func accountRows() *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "store_id", "branch_id", "username", "email", "display_name", "password_hash",
		"email_confirmed", "access_failed_count", "lockout_until", "is_active", "created_at", "updated_at",
	}).AddRow("acc-1", "store-1", nil, "cashier", "cashier@example.com", "Cashier", "hash",
		true, 0, nil, true, now, now)
}

func TestPostgresWithinTxCommits(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE accounts").
		WithArgs("acc-1", 0, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(ctx context.Context, s Store) error {
		return s.UpdateLoginState(ctx, "acc-1", 0, nil, time.Now().UTC())
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWithinTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := store.WithinTx(context.Background(), func(ctx context.Context, s Store) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWithinTxNestedJoins(t *testing.T) {
	store, mock := newMockStore(t)

	// Only one begin/commit even though WithinTx nests.
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(ctx context.Context, s Store) error {
		return s.WithinTx(ctx, func(ctx context.Context, s Store) error {
			return nil
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetAccountByIdentifier(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM accounts").
		WithArgs("cashier").
		WillReturnRows(accountRows())

	account, err := store.GetAccountByIdentifier(context.Background(), "cashier")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", account.ID)
	assert.Nil(t, account.BranchID)
	assert.Nil(t, account.LockoutUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetAccountByIdentifierNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM accounts").
		WithArgs("nobody").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetAccountByIdentifier(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresCreateAccountUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO accounts").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	account := Account{ID: "acc-1", Username: "cashier", Email: "cashier@example.com"}
	err := store.CreateAccount(context.Background(), &account)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPostgresGetRefreshTokenLocksRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("FOR UPDATE").
		WithArgs("somehash").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "access_token_id", "account_id", "token_hash", "device_id",
			"expires_at", "created_at", "revoked_at", "revoked_by", "replaced_by_token_hash",
		}).AddRow("rt-1", "at-1", "acc-1", "somehash", nil, now.Add(time.Hour), now, nil, nil, nil))

	token, err := store.GetRefreshTokenByHashForUpdate(context.Background(), "somehash")
	require.NoError(t, err)
	assert.Equal(t, "rt-1", token.ID)
	assert.True(t, token.Active(now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCleanupStaleUsesClock(t *testing.T) {
	store, mock := newMockStore(t)
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store = store.WithClock(clock.Now)

	now := clock.Now()
	refreshCutoff := now.Add(-14 * 24 * time.Hour)
	ipCutoff := now.Add(-30 * 24 * time.Hour)

	mock.ExpectExec("DELETE FROM auth_refresh_tokens").
		WithArgs(now, refreshCutoff, 500).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM auth_access_tokens").
		WithArgs(refreshCutoff, 500).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM auth_one_time_tokens").
		WithArgs(now.Add(-48*time.Hour), 500).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM auth_login_ip_limits").
		WithArgs(ipCutoff, 500).
		WillReturnResult(sqlmock.NewResult(0, 3))

	result, err := store.CleanupStale(context.Background(), CleanupOptions{
		RefreshRetention:      14 * 24 * time.Hour,
		LoginAttemptRetention: 30 * 24 * time.Hour,
		BatchSize:             500,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.DeletedRefreshTokens)
	assert.Equal(t, int64(1), result.DeletedAccessTokens)
	assert.Equal(t, int64(3), result.DeletedIPLimits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRevokeRefreshTokenKeepsFirstRevocation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("COALESCE").
		WithArgs("rt-1", sqlmock.AnyArg(), "logout").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.RevokeRefreshToken(context.Background(), "rt-1", time.Now().UTC(), "logout")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
