package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so every query below can
// run inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db  *sql.DB // nil when bound to a transaction
	q   DBTX
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db, now: time.Now}
}

// WithClock swaps the time source used by retention cleanup.
func (r *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	r.now = clock
	return r
}

// WithinTx begins a transaction and hands fn a Store bound to it. A nested
// call joins the surrounding transaction.
func (r *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error {
	if r.db == nil {
		return fn(ctx, r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &PostgresStore{q: tx, now: r.now}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const accountColumns = `id, store_id, branch_id, username, email, display_name, password_hash,
		email_confirmed, access_failed_count, lockout_until, is_active, created_at, updated_at`

func (r *PostgresStore) scanAccount(row *sql.Row) (Account, error) {
	var account Account
	var branchID sql.NullString
	var lockoutUntil sql.NullTime
	err := row.Scan(
		&account.ID, &account.StoreID, &branchID, &account.Username, &account.Email,
		&account.DisplayName, &account.PasswordHash, &account.EmailConfirmed,
		&account.AccessFailedCount, &lockoutUntil, &account.IsActive,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("scan account: %w", err)
	}
	if branchID.Valid {
		account.BranchID = &branchID.String
	}
	if lockoutUntil.Valid {
		value := lockoutUntil.Time.UTC()
		account.LockoutUntil = &value
	}
	return account, nil
}

func (r *PostgresStore) CreateAccount(ctx context.Context, account *Account) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO accounts (id, store_id, branch_id, username, email, display_name, password_hash,
			email_confirmed, access_failed_count, lockout_until, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, account.ID, account.StoreID, account.BranchID, account.Username, account.Email,
		account.DisplayName, account.PasswordHash, account.EmailConfirmed,
		account.AccessFailedCount, account.LockoutUntil, account.IsActive, account.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (r *PostgresStore) GetAccountByID(ctx context.Context, id string) (Account, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, id)
	return r.scanAccount(row)
}

func (r *PostgresStore) GetAccountByIdentifier(ctx context.Context, identifier string) (Account, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE username = $1 OR email = $1
	`, identifier)
	return r.scanAccount(row)
}

func (r *PostgresStore) UpdateLoginState(ctx context.Context, accountID string, failedCount int, lockoutUntil *time.Time, now time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE accounts
		SET access_failed_count = $2, lockout_until = $3, updated_at = $4
		WHERE id = $1
	`, accountID, failedCount, lockoutUntil, now)
	if err != nil {
		return fmt.Errorf("update login state: %w", err)
	}
	return nil
}

func (r *PostgresStore) UpdatePasswordHash(ctx context.Context, accountID, passwordHash string, now time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE accounts
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, accountID, passwordHash, now)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return nil
}

func (r *PostgresStore) SetEmailConfirmed(ctx context.Context, accountID string, now time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE accounts
		SET email_confirmed = TRUE, updated_at = $2
		WHERE id = $1
	`, accountID, now)
	if err != nil {
		return fmt.Errorf("confirm email: %w", err)
	}
	return nil
}

func (r *PostgresStore) RoleNamesForAccount(ctx context.Context, accountID string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT r.name
		FROM roles r
		JOIN account_roles ar ON ar.role_id = r.id
		WHERE ar.account_id = $1
		ORDER BY r.name
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query account roles: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan role name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account roles: %w", err)
	}
	return names, nil
}

func (r *PostgresStore) AssignRole(ctx context.Context, accountID, roleName string) error {
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO account_roles (account_id, role_id)
		SELECT $1, id FROM roles WHERE name = $2
		ON CONFLICT DO NOTHING
	`, accountID, roleName)
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		// Either the role name does not exist or the assignment is already
		// present; only the former is a caller bug worth surfacing.
		var exists bool
		if scanErr := r.q.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM roles WHERE name = $1)`, roleName,
		).Scan(&exists); scanErr == nil && !exists {
			return fmt.Errorf("assign role: unknown role %q", roleName)
		}
	}
	return nil
}

func (r *PostgresStore) CreateAccessToken(ctx context.Context, token AccessToken) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO auth_access_tokens (id, account_id, token, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, token.ID, token.AccountID, token.Token, token.IssuedAt, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert access token: %w", err)
	}
	return nil
}

func (r *PostgresStore) GetAccessToken(ctx context.Context, id string) (AccessToken, error) {
	var token AccessToken
	var revokedAt sql.NullTime
	var revokedBy sql.NullString
	err := r.q.QueryRowContext(ctx, `
		SELECT id, account_id, token, issued_at, expires_at, revoked_at, revoked_by
		FROM auth_access_tokens
		WHERE id = $1
	`, id).Scan(&token.ID, &token.AccountID, &token.Token, &token.IssuedAt,
		&token.ExpiresAt, &revokedAt, &revokedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AccessToken{}, ErrNotFound
		}
		return AccessToken{}, fmt.Errorf("query access token: %w", err)
	}
	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		token.RevokedAt = &value
	}
	token.RevokedBy = revokedBy.String
	return token, nil
}

func (r *PostgresStore) RevokeAccessToken(ctx context.Context, id string, now time.Time, revokedBy string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE auth_access_tokens
		SET revoked_at = COALESCE(revoked_at, $2), revoked_by = COALESCE(revoked_by, $3)
		WHERE id = $1
	`, id, now, revokedBy)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (r *PostgresStore) RevokeAccessTokensForAccount(ctx context.Context, accountID string, now time.Time, revokedBy string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE auth_access_tokens
		SET revoked_at = $2, revoked_by = $3
		WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2
	`, accountID, now, revokedBy)
	if err != nil {
		return fmt.Errorf("revoke account access tokens: %w", err)
	}
	return nil
}

func (r *PostgresStore) CreateRefreshToken(ctx context.Context, token RefreshToken) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, access_token_id, account_id, token_hash, device_id,
			expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, token.ID, token.AccessTokenID, token.AccountID, token.TokenHash, token.DeviceID,
		token.ExpiresAt, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (r *PostgresStore) GetRefreshTokenByHashForUpdate(ctx context.Context, tokenHash string) (RefreshToken, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, access_token_id, account_id, token_hash, device_id, expires_at, created_at,
			revoked_at, revoked_by, replaced_by_token_hash
		FROM auth_refresh_tokens
		WHERE token_hash = $1
		FOR UPDATE
	`, tokenHash)
	return scanRefreshToken(row)
}

func scanRefreshToken(row *sql.Row) (RefreshToken, error) {
	var token RefreshToken
	var deviceID, revokedBy, replacedBy sql.NullString
	var revokedAt sql.NullTime
	err := row.Scan(&token.ID, &token.AccessTokenID, &token.AccountID, &token.TokenHash,
		&deviceID, &token.ExpiresAt, &token.CreatedAt, &revokedAt, &revokedBy, &replacedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshToken{}, ErrNotFound
		}
		return RefreshToken{}, fmt.Errorf("scan refresh token: %w", err)
	}
	if deviceID.Valid {
		token.DeviceID = &deviceID.String
	}
	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		token.RevokedAt = &value
	}
	token.RevokedBy = revokedBy.String
	if replacedBy.Valid {
		token.ReplacedByTokenHash = &replacedBy.String
	}
	return token, nil
}

func (r *PostgresStore) MarkRefreshTokenRotated(ctx context.Context, id string, now time.Time, replacedByTokenHash string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2, revoked_by = 'rotation', replaced_by_token_hash = $3
		WHERE id = $1
	`, id, now, replacedByTokenHash)
	if err != nil {
		return fmt.Errorf("mark refresh token rotated: %w", err)
	}
	return nil
}

func (r *PostgresStore) RevokeRefreshToken(ctx context.Context, id string, now time.Time, revokedBy string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2), revoked_by = COALESCE(revoked_by, $3)
		WHERE id = $1
	`, id, now, revokedBy)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (r *PostgresStore) ListActiveRefreshTokens(ctx context.Context, accountID string, now time.Time) ([]RefreshToken, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, access_token_id, account_id, token_hash, device_id, expires_at, created_at,
			revoked_at, revoked_by, replaced_by_token_hash
		FROM auth_refresh_tokens
		WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2
		FOR UPDATE
	`, accountID, now)
	if err != nil {
		return nil, fmt.Errorf("query active refresh tokens: %w", err)
	}
	defer rows.Close()

	var tokens []RefreshToken
	for rows.Next() {
		var token RefreshToken
		var deviceID, revokedBy, replacedBy sql.NullString
		var revokedAt sql.NullTime
		if err := rows.Scan(&token.ID, &token.AccessTokenID, &token.AccountID, &token.TokenHash,
			&deviceID, &token.ExpiresAt, &token.CreatedAt, &revokedAt, &revokedBy, &replacedBy); err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		if deviceID.Valid {
			token.DeviceID = &deviceID.String
		}
		if revokedAt.Valid {
			value := revokedAt.Time.UTC()
			token.RevokedAt = &value
		}
		token.RevokedBy = revokedBy.String
		if replacedBy.Valid {
			token.ReplacedByTokenHash = &replacedBy.String
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh tokens: %w", err)
	}
	return tokens, nil
}

func (r *PostgresStore) ReplaceOneTimeToken(ctx context.Context, token OneTimeToken) error {
	if _, err := r.q.ExecContext(ctx, `
		DELETE FROM auth_one_time_tokens
		WHERE account_id = $1 AND purpose = $2
	`, token.AccountID, string(token.Purpose)); err != nil {
		return fmt.Errorf("delete prior one-time token: %w", err)
	}

	if _, err := r.q.ExecContext(ctx, `
		INSERT INTO auth_one_time_tokens (id, account_id, purpose, token_hash, issued_at)
		VALUES ($1, $2, $3, $4, $5)
	`, token.ID, token.AccountID, string(token.Purpose), token.TokenHash, token.IssuedAt); err != nil {
		return fmt.Errorf("insert one-time token: %w", err)
	}
	return nil
}

func (r *PostgresStore) GetOneTimeToken(ctx context.Context, purpose TokenPurpose, tokenHash string) (OneTimeToken, error) {
	var token OneTimeToken
	var storedPurpose string
	err := r.q.QueryRowContext(ctx, `
		SELECT id, account_id, purpose, token_hash, issued_at
		FROM auth_one_time_tokens
		WHERE purpose = $1 AND token_hash = $2
	`, string(purpose), tokenHash).Scan(&token.ID, &token.AccountID, &storedPurpose,
		&token.TokenHash, &token.IssuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OneTimeToken{}, ErrNotFound
		}
		return OneTimeToken{}, fmt.Errorf("query one-time token: %w", err)
	}
	token.Purpose = TokenPurpose(storedPurpose)
	return token, nil
}

func (r *PostgresStore) DeleteOneTimeToken(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM auth_one_time_tokens
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete one-time token: %w", err)
	}
	return nil
}

func (r *PostgresStore) AddPasswordHistory(ctx context.Context, accountID, passwordHash string, now time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO auth_password_history (account_id, password_hash, created_at)
		VALUES ($1, $2, $3)
	`, accountID, passwordHash, now)
	if err != nil {
		return fmt.Errorf("insert password history: %w", err)
	}
	return nil
}

func (r *PostgresStore) PasswordHistory(ctx context.Context, accountID string, limit int) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT password_hash
		FROM auth_password_history
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query password history: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan password history: %w", err)
		}
		hashes = append(hashes, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate password history: %w", err)
	}
	return hashes, nil
}

func (r *PostgresStore) AppendSecurityLog(ctx context.Context, entry SecurityLogEntry) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO auth_security_log (id, account_id, action, description, actor_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.AccountID, string(entry.Action), entry.Description, entry.ActorIP, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append security log: %w", err)
	}
	return nil
}

func (r *PostgresStore) AllowLoginIP(ctx context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.UTC().Add(-window)

	var hits int
	var windowStartedAt time.Time
	err := r.q.QueryRowContext(ctx, `
		WITH upsert AS (
			INSERT INTO auth_login_ip_limits (ip, window_started_at, hits, updated_at)
			VALUES ($1, $2, 1, $2)
			ON CONFLICT (ip) DO UPDATE
			SET
				hits = CASE
					WHEN auth_login_ip_limits.window_started_at <= $3 THEN 1
					ELSE auth_login_ip_limits.hits + 1
				END,
				window_started_at = CASE
					WHEN auth_login_ip_limits.window_started_at <= $3 THEN $2
					ELSE auth_login_ip_limits.window_started_at
				END,
				updated_at = $2
			RETURNING hits, window_started_at
		)
		SELECT hits, window_started_at FROM upsert
	`, ip, now.UTC(), threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return false, 0, fmt.Errorf("upsert login ip rate limit: %w", err)
	}

	if hits <= maxHits {
		return true, 0, nil
	}

	retryAfter := windowStartedAt.Add(window).Sub(now.UTC())
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}

func (r *PostgresStore) CleanupStale(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.RefreshRetention <= 0 {
		opts.RefreshRetention = 14 * 24 * time.Hour
	}
	if opts.LoginAttemptRetention <= 0 {
		opts.LoginAttemptRetention = 30 * 24 * time.Hour
	}

	now := r.now().UTC()
	refreshCutoff := now.Add(-opts.RefreshRetention)
	ipCutoff := now.Add(-opts.LoginAttemptRetention)

	var result CleanupResult
	var err error

	result.DeletedRefreshTokens, err = r.batchDelete(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_tokens
			WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $2)
			ORDER BY created_at ASC
			LIMIT $3
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, now, refreshCutoff, opts.BatchSize)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	result.DeletedAccessTokens, err = r.batchDelete(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_access_tokens
			WHERE expires_at < $1
			ORDER BY issued_at ASC
			LIMIT $2
		)
		DELETE FROM auth_access_tokens t
		USING stale
		WHERE t.id = stale.id
	`, refreshCutoff, opts.BatchSize)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("delete stale access tokens: %w", err)
	}

	result.DeletedOneTimeTokens, err = r.batchDelete(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_one_time_tokens
			WHERE issued_at < $1
			ORDER BY issued_at ASC
			LIMIT $2
		)
		DELETE FROM auth_one_time_tokens t
		USING stale
		WHERE t.id = stale.id
	`, now.Add(-48*time.Hour), opts.BatchSize)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("delete stale one-time tokens: %w", err)
	}

	result.DeletedIPLimits, err = r.batchDelete(ctx, `
		WITH stale AS (
			SELECT ip
			FROM auth_login_ip_limits
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_ip_limits t
		USING stale
		WHERE t.ip = stale.ip
	`, ipCutoff, opts.BatchSize)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("delete stale login ip limits: %w", err)
	}

	return result, nil
}

func (r *PostgresStore) batchDelete(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}
