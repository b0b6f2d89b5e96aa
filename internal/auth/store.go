package auth

import (
	"context"
	"time"
)

// Store is the durable transactional port the lifecycle components run
// against. Implementations must make WithinTx atomic: either every write
// issued by fn becomes visible at once, or none of them do. The
// ForUpdate lookup must be serialized against concurrent rotations of
// the same token hash.
type Store interface {
	// WithinTx runs fn against a transaction-bound Store and commits when
	// fn returns nil, rolling back otherwise. Nested calls reuse the
	// surrounding transaction.
	WithinTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error

	CreateAccount(ctx context.Context, account *Account) error
	GetAccountByID(ctx context.Context, id string) (Account, error)
	// GetAccountByIdentifier resolves a username or email address.
	GetAccountByIdentifier(ctx context.Context, identifier string) (Account, error)
	UpdateLoginState(ctx context.Context, accountID string, failedCount int, lockoutUntil *time.Time, now time.Time) error
	UpdatePasswordHash(ctx context.Context, accountID, passwordHash string, now time.Time) error
	SetEmailConfirmed(ctx context.Context, accountID string, now time.Time) error

	RoleNamesForAccount(ctx context.Context, accountID string) ([]string, error)
	AssignRole(ctx context.Context, accountID, roleName string) error

	CreateAccessToken(ctx context.Context, token AccessToken) error
	GetAccessToken(ctx context.Context, id string) (AccessToken, error)
	RevokeAccessToken(ctx context.Context, id string, now time.Time, revokedBy string) error
	RevokeAccessTokensForAccount(ctx context.Context, accountID string, now time.Time, revokedBy string) error

	CreateRefreshToken(ctx context.Context, token RefreshToken) error
	// GetRefreshTokenByHashForUpdate locks the row (or an equivalent
	// serialization) so that two concurrent rotations of the same raw
	// token cannot both observe it active.
	GetRefreshTokenByHashForUpdate(ctx context.Context, tokenHash string) (RefreshToken, error)
	MarkRefreshTokenRotated(ctx context.Context, id string, now time.Time, replacedByTokenHash string) error
	RevokeRefreshToken(ctx context.Context, id string, now time.Time, revokedBy string) error
	ListActiveRefreshTokens(ctx context.Context, accountID string, now time.Time) ([]RefreshToken, error)

	// ReplaceOneTimeToken deletes any prior token for the same
	// (account, purpose) and stores the new one.
	ReplaceOneTimeToken(ctx context.Context, token OneTimeToken) error
	GetOneTimeToken(ctx context.Context, purpose TokenPurpose, tokenHash string) (OneTimeToken, error)
	DeleteOneTimeToken(ctx context.Context, id string) error

	AddPasswordHistory(ctx context.Context, accountID, passwordHash string, now time.Time) error
	PasswordHistory(ctx context.Context, accountID string, limit int) ([]string, error)

	AppendSecurityLog(ctx context.Context, entry SecurityLogEntry) error

	AllowLoginIP(ctx context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error)

	CleanupStale(ctx context.Context, opts CleanupOptions) (CleanupResult, error)
}

type CleanupOptions struct {
	RefreshRetention      time.Duration
	LoginAttemptRetention time.Duration
	BatchSize             int
}

type CleanupResult struct {
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	DeletedAccessTokens  int64 `json:"deleted_access_tokens"`
	DeletedOneTimeTokens int64 `json:"deleted_one_time_tokens"`
	DeletedIPLimits      int64 `json:"deleted_ip_limits"`
}
