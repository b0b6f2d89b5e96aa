package auth

import "time"

const (
	defaultAccessTTL       = 3 * time.Hour
	defaultRefreshTTL      = 30 * 24 * time.Hour
	defaultResetTTL        = time.Hour
	defaultVerificationTTL = 24 * time.Hour
	defaultMaxAttempts     = 5
	defaultLockDuration    = 30 * time.Minute
	defaultHistoryWindow   = 5
)

// Config carries every tunable the lifecycle components need. It is passed
// in at construction so tests can run with deterministic keys and clocks.
type Config struct {
	JWTSecret            []byte
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	ResetTokenTTL        time.Duration
	VerificationTokenTTL time.Duration
	MaxFailedAttempts    int
	LockoutDuration      time.Duration
	PasswordHistoryLimit int
}

func (c Config) withDefaults() Config {
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = defaultAccessTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = defaultRefreshTTL
	}
	if c.ResetTokenTTL <= 0 {
		c.ResetTokenTTL = defaultResetTTL
	}
	if c.VerificationTokenTTL <= 0 {
		c.VerificationTokenTTL = defaultVerificationTTL
	}
	if c.MaxFailedAttempts <= 0 {
		c.MaxFailedAttempts = defaultMaxAttempts
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = defaultLockDuration
	}
	if c.PasswordHistoryLimit <= 0 {
		c.PasswordHistoryLimit = defaultHistoryWindow
	}
	return c
}

func (c Config) oneTimeTTL(purpose TokenPurpose) time.Duration {
	if purpose == PurposeEmailVerification {
		return c.VerificationTokenTTL
	}
	return c.ResetTokenTTL
}
