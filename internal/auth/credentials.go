package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Verifier checks presented passwords and advances the per-account lockout
// state machine. It only ever touches the account row; tokens and security
// logging belong to the orchestrator.
type Verifier struct {
	cfg Config
	now func() time.Time
}

func NewVerifier(cfg Config, now func() time.Time) *Verifier {
	return &Verifier{cfg: cfg.withDefaults(), now: now}
}

// Authenticate resolves the identifier and verifies rawPassword against the
// stored hash. On a mismatch it persists the incremented failure counter
// (and the lockout once the threshold is reached); the caller must commit
// those writes even though the login as a whole fails.
func (v *Verifier) Authenticate(ctx context.Context, s Store, identifier, rawPassword string) (Account, error) {
	account, err := s.GetAccountByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("look up account: %w", err)
	}

	now := v.now().UTC()
	if account.Locked(now) {
		return Account{}, LockedError{Until: *account.LockoutUntil}
	}

	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(rawPassword)) != nil {
		return Account{}, v.registerFailure(ctx, s, account, now)
	}

	if !account.IsActive {
		return Account{}, ErrAccountDisabled
	}

	// Checked after the password so an unconfirmed account still gets
	// lockout protection, but before the counter reset below.
	if !account.EmailConfirmed {
		return Account{}, ErrEmailNotConfirmed
	}

	if account.AccessFailedCount > 0 || account.LockoutUntil != nil {
		if err := s.UpdateLoginState(ctx, account.ID, 0, nil, now); err != nil {
			return Account{}, fmt.Errorf("reset login state: %w", err)
		}
		account.AccessFailedCount = 0
		account.LockoutUntil = nil
	}

	return account, nil
}

func (v *Verifier) registerFailure(ctx context.Context, s Store, account Account, now time.Time) error {
	failed := account.AccessFailedCount + 1

	var lockoutUntil *time.Time
	if failed >= v.cfg.MaxFailedAttempts {
		until := now.Add(v.cfg.LockoutDuration)
		lockoutUntil = &until
	}

	if err := s.UpdateLoginState(ctx, account.ID, failed, lockoutUntil, now); err != nil {
		return fmt.Errorf("record failed attempt: %w", err)
	}

	if lockoutUntil != nil {
		return LockedError{Until: *lockoutUntil}
	}
	return InvalidCredentialsError{RemainingAttempts: v.cfg.MaxFailedAttempts - failed}
}

// Unlock force-clears the lockout and failure counter. It fails with
// ErrNotLocked unless lockout_until is currently in the future.
func (v *Verifier) Unlock(ctx context.Context, s Store, accountID string) (Account, error) {
	account, err := s.GetAccountByID(ctx, accountID)
	if err != nil {
		return Account{}, err
	}

	now := v.now().UTC()
	if !account.Locked(now) {
		return Account{}, ErrNotLocked
	}

	if err := s.UpdateLoginState(ctx, account.ID, 0, nil, now); err != nil {
		return Account{}, fmt.Errorf("clear lockout: %w", err)
	}
	account.AccessFailedCount = 0
	account.LockoutUntil = nil
	return account, nil
}
