package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RefreshEngine issues and rotates the long-lived refresh tokens. Rotation
// is the one real concurrency hazard in the system: the active-token
// lookup and the revocation write run in the caller's transaction, and the
// store serializes them per token hash, so two concurrent rotations of the
// same raw token yield exactly one success.
type RefreshEngine struct {
	cfg    Config
	issuer *TokenIssuer
	now    func() time.Time
}

func NewRefreshEngine(cfg Config, issuer *TokenIssuer, now func() time.Time) *RefreshEngine {
	return &RefreshEngine{cfg: cfg.withDefaults(), issuer: issuer, now: now}
}

// Issue stores the hash of a fresh raw token paired with accessTokenID and
// returns the raw value.
func (e *RefreshEngine) Issue(ctx context.Context, s Store, accountID, accessTokenID string, deviceID *string) (string, error) {
	raw, err := randomRefreshToken()
	if err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate refresh token id: %w", err)
	}

	now := e.now().UTC()
	token := RefreshToken{
		ID:            id.String(),
		AccessTokenID: accessTokenID,
		AccountID:     accountID,
		TokenHash:     hashToken(raw),
		DeviceID:      deviceID,
		ExpiresAt:     now.Add(e.cfg.RefreshTokenTTL),
		CreatedAt:     now,
	}
	if err := s.CreateRefreshToken(ctx, token); err != nil {
		return "", fmt.Errorf("store refresh token: %w", err)
	}

	return raw, nil
}

// Rotate exchanges an active raw refresh token for a new access/refresh
// pair. Roles are recomputed at rotation time so role changes take effect
// on the next refresh. The old token is chained to the new one via
// replaced_by_token_hash and can never rotate again.
func (e *RefreshEngine) Rotate(ctx context.Context, s Store, rawToken string, deviceID *string) (TokenPair, Account, error) {
	old, err := e.findActive(ctx, s, rawToken)
	if err != nil {
		return TokenPair{}, Account{}, err
	}

	account, err := s.GetAccountByID(ctx, old.AccountID)
	if err != nil {
		return TokenPair{}, Account{}, fmt.Errorf("load account for rotation: %w", err)
	}
	if !account.IsActive {
		return TokenPair{}, Account{}, ErrUnauthorized
	}

	roles, err := s.RoleNamesForAccount(ctx, account.ID)
	if err != nil {
		return TokenPair{}, Account{}, fmt.Errorf("load roles for rotation: %w", err)
	}

	access, err := e.issuer.Mint(ctx, s, account, roles)
	if err != nil {
		return TokenPair{}, Account{}, err
	}

	if deviceID == nil {
		deviceID = old.DeviceID
	}
	rawNew, err := e.Issue(ctx, s, account.ID, access.ID, deviceID)
	if err != nil {
		return TokenPair{}, Account{}, err
	}

	if err := s.MarkRefreshTokenRotated(ctx, old.ID, e.now().UTC(), hashToken(rawNew)); err != nil {
		return TokenPair{}, Account{}, fmt.Errorf("revoke rotated refresh token: %w", err)
	}

	pair := TokenPair{
		AccessToken:  access.Token,
		RefreshToken: rawNew,
		TokenType:    "Bearer",
		ExpiresIn:    int64(e.cfg.AccessTokenTTL.Seconds()),
		Roles:        roles,
	}
	return pair, account, nil
}

// RevokeByRawToken revokes the refresh token matching the presented raw
// value and, when its paired access token is still live, revokes that too.
func (e *RefreshEngine) RevokeByRawToken(ctx context.Context, s Store, rawToken, revokedBy string) (RefreshToken, error) {
	token, err := e.findActive(ctx, s, rawToken)
	if err != nil {
		return RefreshToken{}, err
	}
	if err := e.revokeWithPairedAccess(ctx, s, token, revokedBy); err != nil {
		return RefreshToken{}, err
	}
	return token, nil
}

// RevokeAllForAccount revokes every active refresh token of the account
// along with their paired access tokens.
func (e *RefreshEngine) RevokeAllForAccount(ctx context.Context, s Store, accountID, revokedBy string) (int, error) {
	tokens, err := s.ListActiveRefreshTokens(ctx, accountID, e.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("list active refresh tokens: %w", err)
	}
	for _, token := range tokens {
		if err := e.revokeWithPairedAccess(ctx, s, token, revokedBy); err != nil {
			return 0, err
		}
	}
	return len(tokens), nil
}

func (e *RefreshEngine) findActive(ctx context.Context, s Store, rawToken string) (RefreshToken, error) {
	token, err := s.GetRefreshTokenByHashForUpdate(ctx, hashToken(rawToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RefreshToken{}, ErrUnauthorized
		}
		return RefreshToken{}, fmt.Errorf("look up refresh token: %w", err)
	}
	if !token.Active(e.now().UTC()) {
		return RefreshToken{}, ErrUnauthorized
	}
	return token, nil
}

func (e *RefreshEngine) revokeWithPairedAccess(ctx context.Context, s Store, token RefreshToken, revokedBy string) error {
	now := e.now().UTC()
	if err := s.RevokeRefreshToken(ctx, token.ID, now, revokedBy); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	access, err := s.GetAccessToken(ctx, token.AccessTokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load paired access token: %w", err)
	}
	if access.Active(now) {
		if err := s.RevokeAccessToken(ctx, access.ID, now, revokedBy); err != nil {
			return fmt.Errorf("revoke paired access token: %w", err)
		}
	}
	return nil
}
