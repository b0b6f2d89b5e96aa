package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OneTimeTokens issues and consumes the single-use tokens behind password
// reset and email verification. Only the SHA-256 of the raw value is
// stored; the raw value exists exactly once, at issuance.
type OneTimeTokens struct {
	cfg Config
	now func() time.Time
}

func NewOneTimeTokens(cfg Config, now func() time.Time) *OneTimeTokens {
	return &OneTimeTokens{cfg: cfg.withDefaults(), now: now}
}

// Issue replaces any unconsumed token for (accountID, purpose) and returns
// the raw value for one-time delivery. It is never retrievable again.
func (o *OneTimeTokens) Issue(ctx context.Context, s Store, accountID string, purpose TokenPurpose) (string, error) {
	raw, err := randomOneTimeToken()
	if err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate one-time token id: %w", err)
	}

	token := OneTimeToken{
		ID:        id.String(),
		AccountID: accountID,
		Purpose:   purpose,
		TokenHash: hashToken(raw),
		IssuedAt:  o.now().UTC(),
	}
	if err := s.ReplaceOneTimeToken(ctx, token); err != nil {
		return "", fmt.Errorf("store one-time token: %w", err)
	}

	return raw, nil
}

// Consume validates and deletes the presented token, returning the owning
// account. Unknown and already-consumed tokens are indistinguishable; an
// expired token is deleted as a side effect and reported as expired.
func (o *OneTimeTokens) Consume(ctx context.Context, s Store, purpose TokenPurpose, raw string) (Account, error) {
	token, err := s.GetOneTimeToken(ctx, purpose, hashToken(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Account{}, ErrInvalidToken
		}
		return Account{}, fmt.Errorf("look up one-time token: %w", err)
	}

	now := o.now().UTC()
	if now.After(token.IssuedAt.Add(o.cfg.oneTimeTTL(purpose))) {
		if err := s.DeleteOneTimeToken(ctx, token.ID); err != nil {
			return Account{}, fmt.Errorf("delete expired one-time token: %w", err)
		}
		return Account{}, ErrTokenExpired
	}

	if err := s.DeleteOneTimeToken(ctx, token.ID); err != nil {
		return Account{}, fmt.Errorf("consume one-time token: %w", err)
	}

	account, err := s.GetAccountByID(ctx, token.AccountID)
	if err != nil {
		return Account{}, fmt.Errorf("load token account: %w", err)
	}
	return account, nil
}
