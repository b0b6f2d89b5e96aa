package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims is the claim set minted into every access token. The jti is
// the persisted auth_access_tokens row id, so administrative revocation
// works independently of the signature.
type AccessClaims struct {
	jwt.RegisteredClaims
	Username  string   `json:"username"`
	Email     string   `json:"email"`
	Name      string   `json:"name"`
	Roles     []string `json:"roles"`
	IsActive  bool     `json:"is_active"`
	TokenType string   `json:"typ"`
}

// TokenIssuer mints signed access tokens and keeps the revocable record of
// each one.
type TokenIssuer struct {
	cfg Config
	now func() time.Time
}

func NewTokenIssuer(cfg Config, now func() time.Time) *TokenIssuer {
	return &TokenIssuer{cfg: cfg.withDefaults(), now: now}
}

// Mint signs an access token for the account and persists its row in the
// same transaction the caller is running.
func (i *TokenIssuer) Mint(ctx context.Context, s Store, account Account, roleNames []string) (AccessToken, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return AccessToken{}, fmt.Errorf("generate access token id: %w", err)
	}

	now := i.now().UTC()
	expiresAt := now.Add(i.cfg.AccessTokenTTL)

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.String(),
			Subject:   account.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Username:  account.Username,
		Email:     account.Email,
		Name:      account.DisplayName,
		Roles:     roleNames,
		IsActive:  account.IsActive,
		TokenType: "access",
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.JWTSecret)
	if err != nil {
		return AccessToken{}, fmt.Errorf("sign access token: %w", err)
	}

	token := AccessToken{
		ID:        id.String(),
		AccountID: account.ID,
		Token:     signed,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}
	if err := s.CreateAccessToken(ctx, token); err != nil {
		return AccessToken{}, fmt.Errorf("store access token: %w", err)
	}

	return token, nil
}

// Revoke marks a single access token revoked. Revoking twice is a no-op.
func (i *TokenIssuer) Revoke(ctx context.Context, s Store, accessTokenID, revokedBy string) error {
	return s.RevokeAccessToken(ctx, accessTokenID, i.now().UTC(), revokedBy)
}

// RevokeAllForAccount revokes every currently-active access token for the
// account; used by logout-all and password reset.
func (i *TokenIssuer) RevokeAllForAccount(ctx context.Context, s Store, accountID, revokedBy string) error {
	return s.RevokeAccessTokensForAccount(ctx, accountID, i.now().UTC(), revokedBy)
}

// ParseAccessToken checks the signature, expiry and token type of a
// presented token. Callers that gate requests on it must additionally
// check the persisted row (GetAccessToken) for revocation.
func ParseAccessToken(raw string, secret []byte) (AccessClaims, error) {
	var claims AccessClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return AccessClaims{}, ErrUnauthorized
	}
	if claims.TokenType != "access" {
		return AccessClaims{}, ErrUnauthorized
	}
	return claims, nil
}
