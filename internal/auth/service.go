package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"store-auth/internal/notify"
	"store-auth/internal/observability"
)

const defaultRoleName = "staff"

// Service sequences the lifecycle components per use case. Every use case
// runs inside one store transaction and appends its security log entry
// before commit; events go out only after the commit succeeded.
type Service struct {
	store     Store
	cfg       Config
	verifier  *Verifier
	oneTime   *OneTimeTokens
	issuer    *TokenIssuer
	refresh   *RefreshEngine
	logger    *observability.Logger
	publisher notify.Publisher
	clock     func() time.Time
}

func NewService(store Store, cfg Config, logger *observability.Logger, publisher notify.Publisher) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		store:     store,
		cfg:       cfg,
		logger:    logger,
		publisher: publisher,
		clock:     time.Now,
	}
	now := func() time.Time { return s.clock().UTC() }
	s.verifier = NewVerifier(cfg, now)
	s.oneTime = NewOneTimeTokens(cfg, now)
	s.issuer = NewTokenIssuer(cfg, now)
	s.refresh = NewRefreshEngine(cfg, s.issuer, now)
	return s
}

// WithClock swaps the time source; tests use it to drive TTL and lockout
// expiry deterministically.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) Config() Config { return s.cfg }

type RegisterParams struct {
	StoreID     string
	BranchID    *string
	Username    string
	Email       string
	DisplayName string
	Password    string
	ActorIP     string
}

type RegisterResult struct {
	Account           Account
	VerificationToken string
}

// Register creates the account with a hashed password, assigns the default
// role, seeds the password history, and issues the email-verification
// token. Delivery of the token is the publisher's problem, after commit.
func (s *Service) Register(ctx context.Context, params RegisterParams) (RegisterResult, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(params.Password), bcrypt.DefaultCost)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("hash password: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return RegisterResult{}, fmt.Errorf("generate account id: %w", err)
	}

	var result RegisterResult
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		now := s.clock().UTC()
		account := Account{
			ID:           id.String(),
			StoreID:      params.StoreID,
			BranchID:     params.BranchID,
			Username:     params.Username,
			Email:        params.Email,
			DisplayName:  params.DisplayName,
			PasswordHash: string(hash),
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.CreateAccount(ctx, &account); err != nil {
			return err
		}
		if err := tx.AssignRole(ctx, account.ID, defaultRoleName); err != nil {
			return fmt.Errorf("assign default role: %w", err)
		}
		if err := tx.AddPasswordHistory(ctx, account.ID, account.PasswordHash, now); err != nil {
			return fmt.Errorf("seed password history: %w", err)
		}
		if err := s.appendLog(ctx, tx, account.ID, ActionAccountCreated, "account registered", params.ActorIP); err != nil {
			return err
		}

		raw, err := s.oneTime.Issue(ctx, tx, account.ID, PurposeEmailVerification)
		if err != nil {
			return err
		}
		if err := s.appendLog(ctx, tx, account.ID, ActionEmailVerificationSent, "verification token issued", params.ActorIP); err != nil {
			return err
		}

		result = RegisterResult{Account: account, VerificationToken: raw}
		return nil
	})
	if err != nil {
		return RegisterResult{}, err
	}

	s.publish(ctx, notify.Event{
		Type:      notify.EventAccountRegistered,
		AccountID: result.Account.ID,
		Email:     result.Account.Email,
		Token:     result.VerificationToken,
	})
	return result, nil
}

// Login verifies credentials and, on success, mints the access token and
// its paired refresh token. A failed password attempt still commits: the
// counter increment, the lockout, and the login-failed log entry are the
// intended effect of the failure.
func (s *Service) Login(ctx context.Context, identifier, password string, deviceID *string, actorIP string) (TokenPair, error) {
	var pair TokenPair
	var authErr error

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		account, err := s.verifier.Authenticate(ctx, tx, identifier, password)
		if err != nil {
			if !isAuthFailure(err) {
				return err
			}
			if !errors.Is(err, ErrNotFound) {
				if failed, lookupErr := tx.GetAccountByIdentifier(ctx, identifier); lookupErr == nil {
					if logErr := s.appendLog(ctx, tx, failed.ID, ActionLoginFailed, err.Error(), actorIP); logErr != nil {
						return logErr
					}
				}
			}
			// Returning nil commits the failure counter: the lockout state
			// must survive the failed login.
			authErr = err
			return nil
		}

		roles, err := tx.RoleNamesForAccount(ctx, account.ID)
		if err != nil {
			return fmt.Errorf("load roles: %w", err)
		}

		access, err := s.issuer.Mint(ctx, tx, account, roles)
		if err != nil {
			return err
		}
		rawRefresh, err := s.refresh.Issue(ctx, tx, account.ID, access.ID, deviceID)
		if err != nil {
			return err
		}
		if err := s.appendLog(ctx, tx, account.ID, ActionLoginSuccess, "login", actorIP); err != nil {
			return err
		}

		pair = TokenPair{
			AccessToken:  access.Token,
			RefreshToken: rawRefresh,
			TokenType:    "Bearer",
			ExpiresIn:    int64(s.cfg.AccessTokenTTL.Seconds()),
			Roles:        roles,
		}
		return nil
	})
	if err != nil {
		return TokenPair{}, err
	}
	if authErr != nil {
		return TokenPair{}, authErr
	}
	return pair, nil
}

// Refresh rotates a refresh token into a fresh pair. Any rotation failure
// surfaces as the uniform ErrUnauthorized.
func (s *Service) Refresh(ctx context.Context, rawToken string, deviceID *string, actorIP string) (TokenPair, error) {
	var pair TokenPair
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		rotated, account, err := s.refresh.Rotate(ctx, tx, rawToken, deviceID)
		if err != nil {
			return err
		}
		if err := s.appendLog(ctx, tx, account.ID, ActionTokenRefreshed, "refresh token rotated", actorIP); err != nil {
			return err
		}
		pair = rotated
		return nil
	})
	if err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// Logout revokes the presented refresh token and its live paired access
// token.
func (s *Service) Logout(ctx context.Context, rawToken, actorIP string) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		token, err := s.refresh.RevokeByRawToken(ctx, tx, rawToken, "logout")
		if err != nil {
			return err
		}
		return s.appendLog(ctx, tx, token.AccountID, ActionLogout, "session terminated", actorIP)
	})
}

// LogoutAll revokes every active session of the account.
func (s *Service) LogoutAll(ctx context.Context, accountID, actorIP string) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		revoked, err := s.refresh.RevokeAllForAccount(ctx, tx, accountID, "logout-all")
		if err != nil {
			return err
		}
		if err := s.issuer.RevokeAllForAccount(ctx, tx, accountID, "logout-all"); err != nil {
			return err
		}
		description := fmt.Sprintf("%d sessions terminated", revoked)
		return s.appendLog(ctx, tx, accountID, ActionLogoutAll, description, actorIP)
	})
}

// ForgotPassword issues a password-reset token for the account matching
// the identifier. Callers should mask ErrNotFound so the endpoint cannot
// be used to probe for registered emails.
func (s *Service) ForgotPassword(ctx context.Context, identifier, actorIP string) error {
	var account Account
	var raw string
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		var err error
		account, err = tx.GetAccountByIdentifier(ctx, identifier)
		if err != nil {
			return err
		}
		raw, err = s.oneTime.Issue(ctx, tx, account.ID, PurposePasswordReset)
		if err != nil {
			return err
		}
		return s.appendLog(ctx, tx, account.ID, ActionPasswordResetRequested, "reset token issued", actorIP)
	})
	if err != nil {
		return err
	}

	s.publish(ctx, notify.Event{
		Type:      notify.EventPasswordResetRequested,
		AccountID: account.ID,
		Email:     account.Email,
		Token:     raw,
	})
	return nil
}

// ResetPassword consumes a reset token, rejects recently used passwords,
// replaces the hash, and invalidates every existing session.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword, actorIP string) error {
	var expiredErr error
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		account, err := s.oneTime.Consume(ctx, tx, PurposePasswordReset, rawToken)
		if err != nil {
			// Consuming an expired token deletes its row; that delete must
			// commit even though the reset fails, so a retry sees the token
			// as gone rather than expired.
			if errors.Is(err, ErrTokenExpired) {
				expiredErr = err
				return nil
			}
			return err
		}

		history, err := tx.PasswordHistory(ctx, account.ID, s.cfg.PasswordHistoryLimit)
		if err != nil {
			return fmt.Errorf("load password history: %w", err)
		}
		for _, oldHash := range history {
			if bcrypt.CompareHashAndPassword([]byte(oldHash), []byte(newPassword)) == nil {
				return ErrPasswordReuse
			}
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}

		now := s.clock().UTC()
		if err := tx.UpdatePasswordHash(ctx, account.ID, string(hash), now); err != nil {
			return fmt.Errorf("replace password hash: %w", err)
		}
		if err := tx.AddPasswordHistory(ctx, account.ID, string(hash), now); err != nil {
			return fmt.Errorf("append password history: %w", err)
		}

		if _, err := s.refresh.RevokeAllForAccount(ctx, tx, account.ID, "password-reset"); err != nil {
			return err
		}
		if err := s.issuer.RevokeAllForAccount(ctx, tx, account.ID, "password-reset"); err != nil {
			return err
		}

		return s.appendLog(ctx, tx, account.ID, ActionPasswordChanged, "password reset", actorIP)
	})
	if err != nil {
		return err
	}
	return expiredErr
}

// SendVerification issues a fresh email-verification token, replacing any
// unconsumed one.
func (s *Service) SendVerification(ctx context.Context, identifier, actorIP string) error {
	var account Account
	var raw string
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		var err error
		account, err = tx.GetAccountByIdentifier(ctx, identifier)
		if err != nil {
			return err
		}
		raw, err = s.oneTime.Issue(ctx, tx, account.ID, PurposeEmailVerification)
		if err != nil {
			return err
		}
		return s.appendLog(ctx, tx, account.ID, ActionEmailVerificationSent, "verification token issued", actorIP)
	})
	if err != nil {
		return err
	}

	s.publish(ctx, notify.Event{
		Type:      notify.EventEmailVerificationRequested,
		AccountID: account.ID,
		Email:     account.Email,
		Token:     raw,
	})
	return nil
}

// VerifyEmail consumes a verification token and flips email_confirmed.
func (s *Service) VerifyEmail(ctx context.Context, rawToken, actorIP string) error {
	var expiredErr error
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		account, err := s.oneTime.Consume(ctx, tx, PurposeEmailVerification, rawToken)
		if err != nil {
			// Same as ResetPassword: the expired-row delete must commit.
			if errors.Is(err, ErrTokenExpired) {
				expiredErr = err
				return nil
			}
			return err
		}
		if err := tx.SetEmailConfirmed(ctx, account.ID, s.clock().UTC()); err != nil {
			return fmt.Errorf("confirm email: %w", err)
		}
		return s.appendLog(ctx, tx, account.ID, ActionEmailVerified, "email confirmed", actorIP)
	})
	if err != nil {
		return err
	}
	return expiredErr
}

// Unlock force-clears a lockout on behalf of an operator.
func (s *Service) Unlock(ctx context.Context, accountID, actor, actorIP string) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		account, err := s.verifier.Unlock(ctx, tx, accountID)
		if err != nil {
			return err
		}
		description := fmt.Sprintf("unlocked by %s", actor)
		return s.appendLog(ctx, tx, account.ID, ActionAccountUnlocked, description, actorIP)
	})
}

type IntrospectionResult struct {
	Active    bool      `json:"active"`
	Subject   string    `json:"sub,omitempty"`
	Username  string    `json:"username,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Introspect re-validates a presented access token for other services:
// signature and expiry first, then the persisted row, because a
// cryptographically valid token may have been administratively revoked.
func (s *Service) Introspect(ctx context.Context, rawToken string) (IntrospectionResult, error) {
	claims, err := ParseAccessToken(rawToken, s.cfg.JWTSecret)
	if err != nil {
		return IntrospectionResult{}, nil
	}

	record, err := s.store.GetAccessToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return IntrospectionResult{}, nil
		}
		return IntrospectionResult{}, fmt.Errorf("load access token record: %w", err)
	}
	if !record.Active(s.clock().UTC()) {
		return IntrospectionResult{}, nil
	}

	return IntrospectionResult{
		Active:    true,
		Subject:   claims.Subject,
		Username:  claims.Username,
		Roles:     claims.Roles,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// isAuthFailure separates authentication outcomes, which commit the
// transaction, from internal errors, which roll it back.
func isAuthFailure(err error) bool {
	var locked LockedError
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrEmailNotConfirmed) ||
		errors.Is(err, ErrAccountDisabled) ||
		errors.As(err, &locked)
}

func (s *Service) appendLog(ctx context.Context, tx Store, accountID string, action SecurityAction, description, actorIP string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate log entry id: %w", err)
	}
	entry := SecurityLogEntry{
		ID:          id.String(),
		AccountID:   accountID,
		Action:      action,
		Description: description,
		ActorIP:     actorIP,
		CreatedAt:   s.clock().UTC(),
	}
	if err := tx.AppendSecurityLog(ctx, entry); err != nil {
		return fmt.Errorf("append security log: %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, event notify.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("event_publish_failed", map[string]any{
			"type":       event.Type,
			"account_id": event.AccountID,
			"error":      err.Error(),
		})
	}
}
