package auth

import "time"

type Account struct {
	ID                string
	StoreID           string
	BranchID          *string
	Username          string
	Email             string
	DisplayName       string
	PasswordHash      string
	EmailConfirmed    bool
	AccessFailedCount int
	LockoutUntil      *time.Time
	IsActive          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Locked reports whether the account is under an active lockout at now.
func (a Account) Locked(now time.Time) bool {
	return a.LockoutUntil != nil && now.Before(*a.LockoutUntil)
}

type AccessToken struct {
	ID        string
	AccountID string
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
	RevokedBy string
}

func (t AccessToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

type RefreshToken struct {
	ID                  string
	AccessTokenID       string
	AccountID           string
	TokenHash           string
	DeviceID            *string
	ExpiresAt           time.Time
	CreatedAt           time.Time
	RevokedAt           *time.Time
	RevokedBy           string
	ReplacedByTokenHash *string
}

func (t RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

type TokenPurpose string

const (
	PurposePasswordReset     TokenPurpose = "password-reset"
	PurposeEmailVerification TokenPurpose = "email-verification"
)

type OneTimeToken struct {
	ID        string
	AccountID string
	Purpose   TokenPurpose
	TokenHash string
	IssuedAt  time.Time
}

type SecurityAction string

const (
	ActionAccountCreated         SecurityAction = "account-created"
	ActionLoginSuccess           SecurityAction = "login-success"
	ActionLoginFailed            SecurityAction = "login-failed"
	ActionTokenRefreshed         SecurityAction = "token-refreshed"
	ActionLogout                 SecurityAction = "logout"
	ActionLogoutAll              SecurityAction = "logout-all"
	ActionPasswordChanged        SecurityAction = "password-changed"
	ActionPasswordResetRequested SecurityAction = "password-reset-requested"
	ActionEmailVerificationSent  SecurityAction = "email-verification-sent"
	ActionEmailVerified          SecurityAction = "email-verified"
	ActionAccountUnlocked        SecurityAction = "account-unlocked"
)

type SecurityLogEntry struct {
	ID          string
	AccountID   string
	Action      SecurityAction
	Description string
	ActorIP     string
	CreatedAt   time.Time
}

// TokenPair is what a successful login or refresh hands back to the client.
type TokenPair struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int64    `json:"expires_in"`
	Roles        []string `json:"roles"`
}
