package auth

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local development.
// Transactions are serialized under one mutex, which trivially satisfies
// the rotation exactly-once requirement, and roll back by restoring a
// snapshot taken at WithinTx entry.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
	inTx  bool
	now   func() time.Time
}

type memoryState struct {
	accounts      map[string]Account
	roleNames     map[string]bool
	accountRoles  map[string][]string
	accessTokens  map[string]AccessToken
	refreshTokens map[string]RefreshToken
	oneTimeTokens map[string]OneTimeToken
	history       map[string][]historyEntry
	securityLog   []SecurityLogEntry
	ipLimits      map[string]ipWindow
}

type historyEntry struct {
	hash      string
	createdAt time.Time
}

type ipWindow struct {
	startedAt time.Time
	hits      int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, state: &memoryState{
		accounts:      map[string]Account{},
		roleNames:     map[string]bool{"staff": true, "manager": true, "admin": true},
		accountRoles:  map[string][]string{},
		accessTokens:  map[string]AccessToken{},
		refreshTokens: map[string]RefreshToken{},
		oneTimeTokens: map[string]OneTimeToken{},
		history:       map[string][]historyEntry{},
		ipLimits:      map[string]ipWindow{},
	}}
}

// WithClock swaps the time source used by retention cleanup.
func (m *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	m.now = clock
	return m
}

func (m *memoryState) clone() *memoryState {
	c := &memoryState{
		accounts:      maps.Clone(m.accounts),
		roleNames:     maps.Clone(m.roleNames),
		accountRoles:  map[string][]string{},
		accessTokens:  maps.Clone(m.accessTokens),
		refreshTokens: maps.Clone(m.refreshTokens),
		oneTimeTokens: maps.Clone(m.oneTimeTokens),
		history:       map[string][]historyEntry{},
		securityLog:   slices.Clone(m.securityLog),
		ipLimits:      maps.Clone(m.ipLimits),
	}
	for k, v := range m.accountRoles {
		c.accountRoles[k] = slices.Clone(v)
	}
	for k, v := range m.history {
		c.history[k] = slices.Clone(v)
	}
	return c
}

func (m *MemoryStore) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error {
	if m.inTx {
		return fn(ctx, m)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	tx := &MemoryStore{state: m.state, inTx: true, now: m.now}
	if err := fn(ctx, tx); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *MemoryStore) CreateAccount(_ context.Context, account *Account) error {
	defer m.lock()()
	for _, existing := range m.state.accounts {
		if existing.Username == account.Username || existing.Email == account.Email {
			return ErrConflict
		}
	}
	m.state.accounts[account.ID] = *account
	return nil
}

func (m *MemoryStore) GetAccountByID(_ context.Context, id string) (Account, error) {
	defer m.lock()()
	account, ok := m.state.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return account, nil
}

func (m *MemoryStore) GetAccountByIdentifier(_ context.Context, identifier string) (Account, error) {
	defer m.lock()()
	for _, account := range m.state.accounts {
		if account.Username == identifier || account.Email == identifier {
			return account, nil
		}
	}
	return Account{}, ErrNotFound
}

func (m *MemoryStore) UpdateLoginState(_ context.Context, accountID string, failedCount int, lockoutUntil *time.Time, now time.Time) error {
	defer m.lock()()
	account, ok := m.state.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	account.AccessFailedCount = failedCount
	account.LockoutUntil = lockoutUntil
	account.UpdatedAt = now
	m.state.accounts[accountID] = account
	return nil
}

func (m *MemoryStore) UpdatePasswordHash(_ context.Context, accountID, passwordHash string, now time.Time) error {
	defer m.lock()()
	account, ok := m.state.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	account.PasswordHash = passwordHash
	account.UpdatedAt = now
	m.state.accounts[accountID] = account
	return nil
}

func (m *MemoryStore) SetEmailConfirmed(_ context.Context, accountID string, now time.Time) error {
	defer m.lock()()
	account, ok := m.state.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	account.EmailConfirmed = true
	account.UpdatedAt = now
	m.state.accounts[accountID] = account
	return nil
}

func (m *MemoryStore) RoleNamesForAccount(_ context.Context, accountID string) ([]string, error) {
	defer m.lock()()
	names := slices.Clone(m.state.accountRoles[accountID])
	slices.Sort(names)
	return names, nil
}

func (m *MemoryStore) AssignRole(_ context.Context, accountID, roleName string) error {
	defer m.lock()()
	if !m.state.roleNames[roleName] {
		return ErrNotFound
	}
	if !slices.Contains(m.state.accountRoles[accountID], roleName) {
		m.state.accountRoles[accountID] = append(m.state.accountRoles[accountID], roleName)
	}
	return nil
}

func (m *MemoryStore) CreateAccessToken(_ context.Context, token AccessToken) error {
	defer m.lock()()
	m.state.accessTokens[token.ID] = token
	return nil
}

func (m *MemoryStore) GetAccessToken(_ context.Context, id string) (AccessToken, error) {
	defer m.lock()()
	token, ok := m.state.accessTokens[id]
	if !ok {
		return AccessToken{}, ErrNotFound
	}
	return token, nil
}

func (m *MemoryStore) RevokeAccessToken(_ context.Context, id string, now time.Time, revokedBy string) error {
	defer m.lock()()
	token, ok := m.state.accessTokens[id]
	if !ok {
		return nil
	}
	if token.RevokedAt == nil {
		token.RevokedAt = &now
		token.RevokedBy = revokedBy
		m.state.accessTokens[id] = token
	}
	return nil
}

func (m *MemoryStore) RevokeAccessTokensForAccount(_ context.Context, accountID string, now time.Time, revokedBy string) error {
	defer m.lock()()
	for id, token := range m.state.accessTokens {
		if token.AccountID == accountID && token.Active(now) {
			token.RevokedAt = &now
			token.RevokedBy = revokedBy
			m.state.accessTokens[id] = token
		}
	}
	return nil
}

func (m *MemoryStore) CreateRefreshToken(_ context.Context, token RefreshToken) error {
	defer m.lock()()
	m.state.refreshTokens[token.ID] = token
	return nil
}

func (m *MemoryStore) GetRefreshTokenByHashForUpdate(_ context.Context, tokenHash string) (RefreshToken, error) {
	defer m.lock()()
	for _, token := range m.state.refreshTokens {
		if token.TokenHash == tokenHash {
			return token, nil
		}
	}
	return RefreshToken{}, ErrNotFound
}

func (m *MemoryStore) MarkRefreshTokenRotated(_ context.Context, id string, now time.Time, replacedByTokenHash string) error {
	defer m.lock()()
	token, ok := m.state.refreshTokens[id]
	if !ok {
		return ErrNotFound
	}
	token.RevokedAt = &now
	token.RevokedBy = "rotation"
	token.ReplacedByTokenHash = &replacedByTokenHash
	m.state.refreshTokens[id] = token
	return nil
}

func (m *MemoryStore) RevokeRefreshToken(_ context.Context, id string, now time.Time, revokedBy string) error {
	defer m.lock()()
	token, ok := m.state.refreshTokens[id]
	if !ok {
		return nil
	}
	if token.RevokedAt == nil {
		token.RevokedAt = &now
		token.RevokedBy = revokedBy
		m.state.refreshTokens[id] = token
	}
	return nil
}

func (m *MemoryStore) ListActiveRefreshTokens(_ context.Context, accountID string, now time.Time) ([]RefreshToken, error) {
	defer m.lock()()
	var tokens []RefreshToken
	for _, token := range m.state.refreshTokens {
		if token.AccountID == accountID && token.Active(now) {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

func (m *MemoryStore) ReplaceOneTimeToken(_ context.Context, token OneTimeToken) error {
	defer m.lock()()
	for id, existing := range m.state.oneTimeTokens {
		if existing.AccountID == token.AccountID && existing.Purpose == token.Purpose {
			delete(m.state.oneTimeTokens, id)
		}
	}
	m.state.oneTimeTokens[token.ID] = token
	return nil
}

func (m *MemoryStore) GetOneTimeToken(_ context.Context, purpose TokenPurpose, tokenHash string) (OneTimeToken, error) {
	defer m.lock()()
	for _, token := range m.state.oneTimeTokens {
		if token.Purpose == purpose && token.TokenHash == tokenHash {
			return token, nil
		}
	}
	return OneTimeToken{}, ErrNotFound
}

func (m *MemoryStore) DeleteOneTimeToken(_ context.Context, id string) error {
	defer m.lock()()
	delete(m.state.oneTimeTokens, id)
	return nil
}

func (m *MemoryStore) AddPasswordHistory(_ context.Context, accountID, passwordHash string, now time.Time) error {
	defer m.lock()()
	m.state.history[accountID] = append(m.state.history[accountID], historyEntry{hash: passwordHash, createdAt: now})
	return nil
}

func (m *MemoryStore) PasswordHistory(_ context.Context, accountID string, limit int) ([]string, error) {
	defer m.lock()()
	entries := slices.Clone(m.state.history[accountID])
	slices.SortFunc(entries, func(a, b historyEntry) int {
		return b.createdAt.Compare(a.createdAt)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		hashes = append(hashes, e.hash)
	}
	return hashes, nil
}

func (m *MemoryStore) AppendSecurityLog(_ context.Context, entry SecurityLogEntry) error {
	defer m.lock()()
	m.state.securityLog = append(m.state.securityLog, entry)
	return nil
}

// SecurityLog returns a copy of the appended entries, oldest first.
func (m *MemoryStore) SecurityLog() []SecurityLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.securityLog)
}

func (m *MemoryStore) AllowLoginIP(_ context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	defer m.lock()()
	w, ok := m.state.ipLimits[ip]
	if !ok || w.startedAt.Add(window).Before(now) || w.startedAt.Add(window).Equal(now) {
		m.state.ipLimits[ip] = ipWindow{startedAt: now, hits: 1}
		return true, 0, nil
	}
	w.hits++
	m.state.ipLimits[ip] = w
	if w.hits <= maxHits {
		return true, 0, nil
	}
	retryAfter := w.startedAt.Add(window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}

func (m *MemoryStore) CleanupStale(_ context.Context, opts CleanupOptions) (CleanupResult, error) {
	defer m.lock()()
	now := m.now().UTC()
	var result CleanupResult

	refreshCutoff := now.Add(-opts.RefreshRetention)
	for id, token := range m.state.refreshTokens {
		if now.After(token.ExpiresAt) || (token.RevokedAt != nil && token.RevokedAt.Before(refreshCutoff)) {
			delete(m.state.refreshTokens, id)
			result.DeletedRefreshTokens++
		}
	}
	for id, token := range m.state.accessTokens {
		if token.ExpiresAt.Before(refreshCutoff) {
			delete(m.state.accessTokens, id)
			result.DeletedAccessTokens++
		}
	}
	for id, token := range m.state.oneTimeTokens {
		if token.IssuedAt.Before(now.Add(-48 * time.Hour)) {
			delete(m.state.oneTimeTokens, id)
			result.DeletedOneTimeTokens++
		}
	}
	ipCutoff := now.Add(-opts.LoginAttemptRetention)
	for ip, w := range m.state.ipLimits {
		if w.startedAt.Before(ipCutoff) {
			delete(m.state.ipLimits, ip)
			result.DeletedIPLimits++
		}
	}
	return result, nil
}
