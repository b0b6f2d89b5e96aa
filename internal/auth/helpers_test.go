package auth

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"store-auth/internal/notify"
	"store-auth/internal/observability"
)

const testPassword = "correct-horse-battery"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{JWTSecret: []byte("test-secret")}.withDefaults()
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *fakeClock) {
	t.Helper()
	store := NewMemoryStore()
	clock := newFakeClock(time.Now().UTC().Truncate(time.Second))
	logger := observability.NewLoggerTo(io.Discard)
	service := NewService(store, testConfig(), logger, notify.NoOpPublisher{}).WithClock(clock.Now)
	return service, store, clock
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func seedAccount(t *testing.T, store *MemoryStore, clock *fakeClock, mutate func(*Account)) Account {
	t.Helper()
	now := clock.Now()
	account := Account{
		ID:             "acc-1",
		StoreID:        "store-1",
		Username:       "cashier",
		Email:          "cashier@example.com",
		DisplayName:    "Cashier",
		PasswordHash:   mustHash(t, testPassword),
		EmailConfirmed: true,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if mutate != nil {
		mutate(&account)
	}
	require.NoError(t, store.CreateAccount(context.Background(), &account))
	require.NoError(t, store.AssignRole(context.Background(), account.ID, "staff"))
	return account
}

func registerVerified(t *testing.T, service *Service, username string) Account {
	t.Helper()
	ctx := context.Background()
	result, err := service.Register(ctx, RegisterParams{
		StoreID:     "store-1",
		Username:    username,
		Email:       username + "@example.com",
		DisplayName: "Test User",
		Password:    testPassword,
		ActorIP:     "127.0.0.1",
	})
	require.NoError(t, err)
	require.NoError(t, service.VerifyEmail(ctx, result.VerificationToken, "127.0.0.1"))
	return result.Account
}

func logActions(store *MemoryStore) []SecurityAction {
	entries := store.SecurityLog()
	actions := make([]SecurityAction, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	return actions
}

// capturePublisher records published events so tests can get at the raw
// one-time tokens that otherwise leave through the delivery pipeline.
type capturePublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *capturePublisher) Publish(_ context.Context, event notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) last(t *testing.T) notify.Event {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.events)
	return p.events[len(p.events)-1]
}
