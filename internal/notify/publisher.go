// Package notify is the outbound event boundary. Events are fire and
// forget: they are published after the owning transaction has committed,
// and a failed publish is logged, never propagated.
package notify

import (
	"context"

	"store-auth/internal/observability"
)

const (
	EventAccountRegistered          = "account.registered"
	EventEmailVerificationRequested = "email.verification.requested"
	EventPasswordResetRequested     = "password.reset.requested"
)

type Event struct {
	Type      string
	AccountID string
	Email     string
	// Token carries the raw one-time token for out-of-band delivery. It is
	// never persisted anywhere in this form.
	Token string
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher records events on the structured log. It stands in for a
// real delivery pipeline (mailer, message bus) behind the same interface.
type LogPublisher struct {
	logger *observability.Logger
}

func NewLogPublisher(logger *observability.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	p.logger.Info("event_published", map[string]any{
		"type":       event.Type,
		"account_id": event.AccountID,
		"email":      event.Email,
	})
	return nil
}

// NoOpPublisher drops events; used in tests.
type NoOpPublisher struct{}

func (NoOpPublisher) Publish(context.Context, Event) error { return nil }
