// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"github.com/shineum/smtp-relay-lite/internal/email"
)

// Provider delivers messages accepted by the submission listener. Exactly
// one provider is active per process: the configured relay, AWS SES, or
// stdout for dry runs.
type Provider interface {
	// Send delivers an email message through this provider.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}
