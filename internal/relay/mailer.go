package relay

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/shineum/smtp-relay-lite/internal/email"
	"github.com/shineum/smtp-relay-lite/internal/provider"
	relaytls "github.com/shineum/smtp-relay-lite/internal/tls"
	"github.com/shineum/smtp-relay-lite/internal/transport"
)

// DefaultMaxPerMinute matches the Office 365 submission limit.
const DefaultMaxPerMinute = 30

// Options tune the outbound connection. Zero values fall back to the
// transport defaults.
type Options struct {
	AuthType string
	Timeout  time.Duration

	// CAFile replaces the system roots when verifying the relay certificate.
	CAFile string

	// Dialer reaches the relay, for example through a SOCKS5 proxy.
	Dialer transport.DialFunc

	// MaxPerMinute caps outbound sends. Zero disables the limit.
	MaxPerMinute int
}

// SendOption adjusts the transport client for a single send.
type SendOption func(*transport.Client)

// WithDiagnostics enables protocol logging for one send and routes every
// debug line to sink.
func WithDiagnostics(sink transport.DebugFunc) SendOption {
	return func(c *transport.Client) {
		if c.Debug < 1 {
			c.Debug = 1
		}
		c.DebugOutput = sink
	}
}

// Mailer delivers messages through the configured relay. A fresh transport
// client is built and configured for every message.
type Mailer struct {
	session   *Session
	opts      Options
	limiter   *rate.Limiter
	newClient func() *transport.Client
}

var _ provider.Provider = (*Mailer)(nil)

// NewMailer creates a Mailer that configures each send from session.
func NewMailer(session *Session, opts Options) *Mailer {
	return NewMailerWithClient(session, opts, transport.New)
}

// NewMailerWithClient creates a Mailer that obtains transport clients from
// newClient. This is useful for testing.
func NewMailerWithClient(session *Session, opts Options, newClient func() *transport.Client) *Mailer {
	m := &Mailer{
		session:   session,
		opts:      opts,
		newClient: newClient,
	}
	if opts.MaxPerMinute > 0 {
		m.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.MaxPerMinute)), opts.MaxPerMinute)
	}
	return m
}

// Name returns the provider name.
func (m *Mailer) Name() string {
	return "relay"
}

// Send delivers msg through the relay.
func (m *Mailer) Send(ctx context.Context, msg *email.Email) error {
	return m.SendWith(ctx, msg)
}

// SendWith delivers msg through the relay after applying opts to the
// transport client.
func (m *Mailer) SendWith(ctx context.Context, msg *email.Email, opts ...SendOption) error {
	client := m.newClient()
	m.session.Configure(client)

	if client.From == "" {
		client.From = msg.From
	}
	if m.opts.AuthType != "" {
		client.AuthType = m.opts.AuthType
	}
	if m.opts.Timeout > 0 {
		client.Timeout = m.opts.Timeout
	}
	if m.opts.Dialer != nil {
		client.Dialer = m.opts.Dialer
	}
	if m.opts.CAFile != "" {
		tlsCfg, err := relaytls.RelayClientConfig(client.Host, m.opts.CAFile)
		if err != nil {
			return fmt.Errorf("failed to build relay TLS config: %w", err)
		}
		client.TLSConfig = tlsCfg
	}

	for _, opt := range opts {
		opt(client)
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("relay rate limit wait: %w", err)
		}
	}

	return client.Send(ctx, msg)
}
