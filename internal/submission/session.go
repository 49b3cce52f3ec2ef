package submission

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/smtp-relay-lite/internal/email"
	"github.com/shineum/smtp-relay-lite/internal/provider"
)

var (
	errAuthFailed = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication failed",
	}
	errAuthMechanism = &smtp.SMTPError{
		Code:         504,
		EnhancedCode: smtp.EnhancedCode{5, 7, 4},
		Message:      "Unrecognized authentication type",
	}
	errUnparseable = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Failed to process message",
	}
	errDeliveryFailed = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 4, 0},
		Message:      "Temporary failure, please try again later",
	}
)

// backend creates one session per client connection.
type backend struct {
	ctx      context.Context
	auth     *Authenticator
	provider provider.Provider
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := ""
	if addr := c.Conn().RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	slog.Debug("submission connection", "remote", remote)
	return &session{backend: b, remote: remote}, nil
}

// session is the state of one SMTP transaction.
type session struct {
	backend *backend
	remote  string

	authenticated bool
	mailFrom      string
	rcptTo        []string
}

func (s *session) AuthMechanisms() []string {
	if !s.backend.auth.Enabled() {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errAuthMechanism
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if err := s.backend.auth.Verify(username, password); err != nil {
			slog.Warn("submission auth failed", "remote", s.remote)
			return errAuthFailed
		}
		s.authenticated = true
		return nil
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.auth.Enabled() && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.mailFrom = from
	s.rcptTo = nil
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.rcptTo = append(s.rcptTo, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	msg, err := Parse(r)
	if err != nil {
		slog.Error("failed to parse message", "remote", s.remote, "error", err)
		return errUnparseable
	}
	ApplyEnvelope(msg, s.mailFrom, s.rcptTo)

	prov := s.backend.provider
	if err := prov.Send(s.backend.ctx, msg); err != nil {
		slog.Error("provider send failed",
			"provider", prov.Name(),
			"error", err,
		)
		return errDeliveryFailed
	}

	slog.Info("message delivered",
		"provider", prov.Name(),
		"recipients", len(msg.Recipients()),
		"attachments", len(msg.Attachments),
	)
	return nil
}

func (s *session) Reset() {
	s.mailFrom = ""
	s.rcptTo = nil
}

func (s *session) Logout() error {
	return nil
}

// ApplyEnvelope makes the SMTP envelope authoritative: the envelope sender
// fills a missing From, and envelope recipients absent from the headers
// are delivered as Bcc.
func ApplyEnvelope(msg *email.Email, mailFrom string, rcptTo []string) {
	if msg.From == "" {
		msg.From = mailFrom
	}

	seen := make(map[string]bool)
	for _, a := range msg.Recipients() {
		seen[strings.ToLower(a)] = true
	}

	if len(msg.To) == 0 && len(msg.Cc) == 0 && len(msg.Bcc) == 0 {
		msg.To = append(msg.To, rcptTo...)
		return
	}
	for _, rcpt := range rcptTo {
		if !seen[strings.ToLower(rcpt)] {
			msg.Bcc = append(msg.Bcc, rcpt)
			seen[strings.ToLower(rcpt)] = true
		}
	}
}
