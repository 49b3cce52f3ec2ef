// Package relay applies the stored relay settings to a transport client
// and sends mail through the configured upstream server.
package relay

import (
	"log/slog"
	"strings"

	"github.com/shineum/smtp-relay-lite/internal/cryptobox"
	"github.com/shineum/smtp-relay-lite/internal/relayconfig"
	"github.com/shineum/smtp-relay-lite/internal/transport"
)

// Configure switches client to authenticated SMTP and copies cfg onto it.
// The password is opened with box; a value that cannot be opened is passed
// through as stored. FromName falls back to siteName when unset.
func Configure(client *transport.Client, cfg relayconfig.RelayConfig, box *cryptobox.Box, siteName string) {
	client.IsSMTP()
	client.SMTPAuth = true

	client.Host = cfg.Host
	client.Port = cfg.Port
	client.SMTPSecure = cfg.Encryption

	client.Username = cfg.Username
	client.Password = box.Decrypt(cfg.EncryptedPassword)

	client.From = cfg.FromEmail
	client.FromName = cfg.FromName
	if client.FromName == "" {
		client.FromName = siteName
	}
}

// Session configures transport clients from a relayconfig.Store.
type Session struct {
	store    *relayconfig.Store
	siteName string
}

// NewSession creates a Session reading from store. siteName is the sender
// name used when none is stored.
func NewSession(store *relayconfig.Store, siteName string) *Session {
	return &Session{store: store, siteName: siteName}
}

// Configure loads the current settings and applies them to client. The
// store is read on every call so rotated credentials take effect on the
// next send.
func (s *Session) Configure(client *transport.Client) {
	cfg := s.store.Load()
	box := s.store.Box()

	if cfg.HasPassword() && !box.Degraded() && !box.CanDecrypt(cfg.EncryptedPassword) {
		slog.Warn("stored relay password cannot be decrypted, re-enter it",
			"username", MaskAddress(cfg.Username),
			"host", cfg.Host,
		)
	}

	Configure(client, cfg, box, s.siteName)
}

// MaskAddress hides all but the first two characters of the local part and
// of the domain: user@example.com becomes us****@ex****.
func MaskAddress(addr string) string {
	if addr == "" {
		return ""
	}
	local, domain, found := strings.Cut(addr, "@")
	masked := keep(local, 2) + "****"
	if found {
		masked += "@" + keep(domain, 2) + "****"
	}
	return masked
}

func keep(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}
