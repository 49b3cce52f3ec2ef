// Package relayconfig provides typed, validating access to the outbound
// relay settings held in a settings.Store.
package relayconfig

import (
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/smtp-relay-lite/internal/cryptobox"
	"github.com/shineum/smtp-relay-lite/internal/settings"
)

// Field names a persisted relay setting. The value is the settings key.
type Field string

const (
	FieldHost       Field = "smtp_host"
	FieldPort       Field = "smtp_port"
	FieldEncryption Field = "smtp_encryption"
	FieldUsername   Field = "smtp_username"
	FieldPassword   Field = "smtp_password"
	FieldFromEmail  Field = "smtp_from_email"
	FieldFromName   Field = "smtp_from_name"

	// FieldLastTest holds the epoch seconds of the last attempted test send.
	FieldLastTest Field = "smtp_last_test"
)

// Fields lists every persisted key, in form order, followed by the
// rate-limit state.
var Fields = []Field{
	FieldHost,
	FieldPort,
	FieldEncryption,
	FieldUsername,
	FieldPassword,
	FieldFromEmail,
	FieldFromName,
	FieldLastTest,
}

// Defaults applied on read and on normalization.
const (
	DefaultHost       = "smtp.office365.com"
	DefaultPort       = 587
	DefaultEncryption = EncryptionTLS
)

// Encryption modes accepted by the relay.
const (
	// EncryptionTLS negotiates STARTTLS on a plain connection.
	EncryptionTLS = "tls"
	// EncryptionSSL connects with implicit TLS.
	EncryptionSSL = "ssl"
)

// RelayConfig is a snapshot of the stored relay settings.
type RelayConfig struct {
	Host              string
	Port              int
	Encryption        string
	Username          string
	EncryptedPassword string
	FromEmail         string
	FromName          string
}

// HasPassword reports whether a password has been stored.
func (c RelayConfig) HasPassword() bool {
	return c.EncryptedPassword != ""
}

// Result describes the value persisted for one field.
type Result struct {
	Field Field
	Value string

	// Corrected is set when the input was replaced by a default rather than
	// stored as given. Reason says why.
	Corrected bool
	Reason    string
}

// ValidationError is returned when a field value is rejected outright and
// nothing is stored.
type ValidationError struct {
	Field Field
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ErrInvalidEmail is wrapped by ValidationError for malformed addresses.
var ErrInvalidEmail = errors.New("not a valid email address")

// Store reads and writes relay settings.
type Store struct {
	backend settings.Store
	box     *cryptobox.Box
}

// New creates a Store over backend. Passwords are sealed with box.
func New(backend settings.Store, box *cryptobox.Box) *Store {
	return &Store{backend: backend, box: box}
}

// Box returns the cipher used for the stored password.
func (s *Store) Box() *cryptobox.Box {
	return s.box
}

// Set normalizes raw for field and persists the result.
//
// Port and encryption inputs that fail validation are replaced by their
// defaults and flagged via Result.Corrected. Malformed email addresses are
// rejected with a *ValidationError. An empty password leaves the stored
// value untouched.
func (s *Store) Set(field Field, raw string) (Result, error) {
	res, err := s.normalize(field, raw)
	if err != nil {
		return Result{Field: field}, err
	}

	if field == FieldPassword && raw == "" {
		return res, nil
	}

	if err := s.backend.Set(string(field), res.Value); err != nil {
		return Result{Field: field}, fmt.Errorf("failed to store %s: %w", field, err)
	}
	return res, nil
}

func (s *Store) normalize(field Field, raw string) (Result, error) {
	res := Result{Field: field}

	switch field {
	case FieldHost, FieldFromName:
		res.Value = strings.TrimSpace(raw)

	case FieldPort:
		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || port < 1 || port > 65535 {
			res.Value = strconv.Itoa(DefaultPort)
			res.Corrected = true
			res.Reason = fmt.Sprintf("port %q is not in 1-65535", raw)
			return res, nil
		}
		res.Value = strconv.Itoa(port)

	case FieldEncryption:
		if raw != EncryptionTLS && raw != EncryptionSSL {
			res.Value = DefaultEncryption
			res.Corrected = true
			res.Reason = fmt.Sprintf("encryption %q is not tls or ssl", raw)
			return res, nil
		}
		res.Value = raw

	case FieldUsername, FieldFromEmail:
		addr, err := NormalizeEmail(raw)
		if err != nil {
			return res, &ValidationError{Field: field, Value: raw, Err: err}
		}
		res.Value = addr

	case FieldPassword:
		if raw == "" {
			res.Value = s.backend.Get(string(FieldPassword), "")
			return res, nil
		}
		sealed, err := s.box.Encrypt(raw)
		if err != nil {
			return res, fmt.Errorf("failed to encrypt password: %w", err)
		}
		res.Value = sealed

	default:
		return res, fmt.Errorf("unknown relay setting %q", field)
	}

	return res, nil
}

// Get returns the raw stored value for field, or def if unset.
func (s *Store) Get(field Field, def string) string {
	return s.backend.Get(string(field), def)
}

// Load returns the stored relay settings with read defaults applied.
// FromName is left empty when unset so callers can substitute a site name.
func (s *Store) Load() RelayConfig {
	port, err := strconv.Atoi(s.Get(FieldPort, ""))
	if err != nil {
		port = DefaultPort
	}

	return RelayConfig{
		Host:              s.Get(FieldHost, DefaultHost),
		Port:              port,
		Encryption:        s.Get(FieldEncryption, DefaultEncryption),
		Username:          s.Get(FieldUsername, ""),
		EncryptedPassword: s.Get(FieldPassword, ""),
		FromEmail:         s.Get(FieldFromEmail, ""),
		FromName:          s.Get(FieldFromName, ""),
	}
}

// LastTest returns the time of the last attempted test send, or the zero
// time if none was recorded.
func (s *Store) LastTest() time.Time {
	secs, err := strconv.ParseInt(s.Get(FieldLastTest, "0"), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// MarkTested records t as the last test send attempt.
func (s *Store) MarkTested(t time.Time) error {
	if err := s.backend.Set(string(FieldLastTest), strconv.FormatInt(t.Unix(), 10)); err != nil {
		return fmt.Errorf("failed to store %s: %w", FieldLastTest, err)
	}
	return nil
}

// NormalizeEmail trims raw and checks that it is a bare email address.
func NormalizeEmail(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return "", ErrInvalidEmail
	}

	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", ErrInvalidEmail
	}
	// Reject display-name forms like "Name <a@b>"; only the address is stored.
	if parsed.Address != addr || parsed.Name != "" {
		return "", ErrInvalidEmail
	}
	if !strings.Contains(addr[strings.LastIndex(addr, "@")+1:], ".") {
		return "", ErrInvalidEmail
	}

	return addr, nil
}
