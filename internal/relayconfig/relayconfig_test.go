package relayconfig

import (
	"errors"
	"testing"
	"time"

	"github.com/shineum/smtp-relay-lite/internal/cryptobox"
	"github.com/shineum/smtp-relay-lite/internal/settings"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestStore() (*Store, *settings.Memory) {
	backend := settings.NewMemory()
	return New(backend, cryptobox.New([]byte(testSecret))), backend
}

func TestSet_Port(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw           string
		want          string
		wantCorrected bool
	}{
		{raw: "25", want: "25"},
		{raw: "587", want: "587"},
		{raw: " 465 ", want: "465"},
		{raw: "65535", want: "65535"},
		{raw: "1", want: "1"},
		{raw: "0", want: "587", wantCorrected: true},
		{raw: "99999", want: "587", wantCorrected: true},
		{raw: "-25", want: "587", wantCorrected: true},
		{raw: "abc", want: "587", wantCorrected: true},
		{raw: "25abc", want: "587", wantCorrected: true},
		{raw: "25.0", want: "587", wantCorrected: true},
		{raw: "", want: "587", wantCorrected: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			store, backend := newTestStore()

			res, err := store.Set(FieldPort, tt.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Value != tt.want {
				t.Errorf("Value: got %q, want %q", res.Value, tt.want)
			}
			if res.Corrected != tt.wantCorrected {
				t.Errorf("Corrected: got %v, want %v", res.Corrected, tt.wantCorrected)
			}
			if got := backend.Get(string(FieldPort), ""); got != tt.want {
				t.Errorf("stored: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSet_Encryption(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw           string
		want          string
		wantCorrected bool
	}{
		{raw: "tls", want: "tls"},
		{raw: "ssl", want: "ssl"},
		{raw: "starttls", want: "tls", wantCorrected: true},
		{raw: "TLS", want: "tls", wantCorrected: true},
		{raw: "SSL", want: "tls", wantCorrected: true},
		{raw: "", want: "tls", wantCorrected: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			store, _ := newTestStore()

			res, err := store.Set(FieldEncryption, tt.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Value != tt.want {
				t.Errorf("Value: got %q, want %q", res.Value, tt.want)
			}
			if res.Corrected != tt.wantCorrected {
				t.Errorf("Corrected: got %v, want %v", res.Corrected, tt.wantCorrected)
			}
		})
	}
}

func TestSet_TextFieldsTrimmed(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore()

	for _, field := range []Field{FieldHost, FieldFromName} {
		res, err := store.Set(field, "  value with spaces \n")
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", field, err)
		}
		if res.Value != "value with spaces" {
			t.Errorf("%s: got %q, want %q", field, res.Value, "value with spaces")
		}
	}
}

func TestSet_Email(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "u@x.com", want: "u@x.com"},
		{raw: "  first.last+tag@mail.example.org ", want: "first.last+tag@mail.example.org"},
		{raw: "", wantErr: true},
		{raw: "not-an-email", wantErr: true},
		{raw: "user@", wantErr: true},
		{raw: "@example.com", wantErr: true},
		{raw: "user@localhost", wantErr: true},
		{raw: "Name <user@example.com>", wantErr: true},
	}

	for _, field := range []Field{FieldUsername, FieldFromEmail} {
		for _, tt := range tests {
			t.Run(string(field)+"/"+tt.raw, func(t *testing.T) {
				t.Parallel()
				store, backend := newTestStore()
				_ = backend.Set(string(field), "previous@example.com")

				res, err := store.Set(field, tt.raw)
				if tt.wantErr {
					var verr *ValidationError
					if !errors.As(err, &verr) {
						t.Fatalf("expected *ValidationError, got %v", err)
					}
					if !errors.Is(err, ErrInvalidEmail) {
						t.Errorf("expected ErrInvalidEmail, got %v", err)
					}
					if verr.Field != field {
						t.Errorf("Field: got %q, want %q", verr.Field, field)
					}
					if got := backend.Get(string(field), ""); got != "previous@example.com" {
						t.Errorf("rejected value overwrote store: got %q", got)
					}
					return
				}
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if res.Value != tt.want {
					t.Errorf("Value: got %q, want %q", res.Value, tt.want)
				}
			})
		}
	}
}

func TestSet_PasswordEncrypted(t *testing.T) {
	t.Parallel()

	store, backend := newTestStore()

	res, err := store.Set(FieldPassword, "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored := backend.Get(string(FieldPassword), "")
	if stored == "secret" {
		t.Fatal("password stored in plaintext")
	}
	if res.Value != stored {
		t.Errorf("Value: got %q, want stored blob %q", res.Value, stored)
	}
	if got := store.Box().Decrypt(stored); got != "secret" {
		t.Errorf("decrypted: got %q, want %q", got, "secret")
	}
}

func TestSet_EmptyPasswordPreservesPrior(t *testing.T) {
	t.Parallel()

	store, backend := newTestStore()

	if _, err := store.Set(FieldPassword, "secret"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := backend.Get(string(FieldPassword), "")

	res, err := store.Set(FieldPassword, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	after := backend.Get(string(FieldPassword), "")
	if after != before {
		t.Errorf("stored blob changed: got %q, want %q", after, before)
	}
	if res.Value != before {
		t.Errorf("Value: got %q, want prior blob %q", res.Value, before)
	}
	if got := store.Box().Decrypt(after); got != "secret" {
		t.Errorf("decrypted: got %q, want %q", got, "secret")
	}
}

func TestSet_EmptyPasswordWithNothingStored(t *testing.T) {
	t.Parallel()

	store, backend := newTestStore()

	if _, err := store.Set(FieldPassword, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := backend.Get(string(FieldPassword), "unset"); got != "unset" {
		t.Errorf("expected password to remain unset, got %q", got)
	}
}

func TestSet_UnknownField(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore()
	if _, err := store.Set(Field("smtp_bogus"), "x"); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore()
	cfg := store.Load()

	if cfg.Host != DefaultHost {
		t.Errorf("Host: got %q, want %q", cfg.Host, DefaultHost)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port: got %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.Encryption != DefaultEncryption {
		t.Errorf("Encryption: got %q, want %q", cfg.Encryption, DefaultEncryption)
	}
	if cfg.HasPassword() {
		t.Error("expected no password")
	}
	if cfg.FromName != "" {
		t.Errorf("FromName: got %q, want empty", cfg.FromName)
	}
}

func TestLoad_StoredValues(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore()
	host, port, enc := "smtp.example.com", "465", "ssl"
	user, pass, from, name := "u@x.com", "hunter2", "noreply@x.com", "Example"

	_, err := store.Apply(Form{
		Host: &host, Port: &port, Encryption: &enc,
		Username: &user, Password: &pass, FromEmail: &from, FromName: &name,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg := store.Load()
	if cfg.Host != host || cfg.Port != 465 || cfg.Encryption != enc {
		t.Errorf("server fields: got %s:%d/%s", cfg.Host, cfg.Port, cfg.Encryption)
	}
	if cfg.Username != user || cfg.FromEmail != from || cfg.FromName != name {
		t.Errorf("identity fields: got %q %q %q", cfg.Username, cfg.FromEmail, cfg.FromName)
	}
	if got := store.Box().Decrypt(cfg.EncryptedPassword); got != pass {
		t.Errorf("password: got %q, want %q", got, pass)
	}
}

func TestApply_PartialFailure(t *testing.T) {
	t.Parallel()

	store, backend := newTestStore()
	host, port, user, from := "smtp.example.com", "0", "bad", "ok@example.com"

	results, err := store.Apply(Form{Host: &host, Port: &port, Username: &user, FromEmail: &from})
	if err == nil {
		t.Fatal("expected validation error for username")
	}
	if !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("expected ErrInvalidEmail, got %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("results: got %d, want 3", len(results))
	}
	if !results[1].Corrected || results[1].Value != "587" {
		t.Errorf("port result: got %+v", results[1])
	}
	if got := backend.Get(string(FieldFromEmail), ""); got != from {
		t.Errorf("from email after failed username: got %q, want %q", got, from)
	}
	if got := backend.Get(string(FieldUsername), "unset"); got != "unset" {
		t.Errorf("username: got %q, want unset", got)
	}
}

func TestLastTest(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore()

	if !store.LastTest().IsZero() {
		t.Error("expected zero time before any test")
	}

	now := time.Unix(1_700_000_000, 0)
	if err := store.MarkTested(now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.LastTest(); !got.Equal(now) {
		t.Errorf("LastTest: got %v, want %v", got, now)
	}
}

func TestPurge(t *testing.T) {
	t.Parallel()

	store, backend := newTestStore()
	for _, f := range Fields {
		if err := backend.Set(string(f), "value"); err != nil {
			t.Fatalf("seed %s: %v", f, err)
		}
	}

	if err := Purge(backend); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(Fields) != 8 {
		t.Fatalf("expected 8 persisted keys, got %d", len(Fields))
	}
	for _, f := range Fields {
		if got := store.Get(f, "default"); got != "default" {
			t.Errorf("%s after purge: got %q, want default", f, got)
		}
	}

	// Idempotent.
	if err := Purge(backend); err != nil {
		t.Errorf("second purge: unexpected error: %v", err)
	}
}

type failingBackend struct {
	*settings.Memory
}

func (failingBackend) Delete(string) error {
	return errors.New("disk full")
}

func (failingBackend) Set(string, string) error {
	return errors.New("disk full")
}

func TestBackendErrors(t *testing.T) {
	t.Parallel()

	backend := failingBackend{settings.NewMemory()}
	store := New(backend, cryptobox.New([]byte(testSecret)))

	if _, err := store.Set(FieldHost, "smtp.example.com"); err == nil {
		t.Error("Set: expected backend error")
	}
	if err := store.MarkTested(time.Now()); err == nil {
		t.Error("MarkTested: expected backend error")
	}
	if err := Purge(backend); err == nil {
		t.Error("Purge: expected backend error")
	}

	host := "smtp.example.com"
	if _, err := store.Apply(Form{Host: &host}); err == nil {
		t.Error("Apply: expected backend error")
	}
}
