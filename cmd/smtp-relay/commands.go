package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shineum/smtp-relay-lite/internal/config"
	"github.com/shineum/smtp-relay-lite/internal/relay"
	"github.com/shineum/smtp-relay-lite/internal/relayconfig"
	"github.com/shineum/smtp-relay-lite/internal/submission"
	"github.com/shineum/smtp-relay-lite/internal/testsend"
	relaytls "github.com/shineum/smtp-relay-lite/internal/tls"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (a *app) serve(ctx context.Context, args []string) error {
	if err := newFlagSet("serve").Parse(args); err != nil {
		return err
	}

	tlsConfig, err := relaytls.LoadOrGenerateTLS(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	tlsMode := "self-signed"
	if a.cfg.TLS.CertFile != "" && a.cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	prov, err := a.selectProvider(ctx)
	if err != nil {
		return err
	}

	server := submission.New(submission.ServerConfig{
		ListenAddr:      a.cfg.SMTP.Listen,
		Hostname:        "localhost",
		Provider:        prov,
		TLSConfig:       tlsConfig,
		AuthUsername:    a.cfg.SMTP.Username,
		AuthPassword:    a.cfg.SMTP.Password,
		MaxMessageBytes: a.cfg.SMTP.MaxMessageSize,
	})

	slog.Info("starting smtp-relay-lite",
		"listen", a.cfg.SMTP.Listen,
		"provider", prov.Name(),
		"auth_enabled", a.cfg.AuthEnabled(),
		"tls_mode", tlsMode,
		"crypto_degraded", a.box.Degraded(),
	)

	if exposedWithoutAuth(a.cfg.SMTP.Listen, a.cfg.AuthEnabled()) {
		slog.Warn("submission listener is reachable beyond loopback without AUTH, anyone who can connect can send through the relay",
			"listen", a.cfg.SMTP.Listen,
		)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("smtp-relay-lite stopped")
	return nil
}

// exposedWithoutAuth reports whether listen accepts non-loopback clients
// while no submission credentials are configured.
func exposedWithoutAuth(listen string, authEnabled bool) bool {
	if authEnabled {
		return false
	}
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return true
	}
	if host == "localhost" {
		return false
	}
	ip := net.ParseIP(host)
	return ip == nil || !ip.IsLoopback()
}

// set saves only the fields given on the command line.
func (a *app) set(args []string) error {
	fs := newFlagSet("set")
	host := fs.String("host", "", "relay host")
	port := fs.String("port", "", "relay port")
	encryption := fs.String("encryption", "", "tls (STARTTLS) or ssl (implicit TLS)")
	username := fs.String("username", "", "relay username (an email address)")
	password := fs.String("password", "", "relay password; empty keeps the stored one")
	fromEmail := fs.String("from-email", "", "sender address")
	fromName := fs.String("from-name", "", "sender display name")
	passwordStdin := fs.Bool("password-stdin", false, "read the password from stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var form relayconfig.Form
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			form.Host = host
		case "port":
			form.Port = port
		case "encryption":
			form.Encryption = encryption
		case "username":
			form.Username = username
		case "password":
			form.Password = password
		case "from-email":
			form.FromEmail = fromEmail
		case "from-name":
			form.FromName = fromName
		}
	})

	if *passwordStdin {
		line, err := bufio.NewReader(a.stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read password: %w", err)
		}
		pw := strings.TrimRight(line, "\r\n")
		form.Password = &pw
	}

	if form.Password != nil && *form.Password != "" && a.noSecret {
		return fmt.Errorf("refusing to store the relay password: %w", config.ErrNoMasterSecret)
	}

	results, err := a.store.Apply(form)
	for _, res := range results {
		value := res.Value
		if res.Field == relayconfig.FieldPassword {
			value = "(encrypted)"
		}
		if res.Corrected {
			fmt.Fprintf(a.stdout, "%s: %s (default used: %s)\n", res.Field, value, res.Reason)
			continue
		}
		fmt.Fprintf(a.stdout, "%s: %s\n", res.Field, value)
	}
	return err
}

func (a *app) show(args []string) error {
	if err := newFlagSet("show").Parse(args); err != nil {
		return err
	}

	cfg := a.store.Load()
	fromName := cfg.FromName
	if fromName == "" {
		fromName = a.cfg.Site.Name + " (site name)"
	}

	password := "(not set)"
	switch {
	case cfg.HasPassword() && a.box.CanDecrypt(cfg.EncryptedPassword):
		password = "********"
	case cfg.HasPassword():
		password = "******** (cannot be decrypted with the current master key)"
	}

	lastTest := "never"
	if t := a.store.LastTest(); !t.IsZero() {
		lastTest = t.UTC().Format("2006-01-02 15:04:05 MST")
	}

	rows := []struct{ key, value string }{
		{"host", cfg.Host},
		{"port", fmt.Sprint(cfg.Port)},
		{"encryption", cfg.Encryption},
		{"username", cfg.Username},
		{"password", password},
		{"from_email", cfg.FromEmail},
		{"from_name", fromName},
		{"last_test", lastTest},
		{"crypto_degraded", fmt.Sprint(a.box.Degraded())},
	}
	for _, r := range rows {
		fmt.Fprintf(a.stdout, "%-16s %s\n", r.key+":", r.value)
	}
	return nil
}

func (a *app) test(ctx context.Context, args []string) error {
	fs := newFlagSet("test")
	to := fs.String("to", "", "recipient of the test email")
	if err := fs.Parse(args); err != nil {
		return err
	}

	mailer, err := a.newMailer()
	if err != nil {
		return err
	}

	res := testsend.New(a.store, mailer, a.cfg.Site.Name).Run(ctx, *to)
	if !res.OK() {
		return errors.New(res.Message())
	}
	fmt.Fprintln(a.stdout, res.Message())
	return nil
}

// send delivers one message from stdin through the configured provider.
func (a *app) send(ctx context.Context, args []string) error {
	fs := newFlagSet("send")
	var to stringList
	fs.Var(&to, "to", "extra envelope recipient, repeatable")
	from := fs.String("from", "", "envelope sender; defaults to the From header")
	if err := fs.Parse(args); err != nil {
		return err
	}

	msg, err := submission.Parse(a.stdin)
	if err != nil {
		return err
	}
	submission.ApplyEnvelope(msg, *from, to)
	if len(msg.Recipients()) == 0 {
		return errors.New("message has no recipients, pass -to")
	}

	prov, err := a.selectProvider(ctx)
	if err != nil {
		return err
	}
	if err := prov.Send(ctx, msg); err != nil {
		return fmt.Errorf("%s provider: %w", prov.Name(), err)
	}

	slog.Info("message delivered",
		"provider", prov.Name(),
		"recipients", len(msg.Recipients()),
		"from", relay.MaskAddress(msg.From),
	)
	return nil
}

// seal prints the sealed form of a secret read from stdin, for pasting
// into the config file.
func (a *app) seal(args []string) error {
	if err := newFlagSet("seal").Parse(args); err != nil {
		return err
	}
	if a.noSecret {
		return config.ErrNoMasterSecret
	}
	if a.box.Degraded() {
		return errors.New("master secret is too short to seal values")
	}

	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read value: %w", err)
	}
	value := strings.TrimRight(line, "\r\n")
	if value == "" {
		return errors.New("nothing to seal")
	}

	sealed, err := a.box.Encrypt(value)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, sealed)
	return nil
}

func (a *app) purge(args []string) error {
	fs := newFlagSet("purge")
	yes := fs.Bool("yes", false, "confirm deletion")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*yes {
		return errors.New("purge deletes every stored relay setting; pass -yes to confirm")
	}

	if err := relayconfig.Purge(a.backend); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "relay settings deleted")
	return nil
}

// stringList collects a repeatable string flag.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
