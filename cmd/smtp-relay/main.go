// Package main is the entry point for the SMTP relay configurator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/awnumar/memguard"

	"github.com/shineum/smtp-relay-lite/internal/config"
	"github.com/shineum/smtp-relay-lite/internal/cryptobox"
	"github.com/shineum/smtp-relay-lite/internal/provider"
	"github.com/shineum/smtp-relay-lite/internal/provider/ses"
	"github.com/shineum/smtp-relay-lite/internal/provider/stdout"
	"github.com/shineum/smtp-relay-lite/internal/relay"
	"github.com/shineum/smtp-relay-lite/internal/relayconfig"
	"github.com/shineum/smtp-relay-lite/internal/settings"
	"github.com/shineum/smtp-relay-lite/internal/transport"
)

const usage = `usage: smtp-relay [-config file] <command> [flags]

commands:
  serve   accept mail on the submission listener and deliver it
  set     save relay settings
  show    print the stored relay settings
  test    send a test email through the relay
  send    deliver one RFC 5322 message read from stdin
  seal    encrypt a value read from stdin for use in the config file
  purge   delete every stored relay setting
`

func main() {
	defer memguard.Purge()

	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		memguard.Purge()
		os.Exit(1)
	}
}

// app holds what every command needs.
type app struct {
	cfg      *config.Config
	box      *cryptobox.Box
	noSecret bool
	backend  settings.Store
	store    *relayconfig.Store

	stdin  io.Reader
	stdout io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("smtp-relay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to YAML configuration file (optional)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w\n%s", err, usage)
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("missing command\n%s", usage)
	}

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	commands := map[string]func(*app, []string) error{
		"serve": func(a *app, args []string) error { return a.serve(ctx, args) },
		"set":   (*app).set,
		"show":  (*app).show,
		"test":  func(a *app, args []string) error { return a.test(ctx, args) },
		"send":  func(a *app, args []string) error { return a.send(ctx, args) },
		"seal":  (*app).seal,
		"purge": (*app).purge,
	}
	handler, ok := commands[cmd]
	if !ok {
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Only the listener logs to stdout; command output owns it otherwise.
	logOut := io.Writer(os.Stderr)
	if cmd == "serve" {
		logOut = out
	}
	setupLogger(logOut, cfg.Logging.Level)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.box.Close()
	a.stdin, a.stdout = stdin, out

	return handler(a, cmdArgs)
}

func newApp(cfg *config.Config) (*app, error) {
	secret, err := cfg.TakeMasterSecret()
	noSecret := errors.Is(err, config.ErrNoMasterSecret)
	if err != nil && !noSecret {
		return nil, err
	}
	// Without a secret the box is degraded; commands that would store a
	// secret refuse to run, the rest still work.
	if noSecret {
		slog.Warn("no master secret configured, running degraded")
	}
	box := cryptobox.New(secret)

	backend, err := settings.OpenFile(cfg.Settings.File)
	if err != nil {
		box.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		box:      box,
		noSecret: noSecret,
		backend:  backend,
		store:    relayconfig.New(backend, box),
	}, nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(w io.Writer, level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// newMailer builds the relay mailer from the outbound tuning in cfg.
func (a *app) newMailer() (*relay.Mailer, error) {
	dial, err := transport.ProxyDialer(a.cfg.Relay.Proxy)
	if err != nil {
		return nil, err
	}

	return relay.NewMailer(relay.NewSession(a.store, a.cfg.Site.Name), relay.Options{
		AuthType:     a.cfg.Relay.AuthType,
		Timeout:      a.cfg.Relay.Timeout,
		CAFile:       a.cfg.Relay.CAFile,
		Dialer:       dial,
		MaxPerMinute: a.cfg.Relay.MaxPerMinute,
	}), nil
}

// selectProvider chooses the email delivery backend based on configuration.
func (a *app) selectProvider(ctx context.Context) (provider.Provider, error) {
	switch a.cfg.Provider {
	case config.ProviderSES:
		slog.Info("using AWS SES provider",
			"region", a.cfg.SES.Region,
			"sender", a.cfg.SES.Sender,
		)
		p, err := ses.New(ctx, ses.Config{
			Region:          a.cfg.SES.Region,
			AccessKeyID:     a.cfg.SES.AccessKeyID,
			SecretAccessKey: a.cfg.SES.SecretAccessKey,
			Box:             a.box,
			Sender:          a.cfg.SES.Sender,
			SenderName:      a.cfg.SES.SenderName,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.NewWithWriter(a.stdout), nil

	default:
		cfg := a.store.Load()
		slog.Info("using relay provider",
			"host", cfg.Host,
			"port", cfg.Port,
			"encryption", cfg.Encryption,
		)
		return a.newMailer()
	}
}
