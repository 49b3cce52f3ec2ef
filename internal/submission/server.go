// Package submission is the local SMTP listener that applications submit
// mail to. Accepted messages are handed to the active provider.
package submission

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/shineum/smtp-relay-lite/internal/provider"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// idleTimeout closes connections that send nothing for this long.
const idleTimeout = 60 * time.Second

// DefaultMaxMessageBytes is the message size limit when none is configured.
const DefaultMaxMessageBytes = 10 * 1024 * 1024

// ServerConfig holds the configuration for the submission listener.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO.
	Hostname string

	Provider provider.Provider

	// TLSConfig enables STARTTLS. Without it, AUTH is allowed in clear text.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH PLAIN.
	// If either is empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	MaxMessageBytes int64
}

// Server accepts submissions and delivers them through a Provider.
type Server struct {
	config ServerConfig
	auth   *Authenticator

	mu       sync.Mutex
	listener net.Listener
}

// New creates a Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. On cancellation
// it stops accepting and waits up to 30 seconds for in-flight sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := smtp.NewServer(&backend{
		ctx:      ctx,
		auth:     s.auth,
		provider: s.config.Provider,
	})
	srv.Domain = s.config.Hostname
	srv.TLSConfig = s.config.TLSConfig
	srv.AllowInsecureAuth = s.config.TLSConfig == nil
	srv.MaxMessageBytes = s.config.MaxMessageBytes
	srv.ReadTimeout = idleTimeout
	srv.WriteTimeout = idleTimeout

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"provider", s.config.Provider.Name(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"max_message_bytes", s.config.MaxMessageBytes,
	)

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		slog.Info("shutting down SMTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown timeout reached, forcing close", "error", err)
			srv.Close()
		}
	}()

	err := srv.Serve(ln)
	if errors.Is(err, smtp.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
