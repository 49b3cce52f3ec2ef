package transport

import (
	"context"
	standardtls "crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/smtp-relay-lite/internal/email"
	relaytls "github.com/shineum/smtp-relay-lite/internal/tls"
)

// fakeRelay is an in-process STARTTLS relay that accepts one PLAIN login.
type fakeRelay struct {
	username string
	password string

	mu    sync.Mutex
	from  string
	rcpts []string
	data  string
}

func (r *fakeRelay) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &fakeRelaySession{relay: r}, nil
}

type fakeRelaySession struct {
	relay *fakeRelay
	authd bool
}

func (s *fakeRelaySession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *fakeRelaySession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.relay.username || password != s.relay.password {
			return &smtp.SMTPError{
				Code:         535,
				EnhancedCode: smtp.EnhancedCode{5, 7, 8},
				Message:      "Authentication unsuccessful",
			}
		}
		s.authd = true
		return nil
	}), nil
}

func (s *fakeRelaySession) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authd {
		return smtp.ErrAuthRequired
	}
	s.relay.mu.Lock()
	s.relay.from = from
	s.relay.mu.Unlock()
	return nil
}

func (s *fakeRelaySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.relay.mu.Lock()
	s.relay.rcpts = append(s.relay.rcpts, to)
	s.relay.mu.Unlock()
	return nil
}

func (s *fakeRelaySession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.relay.mu.Lock()
	s.relay.data = string(b)
	s.relay.mu.Unlock()
	return nil
}

func (s *fakeRelaySession) Reset()        {}
func (s *fakeRelaySession) Logout() error { return nil }

func startFakeRelay(t *testing.T, relay *fakeRelay) (host string, port int) {
	t.Helper()

	cert, err := relaytls.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}

	srv := smtp.NewServer(relay)
	srv.Domain = "localhost"
	srv.TLSConfig = &standardtls.Config{Certificates: []standardtls.Certificate{*cert}}
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func relayClient(host string, port int, username, password string, lines *[]string) *Client {
	c := New()
	c.IsSMTP()
	c.Host = host
	c.Port = port
	c.SMTPAuth = true
	c.SMTPSecure = SecureTLS
	c.AuthType = "PLAIN"
	c.Username = username
	c.Password = password
	c.From = "relay@example.com"
	c.FromName = "Example Site"
	c.Timeout = 5 * time.Second
	c.TLSConfig = &standardtls.Config{InsecureSkipVerify: true, ServerName: host}
	c.Debug = 2
	c.DebugOutput = func(line string, _ int) { *lines = append(*lines, line) }
	return c
}

func TestDeliverSMTP_EndToEnd(t *testing.T) {
	t.Parallel()

	relay := &fakeRelay{username: "user@example.com", password: "s3cret"}
	host, port := startFakeRelay(t, relay)

	var lines []string
	c := relayClient(host, port, "user@example.com", "s3cret", &lines)

	msg := &email.Email{
		To:       []string{"admin@example.com"},
		Subject:  "SMTP Test from Example Site",
		TextBody: "plain",
		HtmlBody: "<p>html</p>",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.Send(ctx, msg); err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, strings.Join(lines, "\n"))
	}

	relay.mu.Lock()
	defer relay.mu.Unlock()

	if relay.from != "relay@example.com" {
		t.Errorf("MAIL FROM: got %q, want %q", relay.from, "relay@example.com")
	}
	if len(relay.rcpts) != 1 || relay.rcpts[0] != "admin@example.com" {
		t.Errorf("RCPT TO: got %v, want [admin@example.com]", relay.rcpts)
	}
	if !strings.Contains(relay.data, "Subject: SMTP Test from Example Site") {
		t.Error("delivered message missing subject")
	}

	var sawClient, sawServer bool
	for _, l := range lines {
		sawClient = sawClient || strings.HasPrefix(l, "CLIENT -> SERVER: ")
		sawServer = sawServer || strings.HasPrefix(l, "SERVER -> CLIENT: ")
	}
	if !sawClient || !sawServer {
		t.Errorf("expected both protocol directions in debug output, got %d lines", len(lines))
	}
}

func TestDeliverSMTP_BadCredentials(t *testing.T) {
	t.Parallel()

	relay := &fakeRelay{username: "user@example.com", password: "s3cret"}
	host, port := startFakeRelay(t, relay)

	var lines []string
	c := relayClient(host, port, "user@example.com", "wrong", &lines)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.Send(ctx, &email.Email{To: []string{"admin@example.com"}, Subject: "x", TextBody: "x"})
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	if len(lines) == 0 {
		t.Fatal("expected debug output")
	}
	last := lines[len(lines)-1]
	if !strings.HasPrefix(last, "SMTP Error: ") {
		t.Errorf("last debug line: got %q, want SMTP Error prefix", last)
	}

	relay.mu.Lock()
	defer relay.mu.Unlock()
	if relay.data != "" {
		t.Error("message delivered despite failed login")
	}
}

func TestImplicitTLS(t *testing.T) {
	t.Parallel()

	cert, err := relaytls.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}

	ln, err := standardtls.Listen("tcp", "127.0.0.1:0", &standardtls.Config{Certificates: []standardtls.Certificate{*cert}})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.(*standardtls.Conn).Handshake()
	}()

	var d net.Dialer
	dial := implicitTLS(d.DialContext, &standardtls.Config{InsecureSkipVerify: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := dial(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	tc, ok := conn.(*standardtls.Conn)
	if !ok {
		t.Fatalf("conn: got %T, want *tls.Conn", conn)
	}
	if !tc.ConnectionState().HandshakeComplete {
		t.Error("handshake not complete")
	}
}

func TestClientTLSConfig(t *testing.T) {
	t.Parallel()

	c := New()
	c.Host = "smtp.office365.com"
	if got := c.clientTLSConfig().ServerName; got != "smtp.office365.com" {
		t.Errorf("ServerName: got %q, want host", got)
	}

	c.TLSConfig = &standardtls.Config{ServerName: "relay.internal"}
	if got := c.clientTLSConfig().ServerName; got != "relay.internal" {
		t.Errorf("ServerName: got %q, want %q", got, "relay.internal")
	}
}
