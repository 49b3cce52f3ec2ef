// Package transport is the outbound mail client. A Client is a mutable set
// of connection, identity and debug fields that is filled in right before a
// send, then delivered over SMTP with go-mail.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shineum/smtp-relay-lite/internal/email"
)

// MailerSMTP is the only delivery mode a Client can send with.
const MailerSMTP = "smtp"

// Encryption modes for SMTPSecure.
const (
	SecureTLS = "tls"
	SecureSSL = "ssl"
)

// DefaultAuthType is the SASL mechanism used when AuthType is empty.
// Office 365 advertises LOGIN and XOAUTH2 only.
const DefaultAuthType = "LOGIN"

// DefaultTimeout bounds connecting and each SMTP command.
const DefaultTimeout = 30 * time.Second

// ErrSendFailed wraps errors from talking to the relay: connect, TLS,
// authentication or delivery. Errors that do not wrap it mean the message
// could not be handed to the relay at all.
var ErrSendFailed = errors.New("smtp send failed")

// ErrNotSMTP is returned by Send when the client was not switched to SMTP.
var ErrNotSMTP = errors.New("mailer is not set to smtp")

// DebugFunc receives one protocol debug line with its level.
type DebugFunc func(line string, level int)

// DialFunc opens the TCP connection to the relay.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// DeliverFunc performs the actual send for a configured Client.
type DeliverFunc func(ctx context.Context, c *Client, msg *email.Email) error

// Client holds the settings for one outgoing message.
type Client struct {
	Mailer string

	Host       string
	Port       int
	SMTPAuth   bool
	SMTPSecure string
	AuthType   string
	Username   string
	Password   string

	From     string
	FromName string

	Timeout   time.Duration
	TLSConfig *tls.Config
	Dialer    DialFunc

	// Debug enables protocol logging to DebugOutput when greater than zero.
	Debug       int
	DebugOutput DebugFunc

	deliver DeliverFunc
}

// New creates a Client that delivers through go-mail.
func New() *Client {
	return &Client{
		AuthType: DefaultAuthType,
		Timeout:  DefaultTimeout,
		deliver:  deliverSMTP,
	}
}

// NewWithDeliver creates a Client that hands messages to fn instead of
// connecting to a relay. This is useful for testing.
func NewWithDeliver(fn DeliverFunc) *Client {
	c := New()
	c.deliver = fn
	return c
}

// IsSMTP switches the client to SMTP delivery.
func (c *Client) IsSMTP() {
	c.Mailer = MailerSMTP
}

// Send delivers msg from the client's configured sender identity.
// Failures while talking to the relay wrap ErrSendFailed and are also
// written to the debug output.
func (c *Client) Send(ctx context.Context, msg *email.Email) error {
	if c.Mailer != MailerSMTP {
		return ErrNotSMTP
	}
	if len(msg.Recipients()) == 0 {
		return errors.New("message has no recipients")
	}

	err := c.deliver(ctx, c, msg)
	if err != nil && errors.Is(err, ErrSendFailed) {
		c.debugf(1, "SMTP Error: %v", err)
	}
	return err
}

// Addr returns host:port of the relay.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

func (c *Client) debugf(level int, format string, args ...any) {
	if c.Debug < level || c.DebugOutput == nil {
		return
	}
	c.DebugOutput(fmt.Sprintf(format, args...), level)
}
