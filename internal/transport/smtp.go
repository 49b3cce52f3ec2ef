package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"

	"github.com/wneessen/go-mail"
	maillog "github.com/wneessen/go-mail/log"

	"github.com/shineum/smtp-relay-lite/internal/email"
)

// reservedHeaders are produced by the message builder and never copied
// from Email.Headers.
var reservedHeaders = map[string]bool{
	"From":                      true,
	"To":                        true,
	"Cc":                        true,
	"Bcc":                       true,
	"Reply-To":                  true,
	"Subject":                   true,
	"Message-Id":                true,
	"Date":                      true,
	"Mime-Version":              true,
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
}

// deliverSMTP builds a go-mail client from c and sends msg.
func deliverSMTP(ctx context.Context, c *Client, msg *email.Email) error {
	m, err := BuildMessage(c.From, c.FromName, msg)
	if err != nil {
		return err
	}

	opts, err := c.mailOptions()
	if err != nil {
		return err
	}

	client, err := mail.NewClient(c.Host, opts...)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSendFailed, c.Addr(), err)
	}
	return nil
}

func (c *Client) mailOptions() ([]mail.Option, error) {
	if c.Host == "" {
		return nil, errors.New("smtp host is not set")
	}

	opts := []mail.Option{mail.WithPort(c.Port)}

	switch c.SMTPSecure {
	case SecureSSL:
		opts = append(opts, mail.WithSSL())
	case SecureTLS, "":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		return nil, fmt.Errorf("unsupported smtp encryption %q", c.SMTPSecure)
	}

	if c.TLSConfig != nil {
		opts = append(opts, mail.WithTLSConfig(c.TLSConfig))
	}

	if c.SMTPAuth {
		authType := c.AuthType
		if authType == "" {
			authType = DefaultAuthType
		}
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthType(strings.ToUpper(authType))),
			mail.WithUsername(c.Username),
			mail.WithPassword(c.Password),
		)
	}

	if c.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(c.Timeout))
	}

	if c.Dialer != nil {
		dial := c.Dialer
		// go-mail only wraps its own dialer for implicit TLS.
		if c.SMTPSecure == SecureSSL {
			dial = implicitTLS(dial, c.clientTLSConfig())
		}
		opts = append(opts, mail.WithDialContextFunc(mail.DialContextFunc(dial)))
	}

	if c.Debug > 0 && c.DebugOutput != nil {
		opts = append(opts, mail.WithDebugLog(), mail.WithLogger(&debugLogger{out: c.DebugOutput}))
	}

	return opts, nil
}

// BuildMessage converts msg into a go-mail message sent from the given
// sender identity.
func BuildMessage(from, fromName string, msg *email.Email) (*mail.Msg, error) {
	m := mail.NewMsg()

	if err := m.FromFormat(fromName, from); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", from, err)
	}
	if len(msg.To) > 0 {
		if err := m.To(msg.To...); err != nil {
			return nil, fmt.Errorf("invalid recipient: %w", err)
		}
	}
	if len(msg.Cc) > 0 {
		if err := m.Cc(msg.Cc...); err != nil {
			return nil, fmt.Errorf("invalid cc recipient: %w", err)
		}
	}
	if len(msg.Bcc) > 0 {
		if err := m.Bcc(msg.Bcc...); err != nil {
			return nil, fmt.Errorf("invalid bcc recipient: %w", err)
		}
	}
	if msg.ReplyTo != "" {
		if err := m.ReplyTo(msg.ReplyTo); err != nil {
			return nil, fmt.Errorf("invalid reply-to: %w", err)
		}
	}

	m.Subject(msg.Subject)

	if msg.MessageID != "" {
		m.SetMessageIDWithValue(strings.Trim(msg.MessageID, "<>"))
	}

	switch {
	case msg.HtmlBody != "" && msg.TextBody != "":
		m.SetBodyString(mail.TypeTextPlain, msg.TextBody)
		m.AddAlternativeString(mail.TypeTextHTML, msg.HtmlBody)
	case msg.HtmlBody != "":
		m.SetBodyString(mail.TypeTextHTML, msg.HtmlBody)
	default:
		m.SetBodyString(mail.TypeTextPlain, msg.TextBody)
	}

	for name, values := range msg.Headers {
		canonical := textproto.CanonicalMIMEHeaderKey(name)
		if reservedHeaders[canonical] || len(values) == 0 {
			continue
		}
		m.SetGenHeader(mail.Header(canonical), values...)
	}

	for _, att := range msg.Attachments {
		var fileOpts []mail.FileOption
		if att.ContentType != "" {
			fileOpts = append(fileOpts, mail.WithFileContentType(mail.ContentType(att.ContentType)))
		}
		if err := m.AttachReader(att.Filename, bytes.NewReader(att.Content), fileOpts...); err != nil {
			return nil, fmt.Errorf("failed to attach %q: %w", att.Filename, err)
		}
	}

	return m, nil
}

// debugLogger forwards go-mail protocol logging to a DebugFunc, one line
// per SMTP command or response.
type debugLogger struct {
	out DebugFunc
}

func (l *debugLogger) Errorf(entry maillog.Log) { l.write(entry, 1) }
func (l *debugLogger) Warnf(entry maillog.Log)  { l.write(entry, 1) }
func (l *debugLogger) Infof(entry maillog.Log)  { l.write(entry, 1) }
func (l *debugLogger) Debugf(entry maillog.Log) { l.write(entry, 2) }

func (l *debugLogger) write(entry maillog.Log, level int) {
	prefix := "SERVER -> CLIENT: "
	if entry.Direction == maillog.DirClientToServer {
		prefix = "CLIENT -> SERVER: "
	}
	line := strings.TrimRight(fmt.Sprintf(entry.Format, entry.Messages...), "\r\n")
	l.out(prefix+line, level)
}
