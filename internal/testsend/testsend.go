// Package testsend runs an operator-triggered test email through the relay
// and reports a single classified outcome.
package testsend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shineum/smtp-relay-lite/internal/diagnostic"
	"github.com/shineum/smtp-relay-lite/internal/email"
	"github.com/shineum/smtp-relay-lite/internal/relay"
	"github.com/shineum/smtp-relay-lite/internal/relayconfig"
	"github.com/shineum/smtp-relay-lite/internal/transport"
)

// Window is the minimum time between two test sends.
const Window = 30 * time.Second

// Outcome classifies a test send.
type Outcome int

const (
	Success Outcome = iota
	InvalidEmail
	RateLimited
	TransportFailure
	Exception
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case InvalidEmail:
		return "invalid_email"
	case RateLimited:
		return "rate_limited"
	case TransportFailure:
		return "transport_failure"
	case Exception:
		return "exception"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the report of one test send.
type Result struct {
	Outcome Outcome
	Detail  string
}

// OK reports whether the test email was sent.
func (r Result) OK() bool {
	return r.Outcome == Success
}

// Message returns the operator-facing text for r.
func (r Result) Message() string {
	switch r.Outcome {
	case Success:
		return "Test email sent successfully!"
	case RateLimited:
		return "Please wait 30 seconds between test emails."
	case InvalidEmail:
		return "Invalid email address."
	case TransportFailure:
		return "Test email failed: " + r.Detail
	default:
		return "Exception occurred: " + r.Detail
	}
}

// Sender delivers a message with per-send options. relay.Mailer
// implements it.
type Sender interface {
	SendWith(ctx context.Context, msg *email.Email, opts ...relay.SendOption) error
}

const unknownError = "Unknown error"

const htmlBody = `<html><body>` +
	`<h2>SMTP relay test</h2>` +
	`<p>This is a test email sent through your configured SMTP relay.</p>` +
	`<p>If you received it, outbound mail is working.</p>` +
	`</body></html>`

const textBody = "SMTP relay test\n\n" +
	"This is a test email sent through your configured SMTP relay.\n" +
	"If you received it, outbound mail is working.\n"

// Controller runs rate-limited test sends. Run calls are serialized within
// a process; the window itself is persisted in the store.
type Controller struct {
	mu       sync.Mutex
	store    *relayconfig.Store
	sender   Sender
	siteName string
	now      func() time.Time

	newCapture func() *diagnostic.Capture
}

// New creates a Controller that records the rate-limit window in store and
// sends through sender.
func New(store *relayconfig.Store, sender Sender, siteName string) *Controller {
	return &Controller{
		store:    store,
		sender:   sender,
		siteName: siteName,
		now:      time.Now,

		newCapture: diagnostic.New,
	}
}

// NewWithClock creates a Controller with a custom clock. This is useful for
// testing.
func NewWithClock(store *relayconfig.Store, sender Sender, siteName string, now func() time.Time) *Controller {
	c := New(store, sender, siteName)
	c.now = now
	return c
}

// Run sends a test email to rawAddr. It never returns an error; every
// failure is reported through the Result.
func (c *Controller) Run(ctx context.Context, rawAddr string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last := c.store.LastTest(); !last.IsZero() && now.Sub(last) < Window {
		slog.Info("test send rate limited", "since_last", now.Sub(last).Round(time.Second))
		return Result{Outcome: RateLimited}
	}
	if err := c.store.MarkTested(now); err != nil {
		return Result{Outcome: Exception, Detail: err.Error()}
	}

	to, err := relayconfig.NormalizeEmail(rawAddr)
	if err != nil {
		return Result{Outcome: InvalidEmail}
	}

	res := c.send(ctx, to)
	slog.Info("test send finished",
		"outcome", res.Outcome.String(),
		"to", relay.MaskAddress(to),
	)
	return res
}

func (c *Controller) send(ctx context.Context, to string) (res Result) {
	capture := c.newCapture()
	defer capture.Detach()

	defer func() {
		if r := recover(); r != nil {
			res = Result{Outcome: Exception, Detail: fmt.Sprint(r)}
		}
	}()

	msg := &email.Email{
		To:       []string{to},
		Subject:  "SMTP Test from " + c.siteName,
		HtmlBody: htmlBody,
		TextBody: textBody,
	}

	err := c.sender.SendWith(ctx, msg, relay.WithDiagnostics(capture.Record))
	switch {
	case err == nil:
		return Result{Outcome: Success}
	case errors.Is(err, transport.ErrSendFailed):
		slog.Debug("test send transcript", "lines", capture.Lines())
		detail := capture.Last()
		if detail == "" {
			detail = unknownError
		}
		return Result{Outcome: TransportFailure, Detail: detail}
	default:
		return Result{Outcome: Exception, Detail: err.Error()}
	}
}
