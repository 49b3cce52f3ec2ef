package submission

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/smtp-relay-lite/internal/email"
)

// forwardedHeaders are copied from a submitted message onto the outgoing
// one, in addition to every X- header.
var forwardedHeaders = []string{"In-Reply-To", "References"}

// Parse reads a submitted RFC 5322 message. Nested multiparts are walked;
// the first text/plain and text/html inline parts become the bodies and
// everything else with a filename becomes an attachment.
func Parse(r io.Reader) (*email.Email, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if err != nil {
		slog.Warn("unknown charset in message header", "error", err)
	}

	msg := &email.Email{}
	h := mr.Header

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
		msg.FromName = from[0].Name
	}
	msg.To = addresses(h, "To")
	msg.Cc = addresses(h, "Cc")
	msg.Bcc = addresses(h, "Bcc")
	if replyTo := addresses(h, "Reply-To"); len(replyTo) > 0 {
		msg.ReplyTo = replyTo[0]
	}

	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	msg.Subject = subject
	msg.MessageID = strings.TrimSpace(h.Get("Message-Id"))
	msg.Headers = extraHeaders(h)

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("failed to read message part: %w", err)
		}
		if p == nil {
			continue
		}
		if err := readPart(p, msg); err != nil {
			slog.Warn("skipping unreadable MIME part", "error", err)
		}
	}

	return msg, nil
}

func readPart(p *mail.Part, msg *email.Email) error {
	switch h := p.Header.(type) {
	case *mail.InlineHeader:
		mediaType, params, err := h.ContentType()
		if err != nil {
			mediaType = "text/plain"
		}
		body, err := io.ReadAll(p.Body)
		if err != nil {
			return err
		}

		switch {
		case mediaType == "text/plain" && msg.TextBody == "":
			msg.TextBody = string(body)
		case mediaType == "text/html" && msg.HtmlBody == "":
			msg.HtmlBody = string(body)
		case params["name"] != "":
			msg.Attachments = append(msg.Attachments, email.Attachment{
				Filename:    params["name"],
				ContentType: mediaType,
				Content:     body,
			})
		default:
			slog.Warn("unrecognized MIME part, skipping", "content_type", mediaType)
		}

	case *mail.AttachmentHeader:
		mediaType, params, _ := h.ContentType()
		filename, _ := h.Filename()
		if filename == "" {
			filename = params["name"]
		}
		if filename == "" {
			filename = fallbackFilename(mediaType)
		}
		body, err := io.ReadAll(p.Body)
		if err != nil {
			return err
		}
		msg.Attachments = append(msg.Attachments, email.Attachment{
			Filename:    filename,
			ContentType: mediaType,
			Content:     body,
		})
	}
	return nil
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		slog.Debug("unparseable address header", "header", key, "error", err)
		return nil
	}
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

func extraHeaders(h mail.Header) map[string][]string {
	out := make(map[string][]string)
	fields := h.Fields()
	for fields.Next() {
		key := fields.Key()
		if !strings.HasPrefix(strings.ToUpper(key), "X-") && !isForwarded(key) {
			continue
		}
		out[key] = append(out[key], fields.Value())
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isForwarded(key string) bool {
	for _, k := range forwardedHeaders {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

func fallbackFilename(mediaType string) string {
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}
