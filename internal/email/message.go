// Package email defines the outgoing message model shared by the relay,
// the submission listener and the delivery providers.
package email

// Email is a message ready for delivery.
type Email struct {
	// From and FromName are the envelope sender. The relay overwrites them
	// with the configured identity before sending.
	From     string
	FromName string

	To      []string
	Cc      []string
	Bcc     []string
	ReplyTo string
	Subject string

	TextBody string
	HtmlBody string

	Attachments []Attachment

	// Headers holds extra header fields to carry onto the outgoing message.
	Headers map[string][]string

	MessageID string
}

// Attachment is a file attached to a message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Recipients returns every envelope recipient: To, Cc and Bcc.
func (e *Email) Recipients() []string {
	all := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	all = append(all, e.To...)
	all = append(all, e.Cc...)
	all = append(all, e.Bcc...)
	return all
}
