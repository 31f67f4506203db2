package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// EmailSender sends one message and returns the provider's message id.
type EmailSender interface {
	SendEmail(ctx context.Context, params SendEmailParams) (string, error)
}

// SendEmailParams represents the parameters for sending an email.
type SendEmailParams struct {
	SendTo      string       `json:"to"`
	From        string       `json:"from,omitempty"` // Overrides the configured sender
	Subject     string       `json:"subject"`
	BodyText    string       `json:"body,omitempty"`
	BodyHTML    string       `json:"html,omitempty"`
	Tag         string       `json:"tag,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment content is base64 encoded.
type Attachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Validate checks the recipient, subject, body and attachments.
func (p SendEmailParams) Validate() error {
	if strings.TrimSpace(p.SendTo) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidParams)
	}
	if !emailRegex.MatchString(p.SendTo) {
		return fmt.Errorf("%w: recipient %q is not a valid email address", ErrInvalidParams, p.SendTo)
	}
	if p.From != "" && !emailRegex.MatchString(p.From) {
		return fmt.Errorf("%w: sender %q is not a valid email address", ErrInvalidParams, p.From)
	}
	if strings.TrimSpace(p.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidParams)
	}
	if strings.TrimSpace(p.BodyHTML) == "" && strings.TrimSpace(p.BodyText) == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidParams)
	}
	for _, a := range p.Attachments {
		if a.Filename == "" {
			return fmt.Errorf("%w: attachment filename is required", ErrInvalidParams)
		}
		if _, err := base64.StdEncoding.DecodeString(a.Content); err != nil {
			return fmt.Errorf("%w: attachment %q is not base64", ErrInvalidParams, a.Filename)
		}
	}
	return nil
}

// NewSender returns a Postmark sender when tokens are configured and a DevSender otherwise.
func NewSender(cfg Config) (EmailSender, error) {
	if cfg.PostmarkServerToken == "" && cfg.PostmarkAccountToken == "" {
		return NewDevSender(cfg.DevDir), nil
	}
	return NewPostmarkClient(cfg)
}
