package email

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"
)

type postmarkClient struct {
	client *postmark.Client
	config Config
}

// NewPostmarkClient creates a Postmark-backed email sender.
func NewPostmarkClient(cfg Config) (EmailSender, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	client := postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken)
	if cfg.PostmarkBaseURL != "" {
		client.BaseURL = cfg.PostmarkBaseURL
	}
	return &postmarkClient{client: client, config: cfg}, nil
}

// MustNewPostmarkClient panics on invalid configuration.
func MustNewPostmarkClient(cfg Config) EmailSender {
	client, err := NewPostmarkClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

func validateConfig(cfg Config) error {
	if cfg.PostmarkServerToken == "" {
		return fmt.Errorf("%w: PostmarkServerToken is required", ErrInvalidConfig)
	}
	if cfg.PostmarkAccountToken == "" {
		return fmt.Errorf("%w: PostmarkAccountToken is required", ErrInvalidConfig)
	}
	if !emailRegex.MatchString(cfg.SenderEmail) {
		return fmt.Errorf("%w: SenderEmail must be a valid email address", ErrInvalidConfig)
	}
	if !emailRegex.MatchString(cfg.SupportEmail) {
		return fmt.Errorf("%w: SupportEmail must be a valid email address", ErrInvalidConfig)
	}
	return nil
}

// SendEmail sends through Postmark's transactional API.
// Opens and HTML link clicks are tracked; replies go to the support address.
func (c *postmarkClient) SendEmail(ctx context.Context, params SendEmailParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	msg := postmark.Email{
		From:       cmp.Or(params.From, c.config.SenderEmail),
		ReplyTo:    c.config.SupportEmail,
		To:         params.SendTo,
		Subject:    params.Subject,
		Tag:        params.Tag,
		HTMLBody:   params.BodyHTML,
		TextBody:   params.BodyText,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	}
	for _, a := range params.Attachments {
		msg.Attachments = append(msg.Attachments, postmark.Attachment{
			Name:        a.Filename,
			Content:     a.Content,
			ContentType: cmp.Or(a.ContentType, "application/octet-stream"),
		})
	}

	resp, err := c.client.SendEmail(ctx, msg)
	if err != nil {
		return "", errors.Join(ErrFailedToSendEmail, err)
	}
	if resp.ErrorCode > 0 {
		return "", errors.Join(
			ErrFailedToSendEmail,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message),
		)
	}
	return resp.MessageID, nil
}
