// Package email sends transactional email for the email workload.
//
// EmailSender has two implementations: a Postmark client for production and
// DevSender, which writes messages to disk for local development. NewSender picks
// Postmark when tokens are configured:
//
//	var cfg email.Config
//	config.MustLoad(&cfg)
//
//	sender, err := email.NewSender(cfg)
//	if err != nil {
//		return err
//	}
//
//	id, err := sender.SendEmail(ctx, email.SendEmailParams{
//		SendTo:   "user@example.com",
//		Subject:  "Welcome",
//		BodyHTML: "<h1>Welcome!</h1>",
//	})
//
// Parameters are validated before anything is sent; validation failures wrap
// ErrInvalidParams and delivery failures wrap ErrFailedToSendEmail.
package email
