package email

// Config holds email service configuration.
// Postmark tokens are optional: without them NewSender falls back to DevSender,
// which writes messages to DevDir.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL" envDefault:"noreply@example.com"`
	SupportEmail         string `env:"SUPPORT_EMAIL" envDefault:"support@example.com"`
	PostmarkBaseURL      string `env:"POSTMARK_BASE_URL"` // Overrides the API endpoint
	DevDir               string `env:"EMAIL_DEV_DIR" envDefault:"./data/emails"`
}
