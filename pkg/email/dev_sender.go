package email

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DevSender implements EmailSender for local development.
// Messages are written to dir as an HTML (or text) body plus a JSON metadata file.
type DevSender struct {
	dir string
}

// NewDevSender creates a development sender. The directory is created on first send.
func NewDevSender(dir string) EmailSender {
	return &DevSender{dir: dir}
}

type emailMetadata struct {
	MessageID   string   `json:"message_id"`
	Timestamp   string   `json:"timestamp"`
	SendTo      string   `json:"send_to"`
	From        string   `json:"from,omitempty"`
	Subject     string   `json:"subject"`
	Tag         string   `json:"tag,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// SendEmail writes the message to disk and returns a generated message id.
func (d *DevSender) SendEmail(ctx context.Context, params SendEmailParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: failed to create directory: %v", ErrFailedToSendEmail, err)
	}

	now := time.Now()
	messageID := "dev-" + uuid.NewString()

	identifier := params.Tag
	if identifier == "" {
		identifier = params.Subject
	}
	baseFilename := fmt.Sprintf("%s_%s_%s", now.Format("2006_01_02_150405"), sanitizeFilename(identifier), messageID[4:12])

	body, ext := params.BodyHTML, ".html"
	if body == "" {
		body, ext = params.BodyText, ".txt"
	}
	if err := os.WriteFile(filepath.Join(d.dir, baseFilename+ext), []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("%w: failed to write body: %v", ErrFailedToSendEmail, err)
	}

	metadata := emailMetadata{
		MessageID: messageID,
		Timestamp: now.Format(time.RFC3339),
		SendTo:    params.SendTo,
		From:      params.From,
		Subject:   params.Subject,
		Tag:       params.Tag,
	}
	for _, a := range params.Attachments {
		metadata.Attachments = append(metadata.Attachments, a.Filename)
	}

	jsonData, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: failed to marshal metadata: %v", ErrFailedToSendEmail, err)
	}
	if err := os.WriteFile(filepath.Join(d.dir, baseFilename+".json"), jsonData, 0o644); err != nil {
		return "", fmt.Errorf("%w: failed to write metadata: %v", ErrFailedToSendEmail, err)
	}

	return messageID, nil
}

var sanitizeRegex = regexp.MustCompile(`[^a-zA-Z0-9\-_.]`)

// sanitizeFilename keeps ASCII letters, digits, dash, underscore and dot
func sanitizeFilename(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = sanitizeRegex.ReplaceAllString(s, "")

	const maxLength = 100
	if len(s) > maxLength {
		s = s[:maxLength]
	}
	if s == "" {
		s = "email"
	}
	return strings.ToLower(s)
}
