package email_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/email"
)

func validParams() email.SendEmailParams {
	return email.SendEmailParams{
		SendTo:   "user@example.com",
		Subject:  "Welcome",
		BodyHTML: "<h1>Welcome!</h1>",
		Tag:      "welcome",
	}
}

func validConfig() email.Config {
	return email.Config{
		PostmarkServerToken:  "server-token",
		PostmarkAccountToken: "account-token",
		SenderEmail:          "noreply@example.com",
		SupportEmail:         "support@example.com",
	}
}

func TestSendEmailParams_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(p *email.SendEmailParams)
		errMsg string
	}{
		{name: "valid", modify: func(p *email.SendEmailParams) {}},
		{name: "text body only", modify: func(p *email.SendEmailParams) { p.BodyHTML = ""; p.BodyText = "hi" }},
		{name: "empty recipient", modify: func(p *email.SendEmailParams) { p.SendTo = "" }, errMsg: "recipient is required"},
		{name: "invalid recipient", modify: func(p *email.SendEmailParams) { p.SendTo = "nope" }, errMsg: "not a valid email"},
		{name: "invalid sender", modify: func(p *email.SendEmailParams) { p.From = "bad@" }, errMsg: "sender"},
		{name: "empty subject", modify: func(p *email.SendEmailParams) { p.Subject = "  " }, errMsg: "subject is required"},
		{name: "empty body", modify: func(p *email.SendEmailParams) { p.BodyHTML = "" }, errMsg: "body is required"},
		{
			name: "attachment not base64",
			modify: func(p *email.SendEmailParams) {
				p.Attachments = []email.Attachment{{Filename: "a.txt", Content: "%%%"}}
			},
			errMsg: "not base64",
		},
		{
			name: "attachment without name",
			modify: func(p *email.SendEmailParams) {
				p.Attachments = []email.Attachment{{Content: "aGk="}}
			},
			errMsg: "filename is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := validParams()
			tt.modify(&p)
			err := p.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, email.ErrInvalidParams)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestNewPostmarkClient(t *testing.T) {
	t.Parallel()

	t.Run("valid config", func(t *testing.T) {
		t.Parallel()
		client, err := email.NewPostmarkClient(validConfig())
		require.NoError(t, err)
		assert.NotNil(t, client)
	})

	invalid := map[string]func(c *email.Config){
		"PostmarkServerToken is required":  func(c *email.Config) { c.PostmarkServerToken = "" },
		"PostmarkAccountToken is required": func(c *email.Config) { c.PostmarkAccountToken = "" },
		"SenderEmail must be":              func(c *email.Config) { c.SenderEmail = "invalid" },
		"SupportEmail must be":             func(c *email.Config) { c.SupportEmail = "" },
	}
	for msg, modify := range invalid {
		t.Run(msg, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			modify(&cfg)
			client, err := email.NewPostmarkClient(cfg)
			require.ErrorIs(t, err, email.ErrInvalidConfig)
			assert.Contains(t, err.Error(), msg)
			assert.Nil(t, client)
		})
	}

	t.Run("must panics on invalid config", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() { email.MustNewPostmarkClient(email.Config{}) })
	})
}

func TestPostmarkClient_SendEmail(t *testing.T) {
	t.Parallel()

	t.Run("sends and returns message id", func(t *testing.T) {
		t.Parallel()

		requests := make(chan map[string]any, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/email", r.URL.Path)
			assert.Equal(t, "server-token", r.Header.Get("X-Postmark-Server-Token"))
			body, _ := io.ReadAll(r.Body)
			var received map[string]any
			_ = json.Unmarshal(body, &received)
			requests <- received
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"To":"user@example.com","MessageID":"msg-123","ErrorCode":0,"Message":"OK"}`))
		}))
		defer srv.Close()

		cfg := validConfig()
		cfg.PostmarkBaseURL = srv.URL
		client, err := email.NewPostmarkClient(cfg)
		require.NoError(t, err)

		params := validParams()
		params.Attachments = []email.Attachment{{Filename: "a.txt", Content: "aGk="}}
		id, err := client.SendEmail(context.Background(), params)
		require.NoError(t, err)
		assert.Equal(t, "msg-123", id)

		received := <-requests
		assert.Equal(t, "noreply@example.com", received["From"])
		assert.Equal(t, "support@example.com", received["ReplyTo"])
		assert.Equal(t, "user@example.com", received["To"])
		assert.Equal(t, "welcome", received["Tag"])
	})

	t.Run("api error code", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ErrorCode":406,"Message":"Inactive recipient"}`))
		}))
		defer srv.Close()

		cfg := validConfig()
		cfg.PostmarkBaseURL = srv.URL
		client, err := email.NewPostmarkClient(cfg)
		require.NoError(t, err)

		_, err = client.SendEmail(context.Background(), validParams())
		require.ErrorIs(t, err, email.ErrFailedToSendEmail)
	})

	t.Run("invalid params are not sent", func(t *testing.T) {
		t.Parallel()
		client, err := email.NewPostmarkClient(validConfig())
		require.NoError(t, err)

		_, err = client.SendEmail(context.Background(), email.SendEmailParams{})
		require.ErrorIs(t, err, email.ErrInvalidParams)
	})
}

func TestDevSender_SendEmail(t *testing.T) {
	t.Parallel()

	t.Run("writes body and metadata", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "emails")
		sender := email.NewDevSender(dir)

		params := validParams()
		params.Attachments = []email.Attachment{{Filename: "report.csv", Content: "aGk="}}
		id, err := sender.SendEmail(context.Background(), params)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(id, "dev-"))

		htmlFiles, err := filepath.Glob(filepath.Join(dir, "*_welcome_*.html"))
		require.NoError(t, err)
		require.Len(t, htmlFiles, 1)
		body, err := os.ReadFile(htmlFiles[0])
		require.NoError(t, err)
		assert.Equal(t, "<h1>Welcome!</h1>", string(body))

		jsonFiles, err := filepath.Glob(filepath.Join(dir, "*.json"))
		require.NoError(t, err)
		require.Len(t, jsonFiles, 1)
		var meta map[string]any
		data, err := os.ReadFile(jsonFiles[0])
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &meta))
		assert.Equal(t, id, meta["message_id"])
		assert.Equal(t, "user@example.com", meta["send_to"])
		assert.Equal(t, []any{"report.csv"}, meta["attachments"])
	})

	t.Run("text body without tag uses subject", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		sender := email.NewDevSender(dir)

		_, err := sender.SendEmail(context.Background(), email.SendEmailParams{
			SendTo:   "user@example.com",
			Subject:  "Password Reset!",
			BodyText: "reset link",
		})
		require.NoError(t, err)

		files, err := filepath.Glob(filepath.Join(dir, "*_password_reset_*.txt"))
		require.NoError(t, err)
		assert.Len(t, files, 1)
	})

	t.Run("validation error writes nothing", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		sender := email.NewDevSender(dir)

		_, err := sender.SendEmail(context.Background(), email.SendEmailParams{SendTo: "user@example.com"})
		require.ErrorIs(t, err, email.ErrInvalidParams)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestNewSender(t *testing.T) {
	t.Parallel()

	sender, err := email.NewSender(email.Config{DevDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &email.DevSender{}, sender)

	sender, err = email.NewSender(validConfig())
	require.NoError(t, err)
	assert.NotNil(t, sender)

	_, err = email.NewSender(email.Config{PostmarkServerToken: "only-one"})
	require.ErrorIs(t, err, email.ErrInvalidConfig)
}
