package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
	"github.com/dmitrymomot/jobqueue/pkg/webhook"
)

// WebhookPayload is the data of a send-webhook job
type WebhookPayload struct {
	URL      string            `json:"url"`
	Method   string            `json:"method,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"`
	Event    string            `json:"event"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// WebhookResult is returned by a delivered webhook
type WebhookResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode,omitempty"`
	Response   string `json:"response,omitempty"`
	DeliveryID string `json:"deliveryId,omitempty"`
	Attempt    int    `json:"attempt"`
}

// WebhookOption configures the webhook processor
type WebhookOption func(*webhookProcessor)

// WithSigningSecret signs every delivery with HMAC-SHA256
func WithSigningSecret(secret string) WebhookOption {
	return func(p *webhookProcessor) { p.secret = secret }
}

// WithDeliveryTimeout bounds one delivery attempt, 25s by default
func WithDeliveryTimeout(d time.Duration) WebhookOption {
	return func(p *webhookProcessor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithCircuits short-circuits deliveries to hosts that keep failing
func WithCircuits(c *webhook.Circuits) WebhookOption {
	return func(p *webhookProcessor) { p.circuits = c }
}

type webhookProcessor struct {
	sender   *webhook.Sender
	secret   string
	timeout  time.Duration
	circuits *webhook.Circuits
}

// NewWebhookProcessor delivers one attempt per job execution; the queue owns retries.
// Permanent failures such as 4xx responses or malformed URLs skip the remaining attempts.
func NewWebhookProcessor(sender *webhook.Sender, opts ...WebhookOption) queue.Processor {
	p := &webhookProcessor{sender: sender, timeout: 25 * time.Second}
	for _, opt := range opts {
		opt(p)
	}
	return queue.NewTypedProcessor(p.process)
}

func (p *webhookProcessor) process(ctx context.Context, job *queue.Job, in WebhookPayload) (any, error) {
	if _, err := job.Log(ctx, fmt.Sprintf("Sending %s webhook to %s", in.Event, in.URL)); err != nil {
		return nil, err
	}

	req := webhook.Request{URL: in.URL, Method: in.Method, Headers: in.Headers, Event: in.Event}
	if len(in.Body) > 0 {
		req.Body = in.Body
	}

	opts := []webhook.SendOption{
		webhook.WithTimeout(p.timeout),
		webhook.WithHeaders(map[string]string{
			"X-Webhook-Attempt": fmt.Sprint(job.AttemptsMade),
			"X-Webhook-Job-ID":  job.ID,
		}),
	}
	if p.secret != "" {
		opts = append(opts, webhook.WithSignature(p.secret))
	}
	if p.circuits != nil {
		opts = append(opts, webhook.WithCircuitBreaker(p.circuits.For(in.URL)))
	}

	res, err := p.sender.Send(ctx, req, opts...)
	if err != nil {
		_, _ = job.Log(ctx, "Webhook failed: "+err.Error())
		if webhook.IsPermanent(err) {
			return nil, queue.Unrecoverable(err)
		}
		return nil, err
	}

	if _, err := job.Log(ctx, fmt.Sprintf("Webhook delivered successfully (%d)", res.StatusCode)); err != nil {
		return nil, err
	}
	return WebhookResult{
		Success:    true,
		StatusCode: res.StatusCode,
		Response:   res.Response,
		DeliveryID: res.DeliveryID,
		Attempt:    job.AttemptsMade,
	}, nil
}
