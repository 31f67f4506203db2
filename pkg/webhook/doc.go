// Package webhook delivers outgoing webhooks for the webhook workload.
//
// A Sender makes exactly one HTTP attempt per Send call and classifies the
// outcome; retries and backoff are left to the job queue that runs the delivery.
//
//	sender := webhook.NewSender()
//	result, err := sender.Send(ctx, webhook.Request{
//		URL:   "https://api.example.com/hooks",
//		Event: "user.created",
//		Body:  map[string]any{"userId": "123"},
//	}, webhook.WithSignature(secret), webhook.WithCircuitBreaker(circuits.For(url)))
//
// Failed deliveries wrap one of ErrPermanentFailure (4xx except 408, 425 and 429),
// ErrTemporaryFailure or ErrTimeout. IsPermanent tells callers when retrying is
// pointless.
//
// # Signatures
//
// WithSignature adds X-Webhook-Signature, X-Webhook-Timestamp and X-Webhook-ID.
// The signature is hex(HMAC-SHA256(secret, timestamp + "." + body)). Receivers use
// ExtractSignatureHeaders and VerifySignature.
//
// # Circuit breaking
//
// CircuitBreaker opens after consecutive transport or 5xx failures and fails fast
// with ErrCircuitOpen until its recovery timeout passes. Circuits keeps one
// breaker per endpoint host.
package webhook
