package webhook

import (
	"net/http"
	"time"
)

// DeliveryResult describes one delivery attempt.
type DeliveryResult struct {
	Success    bool          `json:"success"`
	StatusCode int           `json:"statusCode,omitempty"`
	Response   string        `json:"response,omitempty"` // Response body, truncated
	Duration   time.Duration `json:"duration"`
	DeliveryID string        `json:"deliveryId,omitempty"`
}

type sendOptions struct {
	timeout         time.Duration
	headers         map[string]string
	httpClient      *http.Client
	signatureSecret string
	circuitBreaker  *CircuitBreaker
}

func defaultSendOptions() *sendOptions {
	return &sendOptions{
		timeout: 25 * time.Second,
		headers: make(map[string]string),
	}
}

// SendOption configures a single Send call.
type SendOption func(*sendOptions)

// WithTimeout bounds the request, 25 seconds by default.
func WithTimeout(timeout time.Duration) SendOption {
	return func(o *sendOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithHeaders adds request headers. Content-Type and User-Agent are set automatically.
func WithHeaders(headers map[string]string) SendOption {
	return func(o *sendOptions) {
		for k, v := range headers {
			if k != "" && v != "" {
				o.headers[k] = v
			}
		}
	}
}

// WithSignature signs the body with HMAC-SHA256 and adds the X-Webhook-* headers.
func WithSignature(secret string) SendOption {
	return func(o *sendOptions) {
		o.signatureSecret = secret
	}
}

// WithHTTPClient overrides the sender's client for one request.
func WithHTTPClient(client *http.Client) SendOption {
	return func(o *sendOptions) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithCircuitBreaker guards the endpoint. Share one breaker per endpoint.
func WithCircuitBreaker(cb *CircuitBreaker) SendOption {
	return func(o *sendOptions) {
		o.circuitBreaker = cb
	}
}
