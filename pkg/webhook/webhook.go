package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseBody bounds how much of a response is read and kept
const maxResponseBody = 64 << 10

// Request is a webhook to deliver.
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"` // POST by default
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
	Event   string            `json:"event,omitempty"` // Sent as X-Webhook-Event
}

// Sender delivers webhooks with exactly one HTTP attempt per call.
// Retries belong to the caller, typically the job queue.
type Sender struct {
	client    *http.Client
	userAgent string
}

// NewSender creates a sender with a pooled HTTP client.
func NewSender() *Sender {
	return &Sender{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: "jobqueue-webhook/1.0",
	}
}

// NewSenderWithClient creates a sender with a custom HTTP client.
func NewSenderWithClient(client *http.Client) *Sender {
	s := NewSender()
	if client != nil {
		s.client = client
	}
	return s
}

// Send performs one delivery attempt.
// Non-2xx responses fail; 4xx other than 408, 425 and 429 wrap ErrPermanentFailure.
// The result is filled in as far as the attempt got, also on error.
func (s *Sender) Send(ctx context.Context, req Request, opts ...SendOption) (DeliveryResult, error) {
	options := defaultSendOptions()
	for _, opt := range opts {
		opt(options)
	}

	method, payload, err := prepare(req)
	if err != nil {
		return DeliveryResult{}, err
	}

	if options.circuitBreaker != nil && !options.circuitBreaker.Allow() {
		return DeliveryResult{}, ErrCircuitOpen
	}

	result, err := s.attempt(ctx, method, req, payload, options)

	if options.circuitBreaker != nil {
		// 4xx answers prove the endpoint is up
		if err == nil || errors.Is(err, ErrPermanentFailure) {
			options.circuitBreaker.RecordSuccess()
		} else if ctx.Err() == nil {
			options.circuitBreaker.RecordFailure()
		}
	}
	return result, err
}

func prepare(req Request) (string, []byte, error) {
	if req.URL == "" {
		return "", nil, fmt.Errorf("%w: URL is required", ErrInvalidURL)
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	// Restrict to HTTP(S) to keep job payloads from reaching other schemes
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", nil, fmt.Errorf("%w: only http and https schemes are supported", ErrInvalidURL)
	}
	if u.Host == "" {
		return "", nil, fmt.Errorf("%w: host is required", ErrInvalidURL)
	}

	method := strings.ToUpper(req.Method)
	switch method {
	case "":
		method = http.MethodPost
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return "", nil, fmt.Errorf("%w: unsupported method %q", ErrInvalidConfiguration, req.Method)
	}

	if req.Body == nil {
		return method, nil, nil
	}
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return method, payload, nil
}

func (s *Sender) attempt(ctx context.Context, method string, req Request, payload []byte, options *sendOptions) (DeliveryResult, error) {
	start := time.Now()
	var result DeliveryResult

	reqCtx, cancel := context.WithTimeout(ctx, options.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, body)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("User-Agent", s.userAgent)
	if req.Event != "" {
		httpReq.Header.Set("X-Webhook-Event", req.Event)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range options.headers {
		httpReq.Header.Set(k, v)
	}

	if options.signatureSecret != "" {
		sig, err := SignPayload(options.signatureSecret, payload)
		if err != nil {
			return result, err
		}
		for k, v := range sig.Headers() {
			httpReq.Header.Set(k, v)
		}
		result.DeliveryID = sig.ID
	}

	client := s.client
	if options.httpClient != nil {
		client = options.httpClient
	}

	resp, err := client.Do(httpReq)
	result.Duration = time.Since(start)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return result, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return result, fmt.Errorf("%w: %w", ErrTemporaryFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	result.StatusCode = resp.StatusCode
	result.Response = string(respBody)
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if result.Success {
		return result, nil
	}

	msg := fmt.Sprintf("webhook returned status %d", resp.StatusCode)
	if len(respBody) > 0 {
		// Single line, bounded, safe for logs and failure reasons
		snippet := strings.ReplaceAll(string(respBody), "\n", " ")
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		msg += ": " + snippet
	}
	if isPermanentStatus(resp.StatusCode) {
		return result, fmt.Errorf("%w: %s", ErrPermanentFailure, msg)
	}
	return result, fmt.Errorf("%w: %s", ErrTemporaryFailure, msg)
}

// isPermanentStatus treats 4xx as final except codes that signal a transient condition
func isPermanentStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	default:
		return true
	}
}
