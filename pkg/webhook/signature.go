package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-ID"
)

// SignatureHeaders carries the signature of one delivery.
type SignatureHeaders struct {
	Signature string
	Timestamp int64
	ID        string
}

// Headers returns the headers to set on the request.
func (s SignatureHeaders) Headers() map[string]string {
	return map[string]string{
		HeaderSignature: s.Signature,
		HeaderTimestamp: strconv.FormatInt(s.Timestamp, 10),
		HeaderID:        s.ID,
	}
}

// SignPayload signs payload as hex(HMAC-SHA256(secret, timestamp + "." + payload)).
// An empty payload is allowed for body-less requests.
func SignPayload(secret string, payload []byte) (SignatureHeaders, error) {
	if secret == "" {
		return SignatureHeaders{}, fmt.Errorf("%w: secret is required", ErrInvalidConfiguration)
	}

	timestamp := time.Now().Unix()
	return SignatureHeaders{
		Signature: sign(secret, timestamp, payload),
		Timestamp: timestamp,
		ID:        uuid.NewString(),
	}, nil
}

// VerifySignature checks the signature in constant time.
// When maxAge is positive, stale timestamps and ones more than a minute in the future are rejected.
func VerifySignature(secret string, payload []byte, headers SignatureHeaders, maxAge time.Duration) error {
	if secret == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidConfiguration)
	}
	if headers.Signature == "" {
		return fmt.Errorf("%w: signature is missing", ErrInvalidSignature)
	}

	if maxAge > 0 {
		age := time.Since(time.Unix(headers.Timestamp, 0))
		if age > maxAge {
			return fmt.Errorf("%w: timestamp too old: %v", ErrInvalidSignature, age)
		}
		if age < -time.Minute {
			return fmt.Errorf("%w: timestamp is in the future", ErrInvalidSignature)
		}
	}

	expected := sign(secret, headers.Timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(headers.Signature)) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
	}
	return nil
}

// ExtractSignatureHeaders reads the signature headers of an incoming request.
func ExtractSignatureHeaders(h http.Header) (SignatureHeaders, error) {
	sig := SignatureHeaders{
		Signature: h.Get(HeaderSignature),
		ID:        h.Get(HeaderID),
	}
	if sig.Signature == "" || h.Get(HeaderTimestamp) == "" {
		return SignatureHeaders{}, fmt.Errorf("%w: missing signature headers", ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return SignatureHeaders{}, fmt.Errorf("%w: invalid timestamp format", ErrInvalidSignature)
	}
	sig.Timestamp = ts
	return sig, nil
}

func sign(secret string, timestamp int64, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte{'.'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
