package webhook

import "errors"

var (
	ErrInvalidConfiguration = errors.New("invalid webhook configuration")
	ErrInvalidPayload       = errors.New("invalid webhook payload")
	ErrInvalidURL           = errors.New("invalid webhook URL")
	ErrInvalidSignature     = errors.New("invalid webhook signature")

	// Delivery outcomes. Permanent failures will not succeed on retry.
	ErrPermanentFailure = errors.New("permanent webhook failure")
	ErrTemporaryFailure = errors.New("temporary webhook failure")
	ErrTimeout          = errors.New("webhook request timeout")
	ErrCircuitOpen      = errors.New("webhook circuit breaker is open")
)

// IsPermanent reports whether retrying the delivery is pointless
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentFailure) ||
		errors.Is(err, ErrInvalidURL) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrInvalidConfiguration)
}
