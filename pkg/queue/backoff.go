package queue

import (
	"fmt"
	"time"
)

// maxBackoffShift caps the exponent so delays cannot overflow time.Duration
const maxBackoffShift = 30

// Next returns the delay before the retry that follows attempt number attemptsMade.
// Fixed policies always wait Delay; exponential ones wait Delay*2^(attemptsMade-1).
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	switch b.Type {
	case BackoffExponential:
		shift := min(max(attemptsMade-1, 0), maxBackoffShift)
		return b.Delay * time.Duration(1<<shift)
	default:
		return b.Delay
	}
}

func (b Backoff) validate() error {
	switch b.Type {
	case "", BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidBackoff, b.Type)
	}
	if b.Delay < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidBackoff)
	}
	return nil
}
