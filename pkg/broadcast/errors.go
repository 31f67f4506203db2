package broadcast

import "errors"

var (
	// ErrClientNil is returned when a nil redis client is provided
	ErrClientNil = errors.New("broadcast: redis client cannot be nil")

	// ErrEncode is returned when a message cannot be serialized
	ErrEncode = errors.New("broadcast: failed to encode message")

	// ErrPublish is returned when a message cannot be published
	ErrPublish = errors.New("broadcast: failed to publish message")
)
