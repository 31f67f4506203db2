package redisbroker

import "errors"

var (
	// ErrClientNil is returned when a nil redis client is provided
	ErrClientNil = errors.New("redis client cannot be nil")

	// ErrUnexpectedReply is returned when a script reply has an unexpected shape
	ErrUnexpectedReply = errors.New("unexpected redis reply")
)
