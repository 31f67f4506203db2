package admin

import (
	"errors"
	"net/http"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

// HTTPError is an error with the status code it is answered with
type HTTPError struct {
	Code    int
	Message string
}

func (e HTTPError) Error() string {
	return e.Message
}

var (
	ErrQueueRequired = HTTPError{Code: http.StatusBadRequest, Message: "Queue name is required"}
	ErrInvalidBody   = HTTPError{Code: http.StatusBadRequest, Message: "Invalid request body"}
	ErrInvalidRange  = HTTPError{Code: http.StatusBadRequest, Message: "Invalid start or end"}
	ErrTooManyCalls  = HTTPError{Code: http.StatusTooManyRequests, Message: "Too many requests"}
)

// statusFor maps domain errors to a status code and the public message
func statusFor(err error, fallback string) (int, string) {
	var httpErr HTTPError
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code, httpErr.Message
	case errors.Is(err, queue.ErrUnknownQueue), errors.Is(err, queue.ErrInvalidQueueName):
		return http.StatusBadRequest, "Invalid queue name"
	case errors.Is(err, queue.ErrInvalidState):
		return http.StatusBadRequest, "Invalid job status"
	case errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound, "Job not found"
	case errors.Is(err, queue.ErrRepeatNotFound):
		return http.StatusNotFound, "Repeat definition not found"
	case errors.Is(err, queue.ErrJobNotFailed):
		return http.StatusConflict, "Only failed jobs can be retried"
	case errors.Is(err, queue.ErrQueueHasActiveJobs):
		return http.StatusConflict, "Queue has active jobs"
	default:
		return http.StatusInternalServerError, fallback
	}
}
