package jobs

import (
	"context"
	"errors"

	"github.com/dmitrymomot/jobqueue/pkg/email"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

// EmailPayload is the data of a send-email job
type EmailPayload = email.SendEmailParams

// EmailResult is returned by a completed send-email job
type EmailResult struct {
	Sent      bool   `json:"sent"`
	MessageID string `json:"messageId,omitempty"`
}

// NewEmailProcessor sends the message through sender.
// Invalid messages fail without retries.
func NewEmailProcessor(sender email.EmailSender) queue.Processor {
	return queue.NewTypedProcessor(func(ctx context.Context, job *queue.Job, msg EmailPayload) (any, error) {
		if err := msg.Validate(); err != nil {
			return nil, queue.Unrecoverable(err)
		}
		if err := job.UpdateProgress(ctx, 10); err != nil {
			return nil, err
		}

		id, err := sender.SendEmail(ctx, msg)
		if err != nil {
			if errors.Is(err, email.ErrInvalidParams) {
				return nil, queue.Unrecoverable(err)
			}
			return nil, err
		}

		if err := job.UpdateProgress(ctx, 100); err != nil {
			return nil, err
		}
		return EmailResult{Sent: true, MessageID: id}, nil
	})
}
