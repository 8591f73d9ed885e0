// Package queue carries submitted jobs from the API to the workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

// Message is one queued job.
type Message struct {
	JobID       uuid.UUID   `json:"job_id"`
	Task        models.Task `json:"task"`
	SubmittedAt time.Time   `json:"submitted_at"`

	// Attempt counts deliveries, starting at 1. Set by the queue.
	Attempt int `json:"-"`
	// Final is set when a failed delivery will not be followed by another
	// one, deferred or not. Handlers use it to record an outcome instead of
	// asking for a retry that would never come.
	Final bool `json:"-"`

	failures int
}

// Handler processes one message. A nil error acknowledges it; an error
// built with Retry redelivers it after the given delay; any other error
// redelivers it immediately. Redelivery stops after the queue's delivery
// limit; whether deferred deliveries count against it depends on the queue.
type Handler func(ctx context.Context, msg Message) error

// Queue is implemented by the NATS JetStream queue and the in-process queue.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// Run delivers messages to h until ctx is cancelled, then waits for
	// in-flight handlers to return.
	Run(ctx context.Context, h Handler) error
}

// RetryError asks the queue to redeliver a message after Delay.
type RetryError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry in %s: %v", e.Delay, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// Retry wraps err so the message is redelivered after delay.
func Retry(err error, delay time.Duration) error {
	return &RetryError{Delay: delay, Err: err}
}

// RetryDelay reports whether err asks for a delayed redelivery.
func RetryDelay(err error) (time.Duration, bool) {
	var re *RetryError
	if errors.As(err, &re) {
		return re.Delay, true
	}
	return 0, false
}
