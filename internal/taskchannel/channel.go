package taskchannel

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// Delivery is one attempt at handing a task to a consumer
type Delivery struct {
	Queue   string
	Key     string
	Body    []byte
	Attempt int
	RunID   string
}

// Handler processes a delivery. Returning nil acknowledges the task,
// a Permanent error rejects it, and any other error asks for redelivery.
type Handler func(ctx context.Context, d Delivery) error

// Publisher submits tasks to a named queue
type Publisher interface {
	Publish(ctx context.Context, queue, key string, body []byte) error
}

// Consumer attaches a handler to a named queue
type Consumer interface {
	Consume(queue string, workers int, h Handler) error
}

// Channel is a named-queue, at-least-once task channel
type Channel interface {
	Publisher
	Consumer
}

// Outcome describes how a delivery was settled
type Outcome string

const (
	OutcomeAck      Outcome = "ack"
	OutcomeRetry    Outcome = "retry"
	OutcomeRejected Outcome = "rejected"
	OutcomeDead     Outcome = "dead"
)

// OutcomeFunc is notified once per settled delivery attempt
type OutcomeFunc func(queue string, outcome Outcome)

// Settings shared by channel implementations
type Settings struct {
	// TaskTimeout bounds a single delivery attempt. An attempt that has not
	// been acknowledged when it expires is redelivered.
	TaskTimeout time.Duration

	// MaxAttempts is the number of deliveries before a task is dead-lettered
	MaxAttempts int

	// RetryBackoff is multiplied by the attempt number between redeliveries
	RetryBackoff time.Duration

	// OnOutcome is optional
	OnOutcome OutcomeFunc
}

// WithDefaults fills in default values for optional fields
func (s *Settings) WithDefaults() {
	if s.TaskTimeout <= 0 {
		s.TaskTimeout = 60 * time.Second
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 5
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = 500 * time.Millisecond
	}
}

// Classify maps a handler result to the outcome a channel should apply.
func (s *Settings) Classify(attempt int, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeAck
	case IsPermanent(err):
		return OutcomeRejected
	case attempt >= s.MaxAttempts:
		return OutcomeDead
	default:
		return OutcomeRetry
	}
}

// Notify reports an outcome to OnOutcome when set.
func (s *Settings) Notify(queue string, outcome Outcome) {
	if s.OnOutcome != nil {
		s.OnOutcome(queue, outcome)
	}
}

// Invoke runs h with panic recovery. A panic is reported as a transient error.
func Invoke(ctx context.Context, h Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on %s/%s: %v\n%s", d.Queue, d.Key, r, debug.Stack())
		}
	}()
	return h(ctx, d)
}
