package dbosruntime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/rs/zerolog"
	"github.com/tendant/toll-frame-pipeline/internal/taskchannel"
)

// DeliverWorkflowName is the registered name of the delivery workflow.
// Producers enqueue by this name, so it must not depend on the binary.
const DeliverWorkflowName = "toll.deliver"

// Envelope is the durable workflow input: one task addressed to one queue
type Envelope struct {
	Queue string `json:"queue"`
	Key   string `json:"key"`
	Body  []byte `json:"body"`
}

// Receipt is the durable workflow output
type Receipt struct {
	Queue    string `json:"queue"`
	Key      string `json:"key"`
	Outcome  string `json:"outcome"`
	Attempts int    `json:"attempts"`
}

// Channel is a taskchannel.Channel backed by DBOS queues. Every task is a
// workflow whose ID is derived from the queue and task key, so publishing
// the same task twice enqueues it once. Tasks left unfinished by a crashed
// consumer are recovered and re-run by DBOS.
type Channel struct {
	runtime  *Runtime
	settings taskchannel.Settings
	log      zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]taskchannel.Handler
}

// NewChannel registers the delivery workflow with the runtime.
// Must be called before Launch.
func NewChannel(runtime *Runtime, onOutcome taskchannel.OutcomeFunc, log zerolog.Logger) *Channel {
	cfg := runtime.Config()
	settings := taskchannel.Settings{
		TaskTimeout:  cfg.TaskTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff,
		OnOutcome:    onOutcome,
	}
	settings.WithDefaults()

	c := &Channel{
		runtime:  runtime,
		settings: settings,
		log:      log.With().Str("component", "dbos_channel").Logger(),
		handlers: make(map[string]taskchannel.Handler),
	}

	dbos.RegisterWorkflow(runtime.Context(), c.deliverWorkflow, dbos.WithWorkflowName(DeliverWorkflowName))
	return c
}

// WorkflowID returns the durable ID of the task published under key on queue
func WorkflowID(queue, key string) string {
	return queue + ":" + key
}

// Publish enqueues a task on the named queue. The queue need not be
// consumed by this process; any process that declared it will run the task.
func (c *Channel) Publish(ctx context.Context, queue, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env := Envelope{Queue: queue, Key: key, Body: body}

	handle, err := dbos.Enqueue[Envelope, *Receipt](
		c.runtime.Client(),
		queue,
		DeliverWorkflowName,
		env,
		dbos.WithEnqueueWorkflowID(WorkflowID(queue, key)),
		dbos.WithEnqueueApplicationVersion(c.runtime.Config().ApplicationVersion),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", queue, key, err)
	}

	c.log.Debug().
		Str("queue", queue).
		Str("task_key", key).
		Str("workflow_id", handle.GetWorkflowID()).
		Msg("task enqueued")
	return nil
}

// Consume declares the queue on this process and attaches h to it.
// Must be called before Launch.
func (c *Channel) Consume(queue string, workers int, h taskchannel.Handler) error {
	if h == nil {
		return fmt.Errorf("%w: %s", taskchannel.ErrNoHandler, queue)
	}
	if err := c.runtime.DeclareQueue(queue, workers); err != nil {
		return err
	}

	c.mu.Lock()
	c.handlers[queue] = h
	c.mu.Unlock()

	c.log.Info().Str("queue", queue).Int("workers", workers).Msg("consumer attached")
	return nil
}

// deliverWorkflow is the DBOS workflow function executed for every task
func (c *Channel) deliverWorkflow(dbosCtx dbos.DBOSContext, env Envelope) (*Receipt, error) {
	c.mu.RLock()
	h, ok := c.handlers[env.Queue]
	c.mu.RUnlock()
	if !ok {
		return &Receipt{Queue: env.Queue, Key: env.Key, Outcome: string(taskchannel.OutcomeRejected)},
			fmt.Errorf("%w: %s", taskchannel.ErrNoHandler, env.Queue)
	}

	// Get workflow ID from DBOS context
	runID, err := dbosCtx.GetWorkflowID()
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{Queue: env.Queue, Key: env.Key}
	for attempt := 1; ; attempt++ {
		d := taskchannel.Delivery{
			Queue:   env.Queue,
			Key:     env.Key,
			Body:    env.Body,
			Attempt: attempt,
			RunID:   runID,
		}

		err := c.attempt(dbosCtx, h, d)
		outcome := c.settings.Classify(attempt, err)
		c.settings.Notify(env.Queue, outcome)
		receipt.Attempts = attempt
		receipt.Outcome = string(outcome)

		logEvent := c.log.With().
			Str("run_id", runID).
			Str("queue", env.Queue).
			Str("task_key", env.Key).
			Int("attempt", attempt).
			Logger()

		switch outcome {
		case taskchannel.OutcomeAck:
			return receipt, nil
		case taskchannel.OutcomeRetry:
			logEvent.Warn().Err(err).Msg("task failed, scheduling redelivery")
			if waitErr := sleepContext(dbosCtx, c.settings.RetryBackoff*time.Duration(attempt)); waitErr != nil {
				return receipt, errors.Join(err, waitErr)
			}
		default:
			// Returning an error leaves the workflow in ERROR status,
			// which is the dead-letter record for this task.
			logEvent.Error().Err(err).Str("outcome", string(outcome)).Msg("task dead-lettered")
			return receipt, err
		}
	}
}

func (c *Channel) attempt(ctx context.Context, h taskchannel.Handler, d taskchannel.Delivery) error {
	ctx, cancel := context.WithTimeout(ctx, c.settings.TaskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- taskchannel.Invoke(ctx, h, d)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("attempt %d not acknowledged within %s", d.Attempt, c.settings.TaskTimeout)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
