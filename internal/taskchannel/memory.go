package taskchannel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultBufferSize = 1024

// Memory is an in-process Channel with the same delivery contract as the
// durable one: at-least-once, per-attempt timeout, bounded retries and a
// dead-letter list. Used by the standalone binary and by tests.
type Memory struct {
	settings   Settings
	bufferSize int
	log        zerolog.Logger

	mu      sync.Mutex
	queues  map[string]chan Delivery
	pending int
	closed  bool
	dead    []Delivery

	stop    chan struct{}
	workers sync.WaitGroup
}

// NewMemory creates an in-memory channel. bufferSize bounds each queue;
// Publish blocks (until its context ends) when a queue is full.
func NewMemory(settings Settings, bufferSize int, log zerolog.Logger) *Memory {
	settings.WithDefaults()
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Memory{
		settings:   settings,
		bufferSize: bufferSize,
		log:        log.With().Str("component", "memory_channel").Logger(),
		queues:     make(map[string]chan Delivery),
		stop:       make(chan struct{}),
	}
}

func (m *Memory) queue(name string) chan Delivery {
	q, ok := m.queues[name]
	if !ok {
		q = make(chan Delivery, m.bufferSize)
		m.queues[name] = q
	}
	return q
}

// Publish enqueues a task
func (m *Memory) Publish(ctx context.Context, queue, key string, body []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	q := m.queue(queue)
	m.pending++
	m.mu.Unlock()

	d := Delivery{
		Queue:   queue,
		Key:     key,
		Body:    append([]byte(nil), body...),
		Attempt: 1,
	}

	select {
	case q <- d:
		return nil
	case <-ctx.Done():
		m.settled()
		return fmt.Errorf("publish to %s: %w", queue, ctx.Err())
	}
}

// Consume starts workers goroutines delivering tasks from queue to h
func (m *Memory) Consume(queue string, workers int, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNoHandler, queue)
	}
	if workers <= 0 {
		workers = 1
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	q := m.queue(queue)
	m.mu.Unlock()

	for i := 0; i < workers; i++ {
		m.workers.Add(1)
		go func() {
			defer m.workers.Done()
			for {
				select {
				case d := <-q:
					m.deliver(d, h)
				case <-m.stop:
					return
				}
			}
		}()
	}

	m.log.Info().Str("queue", queue).Int("workers", workers).Msg("consumer attached")
	return nil
}

func (m *Memory) deliver(d Delivery, h Handler) {
	d.RunID = uuid.New().String()

	ctx, cancel := context.WithTimeout(context.Background(), m.settings.TaskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Invoke(ctx, h, d)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("attempt %d not acknowledged within %s", d.Attempt, m.settings.TaskTimeout)
	}

	outcome := m.settings.Classify(d.Attempt, err)
	m.settings.Notify(d.Queue, outcome)

	switch outcome {
	case OutcomeAck:
		m.settled()
	case OutcomeRetry:
		m.log.Warn().Err(err).
			Str("queue", d.Queue).
			Str("task_key", d.Key).
			Int("attempt", d.Attempt).
			Msg("task failed, scheduling redelivery")
		m.redeliver(d)
	default:
		m.log.Error().Err(err).
			Str("queue", d.Queue).
			Str("task_key", d.Key).
			Int("attempt", d.Attempt).
			Str("outcome", string(outcome)).
			Msg("task dead-lettered")
		m.deadLetter(d)
	}
}

func (m *Memory) redeliver(d Delivery) {
	next := d
	next.Attempt++
	next.RunID = ""
	delay := m.settings.RetryBackoff * time.Duration(d.Attempt)

	time.AfterFunc(delay, func() {
		m.mu.Lock()
		q := m.queue(next.Queue)
		m.mu.Unlock()

		select {
		case q <- next:
		case <-m.stop:
			m.deadLetter(next)
		}
	})
}

func (m *Memory) deadLetter(d Delivery) {
	m.mu.Lock()
	m.dead = append(m.dead, d)
	m.mu.Unlock()
	m.settled()
}

func (m *Memory) settled() {
	m.mu.Lock()
	m.pending--
	m.mu.Unlock()
}

// Pending returns the number of published tasks not yet acknowledged or dead-lettered
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// DeadLetters returns a copy of the rejected and exhausted deliveries
func (m *Memory) DeadLetters() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, len(m.dead))
	copy(out, m.dead)
	return out
}

// Drain waits until every published task has been settled or ctx ends.
func (m *Memory) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.Pending() <= 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("drain: %d tasks still pending: %w", m.Pending(), ctx.Err())
		}
	}
}

// Close drains outstanding tasks, then stops all workers
func (m *Memory) Close(ctx context.Context) error {
	err := m.Drain(ctx)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return err
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	m.workers.Wait()
	return err
}
