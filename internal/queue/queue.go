// Package queue is the durable generation job queue: RabbitMQ carries the
// deliveries (persistent messages on a priority queue) while Redis holds the
// queryable per-job state. Delivery is at-least-once; consumers must be
// idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/honam867/tasty-banana-v2-sub001/internal/rmq"
)

// QueueName is the single work queue both binaries attach to.
const QueueName = "image-generation"

// JobGenerate is the only job name currently produced.
const JobGenerate = "generate"

// Default enqueue options used by the intake path.
const (
	DefaultPriority  = 3
	DefaultAttempts  = 3
	DefaultBackoffMs = 2000
)

// Options control scheduling and retry of one job.
type Options struct {
	// JobID pins the job id; callers use it to key job state to a domain id.
	// A fresh uuid is assigned when empty.
	JobID string
	// Priority band, 1 (critical) to 5 (very low).
	Priority int
	// Attempts is the total number of tries before the job is failed.
	Attempts int
	// BackoffMs is the base delay before a retry; doubled per attempt.
	BackoffMs int
}

func (o Options) withDefaults() Options {
	if o.Priority == 0 {
		o.Priority = DefaultPriority
	}
	if o.Attempts == 0 {
		o.Attempts = DefaultAttempts
	}
	if o.BackoffMs == 0 {
		o.BackoffMs = DefaultBackoffMs
	}
	return o
}

// envelope is the wire format published to the broker. Attempt counts the
// delivery being made, starting at 1.
type envelope struct {
	JobID     string          `json:"jobId"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	Priority  int             `json:"priority"`
	Attempt   int             `json:"attempt"`
	Attempts  int             `json:"attempts"`
	BackoffMs int             `json:"backoffMs"`
}

// Job is the unit of work handed to a handler.
type Job struct {
	ID       string
	Name     string
	Data     json.RawMessage
	Attempt  int
	Attempts int
}

// Handler processes one job. The returned value is recorded as the job's
// return value on success. A plain error triggers a retry with backoff; wrap
// with Terminal to fail the job immediately.
type Handler func(ctx context.Context, job *Job) (any, error)

// FailureFunc is invoked once per job when no further retries will happen.
type FailureFunc func(ctx context.Context, job *Job, err error)

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks an error as non-retryable.
func Terminal(err error) error {
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// Queue couples the broker transport with the Redis state store.
type Queue struct {
	producer rmq.Producer
	consumer rmq.Consumer
	state    *State
	logger   *slog.Logger
	sleep    func(time.Duration)
}

func New(producer rmq.Producer, consumer rmq.Consumer, state *State, logger *slog.Logger) *Queue {
	return &Queue{
		producer: producer,
		consumer: consumer,
		state:    state,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

func (q *Queue) State() *State {
	return q.state
}

// Enqueue publishes a new job and records its waiting state. The returned
// job id is what status endpoints poll on.
func (q *Queue) Enqueue(ctx context.Context, name string, data any, opts Options) (string, error) {
	opts = opts.withDefaults()
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job data: %w", err)
	}
	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	env := envelope{
		JobID:     jobID,
		Name:      name,
		Data:      payload,
		Priority:  opts.Priority,
		Attempt:   1,
		Attempts:  opts.Attempts,
		BackoffMs: opts.BackoffMs,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job envelope: %w", err)
	}

	if err := q.state.Init(ctx, env.JobID, name, payload, time.Now()); err != nil {
		return "", err
	}
	if err := q.producer.Send(ctx, body, opts.Priority, env.JobID); err != nil {
		return "", fmt.Errorf("failed to publish job: %w", err)
	}
	q.logger.Info("Enqueued job", "jobId", env.JobID, "name", name, "priority", opts.Priority)
	return env.JobID, nil
}

// Subscribe consumes jobs with the given concurrency until ctx is done.
// Handler errors trigger a republish with exponential backoff until the
// attempt budget is spent; then onFailure runs and the job is recorded
// failed. Malformed payloads are dropped without requeue.
func (q *Queue) Subscribe(ctx context.Context, concurrency int, handler Handler, onFailure FailureFunc) error {
	if concurrency < 1 {
		concurrency = 1
	}
	deliveries, err := q.consumer.Recv(ctx, concurrency)
	if err != nil {
		return err
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.SetLimit(concurrency)
	for delivery := range deliveries {
		delivery := delivery
		wg.Go(func() error {
			q.handleDelivery(ctx, delivery.Body, delivery.Ack, delivery.Nack, handler, onFailure)
			return nil
		})
	}
	return wg.Wait()
}

type ackFunc func(multiple bool) error
type nackFunc func(multiple, requeue bool) error

func (q *Queue) handleDelivery(ctx context.Context, body []byte, ack ackFunc, nack nackFunc, handler Handler, onFailure FailureFunc) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		q.logger.Error("Dropping malformed job payload", "error", err)
		_ = nack(false, false)
		return
	}
	job := &Job{
		ID:       env.JobID,
		Name:     env.Name,
		Data:     env.Data,
		Attempt:  env.Attempt,
		Attempts: env.Attempts,
	}

	if err := q.state.MarkActive(ctx, job.ID, job.Attempt); err != nil {
		q.logger.Error("Failed to record active state", "jobId", job.ID, "error", err)
	}
	q.logger.Info("Processing job", "jobId", job.ID, "name", job.Name,
		"attempt", job.Attempt, "attempts", job.Attempts)

	result, err := handler(ctx, job)
	if err == nil {
		if err := q.state.MarkCompleted(ctx, job.ID, result, time.Now()); err != nil {
			q.logger.Error("Failed to record completed state", "jobId", job.ID, "error", err)
		}
		_ = ack(false)
		return
	}

	if !IsTerminal(err) && env.Attempt < env.Attempts {
		_ = ack(false)
		// Back off outside the consumer slot so a retrying job cannot stall
		// one of the workers.
		go q.retry(ctx, env, err)
		return
	}

	q.logger.Error("Job failed", "jobId", job.ID, "name", job.Name,
		"attempt", job.Attempt, "error", err)
	if stateErr := q.state.MarkFailed(ctx, job.ID, err.Error(), time.Now()); stateErr != nil {
		q.logger.Error("Failed to record failed state", "jobId", job.ID, "error", stateErr)
	}
	if onFailure != nil {
		onFailure(ctx, job, err)
	}
	_ = ack(false)
}

// retry republishes the envelope with an incremented attempt after the
// backoff delay. The original delivery is already acked; losing the process
// during the delay loses only a retry of an already-failed attempt, and the
// status record still shows the job active for inspection.
func (q *Queue) retry(ctx context.Context, env envelope, cause error) {
	delay := backoffDelay(env.BackoffMs, env.Attempt)
	env.Attempt++
	body, err := json.Marshal(env)
	if err != nil {
		q.logger.Error("Failed to marshal retry envelope", "jobId", env.JobID, "error", err)
		return
	}
	q.logger.Info("Retrying job", "jobId", env.JobID, "attempt", env.Attempt,
		"delay", delay, "cause", cause)
	q.sleep(delay)
	if err := q.state.MarkWaiting(ctx, env.JobID); err != nil {
		q.logger.Error("Failed to record waiting state", "jobId", env.JobID, "error", err)
	}
	if err := q.producer.Send(ctx, body, env.Priority, env.JobID); err != nil {
		q.logger.Error("Failed to republish job", "jobId", env.JobID, "error", err)
	}
}

// backoffDelay doubles the base delay per completed attempt.
func backoffDelay(baseMs, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(baseMs) * time.Millisecond << (attempt - 1)
}

// RetryFailed republishes a failed job from its stored payload with a fresh
// attempt budget.
func (q *Queue) RetryFailed(ctx context.Context, jobID string) error {
	js, err := q.state.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if js.State != StateFailed {
		return fmt.Errorf("job %s is %s, not failed", jobID, js.State)
	}
	env := envelope{
		JobID:     jobID,
		Name:      js.Name,
		Data:      js.Data,
		Priority:  DefaultPriority,
		Attempt:   1,
		Attempts:  DefaultAttempts,
		BackoffMs: DefaultBackoffMs,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal retry envelope: %w", err)
	}
	if err := q.state.ClearFailed(ctx, jobID); err != nil {
		return err
	}
	if err := q.state.Init(ctx, jobID, js.Name, js.Data, time.Now()); err != nil {
		return err
	}
	if err := q.producer.Send(ctx, body, env.Priority, jobID); err != nil {
		return fmt.Errorf("failed to republish job: %w", err)
	}
	q.logger.Info("Requeued failed job", "jobId", jobID)
	return nil
}
