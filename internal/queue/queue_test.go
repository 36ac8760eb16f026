package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingProducer struct {
	sent chan []byte
}

func (p *capturingProducer) Send(ctx context.Context, body []byte, priority int, messageId string) error {
	p.sent <- body
	return nil
}

// newTestQueue wires a queue whose Redis state store fails fast; state
// errors are logged, never fatal, so the delivery flow stays observable.
func newTestQueue(producer *capturingProducer) *Queue {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: time.Millisecond,
		MaxRetries:  -1,
	})
	q := New(producer, nil, NewState(rdb), slog.New(slog.NewTextHandler(io.Discard, nil)))
	q.sleep = func(time.Duration) {}
	return q
}

func Test_handleDelivery_retriesThenFails(t *testing.T) {
	producer := &capturingProducer{sent: make(chan []byte, 1)}
	q := newTestQueue(producer)

	env := envelope{
		JobID:     "job-1",
		Name:      JobGenerate,
		Data:      []byte(`{}`),
		Priority:  DefaultPriority,
		Attempt:   1,
		Attempts:  2,
		BackoffMs: 10,
	}
	body, err := json.Marshal(env)
	require.NoError(t, err)

	handlerCalls := 0
	handler := func(ctx context.Context, job *Job) (any, error) {
		handlerCalls++
		return nil, errors.New("connection reset")
	}
	var failedJob *Job
	var failedErr error
	onFailure := func(ctx context.Context, job *Job, err error) {
		failedJob = job
		failedErr = err
	}
	acks := 0
	ack := func(bool) error { acks++; return nil }
	nack := func(bool, bool) error {
		t.Fatal("transient failures must not be nacked")
		return nil
	}

	// First delivery: transient failure with budget left republishes the
	// envelope at attempt 2.
	q.handleDelivery(context.Background(), body, ack, nack, handler, onFailure)
	var republished envelope
	select {
	case b := <-producer.sent:
		require.NoError(t, json.Unmarshal(b, &republished))
	case <-time.After(time.Second):
		t.Fatal("expected a retry republish")
	}
	assert.Equal(t, 2, republished.Attempt)
	assert.Equal(t, "job-1", republished.JobID)
	assert.Equal(t, 1, acks)
	assert.Nil(t, failedJob)

	// Second delivery: the attempt budget is spent, so the failure callback
	// runs instead of another republish.
	body, err = json.Marshal(republished)
	require.NoError(t, err)
	q.handleDelivery(context.Background(), body, ack, nack, handler, onFailure)
	assert.Equal(t, 2, handlerCalls)
	assert.Equal(t, 2, acks)
	require.NotNil(t, failedJob)
	assert.Equal(t, "job-1", failedJob.ID)
	assert.Equal(t, 2, failedJob.Attempt)
	assert.EqualError(t, failedErr, "connection reset")
	assert.Empty(t, producer.sent)
}

func Test_handleDelivery_terminalSkipsRetry(t *testing.T) {
	producer := &capturingProducer{sent: make(chan []byte, 1)}
	q := newTestQueue(producer)

	env := envelope{
		JobID:     "job-2",
		Name:      JobGenerate,
		Data:      []byte(`{}`),
		Priority:  DefaultPriority,
		Attempt:   1,
		Attempts:  3,
		BackoffMs: 10,
	}
	body, err := json.Marshal(env)
	require.NoError(t, err)

	cause := errors.New("generation not found")
	var failedErr error
	onFailure := func(ctx context.Context, job *Job, err error) {
		failedErr = err
	}
	ack := func(bool) error { return nil }
	nack := func(bool, bool) error { return nil }

	q.handleDelivery(context.Background(), body, ack, nack,
		func(ctx context.Context, job *Job) (any, error) {
			return nil, Terminal(cause)
		}, onFailure)

	assert.ErrorIs(t, failedErr, cause)
	assert.Empty(t, producer.sent)
}

func Test_Terminal(t *testing.T) {
	cause := errors.New("no such generation")
	err := Terminal(cause)

	assert.True(t, IsTerminal(err))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "no such generation", err.Error())

	assert.False(t, IsTerminal(cause))
	assert.False(t, IsTerminal(nil))

	// Terminal survives further wrapping.
	wrapped := errors.Join(errors.New("outer"), err)
	assert.True(t, IsTerminal(wrapped))
}

func Test_backoffDelay(t *testing.T) {
	assert.Equal(t, 2000*time.Millisecond, backoffDelay(2000, 1))
	assert.Equal(t, 4000*time.Millisecond, backoffDelay(2000, 2))
	assert.Equal(t, 8000*time.Millisecond, backoffDelay(2000, 3))
	assert.Equal(t, 2000*time.Millisecond, backoffDelay(2000, 0))
}

func Test_Options_withDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, DefaultPriority, opts.Priority)
	assert.Equal(t, DefaultAttempts, opts.Attempts)
	assert.Equal(t, DefaultBackoffMs, opts.BackoffMs)

	opts = Options{Priority: 1, Attempts: 5, BackoffMs: 500}.withDefaults()
	assert.Equal(t, 1, opts.Priority)
	assert.Equal(t, 5, opts.Attempts)
	assert.Equal(t, 500, opts.BackoffMs)
}
