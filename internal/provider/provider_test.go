package provider

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_isTransient(t *testing.T) {
	assert.True(t, isTransient(errors.New("429: rate limit exceeded")))
	assert.True(t, isTransient(errors.New("connection reset by peer")))
	assert.True(t, isTransient(errors.New("context deadline exceeded: timeout")))
	assert.True(t, isTransient(errors.New("quota exceeded for project")))

	assert.False(t, isTransient(errors.New("400: invalid API key provided")))
	assert.False(t, isTransient(errors.New("permission denied")))
	assert.False(t, isTransient(errors.New("model not found")))

	// Permanent markers win over transient ones.
	assert.False(t, isTransient(errors.New("bad request: connection parameter missing")))

	// Unclassified errors get retried.
	assert.True(t, isTransient(errors.New("something inexplicable")))
}

func Test_backoffFor(t *testing.T) {
	assert.Equal(t, 1000*time.Millisecond, backoffFor(1))
	assert.Equal(t, 2000*time.Millisecond, backoffFor(2))
	assert.Equal(t, 4000*time.Millisecond, backoffFor(3))
	assert.Equal(t, 5000*time.Millisecond, backoffFor(4))
	assert.Equal(t, 5000*time.Millisecond, backoffFor(10))
}

func Test_permanentError(t *testing.T) {
	err := error(&permanentError{message: "invalid api key"})
	assert.True(t, errors.Is(err, ErrPermanent))
	assert.Contains(t, err.Error(), "invalid api key")
}

func Test_slidingWindowLimiter(t *testing.T) {
	limiter := NewSlidingWindowLimiter(time.Minute, 3)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, limiter.Allow("alice", now))
	assert.True(t, limiter.Allow("alice", now.Add(time.Second)))
	assert.True(t, limiter.Allow("alice", now.Add(2*time.Second)))
	assert.False(t, limiter.Allow("alice", now.Add(3*time.Second)))

	// Other users have their own window.
	assert.True(t, limiter.Allow("bob", now.Add(3*time.Second)))

	// The two oldest requests age out after a minute, freeing two slots.
	assert.True(t, limiter.Allow("alice", now.Add(61*time.Second)))
	assert.True(t, limiter.Allow("alice", now.Add(61*time.Second)))
	assert.False(t, limiter.Allow("alice", now.Add(61*time.Second)))
}

func Test_slidingWindowLimiter_refusalDoesNotConsume(t *testing.T) {
	limiter := NewSlidingWindowLimiter(time.Minute, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, limiter.Allow("alice", now))
	assert.False(t, limiter.Allow("alice", now.Add(time.Second)))

	// Once the first request leaves the window, the next is allowed even
	// though a refusal happened in between.
	assert.True(t, limiter.Allow("alice", now.Add(61*time.Second)))
}
