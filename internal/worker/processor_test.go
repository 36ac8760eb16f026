package worker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/honam867/tasty-banana-v2-sub001/internal/generation"
	"github.com/honam867/tasty-banana-v2-sub001/internal/provider"
	"github.com/honam867/tasty-banana-v2-sub001/internal/queue"
)

func newMockProcessor(t *testing.T) (*Processor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := generation.NewRepository(sqlx.NewDb(db, "sqlmock"))
	return NewProcessor(repo, nil, nil, nil, nil, nil, nil, slog.Default()), mock
}

func settledGenerationRow(status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "project_id", "operation_type_id", "prompt",
		"negative_prompt", "input_image_id", "reference_image_id",
		"target_image_id", "reference_type", "prompt_template_id", "model",
		"status", "progress", "tokens_used", "error_message",
		"processing_time_ms", "metadata", "ai_metadata", "created_at",
		"completed_at",
	}).AddRow(
		"gen-1", "user-1", nil, "op-1", "a castle at dusk",
		nil, nil, nil,
		nil, nil, nil, generation.DefaultModel,
		status, 100, 100, nil,
		nil, []byte(`{}`), []byte(`{}`), time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		nil,
	)
}

// Redelivery of a settled generation must be absorbed without any further
// database work: one status read, nothing else.
func Test_Process_absorbsSettledGeneration(t *testing.T) {
	for _, status := range []string{
		generation.StatusCompleted,
		generation.StatusFailed,
		generation.StatusCancelled,
	} {
		p, mock := newMockProcessor(t)
		mock.ExpectQuery("FROM generations").
			WithArgs("gen-1").
			WillReturnRows(settledGenerationRow(status))

		result, err := p.Process(context.Background(), &queue.Job{
			ID:   "gen-1",
			Name: queue.JobGenerate,
			Data: []byte(`{"generationId": "gen-1", "userId": "user-1"}`),
		})
		require.NoError(t, err, status)
		returned, ok := result.(map[string]any)
		require.True(t, ok, status)
		assert.Equal(t, true, returned["absorbed"], status)
		assert.NoError(t, mock.ExpectationsWereMet(), status)
	}
}

func Test_Process_malformedPayloadIsTerminal(t *testing.T) {
	p, _ := newMockProcessor(t)
	_, err := p.Process(context.Background(), &queue.Job{
		ID:   "job-1",
		Name: queue.JobGenerate,
		Data: []byte("{not json"),
	})
	require.Error(t, err)
	assert.True(t, queue.IsTerminal(err))
}

func Test_Process_unknownGenerationIsTerminal(t *testing.T) {
	p, mock := newMockProcessor(t)
	mock.ExpectQuery("FROM generations").
		WithArgs("gen-gone").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := p.Process(context.Background(), &queue.Job{
		ID:   "gen-gone",
		Name: queue.JobGenerate,
		Data: []byte(`{"generationId": "gen-gone", "userId": "user-1"}`),
	})
	require.Error(t, err)
	assert.True(t, queue.IsTerminal(err))
	assert.ErrorIs(t, err, generation.ErrNotFound)
}

func Test_inputUploadIDs(t *testing.T) {
	ref := "ref-1"
	target := "target-1"
	g := &generation.Generation{
		ReferenceImageID: &ref,
		TargetImageID:    &target,
	}
	assert.Equal(t, []string{"ref-1", "target-1", "multi-1", "multi-2"},
		inputUploadIDs(g, []string{"multi-1", "multi-2"}))

	empty := ""
	assert.Empty(t, inputUploadIDs(&generation.Generation{InputImageID: &empty}, nil))
}

func Test_classifyProviderError(t *testing.T) {
	permanent := provider.ErrPermanent
	assert.True(t, queue.IsTerminal(classifyProviderError(permanent)))
	assert.True(t, queue.IsTerminal(classifyProviderError(provider.ErrNoImage)))

	transient := errors.New("connection reset")
	assert.False(t, queue.IsTerminal(classifyProviderError(transient)))
	assert.False(t, queue.IsTerminal(classifyProviderError(provider.ErrRateLimited)))
}

func Test_failureReason(t *testing.T) {
	assert.Equal(t, "insufficient_tokens", failureReason(ErrInsufficientTokens))
	assert.Equal(t, "rate_limited", failureReason(provider.ErrRateLimited))
	assert.Equal(t, "no_image_in_response", failureReason(provider.ErrNoImage))
	assert.Equal(t, "provider_error", failureReason(provider.ErrPermanent))
	assert.Equal(t, "generation_failed", failureReason(errors.New("anything else")))

	// Wrapping preserves classification, including through Terminal.
	assert.Equal(t, "insufficient_tokens",
		failureReason(queue.Terminal(errors.Join(ErrInsufficientTokens, errors.New("need 200, have 0")))))
}

func Test_TempCache(t *testing.T) {
	cache := NewTempCache()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Put("upload-1", []byte("png bytes"), "image/png")
	data, mime, ok := cache.Get("upload-1")
	assert.True(t, ok)
	assert.Equal(t, []byte("png bytes"), data)
	assert.Equal(t, "image/png", mime)

	// Entries expire after five minutes.
	now = now.Add(6 * time.Minute)
	_, _, ok = cache.Get("upload-1")
	assert.False(t, ok)
	assert.Zero(t, cache.Len())
}

func Test_TempCache_Purge(t *testing.T) {
	cache := NewTempCache()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Put("upload-1", []byte("a"), "image/png")
	cache.Put("upload-2", []byte("b"), "image/png")
	cache.Put("upload-3", []byte("c"), "image/png")

	// upload-3 goes stale; purging upload-1 sweeps it out too.
	now = now.Add(2 * time.Minute)
	cache.Put("upload-1", []byte("a2"), "image/png")
	cache.Put("upload-2", []byte("b2"), "image/png")
	now = now.Add(4 * time.Minute)

	cache.Purge("upload-1")
	assert.Equal(t, 1, cache.Len())
	_, _, ok := cache.Get("upload-2")
	assert.True(t, ok)
}
