package generation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_CanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusProcessing))
	assert.True(t, CanTransition(StatusPending, StatusCancelled))
	assert.True(t, CanTransition(StatusProcessing, StatusCompleted))
	assert.True(t, CanTransition(StatusProcessing, StatusFailed))

	// No backward or terminal-exit transitions.
	assert.False(t, CanTransition(StatusProcessing, StatusPending))
	assert.False(t, CanTransition(StatusCompleted, StatusProcessing))
	assert.False(t, CanTransition(StatusFailed, StatusPending))
	assert.False(t, CanTransition(StatusCancelled, StatusProcessing))
	assert.False(t, CanTransition(StatusProcessing, StatusCancelled))
}

func Test_allowedFrom(t *testing.T) {
	assert.ElementsMatch(t, []string{StatusPending}, allowedFrom(StatusProcessing))
	assert.ElementsMatch(t, []string{StatusPending}, allowedFrom(StatusCancelled))
	assert.ElementsMatch(t, []string{StatusProcessing}, allowedFrom(StatusCompleted))
	assert.ElementsMatch(t, []string{StatusPending, StatusProcessing}, allowedFrom(StatusFailed))
}

func Test_Metadata_roundtrip(t *testing.T) {
	m := Metadata{
		Prompt:         "a castle at dusk",
		NumberOfImages: 2,
		AspectRatio:    "16:9",
		ReferenceIDs:   []string{"id-1", "id-2"},
	}
	v, err := m.Value()
	assert.NoError(t, err)

	var got Metadata
	assert.NoError(t, got.Scan(v))
	assert.Equal(t, m, got)

	// NULL columns scan to the zero value.
	var empty Metadata
	assert.NoError(t, empty.Scan(nil))
	assert.Equal(t, Metadata{}, empty)
}

func Test_BuildView_completed(t *testing.T) {
	completedAt := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	processingMs := int64(8421)
	g := &Generation{
		ID:               "gen-1",
		Status:           StatusCompleted,
		Progress:         100,
		TokensUsed:       200,
		ProcessingTimeMs: &processingMs,
		CompletedAt:      &completedAt,
		Metadata:         Metadata{Prompt: "a castle", NumberOfImages: 2},
	}
	images := []ImageInfo{{ImageID: "img-1", ImageURL: "https://cdn.example/img-1"}}

	v := BuildView(g, images)
	assert.Equal(t, StatusCompleted, v.Status)
	assert.Equal(t, 100, v.Progress)
	assert.Equal(t, images, v.Images)
	assert.Equal(t, 200, *v.TokensUsed)
	assert.Equal(t, processingMs, *v.ProcessingTimeMs)
	assert.Equal(t, &completedAt, v.CompletedAt)
}

func Test_BuildView_failed(t *testing.T) {
	msg := "insufficient_tokens"
	g := &Generation{
		ID:           "gen-2",
		Status:       StatusFailed,
		Progress:     40,
		ErrorMessage: &msg,
		Metadata:     Metadata{Prompt: "a castle", NumberOfImages: 1},
	}

	v := BuildView(g, nil)
	assert.Equal(t, StatusFailed, v.Status)
	assert.Equal(t, 0, v.Progress)
	assert.Equal(t, 0, *v.TokensUsed)
	assert.Equal(t, "insufficient_tokens", v.Error)
	assert.Nil(t, v.Images)
	assert.Nil(t, v.CompletedAt)
}

func Test_BuildView_pending(t *testing.T) {
	g := &Generation{
		ID:       "gen-3",
		Status:   StatusPending,
		Progress: 0,
		Metadata: Metadata{Prompt: "a castle", NumberOfImages: 1},
	}

	v := BuildView(g, nil)
	assert.Equal(t, StatusPending, v.Status)
	assert.Nil(t, v.TokensUsed)
	assert.Nil(t, v.Images)
	assert.Empty(t, v.Error)
}
