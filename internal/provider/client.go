// Package provider adapts the Gemini image model behind a small Client
// interface: request marshalling, inline-image extraction, per-user rate
// limiting, and retry of transient failures with exponential backoff.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Generation config defaults.
const (
	DefaultTemperature float32 = 0.7
	DefaultTopK        int32   = 40
	DefaultTopP        float32 = 0.95
)

const (
	maxAttempts    = 3
	baseBackoff    = 1000 * time.Millisecond
	maxBackoff     = 5000 * time.Millisecond
	requestTimeout = 60 * time.Second
)

// ReferenceImage is one input image part for the model, in wire order.
type ReferenceImage struct {
	Data     []byte
	MimeType string
}

// Operation describes one image to generate.
type Operation struct {
	UserID          string
	Prompt          string
	ReferenceImages []ReferenceImage
	Model           string
	Temperature     float32
	TopK            int32
	TopP            float32
	AspectRatio     string
}

// Image is the produced inline image.
type Image struct {
	Data     []byte
	MimeType string
}

type Client interface {
	Generate(ctx context.Context, op Operation) (*Image, error)
}

type client struct {
	genai   *genai.Client
	logger  *slog.Logger
	limiter RateLimiter
	sleep   func(time.Duration)
}

// NewClient connects to the Gemini API. The limiter is consulted before
// every user request; pass NewSlidingWindowLimiter for the default policy.
func NewClient(ctx context.Context, apiKey string, limiter RateLimiter, logger *slog.Logger) (Client, error) {
	g, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gemini client: %w", err)
	}
	return &client{genai: g, logger: logger, limiter: limiter, sleep: time.Sleep}, nil
}

// Generate sends one content block to the model: the prompt text first, then
// the reference images in submitted order, and returns the first inline
// image part of the reply.
func (c *client) Generate(ctx context.Context, op Operation) (*Image, error) {
	if c.limiter != nil && !c.limiter.Allow(op.UserID, time.Now()) {
		return nil, ErrRateLimited
	}

	model := c.genai.GenerativeModel(op.Model)
	temperature := op.Temperature
	if temperature == 0 {
		temperature = DefaultTemperature
	}
	topK := op.TopK
	if topK == 0 {
		topK = DefaultTopK
	}
	topP := op.TopP
	if topP == 0 {
		topP = DefaultTopP
	}
	model.SetTemperature(temperature)
	model.SetTopK(topK)
	model.SetTopP(topP)

	// The image model takes the aspect ratio as part of the prompt text;
	// GenerationConfig has no field for it.
	prompt := op.Prompt
	if op.AspectRatio != "" {
		prompt = fmt.Sprintf("%s\n\nAspect ratio: %s", prompt, op.AspectRatio)
	}
	parts := make([]genai.Part, 0, len(op.ReferenceImages)+1)
	parts = append(parts, genai.Text(prompt))
	for _, img := range op.ReferenceImages {
		parts = append(parts, genai.Blob{MIMEType: img.MimeType, Data: img.Data})
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		image, err := c.generateOnce(ctx, model, parts)
		if err == nil {
			return image, nil
		}
		lastErr = err

		if !isTransient(err) {
			return nil, &permanentError{message: err.Error()}
		}
		if attempt == maxAttempts {
			break
		}
		backoff := backoffFor(attempt)
		c.logger.Info("Transient provider error; retrying",
			"attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			c.sleep(backoff)
		}
	}
	return nil, fmt.Errorf("provider failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *client) generateOnce(ctx context.Context, model *genai.GenerativeModel, parts []genai.Part) (*Image, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, err
	}
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if blob, ok := part.(genai.Blob); ok {
				return &Image{Data: blob.Data, MimeType: blob.MIMEType}, nil
			}
		}
	}
	return nil, ErrNoImage
}

// backoffFor returns min(1000 * 2^(attempt-1), 5000) milliseconds.
func backoffFor(attempt int) time.Duration {
	d := baseBackoff << (attempt - 1)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
