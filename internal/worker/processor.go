// Package worker executes generation jobs: it drives the status state
// machine, calls the image provider, stores outputs, and settles the token
// charge atomically with completion.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honam867/tasty-banana-v2-sub001/internal/catalog"
	"github.com/honam867/tasty-banana-v2-sub001/internal/generation"
	"github.com/honam867/tasty-banana-v2-sub001/internal/ledger"
	"github.com/honam867/tasty-banana-v2-sub001/internal/provider"
	"github.com/honam867/tasty-banana-v2-sub001/internal/queue"
	"github.com/honam867/tasty-banana-v2-sub001/internal/realtime"
	"github.com/honam867/tasty-banana-v2-sub001/internal/storage"
)

// Payload is the job data enqueued by the intake controller.
type Payload struct {
	GenerationID string `json:"generationId"`
	UserID       string `json:"userId"`
}

// Emitter pushes realtime events to a user's room.
type Emitter interface {
	Emit(userID, event string, payload any)
}

// JobProgress mirrors coarse progress into the job state store.
type JobProgress interface {
	SetProgress(ctx context.Context, id string, progress int) error
}

// ErrInsufficientTokens fails a job before any provider work happens.
var ErrInsufficientTokens = errors.New("insufficient_tokens")

type Processor struct {
	repo     *generation.Repository
	ledger   ledger.Service
	catalog  *catalog.Repo
	store    *storage.Facade
	provider provider.Client
	emitter  Emitter
	jobs     JobProgress
	cache    *TempCache
	logger   *slog.Logger
}

func NewProcessor(repo *generation.Repository, ledgerService ledger.Service, catalogRepo *catalog.Repo, store *storage.Facade, providerClient provider.Client, emitter Emitter, jobs JobProgress, logger *slog.Logger) *Processor {
	return &Processor{
		repo:     repo,
		ledger:   ledgerService,
		catalog:  catalogRepo,
		store:    store,
		provider: providerClient,
		emitter:  emitter,
		jobs:     jobs,
		cache:    NewTempCache(),
		logger:   logger,
	}
}

// Process handles one delivery. Delivery is at-least-once: rows that already
// reached a terminal status are absorbed without side effects, and rows left
// in processing by a crashed run are resumed (the idempotent debit key keeps
// the charge single even if outputs are regenerated).
func (p *Processor) Process(ctx context.Context, job *queue.Job) (any, error) {
	var payload Payload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return nil, queue.Terminal(fmt.Errorf("malformed job data: %w", err))
	}
	logger := p.logger.With("jobId", job.ID, "generationId", payload.GenerationID, "userId", payload.UserID)

	g, err := p.repo.GetByID(ctx, payload.GenerationID)
	if errors.Is(err, generation.ErrNotFound) {
		return nil, queue.Terminal(err)
	}
	if err != nil {
		return nil, err
	}

	switch g.Status {
	case generation.StatusCompleted, generation.StatusFailed, generation.StatusCancelled:
		logger.Info("Absorbing redelivery for settled generation", "status", g.Status)
		return map[string]any{"status": g.Status, "absorbed": true}, nil
	case generation.StatusPending:
		if err := p.repo.Transition(ctx, g.ID, generation.StatusProcessing, 10); err != nil {
			if errors.Is(err, generation.ErrInvalidTransition) {
				logger.Info("Generation settled concurrently; absorbing")
				return map[string]any{"absorbed": true}, nil
			}
			return nil, err
		}
	case generation.StatusProcessing:
		logger.Info("Resuming generation left in processing")
	}

	start := time.Now()
	p.progress(ctx, job.ID, g, 10, "Starting generation")

	result, err := p.run(ctx, logger, job, g, start)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Processor) run(ctx context.Context, logger *slog.Logger, job *queue.Job, g *generation.Generation, start time.Time) (any, error) {
	op, err := p.catalog.GetOperationTypeByID(ctx, g.OperationTypeID)
	if err != nil {
		return nil, queue.Terminal(err)
	}
	n := g.Metadata.NumberOfImages
	if n < 1 {
		n = 1
	}
	totalCost := op.TokensPerOperation * n

	// Check affordability before any provider work; the authoritative debit
	// happens in the completion transaction.
	balance, err := p.ledger.GetBalance(ctx, g.UserID)
	if err != nil {
		return nil, err
	}
	if balance.Balance < totalCost {
		return nil, queue.Terminal(fmt.Errorf("%w: need %d, have %d", ErrInsufficientTokens, totalCost, balance.Balance))
	}

	// The row's reference_image_ids column is the authoritative ordered
	// multi-reference list.
	refIDs, err := p.repo.ReferenceImageIDs(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	inputIDs := inputUploadIDs(g, refIDs)
	defer p.cache.Purge(inputIDs...)

	refs, err := p.loadInputs(ctx, g, inputIDs)
	if err != nil {
		return nil, err
	}
	p.progress(ctx, job.ID, g, 20, "Inputs loaded")

	var template *catalog.PromptTemplate
	if g.PromptTemplateID != nil {
		template, err = p.catalog.GetActiveTemplate(ctx, *g.PromptTemplateID)
		if err != nil {
			return nil, err
		}
	}
	prompt := catalog.ComposePrompt(template, g.Prompt, deref(g.ReferenceType))
	p.progress(ctx, job.ID, g, 30, "Prompt composed")

	outputs := make([]*storage.Upload, 0, n)
	images := make([]generation.ImageInfo, 0, n)
	for i := 0; i < n; i++ {
		img, err := p.provider.Generate(ctx, provider.Operation{
			UserID:          g.UserID,
			Prompt:          prompt,
			ReferenceImages: refs,
			Model:           g.Model,
			AspectRatio:     g.Metadata.AspectRatio,
		})
		if err != nil {
			return nil, classifyProviderError(err)
		}

		upload, err := p.store.Put(ctx, nil, storage.PutParams{
			UserID:   g.UserID,
			Purpose:  storage.PurposeGenerationOutput,
			Filename: fmt.Sprintf("%s-%d", op.Name, i+1),
			MimeType: img.MimeType,
			Data:     img.Data,
			Title:    g.Metadata.OriginalPrompt,
		})
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, upload)
		images = append(images, generation.ImageInfo{
			ImageID:   upload.ID,
			ImageURL:  upload.PublicURL,
			Mime:      upload.MimeType,
			SizeBytes: upload.SizeBytes,
		})

		p.progress(ctx, job.ID, g, 40+(40*(i+1))/n, fmt.Sprintf("Generated image %d of %d", i+1, n))
	}

	entry, err := p.settle(ctx, g, outputs, totalCost, time.Since(start))
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, queue.Terminal(fmt.Errorf("%w: balance dropped during processing", ErrInsufficientTokens))
		}
		return nil, err
	}

	p.emitter.Emit(g.UserID, realtime.EventGenerationProgress, realtime.ProgressPayload{
		GenerationID: g.ID,
		JobID:        job.ID,
		Status:       generation.StatusCompleted,
		Progress:     100,
	})
	p.emitter.Emit(g.UserID, realtime.EventGenerationCompleted, realtime.CompletedPayload{
		GenerationID: g.ID,
		JobID:        job.ID,
		Status:       generation.StatusCompleted,
		Result: realtime.CompletedResult{
			Images: images,
			Tokens: realtime.TokensSummary{
				Used:      totalCost,
				Remaining: entry.Balance.Balance,
			},
			Metadata: g.Metadata,
		},
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	})
	logger.Info("Generation completed", "images", len(images),
		"tokensUsed", totalCost, "durationMs", time.Since(start).Milliseconds())

	return map[string]any{
		"generationId": g.ID,
		"images":       len(images),
		"tokensUsed":   totalCost,
	}, nil
}

// settle commits the debit and the completion in one transaction, then
// pushes the balance event. The debit keys on the generation id so a resumed
// run can never charge twice.
func (p *Processor) settle(ctx context.Context, g *generation.Generation, outputs []*storage.Upload, totalCost int, elapsed time.Duration) (*ledger.Entry, error) {
	tx, err := p.repo.DB().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entry, err := p.ledger.DebitTx(ctx, tx, g.UserID, totalCost, ledger.EntryOptions{
		ReasonCode:     ledger.ReasonSpendGeneration,
		ReferenceType:  "generation",
		ReferenceID:    g.ID,
		IdempotencyKey: g.ID,
		Notes:          map[string]any{"numberOfImages": len(outputs)},
	})
	if err != nil {
		return nil, err
	}

	uploadIDs := make([]string, len(outputs))
	for i, u := range outputs {
		uploadIDs[i] = u.ID
	}
	aiMeta := generation.AIMetadata{Model: g.Model}
	if err := p.repo.AttachOutputsTx(ctx, tx, g.ID, uploadIDs, aiMeta, totalCost, elapsed); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit completion: %w", err)
	}

	// Balance event goes out before the completion event so clients always
	// see the charge first.
	p.ledger.NotifyApplied(entry)
	return entry, nil
}

func (p *Processor) loadInputs(ctx context.Context, g *generation.Generation, ids []string) ([]provider.ReferenceImage, error) {
	refs := make([]provider.ReferenceImage, 0, len(ids))
	for _, id := range ids {
		if data, mime, ok := p.cache.Get(id); ok {
			refs = append(refs, provider.ReferenceImage{Data: data, MimeType: mime})
			continue
		}
		upload, err := p.store.Uploads().GetOwned(ctx, id, g.UserID)
		if err != nil {
			return nil, queue.Terminal(err)
		}
		data, err := p.store.Download(ctx, upload)
		if err != nil {
			return nil, err
		}
		p.cache.Put(id, data, upload.MimeType)
		refs = append(refs, provider.ReferenceImage{Data: data, MimeType: upload.MimeType})
	}
	return refs, nil
}

// inputUploadIDs gathers input image ids in wire order: single input, single
// reference, target, then the ordered multi-reference list.
func inputUploadIDs(g *generation.Generation, referenceIDs []string) []string {
	var ids []string
	for _, p := range []*string{g.InputImageID, g.ReferenceImageID, g.TargetImageID} {
		if p != nil && *p != "" {
			ids = append(ids, *p)
		}
	}
	return append(ids, referenceIDs...)
}

func (p *Processor) progress(ctx context.Context, jobID string, g *generation.Generation, progress int, message string) {
	if err := p.repo.SetProgress(ctx, g.ID, progress); err != nil {
		p.logger.Error("Failed to persist progress", "generationId", g.ID, "error", err)
	}
	if err := p.jobs.SetProgress(ctx, jobID, progress); err != nil {
		p.logger.Error("Failed to record job progress", "jobId", jobID, "error", err)
	}
	p.emitter.Emit(g.UserID, realtime.EventGenerationProgress, realtime.ProgressPayload{
		GenerationID: g.ID,
		JobID:        jobID,
		Status:       generation.StatusProcessing,
		Progress:     progress,
		Message:      message,
	})
}

// classifyProviderError maps provider failures onto the retry policy:
// permanent provider errors and missing-image replies fail the job
// immediately, everything else is retried by the queue.
func classifyProviderError(err error) error {
	if errors.Is(err, provider.ErrPermanent) || errors.Is(err, provider.ErrNoImage) {
		return queue.Terminal(err)
	}
	return err
}

// OnFailure runs when a job is out of retries: the generation is marked
// failed with no charge and the client is notified.
func (p *Processor) OnFailure(ctx context.Context, job *queue.Job, cause error) {
	var payload Payload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		p.logger.Error("Failed job has malformed data", "jobId", job.ID, "error", err)
		return
	}
	// A non-terminal cause means the retry budget ran out on transient
	// failures; terminal causes carry their own classification.
	reason := "exceeded retry budget"
	if queue.IsTerminal(cause) {
		reason = failureReason(cause)
	}
	if err := p.repo.MarkFailed(ctx, payload.GenerationID, reason); err != nil {
		if !errors.Is(err, generation.ErrInvalidTransition) {
			p.logger.Error("Failed to mark generation failed",
				"generationId", payload.GenerationID, "error", err)
		}
		return
	}
	p.emitter.Emit(payload.UserID, realtime.EventGenerationFailed, realtime.FailedPayload{
		GenerationID: payload.GenerationID,
		JobID:        job.ID,
		Status:       generation.StatusFailed,
		Error:        reason,
	})
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientTokens):
		return "insufficient_tokens"
	case errors.Is(err, provider.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, provider.ErrNoImage):
		return "no_image_in_response"
	case errors.Is(err, provider.ErrPermanent):
		return "provider_error"
	default:
		return "generation_failed"
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
