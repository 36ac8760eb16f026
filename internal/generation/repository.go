package generation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/honam867/tasty-banana-v2-sub001/internal/cursor"
)

const selectColumns = `
	id, user_id, project_id, operation_type_id, prompt, negative_prompt,
	input_image_id, reference_image_id, target_image_id, reference_type,
	prompt_template_id, model, status, progress, tokens_used, error_message,
	processing_time_ms, metadata, ai_metadata, created_at, completed_at`

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the handle for callers that coordinate multi-repo transactions.
func (r *Repository) DB() *sqlx.DB {
	return r.db
}

// CreateParams is the normalized intake output; image inputs are always
// upload ids by the time a row is created.
type CreateParams struct {
	UserID           string
	OperationTypeID  string
	Prompt           string
	NegativePrompt   string
	ProjectID        string
	PromptTemplateID string
	InputImageID     string
	ReferenceImageID string
	TargetImageID    string
	ReferenceIDs     []string
	ReferenceType    string
	Model            string
	Metadata         Metadata
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Create inserts a pending row with zero progress.
func (r *Repository) Create(ctx context.Context, p CreateParams) (*Generation, error) {
	model := p.Model
	if model == "" {
		model = DefaultModel
	}
	g := &Generation{
		ID:               uuid.NewString(),
		UserID:           p.UserID,
		ProjectID:        nullable(p.ProjectID),
		OperationTypeID:  p.OperationTypeID,
		Prompt:           p.Prompt,
		NegativePrompt:   nullable(p.NegativePrompt),
		InputImageID:     nullable(p.InputImageID),
		ReferenceImageID: nullable(p.ReferenceImageID),
		TargetImageID:    nullable(p.TargetImageID),
		ReferenceType:    nullable(p.ReferenceType),
		PromptTemplateID: nullable(p.PromptTemplateID),
		Model:            model,
		Status:           StatusPending,
		Metadata:         p.Metadata,
		CreatedAt:        time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO generations
		    (id, user_id, project_id, operation_type_id, prompt, negative_prompt,
		     input_image_id, reference_image_id, target_image_id, reference_image_ids,
		     reference_type, prompt_template_id, model, status, progress, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 0, $15, $16)
	`, g.ID, g.UserID, g.ProjectID, g.OperationTypeID, g.Prompt, g.NegativePrompt,
		g.InputImageID, g.ReferenceImageID, g.TargetImageID, pq.Array(p.ReferenceIDs),
		g.ReferenceType, g.PromptTemplateID, g.Model, g.Status, g.Metadata, g.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert generation: %w", err)
	}
	return g, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*Generation, error) {
	var g Generation
	err := r.db.GetContext(ctx, &g, `SELECT`+selectColumns+` FROM generations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load generation: %w", err)
	}
	return &g, nil
}

// GetOwned loads a generation and verifies ownership; foreign rows surface
// as ErrNotFound.
func (r *Repository) GetOwned(ctx context.Context, id, userID string) (*Generation, error) {
	g, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.UserID != userID {
		return nil, ErrNotFound
	}
	return g, nil
}

// ReferenceImageIDs loads the ordered multi-reference id list for a row.
func (r *Repository) ReferenceImageIDs(ctx context.Context, id string) ([]string, error) {
	var ids pq.StringArray
	err := r.db.GetContext(ctx, &ids, `SELECT reference_image_ids FROM generations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reference image ids: %w", err)
	}
	return []string(ids), nil
}

// Transition moves a row to a new status, enforcing the forward-only state
// machine at the SQL level: the update applies only while the current status
// still permits it. Returns ErrInvalidTransition otherwise.
func (r *Repository) Transition(ctx context.Context, id, to string, progress int) error {
	from := allowedFrom(to)
	res, err := r.db.ExecContext(ctx, `
		UPDATE generations SET status = $2, progress = $3
		WHERE id = $1 AND status = ANY($4)
	`, id, to, progress, pq.Array(from))
	if err != nil {
		return fmt.Errorf("failed to transition generation: %w", err)
	}
	return checkTransitioned(res, id, to)
}

func allowedFrom(to string) []string {
	var from []string
	for status, nexts := range allowedTransitions {
		for _, next := range nexts {
			if next == to {
				from = append(from, status)
			}
		}
	}
	return from
}

func checkTransitioned(res sql.Result, id, to string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: generation %s -> %s", ErrInvalidTransition, id, to)
	}
	return nil
}

// SetProgress updates progress on an in-flight row only.
func (r *Repository) SetProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE generations SET progress = $2
		WHERE id = $1 AND status = $3
	`, id, progress, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// MarkFailed transitions a row to failed with its error message. Failed rows
// never charge tokens, so tokens_used stays zero and progress resets.
func (r *Repository) MarkFailed(ctx context.Context, id, errorMessage string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE generations
		SET status = $2, progress = 0, error_message = $3, tokens_used = 0, completed_at = now()
		WHERE id = $1 AND status = ANY($4)
	`, id, StatusFailed, errorMessage, pq.Array(allowedFrom(StatusFailed)))
	if err != nil {
		return fmt.Errorf("failed to mark generation failed: %w", err)
	}
	return checkTransitioned(res, id, StatusFailed)
}

// Cancel moves a still-pending row to cancelled.
func (r *Repository) Cancel(ctx context.Context, id, userID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE generations SET status = $3
		WHERE id = $1 AND user_id = $2 AND status = $4
	`, id, userID, StatusCancelled, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to cancel generation: %w", err)
	}
	return checkTransitioned(res, id, StatusCancelled)
}

// AttachOutputsTx completes a generation inside a caller-owned transaction:
// sets the output image ids, flips status to completed with full progress,
// and records the spend. The caller debits the ledger in the same
// transaction so the charge and the completion commit together.
func (r *Repository) AttachOutputsTx(ctx context.Context, tx *sqlx.Tx, id string, uploadIDs []string, aiMeta AIMetadata, tokensUsed int, processingTime time.Duration) error {
	aiMeta.ImageIDs = uploadIDs
	res, err := tx.ExecContext(ctx, `
		UPDATE generations
		SET status = $2, progress = 100, ai_metadata = $3, tokens_used = $4,
		    processing_time_ms = $5, completed_at = now()
		WHERE id = $1 AND status = $6
	`, id, StatusCompleted, aiMeta, tokensUsed, processingTime.Milliseconds(), StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to attach outputs: %w", err)
	}
	return checkTransitioned(res, id, StatusCompleted)
}

// GetUserQueue lists a user's rows in the given statuses, newest first.
func (r *Repository) GetUserQueue(ctx context.Context, userID string, statuses []string) ([]Generation, error) {
	var rows []Generation
	err := r.db.SelectContext(ctx, &rows, `
		SELECT`+selectColumns+`
		FROM generations
		WHERE user_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC, id DESC
	`, userID, pq.Array(statuses))
	if err != nil {
		return nil, fmt.Errorf("failed to list user queue: %w", err)
	}
	return rows, nil
}

type TimelineQuery struct {
	Limit         int
	Cursor        string
	IncludeFailed bool
}

// GetTimeline pages through a user's generations with a keyset cursor,
// ordered by (created_at, id) descending. Failed rows are excluded unless
// requested.
func (r *Repository) GetTimeline(ctx context.Context, userID string, q TimelineQuery) ([]Generation, string, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	afterTime, afterID, err := cursor.Decode(q.Cursor)
	if err != nil {
		return nil, "", err
	}

	statuses := []string{StatusPending, StatusProcessing, StatusCompleted}
	if q.IncludeFailed {
		statuses = append(statuses, StatusFailed)
	}

	query := `SELECT` + selectColumns + ` FROM generations WHERE user_id = $1 AND status = ANY($2)`
	args := []any{userID, pq.Array(statuses)}
	if !afterTime.IsZero() {
		args = append(args, afterTime, afterID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	var rows []Generation
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, "", fmt.Errorf("failed to load timeline: %w", err)
	}

	next := ""
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		next = cursor.Encode(last.CreatedAt, last.ID)
	}
	return rows, next, nil
}
