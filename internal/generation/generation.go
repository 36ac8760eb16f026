// Package generation persists generation requests and drives their status
// state machine. Transitions are forward-only; a row never re-enters
// pending, and redelivered jobs are absorbed by checking status first.
package generation

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Generation statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// DefaultModel is used when the request does not pick a model.
const DefaultModel = "gemini-2.5-flash-image"

var (
	ErrNotFound          = errors.New("generation not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// allowedTransitions encodes the forward-only state machine:
//
//	pending -> processing | cancelled
//	processing -> completed | failed
var allowedTransitions = map[string][]string{
	StatusPending:    {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether a row may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Metadata is the request-side payload stored on the row.
type Metadata struct {
	Prompt           string   `json:"prompt"`
	OriginalPrompt   string   `json:"originalPrompt"`
	NumberOfImages   int      `json:"numberOfImages"`
	AspectRatio      string   `json:"aspectRatio,omitempty"`
	ProjectID        string   `json:"projectId,omitempty"`
	PromptTemplateID string   `json:"promptTemplateId,omitempty"`
	ReferenceType    string   `json:"referenceType,omitempty"`
	TargetImageID    string   `json:"targetImageId,omitempty"`
	ReferenceIDs     []string `json:"referenceImageIds,omitempty"`
}

// AIMetadata is the response-side payload stored on the row.
type AIMetadata struct {
	ImageIDs []string `json:"imageIds,omitempty"`
	Model    string   `json:"model,omitempty"`
	Attempts int      `json:"attempts,omitempty"`
}

func (m Metadata) Value() (driver.Value, error)   { return json.Marshal(m) }
func (m *Metadata) Scan(src any) error            { return scanJSON(src, m) }
func (m AIMetadata) Value() (driver.Value, error) { return json.Marshal(m) }
func (m *AIMetadata) Scan(src any) error          { return scanJSON(src, m) }

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	case nil:
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
}

// Generation is one request for N images.
type Generation struct {
	ID               string     `db:"id" json:"id"`
	UserID           string     `db:"user_id" json:"userId"`
	ProjectID        *string    `db:"project_id" json:"projectId,omitempty"`
	OperationTypeID  string     `db:"operation_type_id" json:"operationTypeId"`
	Prompt           string     `db:"prompt" json:"prompt"`
	NegativePrompt   *string    `db:"negative_prompt" json:"negativePrompt,omitempty"`
	InputImageID     *string    `db:"input_image_id" json:"inputImageId,omitempty"`
	ReferenceImageID *string    `db:"reference_image_id" json:"referenceImageId,omitempty"`
	TargetImageID    *string    `db:"target_image_id" json:"targetImageId,omitempty"`
	ReferenceType    *string    `db:"reference_type" json:"referenceType,omitempty"`
	PromptTemplateID *string    `db:"prompt_template_id" json:"promptTemplateId,omitempty"`
	Model            string     `db:"model" json:"model"`
	Status           string     `db:"status" json:"status"`
	Progress         int        `db:"progress" json:"progress"`
	TokensUsed       int        `db:"tokens_used" json:"tokensUsed"`
	ErrorMessage     *string    `db:"error_message" json:"errorMessage,omitempty"`
	ProcessingTimeMs *int64     `db:"processing_time_ms" json:"processingTimeMs,omitempty"`
	Metadata         Metadata   `db:"metadata" json:"metadata"`
	AIMetadata       AIMetadata `db:"ai_metadata" json:"aiMetadata"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
	CompletedAt      *time.Time `db:"completed_at" json:"completedAt,omitempty"`
}

// ImageInfo describes one output artifact in views and realtime payloads.
type ImageInfo struct {
	ImageID   string `json:"imageId"`
	ImageURL  string `json:"imageUrl"`
	Mime      string `json:"mime"`
	SizeBytes int64  `json:"sizeBytes"`
}
