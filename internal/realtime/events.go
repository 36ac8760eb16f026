package realtime

import "github.com/honam867/tasty-banana-v2-sub001/internal/generation"

// Event names pushed over user sockets.
const (
	EventGenerationProgress  = "generation_progress"
	EventGenerationCompleted = "generation_completed"
	EventGenerationFailed    = "generation_failed"
	EventTokenBalanceUpdated = "token_balance_updated"
	EventUserOnline          = "user_online"
	EventUserOffline         = "user_offline"
)

// ProgressPayload reports coarse progress for an in-flight generation.
type ProgressPayload struct {
	GenerationID string `json:"generationId"`
	JobID        string `json:"jobId,omitempty"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	Message      string `json:"message,omitempty"`
}

// TokensSummary reports the charge for a completed generation and the
// balance left after it.
type TokensSummary struct {
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
}

// CompletedResult carries the final artifacts of a generation.
type CompletedResult struct {
	Images   []generation.ImageInfo `json:"images"`
	Tokens   TokensSummary          `json:"tokens"`
	Metadata generation.Metadata    `json:"metadata"`
}

type CompletedPayload struct {
	GenerationID     string          `json:"generationId"`
	JobID            string          `json:"jobId,omitempty"`
	Status           string          `json:"status"`
	Result           CompletedResult `json:"result"`
	ProcessingTimeMs int64           `json:"processingTimeMs"`
}

// FailedPayload reports a terminal failure; no tokens were charged.
type FailedPayload struct {
	GenerationID string `json:"generationId"`
	JobID        string `json:"jobId,omitempty"`
	Status       string `json:"status"`
	Error        string `json:"error"`
}

// BalancePayload mirrors every committed ledger mutation.
type BalancePayload struct {
	Balance int    `json:"balance"`
	Change  int    `json:"change"`
	Reason  string `json:"reason"`
}

// PresencePayload announces a user joining or leaving.
type PresencePayload struct {
	UserID string `json:"userId"`
}
