package generation

import "time"

// ViewMetadata is the request-side subset exposed on timeline entries.
type ViewMetadata struct {
	Prompt         string `json:"prompt"`
	NumberOfImages int    `json:"numberOfImages"`
	AspectRatio    string `json:"aspectRatio,omitempty"`
	ProjectID      string `json:"projectId,omitempty"`
}

// View is the unified timeline representation of a generation. Fields not
// applicable to the row's status are omitted.
type View struct {
	GenerationID     string       `json:"generationId"`
	Status           string       `json:"status"`
	Progress         int          `json:"progress"`
	CreatedAt        time.Time    `json:"createdAt"`
	Metadata         ViewMetadata `json:"metadata"`
	CompletedAt      *time.Time   `json:"completedAt,omitempty"`
	Images           []ImageInfo  `json:"images,omitempty"`
	TokensUsed       *int         `json:"tokensUsed,omitempty"`
	ProcessingTimeMs *int64       `json:"processingTimeMs,omitempty"`
	Error            string       `json:"error,omitempty"`
}

// BuildView shapes one row for the timeline. For completed rows the caller
// resolves output uploads into images; other statuses ignore the argument.
func BuildView(g *Generation, images []ImageInfo) View {
	v := View{
		GenerationID: g.ID,
		Status:       g.Status,
		Progress:     g.Progress,
		CreatedAt:    g.CreatedAt,
		Metadata: ViewMetadata{
			Prompt:         g.Metadata.Prompt,
			NumberOfImages: g.Metadata.NumberOfImages,
			AspectRatio:    g.Metadata.AspectRatio,
			ProjectID:      g.Metadata.ProjectID,
		},
	}
	switch g.Status {
	case StatusCompleted:
		v.CompletedAt = g.CompletedAt
		v.Images = images
		tokens := g.TokensUsed
		v.TokensUsed = &tokens
		v.ProcessingTimeMs = g.ProcessingTimeMs
	case StatusFailed:
		v.Progress = 0
		zero := 0
		v.TokensUsed = &zero
		if g.ErrorMessage != nil {
			v.Error = *g.ErrorMessage
		}
	}
	return v
}
